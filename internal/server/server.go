// ABOUTME: Server assembly: wires store, challenge store, and auth services into HTTP
// ABOUTME: Serves over plain TCP or a tsnet Tailscale node with optional HTTPS/funnel

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/warden-gate/internal/challenge"
	"github.com/2389/warden-gate/internal/config"
	"github.com/2389/warden-gate/internal/gate"
	"github.com/2389/warden-gate/internal/passkey"
	"github.com/2389/warden-gate/internal/session"
	"github.com/2389/warden-gate/internal/store"
)

const shutdownTimeout = 10 * time.Second

// janitorInterval is how often expired links and sessions are swept.
const janitorInterval = 10 * time.Minute

// Server runs the warden-gate HTTP service.
type Server struct {
	config      *config.Config
	logger      *slog.Logger
	store       store.Store
	challenges  challenge.Store
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	janitorStop context.CancelFunc
}

// New assembles a Server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	challenges, err := newChallengeStore(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	issuer := session.NewIssuer([]byte(cfg.Auth.JWTSecret))

	gateSvc, err := gate.New(st, challenges, issuer, gate.Config{
		BaseURL:       cfg.Gate.BaseURL,
		RPDisplayName: cfg.Gate.RPDisplayName,
		SessionTTL:    cfg.Auth.SessionTTL,
		DeviceLinkTTL: cfg.Gate.DeviceLinkTTL,
		LinkGrace:     cfg.Gate.LinkGrace,
	})
	if err != nil {
		st.Close()
		_ = challenges.Close()
		return nil, fmt.Errorf("initializing gate service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	gate.NewHandler(gateSvc).RegisterRoutes(mux)

	if cfg.Passkey.Enabled {
		passkeySvc, err := passkey.New(st, challenges, issuer, passkey.Config{
			BaseURL:       cfg.Gate.BaseURL,
			RPDisplayName: cfg.Gate.RPDisplayName,
			SessionTTL:    cfg.Auth.SessionTTL,
		})
		if err != nil {
			st.Close()
			_ = challenges.Close()
			return nil, fmt.Errorf("initializing passkey service: %w", err)
		}
		passkey.NewHandler(passkeySvc).RegisterRoutes(mux)
	}

	s := &Server{
		config:     cfg,
		logger:     logger,
		store:      st,
		challenges: challenges,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return s, nil
}

// newChallengeStore picks redis-backed or in-memory challenge storage.
func newChallengeStore(cfg *config.Config) (challenge.Store, error) {
	if !cfg.Redis.Enabled {
		return challenge.NewMemoryStore(), nil
	}
	rs, err := challenge.NewRedisStore(context.Background(), cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("initializing redis challenge store: %w", err)
	}
	return rs, nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// janitor sweeps expired device links and sessions.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.DeleteExpiredDeviceLinks(ctx); err != nil {
				s.logger.Warn("failed to sweep expired device links", "error", err)
			}
			if err := s.store.DeleteExpiredGateSessions(ctx); err != nil {
				s.logger.Warn("failed to sweep expired sessions", "error", err)
			}
		}
	}
}

// Run starts the server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	s.janitorStop = cancel
	go s.janitor(janitorCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	s.logger.Info("starting server", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "warden-gate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns an HTTP listener.
// WebAuthn needs a stable HTTPS origin, which the HTTPS and funnel modes
// provide via Tailscale's cert provisioning.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.setupTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener serves HTTPS with Tailscale's auto-provisioned certs.
func (s *Server) setupTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.janitorStop != nil {
		s.janitorStop()
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tailscale node: %w", err))
		}
	}
	if err := s.challenges.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing challenge store: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server stopped")
	return nil
}
