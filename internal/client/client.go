// ABOUTME: Device-side client for the owner-lock auth flows
// ABOUTME: One instance per device; holds storage, transport, and ceremony guard

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/2389/warden-gate/internal/api"
	"github.com/2389/warden-gate/internal/codec"
)

// ceremonyTimeout bounds a platform credential ceremony; on expiry the
// ceremony fails the same way a user cancellation does.
const ceremonyTimeout = 60 * time.Second

// Storage keys. The owner-lock and passkey variants use distinct prefixes so
// their state never cross-contaminates.
const (
	gatePrefix    = "biometric."
	passkeyPrefix = "passkey."

	keyDeviceID     = "device_id"
	keyCredentialID = "credential_id"
	keyUserID       = "user_id"
	keySessionToken = "session_token"
)

// ProgressStage identifies a step of a ceremony.
type ProgressStage string

const (
	StageCheckingSupport ProgressStage = "checking-support"
	StageRequesting      ProgressStage = "requesting-challenge"
	StageAwaitingUser    ProgressStage = "awaiting-authenticator"
	StageVerifying       ProgressStage = "verifying"
	StageDone            ProgressStage = "done"
)

// ProgressEvent is emitted as a ceremony advances. Callers receive events on
// the channel they pass in; sends never block, so a slow consumer only
// misses updates, it cannot stall the ceremony.
type ProgressEvent struct {
	Stage   ProgressStage
	Message string
}

func emit(progress chan<- ProgressEvent, stage ProgressStage, message string) {
	if progress == nil {
		return
	}
	select {
	case progress <- ProgressEvent{Stage: stage, Message: message}:
	default:
	}
}

// Client drives the owner-lock flows for one device.
type Client struct {
	transport *transport
	storage   Storage
	auth      Authenticator
	logger    *slog.Logger
	inFlight  atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for server calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.transport.client = hc }
}

// WithStorage overrides the probed storage tier.
func WithStorage(s Storage) Option {
	return func(c *Client) { c.storage = s }
}

// New creates a Client talking to the server at baseURL, persisting state
// under stateDir, and running ceremonies through auth.
func New(baseURL, stateDir string, auth Authenticator, opts ...Option) *Client {
	c := &Client{
		transport: newTransport(baseURL, nil),
		storage:   OpenStorage(stateDir),
		auth:      auth,
		logger:    slog.Default().With("component", "client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckSupport reports whether this device can run credential ceremonies.
func (c *Client) CheckSupport(ctx context.Context) error {
	if c.auth == nil || !c.auth.Available(ctx) {
		return ErrUnsupported
	}
	return nil
}

// DeviceID returns this device's stable identifier, creating one on first
// call. The same storage always yields the same id.
func (c *Client) DeviceID() (string, error) {
	if id, ok := c.storage.Get(gatePrefix + keyDeviceID); ok {
		return id, nil
	}
	id, err := codec.RandomHex(16)
	if err != nil {
		return "", fmt.Errorf("generating device id: %w", err)
	}
	if err := c.storage.Set(gatePrefix+keyDeviceID, id); err != nil {
		return "", fmt.Errorf("persisting device id: %w", err)
	}
	return id, nil
}

// CheckAccessStatus asks the server where this device stands. Transport
// failures resolve to a service-error status rather than an error so the
// caller's decision logic (Decide) sees the tri-state directly.
func (c *Client) CheckAccessStatus(ctx context.Context) (*api.AccessStatus, error) {
	deviceID, err := c.DeviceID()
	if err != nil {
		return nil, err
	}

	status, err := c.transport.checkAccess(ctx, deviceID)
	if err != nil {
		c.logger.Warn("access check failed", "error", err)
		return &api.AccessStatus{ServiceError: true}, nil
	}
	return status, nil
}

// SessionToken returns the locally held session token, or "" when there is
// none. Presence of a token is only a claim; VerifySession settles it.
func (c *Client) SessionToken() string {
	token, _ := c.storage.Get(gatePrefix + keySessionToken)
	return token
}

// IsSessionVerified is the optimistic local view: a token is present.
func (c *Client) IsSessionVerified() bool {
	return c.SessionToken() != ""
}

// VerifySession checks the held token with the server. Any failure, a
// definitive "not valid" or a transport error, clears the token locally: a
// session that cannot be confirmed is treated as gone and the user
// re-authenticates.
func (c *Client) VerifySession(ctx context.Context) (bool, error) {
	token := c.SessionToken()
	if token == "" {
		return false, nil
	}

	status, err := c.transport.verifySession(ctx, token)
	if err != nil {
		c.ClearSession()
		return false, err
	}
	if !status.Valid {
		c.ClearSession()
		return false, nil
	}
	return true, nil
}

// ClearSession drops the local session token. Server notification is
// best-effort and fire-and-forget: local clearing is authoritative here.
func (c *Client) ClearSession() {
	token := c.SessionToken()
	c.storage.Delete(gatePrefix + keySessionToken)
	if token == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.logout(ctx, token); err != nil {
			c.logger.Debug("logout notification failed", "error", err)
		}
	}()
}

// CredentialID returns the locally stored credential reference, if any.
func (c *Client) CredentialID() string {
	id, _ := c.storage.Get(gatePrefix + keyCredentialID)
	return id
}

// purgeCredential drops the local credential reference and user id after the
// server reports them stale.
func (c *Client) purgeCredential() {
	c.storage.Delete(gatePrefix + keyCredentialID)
	c.storage.Delete(gatePrefix + keyUserID)
}

// beginCeremony enforces the one-ceremony-at-a-time rule.
func (c *Client) beginCeremony() error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrCeremonyInFlight
	}
	return nil
}

func (c *Client) endCeremony() {
	c.inFlight.Store(false)
}
