// ABOUTME: Owner-lock authentication service binding the dashboard to one account
// ABOUTME: WebAuthn ceremonies, access-status resolution, and session issuance

package gate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/warden-gate/internal/challenge"
	"github.com/2389/warden-gate/internal/session"
	"github.com/2389/warden-gate/internal/store"
)

// Service errors. Handlers map these to wire codes; anything unrecognized is
// treated as a service error.
var (
	ErrLocked            = errors.New("dashboard is locked to another device")
	ErrInvalidChallenge  = errors.New("invalid or expired challenge")
	ErrUnknownCredential = errors.New("unknown credential")
	ErrCeremonyFailed    = errors.New("ceremony verification failed")
	ErrInvalidSession    = errors.New("invalid session")
	ErrLinkNotFound      = errors.New("device link code not recognized")
)

// ceremonyProvider is the slice of the webauthn library the service uses.
// Tests substitute a stub so handler logic can be exercised without forging
// authenticator payloads.
type ceremonyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// ceremonyParser parses raw authenticator responses off the wire.
type ceremonyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultCeremonyParser struct{}

func (defaultCeremonyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultCeremonyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Config holds the gate service settings.
type Config struct {
	BaseURL       string
	RPDisplayName string
	SessionTTL    time.Duration
	DeviceLinkTTL time.Duration
	LinkGrace     time.Duration
}

// Service implements the owner-lock flows.
type Service struct {
	store      store.Store
	challenges challenge.Store
	issuer     *session.Issuer
	webauthn   ceremonyProvider
	parser     ceremonyParser
	config     Config
	logger     *slog.Logger
}

// New creates the gate service. The relying party identity is derived from
// config.BaseURL.
func New(st store.Store, challenges challenge.Store, issuer *session.Issuer, cfg Config) (*Service, error) {
	rpID, rpOrigins := deriveRelyingParty(cfg.BaseURL)

	displayName := cfg.RPDisplayName
	if displayName == "" {
		displayName = "warden gate"
	}

	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: displayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, err
	}

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	if cfg.DeviceLinkTTL == 0 {
		cfg.DeviceLinkTTL = 15 * time.Minute
	}
	if cfg.LinkGrace == 0 {
		cfg.LinkGrace = 15 * time.Minute
	}

	return &Service{
		store:      st,
		challenges: challenges,
		issuer:     issuer,
		webauthn:   w,
		parser:     defaultCeremonyParser{},
		config:     cfg,
		logger:     slog.Default().With("component", "gate"),
	}, nil
}

// deriveRelyingParty extracts rpID and rpOrigins from a base URL.
// Returns localhost defaults if the URL is empty or invalid.
func deriveRelyingParty(baseURL string) (rpID string, rpOrigins []string) {
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return rpID, rpOrigins
	}

	host := parsed.Hostname()
	if host == "" {
		return rpID, rpOrigins
	}

	rpID = host
	rpOrigins = []string{baseURL}
	if parsed.Scheme == "https" {
		rpOrigins = append(rpOrigins, "http://"+parsed.Host)
	} else {
		rpOrigins = append(rpOrigins, "https://"+parsed.Host)
	}
	return rpID, rpOrigins
}

// gateUser adapts the owner account to the webauthn.User interface.
type gateUser struct {
	userID string
	creds  []*store.Credential
}

func (u *gateUser) WebAuthnID() []byte {
	return []byte(u.userID)
}

func (u *gateUser) WebAuthnName() string {
	return "owner"
}

func (u *gateUser) WebAuthnDisplayName() string {
	return "Dashboard Owner"
}

func (u *gateUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		creds[i] = webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			_ = json.Unmarshal([]byte(c.Transports), &transports)
			creds[i].Transport = transports
		}
	}
	return creds
}

// exclusionList builds descriptors preventing re-registration of credentials
// the user already holds.
func exclusionList(creds []*store.Credential) []protocol.CredentialDescriptor {
	descriptors := make([]protocol.CredentialDescriptor, len(creds))
	for i, c := range creds {
		descriptors[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		}
	}
	return descriptors
}
