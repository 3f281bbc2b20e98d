// ABOUTME: Email-scoped multi-device passkey service with discoverable credentials
// ABOUTME: Registration, modal and conditional login, passkey listing and removal

package passkey

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/warden-gate/internal/challenge"
	"github.com/2389/warden-gate/internal/session"
	"github.com/2389/warden-gate/internal/store"
)

// Service errors.
var (
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrInvalidChallenge  = errors.New("invalid or expired challenge")
	ErrUnknownCredential = errors.New("unknown credential")
	ErrCeremonyFailed    = errors.New("ceremony verification failed")
	ErrInvalidSession    = errors.New("invalid session")
	ErrNotFound          = errors.New("not found")
)

// conditionalTimeout is the ceremony timeout for autofill-style login, much
// longer than the modal default because the prompt sits passively in a form.
const conditionalTimeout = 300 * time.Second

type ceremonyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateDiscoverableLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

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

// Config holds the passkey service settings.
type Config struct {
	BaseURL       string
	RPDisplayName string
	SessionTTL    time.Duration
}

// Service implements the email-scoped passkey flows.
type Service struct {
	store      store.Store
	challenges challenge.Store
	issuer     *session.Issuer
	webauthn   ceremonyProvider
	parser     ceremonyParser
	config     Config
	logger     *slog.Logger
}

// New creates the passkey service.
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

	return &Service{
		store:      st,
		challenges: challenges,
		issuer:     issuer,
		webauthn:   w,
		parser:     defaultCeremonyParser{},
		config:     cfg,
		logger:     slog.Default().With("component", "passkey"),
	}, nil
}

func deriveRelyingParty(baseURL string) (rpID string, rpOrigins []string) {
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Hostname() == "" {
		return rpID, rpOrigins
	}

	rpID = parsed.Hostname()
	rpOrigins = []string{baseURL}
	if parsed.Scheme == "https" {
		rpOrigins = append(rpOrigins, "http://"+parsed.Host)
	} else {
		rpOrigins = append(rpOrigins, "https://"+parsed.Host)
	}
	return rpID, rpOrigins
}

// normalizeEmail canonicalizes an email address for storage and lookup.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 || strings.Contains(email[at+1:], "@") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// passkeyUser adapts a store user to the webauthn.User interface.
type passkeyUser struct {
	id    string
	email string
	creds []*store.PasskeyCredential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.email
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.email
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
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
