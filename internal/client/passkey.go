// ABOUTME: Device-side client for the email-scoped passkey flows
// ABOUTME: Separate storage namespace from the owner-lock client

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/2389/warden-gate/internal/api"
)

// conditionalCeremonyTimeout applies to autofill-style login, where the
// prompt waits passively in a form field.
const conditionalCeremonyTimeout = 300 * time.Second

// PasskeyClient drives the multi-device passkey flows.
type PasskeyClient struct {
	transport *transport
	storage   Storage
	auth      Authenticator
	logger    *slog.Logger
	inFlight  atomic.Bool
}

// PasskeyOption configures a PasskeyClient.
type PasskeyOption func(*PasskeyClient)

// WithPasskeyHTTPClient overrides the HTTP client used for server calls.
func WithPasskeyHTTPClient(hc *http.Client) PasskeyOption {
	return func(c *PasskeyClient) { c.transport.client = hc }
}

// WithPasskeyStorage overrides the probed storage tier.
func WithPasskeyStorage(s Storage) PasskeyOption {
	return func(c *PasskeyClient) { c.storage = s }
}

// NewPasskey creates a PasskeyClient talking to the server at baseURL.
func NewPasskey(baseURL, stateDir string, auth Authenticator, opts ...PasskeyOption) *PasskeyClient {
	c := &PasskeyClient{
		transport: newTransport(baseURL, nil),
		storage:   OpenStorage(stateDir),
		auth:      auth,
		logger:    slog.Default().With("component", "passkey-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckSupport reports whether this device can run credential ceremonies.
func (c *PasskeyClient) CheckSupport(ctx context.Context) error {
	if c.auth == nil || !c.auth.Available(ctx) {
		return ErrUnsupported
	}
	return nil
}

// SessionToken returns the locally held session token, or "".
func (c *PasskeyClient) SessionToken() string {
	token, _ := c.storage.Get(passkeyPrefix + keySessionToken)
	return token
}

// Email returns the signed-in account email, or "".
func (c *PasskeyClient) Email() string {
	email, _ := c.storage.Get(passkeyPrefix + "email")
	return email
}

// CheckUser reports whether an email already has an account with passkeys,
// so the UI can pick between register and sign-in.
func (c *PasskeyClient) CheckUser(ctx context.Context, email string) (*api.CheckUserResponse, error) {
	return c.transport.passkeyCheckUser(ctx, email)
}

func (c *PasskeyClient) beginCeremony() error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrCeremonyInFlight
	}
	return nil
}

func (c *PasskeyClient) endCeremony() {
	c.inFlight.Store(false)
}

// Register creates a passkey for an email account. Session token and email
// are only written after the server verifies the attestation.
func (c *PasskeyClient) Register(ctx context.Context, email string, progress chan<- ProgressEvent) error {
	if err := c.beginCeremony(); err != nil {
		return err
	}
	defer c.endCeremony()

	emit(progress, StageCheckingSupport, "checking platform support")
	if err := c.CheckSupport(ctx); err != nil {
		return err
	}

	emit(progress, StageRequesting, "requesting registration options")
	start, err := c.transport.passkeyStartRegister(ctx, email)
	if err != nil {
		return err
	}

	emit(progress, StageAwaitingUser, "waiting for "+AuthenticatorLabel())
	ceremonyCtx, cancel := context.WithTimeout(ctx, ceremonyTimeout)
	defer cancel()
	credential, err := c.auth.Create(ceremonyCtx, start.Options)
	if err != nil {
		if errors.Is(ceremonyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: ceremony timed out", ErrCancelled)
		}
		return err
	}

	emit(progress, StageVerifying, "verifying with server")
	result, err := c.transport.passkeyCompleteRegister(ctx, email, start.SessionID, credential)
	if err != nil {
		return err
	}
	if !result.Verified {
		return fmt.Errorf("%w: server did not verify the credential", ErrService)
	}

	return c.storeSession(result)
}

// Authenticate runs a modal discoverable login; no email is needed because
// the credential identifies the account.
func (c *PasskeyClient) Authenticate(ctx context.Context, progress chan<- ProgressEvent) error {
	return c.login(ctx, progress, false)
}

// AuthenticateConditional runs the autofill-style login with its longer
// timeout. The platform may resolve it without a modal prompt.
func (c *PasskeyClient) AuthenticateConditional(ctx context.Context) error {
	return c.login(ctx, nil, true)
}

func (c *PasskeyClient) login(ctx context.Context, progress chan<- ProgressEvent, conditional bool) error {
	if err := c.beginCeremony(); err != nil {
		return err
	}
	defer c.endCeremony()

	emit(progress, StageCheckingSupport, "checking platform support")
	if err := c.CheckSupport(ctx); err != nil {
		return err
	}

	emit(progress, StageRequesting, "requesting login options")
	start, err := c.transport.passkeyStartLogin(ctx, conditional)
	if err != nil {
		return err
	}

	timeout := ceremonyTimeout
	if conditional {
		timeout = conditionalCeremonyTimeout
	}

	emit(progress, StageAwaitingUser, "waiting for "+AuthenticatorLabel())
	ceremonyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	credential, err := c.auth.Get(ceremonyCtx, start.Options)
	if err != nil {
		if errors.Is(ceremonyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: ceremony timed out", ErrCancelled)
		}
		return err
	}

	emit(progress, StageVerifying, "verifying with server")
	result, err := c.transport.passkeyCompleteLogin(ctx, start.SessionID, credential)
	if err != nil {
		return err
	}
	if !result.Verified {
		return fmt.Errorf("%w: server did not verify the assertion", ErrService)
	}

	if err := c.storeSession(result); err != nil {
		return err
	}
	emit(progress, StageDone, "signed in")
	return nil
}

func (c *PasskeyClient) storeSession(result *api.PasskeyCompleteResponse) error {
	if err := c.storage.Set(passkeyPrefix+keySessionToken, result.SessionToken); err != nil {
		return fmt.Errorf("persisting session token: %w", err)
	}
	if result.Email != "" {
		if err := c.storage.Set(passkeyPrefix+"email", result.Email); err != nil {
			return fmt.Errorf("persisting email: %w", err)
		}
	}
	return nil
}

// ListPasskeys returns the account's registered passkeys.
func (c *PasskeyClient) ListPasskeys(ctx context.Context) ([]api.PasskeyInfo, error) {
	token := c.SessionToken()
	if token == "" {
		return nil, fmt.Errorf("%w: no session", ErrInvalidState)
	}
	resp, err := c.transport.passkeyList(ctx, token)
	if err != nil {
		return nil, err
	}
	return resp.Passkeys, nil
}

// DeletePasskey removes one of the account's passkeys.
func (c *PasskeyClient) DeletePasskey(ctx context.Context, id string) error {
	token := c.SessionToken()
	if token == "" {
		return fmt.Errorf("%w: no session", ErrInvalidState)
	}
	return c.transport.passkeyDelete(ctx, token, id)
}

// Logout clears the local session; the server notification is best-effort.
func (c *PasskeyClient) Logout() {
	token := c.SessionToken()
	c.storage.Delete(passkeyPrefix + keySessionToken)
	c.storage.Delete(passkeyPrefix + "email")
	if token == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.passkeyLogout(ctx, token); err != nil {
			c.logger.Debug("logout notification failed", "error", err)
		}
	}()
}
