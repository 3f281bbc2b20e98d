// ABOUTME: Tests for the email-scoped passkey service
// ABOUTME: Ceremony verification is stubbed; stores and sessions are real

package passkey

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden-gate/internal/challenge"
	"github.com/2389/warden-gate/internal/session"
	"github.com/2389/warden-gate/internal/store"
)

type stubProvider struct {
	credential *webauthn.Credential
	createErr  error
}

func (p *stubProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return &protocol.CredentialCreation{}, &webauthn.SessionData{
		Challenge: "test-challenge",
		UserID:    user.WebAuthnID(),
	}, nil
}

func (p *stubProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.credential, nil
}

func (p *stubProvider) BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "test-challenge"}, nil
}

func (p *stubProvider) ValidateDiscoverableLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if _, err := handler(response.RawID, response.Response.UserHandle); err != nil {
		return nil, err
	}
	return p.credential, nil
}

type stubParser struct {
	rawID      []byte
	userHandle []byte
}

func (p *stubParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (p *stubParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = p.rawID
	parsed.Response.UserHandle = p.userHandle
	return parsed, nil
}

func newTestService(t *testing.T) (*Service, *stubProvider, *stubParser, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	challenges := challenge.NewMemoryStore()
	t.Cleanup(func() { challenges.Close() })

	svc, err := New(st, challenges, session.NewIssuer([]byte("test-secret")), Config{
		BaseURL:       "https://warden.example.com",
		RPDisplayName: "warden test",
		SessionTTL:    time.Hour,
	})
	require.NoError(t, err)

	provider := &stubProvider{credential: &webauthn.Credential{
		ID:              []byte("pk-cred-1"),
		PublicKey:       []byte("test-public-key"),
		AttestationType: "none",
		Authenticator:   webauthn.Authenticator{SignCount: 1},
	}}
	parser := &stubParser{rawID: []byte("pk-cred-1")}
	svc.webauthn = provider
	svc.parser = parser

	return svc, provider, parser, st
}

// registerPasskey runs a full registration ceremony for an email.
func registerPasskey(t *testing.T, svc *Service, email string) string {
	t.Helper()
	ctx := context.Background()

	start, err := svc.BeginRegistration(ctx, email)
	require.NoError(t, err)

	complete, err := svc.CompleteRegistration(ctx, email, start.SessionID, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, complete.Verified)
	require.NotEmpty(t, complete.SessionToken)

	return complete.SessionToken
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"User@Example.COM", "user@example.com", false},
		{"  a@b.co  ", "a@b.co", false},
		{"not-an-email", "", true},
		{"@example.com", "", true},
		{"user@", "", true},
		{"a@b@c", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeEmail(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidEmail, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestRegistration_CreatesUserAndCredential(t *testing.T) {
	svc, _, _, st := newTestService(t)
	ctx := context.Background()

	registerPasskey(t, svc, "User@Example.com")

	user, err := st.GetPasskeyUserByEmail(ctx, "user@example.com")
	require.NoError(t, err)

	creds, err := st.GetPasskeyCredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, []byte("pk-cred-1"), creds[0].CredentialID)
}

func TestRegistration_FailedCeremonyPersistsNothing(t *testing.T) {
	svc, provider, _, st := newTestService(t)
	ctx := context.Background()

	start, err := svc.BeginRegistration(ctx, "user@example.com")
	require.NoError(t, err)

	provider.createErr = assert.AnError
	_, err = svc.CompleteRegistration(ctx, "user@example.com", start.SessionID, []byte(`{}`))
	require.ErrorIs(t, err, ErrCeremonyFailed)

	_, err = st.GetPasskeyUserByEmail(ctx, "user@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistration_SecondPasskeySameAccount(t *testing.T) {
	svc, provider, _, st := newTestService(t)
	ctx := context.Background()

	registerPasskey(t, svc, "user@example.com")

	provider.credential = &webauthn.Credential{
		ID:        []byte("pk-cred-2"),
		PublicKey: []byte("test-public-key"),
	}
	registerPasskey(t, svc, "user@example.com")

	user, err := st.GetPasskeyUserByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	creds, err := st.GetPasskeyCredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestLogin_Discoverable(t *testing.T) {
	svc, provider, parser, st := newTestService(t)
	ctx := context.Background()
	registerPasskey(t, svc, "user@example.com")

	user, err := st.GetPasskeyUserByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	parser.userHandle = []byte(user.ID)
	provider.credential.Authenticator.SignCount = 4

	start, err := svc.BeginLogin(ctx, false)
	require.NoError(t, err)

	complete, err := svc.CompleteLogin(ctx, start.SessionID, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, complete.Verified)
	assert.Equal(t, "user@example.com", complete.Email)
	assert.NotEmpty(t, complete.SessionToken)

	creds, err := st.GetPasskeyCredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint32(4), creds[0].SignCount)
}

func TestLogin_ConditionalTimeout(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	start, err := svc.BeginLogin(context.Background(), true)
	require.NoError(t, err)

	var options protocol.CredentialAssertion
	require.NoError(t, json.Unmarshal(start.Options, &options))
	assert.Equal(t, 300000, options.Response.Timeout)
}

func TestLogin_UnknownCredential(t *testing.T) {
	svc, _, parser, _ := newTestService(t)
	ctx := context.Background()
	registerPasskey(t, svc, "user@example.com")

	parser.rawID = []byte("never-registered")

	start, err := svc.BeginLogin(ctx, false)
	require.NoError(t, err)

	_, err = svc.CompleteLogin(ctx, start.SessionID, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestList_And_Delete(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	token := registerPasskey(t, svc, "user@example.com")

	list, err := svc.List(ctx, token)
	require.NoError(t, err)
	require.Len(t, list.Passkeys, 1)

	require.NoError(t, svc.Delete(ctx, token, list.Passkeys[0].ID))

	list, err = svc.List(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, list.Passkeys)

	err = svc.Delete(ctx, token, "already-gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_RequiresSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.List(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestCheckUser(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.CheckUser(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, resp.Exists)
	assert.False(t, resp.HasPasskeys)

	registerPasskey(t, svc, "user@example.com")

	resp, err = svc.CheckUser(ctx, "USER@example.com")
	require.NoError(t, err)
	assert.True(t, resp.Exists)
	assert.True(t, resp.HasPasskeys)
}

func TestLogout_RevokesSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	token := registerPasskey(t, svc, "user@example.com")

	require.NoError(t, svc.Logout(ctx, token))

	_, err := svc.List(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	// Idempotent
	require.NoError(t, svc.Logout(ctx, token))
}
