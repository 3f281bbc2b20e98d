// ABOUTME: Tests for the owner-lock gate service
// ABOUTME: Ceremony verification is stubbed; stores and sessions are real

package gate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
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

// stubProvider substitutes for the webauthn library so ceremonies can be
// driven without real authenticator payloads.
type stubProvider struct {
	credential  *webauthn.Credential
	createErr   error
	validateErr error
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

func (p *stubProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{
		Challenge: "test-challenge",
		UserID:    user.WebAuthnID(),
	}, nil
}

func (p *stubProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if p.validateErr != nil {
		return nil, p.validateErr
	}
	return p.credential, nil
}

type stubParser struct {
	rawID []byte
}

func (p *stubParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (p *stubParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = p.rawID
	return parsed, nil
}

func testCredential(id string) *webauthn.Credential {
	return &webauthn.Credential{
		ID:              []byte(id),
		PublicKey:       []byte("test-public-key"),
		AttestationType: "none",
		Authenticator:   webauthn.Authenticator{SignCount: 1},
	}
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
		DeviceLinkTTL: 15 * time.Minute,
		LinkGrace:     15 * time.Minute,
	})
	require.NoError(t, err)

	provider := &stubProvider{credential: testCredential("cred-1")}
	parser := &stubParser{rawID: []byte("cred-1")}
	svc.webauthn = provider
	svc.parser = parser

	return svc, provider, parser, st
}

// registerDevice runs the full registration ceremony for a device.
func registerDevice(t *testing.T, svc *Service, deviceID string) string {
	t.Helper()
	ctx := context.Background()

	begin, err := svc.BeginRegister(ctx, deviceID)
	require.NoError(t, err)

	finish, err := svc.FinishRegister(ctx, deviceID, begin.ChallengeToken, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, finish.Verified)
	require.NotEmpty(t, finish.SessionToken)

	return finish.SessionToken
}

// failingStore simulates storage outages for access-status checks.
type failingStore struct {
	store.Store
}

func (failingStore) GetOwner(ctx context.Context) (*store.Owner, error) {
	return nil, errors.New("database unavailable")
}

func TestCheckAccess_NoOwner(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	status := svc.CheckAccess(context.Background(), "device-1")
	require.NotNil(t, status.HasOwner)
	assert.False(t, *status.HasOwner)
	require.NotNil(t, status.IsOwnerDevice)
	assert.False(t, *status.IsOwnerDevice)
	assert.False(t, status.ServiceError)
}

func TestCheckAccess_OwnerAndOtherDevice(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	registerDevice(t, svc, "device-1")

	status := svc.CheckAccess(context.Background(), "device-1")
	require.NotNil(t, status.HasOwner)
	assert.True(t, *status.HasOwner)
	require.NotNil(t, status.IsOwnerDevice)
	assert.True(t, *status.IsOwnerDevice)
	assert.False(t, status.CanLinkDevice)

	status = svc.CheckAccess(context.Background(), "device-2")
	require.NotNil(t, status.HasOwner)
	assert.True(t, *status.HasOwner)
	require.NotNil(t, status.IsOwnerDevice)
	assert.False(t, *status.IsOwnerDevice)
	assert.True(t, status.CanLinkDevice)
}

func TestCheckAccess_ServiceErrorLeavesOwnerUnknown(t *testing.T) {
	svc, _, _, st := newTestService(t)
	svc.store = failingStore{Store: st}

	status := svc.CheckAccess(context.Background(), "device-1")
	assert.True(t, status.ServiceError)
	assert.Nil(t, status.HasOwner)
	assert.Nil(t, status.IsOwnerDevice)
}

func TestRegister_FirstDeviceBecomesOwner(t *testing.T) {
	svc, _, _, st := newTestService(t)
	ctx := context.Background()

	begin, err := svc.BeginRegister(ctx, "device-1")
	require.NoError(t, err)
	assert.NotEmpty(t, begin.ChallengeToken)
	assert.Regexp(t, "^[0-9a-f]{32}$", begin.UserID)

	finish, err := svc.FinishRegister(ctx, "device-1", begin.ChallengeToken, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, finish.Verified)
	assert.Equal(t, begin.UserID, finish.UserID)

	owner, err := st.GetOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, begin.UserID, owner.UserID)
	assert.Equal(t, "device-1", owner.DeviceID)

	creds, err := st.GetCredentialsByDevice(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, []byte("cred-1"), creds[0].CredentialID)
}

func TestRegister_SecondDeviceLocked(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	registerDevice(t, svc, "device-1")

	_, err := svc.BeginRegister(context.Background(), "device-2")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestRegister_RaceLoserPersistsNothing(t *testing.T) {
	svc, provider, _, st := newTestService(t)
	ctx := context.Background()

	beginA, err := svc.BeginRegister(ctx, "device-a")
	require.NoError(t, err)
	beginB, err := svc.BeginRegister(ctx, "device-b")
	require.NoError(t, err)

	_, err = svc.FinishRegister(ctx, "device-a", beginA.ChallengeToken, []byte(`{}`))
	require.NoError(t, err)

	provider.credential = testCredential("cred-2")
	_, err = svc.FinishRegister(ctx, "device-b", beginB.ChallengeToken, []byte(`{}`))
	require.Error(t, err)

	creds, err := st.GetCredentialsByDevice(ctx, "device-b")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestRegister_ChallengeSingleUse(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	begin, err := svc.BeginRegister(ctx, "device-1")
	require.NoError(t, err)

	_, err = svc.FinishRegister(ctx, "device-1", begin.ChallengeToken, []byte(`{}`))
	require.NoError(t, err)

	_, err = svc.FinishRegister(ctx, "device-1", begin.ChallengeToken, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestAuthenticate_RoundTrip(t *testing.T) {
	svc, provider, _, st := newTestService(t)
	ctx := context.Background()
	registerDevice(t, svc, "device-1")

	provider.credential.Authenticator.SignCount = 7

	begin, err := svc.BeginAuthenticate(ctx, "device-1")
	require.NoError(t, err)

	finish, err := svc.FinishAuthenticate(ctx, "device-1", begin.ChallengeToken, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, finish.Verified)
	assert.NotEmpty(t, finish.SessionToken)

	creds, err := st.GetCredentialsByDevice(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint32(7), creds[0].SignCount)
}

func TestAuthenticate_UnknownDevice(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	registerDevice(t, svc, "device-1")

	_, err := svc.BeginAuthenticate(context.Background(), "device-2")
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestAuthenticate_CredentialFromOtherDevice(t *testing.T) {
	svc, _, parser, _ := newTestService(t)
	ctx := context.Background()
	registerDevice(t, svc, "device-1")

	begin, err := svc.BeginAuthenticate(ctx, "device-1")
	require.NoError(t, err)

	parser.rawID = []byte("someone-elses-credential")
	_, err = svc.FinishAuthenticate(ctx, "device-1", begin.ChallengeToken, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestVerifySession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	token := registerDevice(t, svc, "device-1")

	status, err := svc.VerifySession(ctx, token)
	require.NoError(t, err)
	assert.True(t, status.Valid)

	status, err = svc.VerifySession(ctx, "garbage")
	require.NoError(t, err)
	assert.False(t, status.Valid)
}

func TestLogout_RevokesSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	token := registerDevice(t, svc, "device-1")

	require.NoError(t, svc.Logout(ctx, token))

	status, err := svc.VerifySession(ctx, token)
	require.NoError(t, err)
	assert.False(t, status.Valid)

	// Logout is idempotent
	require.NoError(t, svc.Logout(ctx, token))
}

func TestDeviceLink_FullFlow(t *testing.T) {
	svc, provider, _, _ := newTestService(t)
	ctx := context.Background()
	ownerToken := registerDevice(t, svc, "device-1")

	link, err := svc.CreateDeviceLink(ctx, ownerToken)
	require.NoError(t, err)
	require.Len(t, link.LinkCode, 6)
	for _, c := range link.LinkCode {
		assert.Contains(t, linkCodeAlphabet, string(c))
	}
	assert.Equal(t, int((15 * time.Minute).Seconds()), link.ExpiresIn)

	// Claiming is case-insensitive
	claim, err := svc.ClaimDeviceLink(ctx, "device-2", strings.ToLower(link.LinkCode))
	require.NoError(t, err)
	assert.True(t, claim.Claimed)

	// The claimed device may now register under the owner's user id
	begin, err := svc.BeginRegister(ctx, "device-2")
	require.NoError(t, err)
	assert.Equal(t, claim.UserID, begin.UserID)

	provider.credential = testCredential("cred-2")
	finish, err := svc.FinishRegister(ctx, "device-2", begin.ChallengeToken, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, finish.Verified)
}

// brokenCredentialStore fails credential inserts to simulate a transient
// database error mid-registration.
type brokenCredentialStore struct {
	store.Store
}

func (brokenCredentialStore) CreateCredential(ctx context.Context, cred *store.Credential) error {
	return errors.New("database unavailable")
}

func TestDeviceLink_FailedCredentialInsertKeepsEligibility(t *testing.T) {
	svc, provider, _, st := newTestService(t)
	ctx := context.Background()
	ownerToken := registerDevice(t, svc, "device-1")

	link, err := svc.CreateDeviceLink(ctx, ownerToken)
	require.NoError(t, err)
	_, err = svc.ClaimDeviceLink(ctx, "device-2", link.LinkCode)
	require.NoError(t, err)

	begin, err := svc.BeginRegister(ctx, "device-2")
	require.NoError(t, err)

	provider.credential = testCredential("cred-2")
	svc.store = brokenCredentialStore{Store: st}
	_, err = svc.FinishRegister(ctx, "device-2", begin.ChallengeToken, []byte(`{}`))
	require.Error(t, err)
	svc.store = st

	// The eligibility window must survive the failed insert so the device
	// can retry without a fresh link code.
	device, err := st.GetDevice(ctx, "device-2")
	require.NoError(t, err)
	require.NotNil(t, device.EligibleUntil)
	assert.True(t, device.EligibleUntil.After(time.Now()))

	// And the retry completes, consuming the window.
	registerDevice(t, svc, "device-2")
	device, err = st.GetDevice(ctx, "device-2")
	require.NoError(t, err)
	assert.Nil(t, device.EligibleUntil)
}

func TestDeviceLink_SecondClaimFails(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	ownerToken := registerDevice(t, svc, "device-1")

	link, err := svc.CreateDeviceLink(ctx, ownerToken)
	require.NoError(t, err)

	_, err = svc.ClaimDeviceLink(ctx, "device-2", link.LinkCode)
	require.NoError(t, err)

	_, err = svc.ClaimDeviceLink(ctx, "device-3", link.LinkCode)
	assert.ErrorIs(t, err, store.ErrLinkClaimed)
}

func TestDeviceLink_UnknownCode(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	registerDevice(t, svc, "device-1")

	_, err := svc.ClaimDeviceLink(context.Background(), "device-2", "ZZZZZZ")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestDeviceLink_RequiresSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	registerDevice(t, svc, "device-1")

	_, err := svc.CreateDeviceLink(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidSession)
}
