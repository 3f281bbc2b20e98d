// ABOUTME: Tests for the owner-lock client flows against a scripted server
// ABOUTME: Covers rollback, auto-clear, purge, and ceremony exclusivity

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/2389/warden-gate/internal/api"
)

// fakeAuth is a scripted platform authenticator.
type fakeAuth struct {
	available bool
	createErr error
	getErr    error
	block     chan struct{} // when set, Create blocks until closed
}

func (a *fakeAuth) Available(ctx context.Context) bool { return a.available }

func (a *fakeAuth) Create(ctx context.Context, options json.RawMessage) (json.RawMessage, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ErrCancelled
		}
	}
	if a.createErr != nil {
		return nil, a.createErr
	}
	return json.RawMessage(`{"type":"public-key","response":{}}`), nil
}

func (a *fakeAuth) Get(ctx context.Context, options json.RawMessage) (json.RawMessage, error) {
	if a.getErr != nil {
		return nil, a.getErr
	}
	return json.RawMessage(`{"type":"public-key","response":{}}`), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg, Code: code})
}

// newTestClient wires a client with memory storage and a working fake
// authenticator against the given handler.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeAuth, Storage) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	auth := &fakeAuth{available: true}
	storage := newMemoryStorage()
	c := New(server.URL, "", auth, WithStorage(storage))
	return c, auth, storage
}

func decodeGateRequest(t *testing.T, r *http.Request) api.GateRequest {
	t.Helper()
	var req api.GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	return req
}

// happyRegisterHandler implements a successful registration exchange.
func happyRegisterHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := decodeGateRequest(t, r)
		switch req.Action {
		case api.ActionGetChallenge:
			writeJSON(w, http.StatusOK, api.ChallengeResponse{
				ChallengeToken: "chal-1",
				Options:        json.RawMessage(`{"publicKey":{}}`),
				UserID:         "user-123",
			})
		case api.ActionRegister:
			writeJSON(w, http.StatusOK, api.VerifyResponse{
				Verified:     true,
				SessionToken: "session-token-1",
				UserID:       "user-123",
				CredentialID: "cred-b64",
			})
		default:
			t.Errorf("unexpected action %q", req.Action)
			writeCode(w, http.StatusBadRequest, api.CodeInvalidRequest, "unexpected")
		}
	}
}

func TestDeviceID_StableAndWellFormed(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	id1, err := c.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID failed: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(id1) {
		t.Errorf("device id %q does not match ^[0-9a-f]{32}$", id1)
	}

	id2, err := c.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("device id changed between calls: %q vs %q", id1, id2)
	}

	fresh, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	id3, err := fresh.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID failed: %v", err)
	}
	if id3 == id1 {
		t.Error("fresh storage produced the same device id")
	}
}

func TestRegister_PersistsStateOnSuccess(t *testing.T) {
	c, _, storage := newTestClient(t, happyRegisterHandler(t))

	events := make(chan ProgressEvent, 16)
	if err := c.Register(context.Background(), events); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if got, _ := storage.Get(gatePrefix + keyCredentialID); got != "cred-b64" {
		t.Errorf("credential id = %q, want %q", got, "cred-b64")
	}
	if got, _ := storage.Get(gatePrefix + keyUserID); got != "user-123" {
		t.Errorf("user id = %q, want %q", got, "user-123")
	}
	if got := c.SessionToken(); got != "session-token-1" {
		t.Errorf("session token = %q, want %q", got, "session-token-1")
	}
}

func TestRegister_ServerRejectionRollsBack(t *testing.T) {
	c, _, storage := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeGateRequest(t, r)
		switch req.Action {
		case api.ActionGetChallenge:
			writeJSON(w, http.StatusOK, api.ChallengeResponse{
				ChallengeToken: "chal-1",
				Options:        json.RawMessage(`{"publicKey":{}}`),
				UserID:         "user-123",
			})
		case api.ActionRegister:
			writeCode(w, http.StatusBadRequest, api.CodeInvalidRequest, "attestation rejected")
		}
	})

	err := c.Register(context.Background(), nil)
	if err == nil {
		t.Fatal("expected Register to fail")
	}

	if _, ok := storage.Get(gatePrefix + keyCredentialID); ok {
		t.Error("credential id persisted after failed registration")
	}
	if _, ok := storage.Get(gatePrefix + keyUserID); ok {
		t.Error("user id persisted after failed registration")
	}
	if c.SessionToken() != "" {
		t.Error("session token persisted after failed registration")
	}
}

func TestRegister_LockedSurfaces(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, http.StatusForbidden, api.CodeLocked, "locked to another device")
	})

	err := c.Register(context.Background(), nil)
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestRegister_Unsupported(t *testing.T) {
	c, auth, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	auth.available = false

	err := c.Register(context.Background(), nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestRegister_UserCancellation(t *testing.T) {
	c, auth, storage := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.ChallengeResponse{
			ChallengeToken: "chal-1",
			Options:        json.RawMessage(`{"publicKey":{}}`),
		})
	})
	auth.createErr = ErrCancelled

	err := c.Register(context.Background(), nil)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if _, ok := storage.Get(gatePrefix + keyCredentialID); ok {
		t.Error("credential id persisted after cancelled ceremony")
	}
}

func TestAuthenticate_InvalidStatePurgesCredential(t *testing.T) {
	c, _, storage := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, http.StatusUnauthorized, api.CodeUnknownCredential, "unknown credential")
	})
	_ = storage.Set(gatePrefix+keyCredentialID, "stale-cred")
	_ = storage.Set(gatePrefix+keyUserID, "stale-user")

	err := c.Authenticate(context.Background(), nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if _, ok := storage.Get(gatePrefix + keyCredentialID); ok {
		t.Error("stale credential id not purged")
	}
	if _, ok := storage.Get(gatePrefix + keyUserID); ok {
		t.Error("stale user id not purged")
	}
}

func TestVerifySession_AutoClearsOnInvalid(t *testing.T) {
	c, _, storage := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeGateRequest(t, r)
		switch req.Action {
		case api.ActionVerifySession:
			writeJSON(w, http.StatusOK, api.SessionStatus{Valid: false})
		case api.ActionLogout:
			writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
		}
	})
	_ = storage.Set(gatePrefix+keySessionToken, "expired-token")

	valid, err := c.VerifySession(context.Background())
	if err != nil {
		t.Fatalf("VerifySession failed: %v", err)
	}
	if valid {
		t.Error("expected session to be invalid")
	}
	if c.SessionToken() != "" {
		t.Error("session token not cleared after definitive invalid")
	}
}

func TestVerifySession_TransportFailureClearsToken(t *testing.T) {
	c, _, storage := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, http.StatusServiceUnavailable, api.CodeServiceUnavailable, "down")
	})
	_ = storage.Set(gatePrefix+keySessionToken, "maybe-valid")

	_, err := c.VerifySession(context.Background())
	if !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService, got %v", err)
	}
	if c.SessionToken() != "" {
		t.Error("token survived a failed verification; an unconfirmable session must be cleared")
	}
}

func TestVerifySession_UnreachableServerClearsToken(t *testing.T) {
	auth := &fakeAuth{available: true}
	c := New("http://127.0.0.1:1", "", auth, WithStorage(newMemoryStorage()))
	_ = c.storage.Set(gatePrefix+keySessionToken, "maybe-valid")

	_, err := c.VerifySession(context.Background())
	if !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService, got %v", err)
	}
	if c.SessionToken() != "" {
		t.Error("token survived an unreachable server; verification failure must clear it")
	}
}

func TestCheckAccessStatus_NetworkFailureIsServiceError(t *testing.T) {
	auth := &fakeAuth{available: true}
	c := New("http://127.0.0.1:1", "", auth, WithStorage(newMemoryStorage()))

	status, err := c.CheckAccessStatus(context.Background())
	if err != nil {
		t.Fatalf("CheckAccessStatus returned error: %v", err)
	}
	if !status.ServiceError {
		t.Error("expected ServiceError status")
	}
	if Decide(status) != DecisionServiceError {
		t.Error("network failure must decide service-error, never setup")
	}
}

func TestClaimDeviceLink_SecondClaimSurfacesFailure(t *testing.T) {
	var mu sync.Mutex
	claimed := false
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeGateRequest(t, r)
		if req.Action != api.ActionClaimLink {
			t.Errorf("unexpected action %q", req.Action)
		}
		mu.Lock()
		defer mu.Unlock()
		if claimed {
			writeCode(w, http.StatusConflict, api.CodeLinkClaimed, "device link already claimed")
			return
		}
		claimed = true
		writeJSON(w, http.StatusOK, api.ClaimLinkResponse{Claimed: true, UserID: "user-123"})
	})

	if err := c.ClaimDeviceLink(context.Background(), "ABC234"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	err := c.ClaimDeviceLink(context.Background(), "ABC234")
	if err == nil {
		t.Fatal("second claim should fail")
	}
	if errors.Is(err, ErrService) {
		t.Errorf("claim conflict should carry the server message, got %v", err)
	}
}

func TestAuthenticatorKind_String(t *testing.T) {
	cases := []struct {
		kind AuthenticatorKind
		want string
	}{
		{KindPasskey, "Passkey"},
		{KindFaceID, "Face ID"},
		{KindTouchID, "Touch ID"},
		{KindFingerprint, "Fingerprint"},
		{KindWindowsHello, "Windows Hello"},
		{KindBiometric, "Biometric"},
	}
	for _, tc := range cases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("kind %d: got %q, want %q", tc.kind, got, tc.want)
		}
	}

	if got := UnlockLabel(); got != "Unlock with "+AuthenticatorLabel() {
		t.Errorf("UnlockLabel() = %q, want prefix composition", got)
	}
}

func TestClaimDeviceLink_NormalizesCode(t *testing.T) {
	var mu sync.Mutex
	var sent string
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeGateRequest(t, r)
		mu.Lock()
		sent = req.Code
		mu.Unlock()
		writeJSON(w, http.StatusOK, api.ClaimLinkResponse{Claimed: true, UserID: "user-123"})
	})

	if err := c.ClaimDeviceLink(context.Background(), "  ab7kq2\n"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sent != "AB7KQ2" {
		t.Errorf("code sent as %q, want uppercased and trimmed %q", sent, "AB7KQ2")
	}
}

func TestCeremonyExclusivity(t *testing.T) {
	release := make(chan struct{})
	c, auth, _ := newTestClient(t, happyRegisterHandler(t))
	auth.block = release

	done := make(chan error, 1)
	go func() {
		done <- c.Register(context.Background(), nil)
	}()

	// Wait until the first ceremony is holding the guard.
	deadline := time.After(2 * time.Second)
	for !c.inFlight.Load() {
		select {
		case <-deadline:
			t.Fatal("first ceremony never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := c.Authenticate(context.Background(), nil); !errors.Is(err, ErrCeremonyInFlight) {
		t.Errorf("expected ErrCeremonyInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first ceremony failed: %v", err)
	}
}

func TestProgressEventsInOrder(t *testing.T) {
	c, _, _ := newTestClient(t, happyRegisterHandler(t))

	events := make(chan ProgressEvent, 16)
	if err := c.Register(context.Background(), events); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	close(events)

	var stages []ProgressStage
	for ev := range events {
		stages = append(stages, ev.Stage)
	}
	want := []ProgressStage{StageCheckingSupport, StageRequesting, StageAwaitingUser, StageVerifying, StageDone}
	if len(stages) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(stages), len(want), stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, stages[i], want[i])
		}
	}
}
