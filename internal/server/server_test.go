// ABOUTME: Tests for server assembly and route wiring
// ABOUTME: Verifies health endpoint and endpoint availability per configuration

package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden-gate/internal/config"
)

func testConfig(t *testing.T, passkeyEnabled bool) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Gate.BaseURL = "https://warden.example.com"
	cfg.Passkey.Enabled = passkeyEnabled
	return cfg
}

func newTestServer(t *testing.T, passkeyEnabled bool) *Server {
	t.Helper()
	s, err := New(testConfig(t, passkeyEnabled), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestGateRoutesAlwaysMounted(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/biometric-authenticate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	// Empty action is a bad request, not an unknown route
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasskeyRoutesOnlyWhenEnabled(t *testing.T) {
	disabled := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/passkey-register", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	disabled.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	enabled := newTestServer(t, true)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/passkey-register", strings.NewReader(`{}`))
	enabled.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
