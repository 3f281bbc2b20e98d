// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"
  session_ttl: "6h"

gate:
  base_url: "https://command.example.com"
  rp_display_name: "Command Center"
  device_link_ttl: "10m"
  link_grace: "20m"

passkey:
  enabled: true

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.SessionTTL != 6*time.Hour {
		t.Errorf("Auth.SessionTTL = %v, want %v", cfg.Auth.SessionTTL, 6*time.Hour)
	}
	if cfg.Gate.BaseURL != "https://command.example.com" {
		t.Errorf("Gate.BaseURL = %q", cfg.Gate.BaseURL)
	}
	if cfg.Gate.DeviceLinkTTL != 10*time.Minute {
		t.Errorf("Gate.DeviceLinkTTL = %v, want %v", cfg.Gate.DeviceLinkTTL, 10*time.Minute)
	}
	if cfg.Gate.LinkGrace != 20*time.Minute {
		t.Errorf("Gate.LinkGrace = %v, want %v", cfg.Gate.LinkGrace, 20*time.Minute)
	}
	if !cfg.Passkey.Enabled {
		t.Error("Passkey.Enabled = false, want true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.SessionTTL != DefaultSessionTTL {
		t.Errorf("SessionTTL = %v, want default %v", cfg.Auth.SessionTTL, DefaultSessionTTL)
	}
	if cfg.Gate.DeviceLinkTTL != DefaultDeviceLinkTTL {
		t.Errorf("DeviceLinkTTL = %v, want default %v", cfg.Gate.DeviceLinkTTL, DefaultDeviceLinkTTL)
	}
	if cfg.Gate.LinkGrace != DefaultLinkGrace {
		t.Errorf("LinkGrace = %v, want default %v", cfg.Gate.LinkGrace, DefaultLinkGrace)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "expanded-secret")

	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${WARDEN_TEST_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${WARDEN_DEFINITELY_UNSET_VAR}"
`)

	// Unset vars expand to empty, which then fails validation
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for empty jwt_secret")
	}
	if !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("error = %v, want mention of jwt_secret", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "server: [not: valid: yaml")
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
  session_ttl: "not-a-duration"
`)
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "session_ttl") {
		t.Errorf("error = %v, want mention of session_ttl", err)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http addr",
			content: `
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
`,
			wantErr: "http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: ":8080"
auth:
  jwt_secret: "s"
`,
			wantErr: "database.path",
		},
		{
			name: "redis enabled without url",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
redis:
  enabled: true
`,
			wantErr: "redis.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	// Tailscale enabled allows the HTTP address to be omitted
	configPath := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "warden-gate"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Tailscale.Enabled {
		t.Error("Tailscale.Enabled = false, want true")
	}

	// But hostname is required when enabled
	configPath = writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
`)
	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error for missing tailscale hostname")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("WARDEN_TEST_VALUE", "abc")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${WARDEN_TEST_VALUE}", "abc"},
		{"pre-${WARDEN_TEST_VALUE}-post", "pre-abc-post"},
		{"${WARDEN_UNSET_VALUE_XYZ}", ""},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
