// ABOUTME: Configuration loading and parsing for warden-gate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warden-gate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Gate      GateConfig      `yaml:"gate"`
	Passkey   PasskeyConfig   `yaml:"passkey"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration.
// WebAuthn requires a stable HTTPS origin; serving over the tailnet with
// auto-provisioned certs is the simplest way to get one.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS with Tailscale certs on :443
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig selects the backing store for in-progress ceremony challenges.
// When disabled, challenges are held in process memory.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	SessionTTL    time.Duration `yaml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl"`
}

// GateConfig holds owner-lock gate configuration
type GateConfig struct {
	// BaseURL is the external URL the dashboard is served from. The WebAuthn
	// relying-party ID and allowed origins are derived from it.
	BaseURL string `yaml:"base_url"`

	// RPDisplayName is shown by the platform authenticator during ceremonies.
	RPDisplayName string `yaml:"rp_display_name"`

	DeviceLinkTTL    time.Duration `yaml:"-"`
	DeviceLinkTTLRaw string        `yaml:"device_link_ttl"`

	// LinkGrace is how long a device that claimed a link code stays eligible
	// to complete registration.
	LinkGrace    time.Duration `yaml:"-"`
	LinkGraceRaw string        `yaml:"link_grace"`
}

// PasskeyConfig holds the multi-device passkey variant configuration
type PasskeyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding config value is absent.
const (
	DefaultSessionTTL    = 12 * time.Hour
	DefaultDeviceLinkTTL = 15 * time.Minute
	DefaultLinkGrace     = 15 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}

	return nil
}

// applyDefaults fills in zero-valued durations with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = DefaultSessionTTL
	}
	if cfg.Gate.DeviceLinkTTL == 0 {
		cfg.Gate.DeviceLinkTTL = DefaultDeviceLinkTTL
	}
	if cfg.Gate.LinkGrace == 0 {
		cfg.Gate.LinkGrace = DefaultLinkGrace
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.SessionTTLRaw != "" {
		cfg.Auth.SessionTTL, err = time.ParseDuration(cfg.Auth.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session_ttl %q: %w", cfg.Auth.SessionTTLRaw, err)
		}
	}

	if cfg.Gate.DeviceLinkTTLRaw != "" {
		cfg.Gate.DeviceLinkTTL, err = time.ParseDuration(cfg.Gate.DeviceLinkTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing device_link_ttl %q: %w", cfg.Gate.DeviceLinkTTLRaw, err)
		}
	}

	if cfg.Gate.LinkGraceRaw != "" {
		cfg.Gate.LinkGrace, err = time.ParseDuration(cfg.Gate.LinkGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing link_grace %q: %w", cfg.Gate.LinkGraceRaw, err)
		}
	}

	return nil
}
