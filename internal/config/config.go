// Package config handles configuration loading and validation for tandemd.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Provider  ProviderConfig  `json:"provider"`
	Room      RoomConfig      `json:"room,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	BaseURL        string   `json:"base_url,omitempty"`        // public base URL used in join links
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider   string   `json:"provider,omitempty"`    // "builtin" (default) or "oidc"
	JWTSecret  string   `json:"jwt_secret"`            // required for builtin
	JWTExpiry  Duration `json:"jwt_expiry,omitempty"`  // default 24h
	OIDCIssuer string   `json:"oidc_issuer,omitempty"` // required when provider is "oidc"
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "tandem.db" or ":memory:"
	EventRetention Duration `json:"event_retention,omitempty"` // room event retention; default 30d
}

// ProviderConfig defines the remote browser session provider.
type ProviderConfig struct {
	BaseURL        string   `json:"base_url"` // e.g. "https://engine.hyperbeam.com"
	APIKey         string   `json:"api_key"`
	DefaultRegion  string   `json:"default_region,omitempty"`  // "NA" (default), "EU" or "AS"
	OfflineTimeout Duration `json:"offline_timeout,omitempty"` // provider-side idle teardown; default 5m
	CreateTimeout  Duration `json:"create_timeout,omitempty"`  // bound on session creation; default 15s
}

// RoomConfig defines per-room behavior.
type RoomConfig struct {
	MaxClients      int      `json:"max_clients,omitempty"`       // concurrent connections per room; default 50
	PatchInterval   Duration `json:"patch_interval,omitempty"`    // state snapshot cadence; default 40ms
	MemberGrace     Duration `json:"member_grace,omitempty"`      // disconnected member retention; default 60s
	EmptyTimeout    Duration `json:"empty_timeout,omitempty"`     // dispose delay once empty; default 5m
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket message from client; default 16KB
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	switch c.Provider.DefaultRegion {
	case "", "NA", "EU", "AS":
	default:
		return fmt.Errorf("provider.default_region must be one of NA, EU, AS")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "tandem.db"
	}
	if c.Storage.EventRetention.Duration == 0 {
		c.Storage.EventRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Provider.DefaultRegion == "" {
		c.Provider.DefaultRegion = "NA"
	}
	if c.Provider.OfflineTimeout.Duration == 0 {
		c.Provider.OfflineTimeout.Duration = 5 * time.Minute
	}
	if c.Provider.CreateTimeout.Duration == 0 {
		c.Provider.CreateTimeout.Duration = 15 * time.Second
	}
	if c.Room.MaxClients == 0 {
		c.Room.MaxClients = 50
	}
	if c.Room.PatchInterval.Duration == 0 {
		c.Room.PatchInterval.Duration = 40 * time.Millisecond
	}
	if c.Room.MemberGrace.Duration == 0 {
		c.Room.MemberGrace.Duration = 60 * time.Second
	}
	if c.Room.EmptyTimeout.Duration == 0 {
		c.Room.EmptyTimeout.Duration = 5 * time.Minute
	}
	if c.Room.MaxMessageBytes == 0 {
		c.Room.MaxMessageBytes = 16 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost" + c.Server.Addr
	}
}
