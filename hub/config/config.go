// Package config handles hub configuration loading and validation.
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

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Backplane BackplaneConfig `json:"backplane"`
	Relay     RelayConfig     `json:"relay"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"` // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // CORS/WebSocket origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`    // max request body size; default 1MB
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max inbound WebSocket message; default 64KB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider           string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSURL            string        `json:"jwks_url,omitempty"`
	Issuer             string        `json:"issuer,omitempty"`
	JWTSecret          string        `json:"jwt_secret"`
	JWTExpiry          Duration      `json:"jwt_expiry,omitempty"`           // user access tokens
	DeviceTokenExpiry  Duration      `json:"device_token_expiry,omitempty"`  // device access tokens
	RefreshTokenExpiry Duration      `json:"refresh_token_expiry,omitempty"` // device refresh tokens
	InitialAdmin       *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first user of a tenant.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id,omitempty"` // generated when empty
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "fleet.db" or ":memory:"
}

// BackplaneConfig selects the cross-instance pub/sub transport.
type BackplaneConfig struct {
	Driver        string `json:"driver,omitempty"` // "memory" (default) or "redis"
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"` // generated when empty
	QueueSize     int    `json:"queue_size,omitempty"`  // per-instance inbound queue; default 1024
}

// RelayConfig tunes command dispatch and presence.
type RelayConfig struct {
	MaxTargets     int      `json:"max_targets,omitempty"`     // default 20
	BatchTimeout   Duration `json:"batch_timeout,omitempty"`   // default 30s
	PresenceWindow Duration `json:"presence_window,omitempty"` // default 1s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings. HTTP requests are limited
// per client IP, WebSocket messages per connection.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
	MessagesPerSecond float64 `json:"messages_per_second,omitempty"` // default 50
	MessageBurst      int     `json:"message_burst,omitempty"`       // default 100
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
	switch c.Auth.Provider {
	case "", "builtin":
		// The secret also signs device credentials, so it is always needed.
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Backplane.Driver {
	case "", "memory":
	case "redis":
		if c.Backplane.RedisAddr == "" {
			return fmt.Errorf("backplane.redis_addr is required when driver is redis")
		}
	default:
		return fmt.Errorf("unknown backplane.driver %q", c.Backplane.Driver)
	}
	if c.Relay.MaxTargets < 0 {
		return fmt.Errorf("relay.max_targets must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.DeviceTokenExpiry.Duration == 0 {
		c.Auth.DeviceTokenExpiry.Duration = 1 * time.Hour
	}
	if c.Auth.RefreshTokenExpiry.Duration == 0 {
		c.Auth.RefreshTokenExpiry.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fleet.db"
	}
	if c.Backplane.Driver == "" {
		c.Backplane.Driver = "memory"
	}
	if c.Backplane.QueueSize == 0 {
		c.Backplane.QueueSize = 1024
	}
	if c.Relay.MaxTargets == 0 {
		c.Relay.MaxTargets = 20
	}
	if c.Relay.BatchTimeout.Duration == 0 {
		c.Relay.BatchTimeout.Duration = 30 * time.Second
	}
	if c.Relay.PresenceWindow.Duration == 0 {
		c.Relay.PresenceWindow.Duration = time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.MessagesPerSecond == 0 {
		c.RateLimit.MessagesPerSecond = 50
	}
	if c.RateLimit.MessageBurst == 0 {
		c.RateLimit.MessageBurst = 100
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
}
