// Package config handles agent configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Hub         HubConfig         `json:"hub"`
	Credentials CredentialsConfig `json:"credentials"`
	Device      DeviceConfig      `json:"device"`
	Executor    ExecutorConfig    `json:"executor"`
	LogLevel    string            `json:"log_level,omitempty"`
	LogFormat   string            `json:"log_format,omitempty"` // "json" (default) or "text"
	// StatusSocket is the local Unix socket serving agent status; "-" disables it.
	StatusSocket string `json:"status_socket,omitempty"`
}

// HubConfig defines how the agent connects to the hub.
type HubConfig struct {
	URL               string   `json:"url"`                       // e.g. wss://hub.example.com/ws
	RefreshURL        string   `json:"refresh_url,omitempty"`     // derived from url when empty
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"` // dev only
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`
	RefreshMargin     Duration `json:"refresh_margin,omitempty"`
	HandshakeTimeout  Duration `json:"handshake_timeout,omitempty"`
}

// CredentialsConfig holds the device's access/refresh token pair. When File
// is set, tokens persisted there take precedence and rotations are written
// back to it.
type CredentialsConfig struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	File         string `json:"file,omitempty"`
}

// DeviceConfig describes the local device. The authoritative identity is the
// one carried by the access token; Name only labels logs.
type DeviceConfig struct {
	Name string `json:"name,omitempty"`
}

// ExecutorConfig tunes command execution.
type ExecutorConfig struct {
	QueryBinary  string   `json:"query_binary,omitempty"` // default "osqueryi"
	QueryTimeout Duration `json:"query_timeout,omitempty"`
	ControlDelay Duration `json:"control_delay,omitempty"` // wait between acknowledging and running restart/shutdown
	// ControlDryRun logs restart/shutdown instead of running them.
	ControlDryRun bool `json:"control_dry_run,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
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
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url must use ws or wss, got %q", u.Scheme)
	}
	if c.Credentials.AccessToken == "" && c.Credentials.File == "" {
		return fmt.Errorf("credentials.access_token or credentials.file is required")
	}
	if c.Hub.ReconnectInterval.Duration < 0 || c.Hub.MaxReconnectDelay.Duration < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if c.Hub.MaxReconnectDelay.Duration > 0 && c.Hub.MaxReconnectDelay.Duration < c.Hub.ReconnectInterval.Duration {
		return fmt.Errorf("hub.max_reconnect_delay must be at least hub.reconnect_interval")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error")
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Hub.ReconnectInterval.Duration == 0 {
		c.Hub.ReconnectInterval.Duration = 2 * time.Second
	}
	if c.Hub.MaxReconnectDelay.Duration == 0 {
		c.Hub.MaxReconnectDelay.Duration = 60 * time.Second
	}
	if c.Hub.MaxReconnectDelay.Duration < c.Hub.ReconnectInterval.Duration {
		c.Hub.MaxReconnectDelay.Duration = c.Hub.ReconnectInterval.Duration
	}
	if c.Hub.RefreshMargin.Duration == 0 {
		c.Hub.RefreshMargin.Duration = 2 * time.Minute
	}
	if c.Hub.HandshakeTimeout.Duration == 0 {
		c.Hub.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Hub.RefreshURL == "" {
		c.Hub.RefreshURL = refreshURL(c.Hub.URL)
	}
	if c.Executor.QueryBinary == "" {
		c.Executor.QueryBinary = "osqueryi"
	}
	if c.Executor.QueryTimeout.Duration == 0 {
		c.Executor.QueryTimeout.Duration = 30 * time.Second
	}
	if c.Executor.ControlDelay.Duration == 0 {
		c.Executor.ControlDelay.Duration = 3 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.StatusSocket == "" {
		c.StatusSocket = filepath.Join(DefaultDir(), "agent.sock")
	}
}

// StatusEnabled reports whether the local status socket should be served.
func (c *Config) StatusEnabled() bool {
	return c.StatusSocket != "-"
}

// DefaultDir returns the default directory for agent state (~/.fleet-agent/).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleet-agent"
	}
	return filepath.Join(home, ".fleet-agent")
}

// refreshURL maps the WebSocket endpoint to the hub's token refresh endpoint
// on the same host: ws→http, wss→https.
func refreshURL(hubURL string) string {
	u, err := url.Parse(hubURL)
	if err != nil {
		return ""
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/api/auth/refresh"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
