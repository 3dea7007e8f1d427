// Package config loads the sync engine's YAML configuration. Values
// are read once at startup and consumed read-only.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default sync interval: six hours.
const DefaultIntervalSeconds = 21600

// Config holds all configuration for the sync engine.
type Config struct {
	Local  LocalConfig  `yaml:"local"`
	Peer   PeerConfig   `yaml:"peer"`
	Sync   SyncConfig   `yaml:"sync"`
	Notify NotifyConfig `yaml:"notify"`
}

// LocalConfig locates the local DuckDB database file.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// PeerConfig describes the cloud peer. Type "motherduck" (default)
// reaches a hosted DuckDB database over the md: scheme; type
// "postgres" reaches a PostgreSQL server.
type PeerConfig struct {
	Type     string `yaml:"type"`
	Database string `yaml:"database"`
	Token    string `yaml:"token"` // falls back to MOTHERDUCK_TOKEN
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// SyncConfig holds sync behavior settings.
type SyncConfig struct {
	IntervalSeconds int      `yaml:"interval_seconds"`
	AutoStart       *bool    `yaml:"auto_start"` // default true
	MaxRetries      int      `yaml:"max_retries"`
	BatchSize       int      `yaml:"batch_size"`
	ExcludeTables   []string `yaml:"exclude_tables"` // glob patterns
}

// NotifyConfig holds webhook notification settings (Slack-compatible
// payload format).
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Local.Path = expandTilde(c.Local.Path)

	if c.Peer.Type == "" {
		c.Peer.Type = "motherduck"
	}
	if c.Peer.Type == "postgres" {
		if c.Peer.Port == 0 {
			c.Peer.Port = 5432
		}
		if c.Peer.SSLMode == "" {
			c.Peer.SSLMode = "require"
		}
	}

	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = DefaultIntervalSeconds
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 500
	}
}

func (c *Config) validate() error {
	if c.Local.Path == "" {
		return fmt.Errorf("local.path is required")
	}
	switch c.Peer.Type {
	case "motherduck":
		if c.Peer.Database == "" {
			return fmt.Errorf("peer.database is required")
		}
	case "postgres":
		if c.Peer.Host == "" {
			return fmt.Errorf("peer.host is required for a postgres peer")
		}
		if c.Peer.Database == "" {
			return fmt.Errorf("peer.database is required")
		}
	default:
		return fmt.Errorf("peer.type must be 'motherduck' or 'postgres', got '%s'", c.Peer.Type)
	}
	if c.Sync.IntervalSeconds < 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size must not be negative")
	}
	return nil
}

// Interval returns the configured sync interval.
func (s *SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// AutoStartEnabled reports whether the daemon should start the
// background scheduler (default true).
func (s *SyncConfig) AutoStartEnabled() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// PeerDriver returns the database/sql driver name for the peer.
func (c *Config) PeerDriver() string {
	if c.Peer.Type == "postgres" {
		return "pgx"
	}
	return "duckdb"
}

// PeerDSN returns the connection string for the peer.
func (c *Config) PeerDSN() string {
	if c.Peer.Type == "postgres" {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(c.Peer.User), url.QueryEscape(c.Peer.Password),
			c.Peer.Host, c.Peer.Port, c.Peer.Database, c.Peer.SSLMode)
	}
	token := c.Peer.Token
	if token == "" {
		token = os.Getenv("MOTHERDUCK_TOKEN")
	}
	dsn := "md:" + c.Peer.Database
	if token != "" {
		dsn += "?motherduck_token=" + url.QueryEscape(token)
	}
	return dsn
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Peer.Token != "" {
		sanitized.Peer.Token = "[REDACTED]"
	}
	if sanitized.Peer.Password != "" {
		sanitized.Peer.Password = "[REDACTED]"
	}
	if sanitized.Notify.WebhookURL != "" {
		sanitized.Notify.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
