// Package config loads and validates the BookingSync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file. They are read after an
// optional .env file next to the config has been loaded.
const (
	EnvRemoteURL = "BOOKINGSYNC_REMOTE_URL"
	EnvAPIKey    = "BOOKINGSYNC_API_KEY"
	EnvDBPath    = "BOOKINGSYNC_DB_PATH"
)

const (
	DefaultBatchSize      = 50
	DefaultRequestTimeout = 30 * time.Second
	DefaultSyncInterval   = 5 * time.Minute
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the hosted backend (e.g. "https://xyz.supabase.co").
	RemoteURL string `yaml:"remote_url"`

	// APIKey authenticates every REST and realtime request.
	APIKey string `yaml:"api_key"`

	// DBPath is the location of the on-device SQLite database. Defaults to
	// ~/.local/share/bookingsync/bookings.db.
	DBPath string `yaml:"db_path,omitempty"`

	// BatchSize caps the number of rows per local write or remote push.
	// 1–500, defaults to 50.
	BatchSize int `yaml:"batch_size,omitempty"`

	// RequestTimeout bounds each remote request. 1s–5m, defaults to 30s.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// SyncInterval controls how often the daemon runs a full two-way sync on
	// top of realtime notifications. Defaults to 5m; a negative value
	// disables periodic syncs.
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "bookingsync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`

	// MetricInterval sets how often metrics are exported. Defaults to 1m.
	MetricInterval time.Duration `yaml:"metric_interval,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/bookingsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "bookingsync", "config.yaml"), nil
}

// Load reads the configuration file at path, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves the configuration to path with owner-only permissions, since
// it contains the API key.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// loadDotEnv loads path into the process environment if it exists.
// Variables already set are not overwritten.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvRemoteURL)); v != "" {
		c.RemoteURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		c.DBPath = v
	}
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote_url %q must be a valid http or https URL", c.RemoteURL)
	}

	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}

	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 1 || c.BatchSize > 500 {
		return fmt.Errorf("batch_size %d out of range (1–500)", c.BatchSize)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RequestTimeout < time.Second {
		return fmt.Errorf("request_timeout %v is too short (minimum 1s)", c.RequestTimeout)
	}
	if c.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request_timeout %v is too long (maximum 5m)", c.RequestTimeout)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.SyncInterval > 0 && c.SyncInterval < 10*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 10s)", c.SyncInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if c.Telemetry.MetricInterval < 0 {
			return fmt.Errorf("telemetry.metric_interval must not be negative, got %v", c.Telemetry.MetricInterval)
		}
	}

	return nil
}

// PeriodicSync returns the interval for periodic full syncs, or 0 when they
// are disabled.
func (c *Config) PeriodicSync() time.Duration {
	if c.SyncInterval < 0 {
		return 0
	}
	return c.SyncInterval
}
