package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig writes content to config.yaml in a fresh directory and clears
// the override variables so the host environment cannot leak in.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	t.Setenv(EnvRemoteURL, "")
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvDBPath, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
remote_url: "https://clinic.supabase.co"
api_key: "abc123"
db_path: "/tmp/bookings.db"
batch_size: 100
request_timeout: 10s
sync_interval: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteURL != "https://clinic.supabase.co" {
		t.Errorf("RemoteURL = %q", cfg.RemoteURL)
	}
	if cfg.APIKey != "abc123" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "abc123")
	}
	if cfg.DBPath != "/tmp/bookings.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.BatchSize)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.PeriodicSync() != time.Minute {
		t.Errorf("PeriodicSync = %v, want 1m", cfg.PeriodicSync())
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
remote_url: "https://clinic.supabase.co"
api_key: "key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", cfg.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.PeriodicSync() != DefaultSyncInterval {
		t.Errorf("PeriodicSync = %v, want %v", cfg.PeriodicSync(), DefaultSyncInterval)
	}
	if cfg.DBPath != "" {
		t.Errorf("DBPath = %q, want empty (store default)", cfg.DBPath)
	}
}

func TestLoad_PeriodicSyncDisabled(t *testing.T) {
	path := writeConfig(t, `
remote_url: "https://clinic.supabase.co"
api_key: "key"
sync_interval: -1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PeriodicSync() != 0 {
		t.Errorf("PeriodicSync = %v, want 0", cfg.PeriodicSync())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing remote_url", `api_key: "key"`},
		{"invalid remote_url", "remote_url: \"not-a-url\"\napi_key: \"key\""},
		{"ftp remote_url", "remote_url: \"ftp://clinic.example\"\napi_key: \"key\""},
		{"missing api_key", `remote_url: "https://clinic.supabase.co"`},
		{"batch too large", "remote_url: \"https://c.example\"\napi_key: k\nbatch_size: 501"},
		{"batch negative", "remote_url: \"https://c.example\"\napi_key: k\nbatch_size: -1"},
		{"timeout too short", "remote_url: \"https://c.example\"\napi_key: k\nrequest_timeout: 500ms"},
		{"timeout too long", "remote_url: \"https://c.example\"\napi_key: k\nrequest_timeout: 10m"},
		{"interval too short", "remote_url: \"https://c.example\"\napi_key: k\nsync_interval: 2s"},
		{"unknown key", "remote_url: \"https://c.example\"\napi_key: k\nunknown_field: oops"},
		{"telemetry without endpoint", "remote_url: \"https://c.example\"\napi_key: k\ntelemetry:\n  insecure: true"},
		{"negative metric interval", "remote_url: \"https://c.example\"\napi_key: k\ntelemetry:\n  otlp_endpoint: \"localhost:4317\"\n  metric_interval: -5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
remote_url: "https://file.example"
api_key: "from-file"
`)
	t.Setenv(EnvRemoteURL, "https://env.example")
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvDBPath, "/var/lib/bookings.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteURL != "https://env.example" || cfg.APIKey != "from-env" || cfg.DBPath != "/var/lib/bookings.db" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_EnvSuppliesMissingKey(t *testing.T) {
	path := writeConfig(t, `remote_url: "https://clinic.supabase.co"`)
	t.Setenv(EnvAPIKey, "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "secret" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "secret")
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := writeConfig(t, `remote_url: "https://clinic.supabase.co"`)
	// godotenv does not override variables that are already set, so unset
	// the one cleared by writeConfig; t.Setenv restores it afterwards.
	_ = os.Unsetenv(EnvAPIKey)

	dotenv := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(dotenv, []byte(EnvAPIKey+"=dotenv-key\n"), 0o600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv(EnvAPIKey) })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "dotenv-key" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "dotenv-key")
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := writeConfig(t, "")
	path = filepath.Join(filepath.Dir(path), "nested", "config.yaml")

	want := &Config{
		RemoteURL:      "https://clinic.supabase.co",
		APIKey:         "key",
		BatchSize:      25,
		RequestTimeout: 15 * time.Second,
		SyncInterval:   2 * time.Minute,
	}
	if err := want.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RemoteURL != want.RemoteURL || got.APIKey != want.APIKey ||
		got.BatchSize != 25 || got.RequestTimeout != 15*time.Second || got.SyncInterval != 2*time.Minute {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	cfg := &Config{RemoteURL: "https://clinic.supabase.co"}
	if err := cfg.Write(filepath.Join(t.TempDir(), "config.yaml")); err == nil {
		t.Fatal("expected error for missing api_key")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "config.yaml" || filepath.Base(filepath.Dir(path)) != "bookingsync" {
		t.Errorf("DefaultPath = %q", path)
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, `
remote_url: "https://clinic.supabase.co"
api_key: "key"
telemetry:
  otlp_endpoint: "otelcol.example.com:4317"
  insecure: true
  service_name: "clinic-sync"
  headers:
    Authorization: "Bearer secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "otelcol.example.com:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.ServiceName != "clinic-sync" {
		t.Errorf("ServiceName = %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q", cfg.Telemetry.Headers["Authorization"])
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	path := writeConfig(t, `
remote_url: "https://clinic.supabase.co"
api_key: "key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}
