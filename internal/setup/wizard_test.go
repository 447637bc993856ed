package setup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/bookingsync/internal/config"
)

func newTestWizard(t *testing.T, input string) (*Wizard, *bytes.Buffer, *[]string) {
	t.Helper()
	t.Setenv(config.EnvRemoteURL, "")
	t.Setenv(config.EnvAPIKey, "")
	t.Setenv(config.EnvDBPath, "")

	var out bytes.Buffer
	wiz := NewWizard(strings.NewReader(input), &out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	dir := t.TempDir()
	wiz.cfgPath = filepath.Join(dir, "config.yaml")
	wiz.home = dir

	var installed []string
	wiz.install = func(home, cfgPath string) error {
		installed = append(installed, cfgPath)
		return nil
	}
	wiz.ping = func(_ context.Context, url, key string, _ time.Duration) (RemoteSummary, error) {
		if key != "good-key" {
			return RemoteSummary{}, errors.New("HTTP 401")
		}
		return RemoteSummary{Patients: 3, Appointments: 4}, nil
	}
	return wiz, &out, &installed
}

func TestWizard_WritesConfig(t *testing.T) {
	input := strings.Join([]string{
		"https://clinic.supabase.co", // URL
		"good-key",                   // API key
		"",                           // DB path: default
		"25",                         // batch
		"",                           // timeout: default
		"1m",                         // interval
		"n",                          // no service install
	}, "\n") + "\n"
	wiz, out, installed := newTestWizard(t, input)

	if err := wiz.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "3 patient(s), 4 appointment(s)") {
		t.Errorf("summary not shown:\n%s", out.String())
	}
	if len(*installed) != 0 {
		t.Error("service should not be installed")
	}

	cfg, err := config.Load(wiz.cfgPath)
	if err != nil {
		t.Fatalf("Load written config: %v", err)
	}
	if cfg.RemoteURL != "https://clinic.supabase.co" || cfg.APIKey != "good-key" {
		t.Errorf("connection = %q / %q", cfg.RemoteURL, cfg.APIKey)
	}
	if cfg.BatchSize != 25 || cfg.RequestTimeout != config.DefaultRequestTimeout || cfg.SyncInterval != time.Minute {
		t.Errorf("tuning = %d / %v / %v", cfg.BatchSize, cfg.RequestTimeout, cfg.SyncInterval)
	}
	if cfg.DBPath != "" {
		t.Errorf("DBPath = %q, want empty for the default location", cfg.DBPath)
	}
}

func TestWizard_PingFailureWritesNothing(t *testing.T) {
	wiz, _, _ := newTestWizard(t, "https://clinic.supabase.co\nbad-key\n")

	err := wiz.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "cannot reach backend") {
		t.Fatalf("err = %v, want connection failure", err)
	}
	if _, loadErr := config.Load(wiz.cfgPath); loadErr == nil {
		t.Error("config should not have been written")
	}
}

func TestWizard_KeepsExistingConfigAndInstalls(t *testing.T) {
	wiz, out, installed := newTestWizard(t, "n\ny\n")
	existing := &config.Config{RemoteURL: "https://old.example", APIKey: "old"}
	if err := existing.Write(wiz.cfgPath); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := wiz.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "Keeping existing config") {
		t.Errorf("output:\n%s", out.String())
	}
	if len(*installed) != 1 || (*installed)[0] != wiz.cfgPath {
		t.Errorf("installed = %v, want one install with %s", *installed, wiz.cfgPath)
	}
}

func TestWizard_OverwriteUsesPreviousValuesAsDefaults(t *testing.T) {
	wiz, _, _ := newTestWizard(t, "y\n\n\n\n\n\n\nn\n")
	existing := &config.Config{RemoteURL: "https://old.example", APIKey: "good-key", BatchSize: 70}
	if err := existing.Write(wiz.cfgPath); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := wiz.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := config.Load(wiz.cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemoteURL != "https://old.example" || cfg.BatchSize != 70 {
		t.Errorf("previous values not kept: %+v", cfg)
	}
}
