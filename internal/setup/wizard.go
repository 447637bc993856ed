package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/bookingsync/internal/config"
	"github.com/njoerd114/bookingsync/internal/remote"
	"github.com/njoerd114/bookingsync/internal/store"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer

	cfgPath string
	home    string
	ping    func(ctx context.Context, url, key string, timeout time.Duration) (RemoteSummary, error)
	install func(home, cfgPath string) error
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	wiz := &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		install: InstallService,
	}
	wiz.ping = func(ctx context.Context, url, key string, timeout time.Duration) (RemoteSummary, error) {
		c, err := PingRemote(ctx, url, key, timeout, wiz.logger)
		if err != nil {
			return RemoteSummary{}, err
		}
		return DiscoverRemote(ctx, c)
	}
	return wiz
}

// Run walks the user through backend connection, local storage, sync tuning,
// config file creation, and optional service install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to BookingSync Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects this device to your clinic backend.\n\n")

	if err := wiz.resolvePaths(); err != nil {
		return err
	}

	// Existing values become defaults.
	prev := &config.Config{}
	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerServiceInstall()
		}
		if loaded, err := config.Load(wiz.cfgPath); err == nil {
			prev = loaded
		} else {
			wiz.logger.Warn("existing config is invalid, starting fresh", "error", err)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: backend connection.
	fmt.Fprintf(wiz.w, "Step 1/4: Backend Connection\n")

	remoteURL := wiz.prompt.String("Backend URL", prev.RemoteURL)
	apiKey := wiz.prompt.Secret("API key", prev.APIKey)

	fmt.Fprintf(wiz.w, "  Connecting to backend...")
	summary, err := wiz.ping(ctx, remoteURL, apiKey, remote.DefaultTimeout)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach backend: %w\n\n  Check the URL and API key, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n")
	fmt.Fprintf(wiz.w, "  Backend holds %s.\n\n", summary)

	// Step 2: local database.
	fmt.Fprintf(wiz.w, "Step 2/4: Local Database\n")

	defaultDB := prev.DBPath
	if defaultDB == "" {
		if defaultDB, err = store.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolving database path: %w", err)
		}
	}
	dbPath := wiz.prompt.String("Database file", defaultDB)
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: sync tuning.
	fmt.Fprintf(wiz.w, "Step 3/4: Sync Settings\n")

	batch := wiz.prompt.Int("Rows per batch", orDefault(prev.BatchSize, config.DefaultBatchSize), 1, 500)
	timeout := wiz.prompt.Duration("Request timeout", orDefault(prev.RequestTimeout, config.DefaultRequestTimeout), time.Second, 5*time.Minute)
	intervalDefault := prev.SyncInterval
	if intervalDefault <= 0 {
		intervalDefault = config.DefaultSyncInterval
	}
	interval := wiz.prompt.Duration("Full sync every", intervalDefault, 10*time.Second, 0)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	cfg := &config.Config{
		RemoteURL:      remoteURL,
		APIKey:         apiKey,
		BatchSize:      batch,
		RequestTimeout: timeout,
		SyncInterval:   interval,
		Telemetry:      prev.Telemetry,
	}
	if dbPath != "" {
		if def, _ := store.DefaultDBPath(); dbPath != def {
			cfg.DBPath = dbPath
		}
	}

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	return wiz.offerServiceInstall()
}

func (wiz *Wizard) resolvePaths() error {
	if wiz.cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		wiz.cfgPath = p
	}
	if wiz.home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		wiz.home = h
	}
	return nil
}

// offerServiceInstall asks whether to run the daemon as a systemd user service.
func (wiz *Wizard) offerServiceInstall() error {
	if !wiz.prompt.Confirm("Install as a background service (starts on login)?", false) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  Run manually with:     bookingsync daemon\n")
		fmt.Fprintf(wiz.w, "  Add sample data with:  bookingsync seed\n\n")
		return nil
	}

	if err := wiz.install(wiz.home, wiz.cfgPath); err != nil {
		return fmt.Errorf("installing service: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ %s enabled and running\n", UnitName)

	fmt.Fprintf(wiz.w, "\nSetup complete! BookingSync is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  Unit:    %s\n", UnitPath(wiz.home))
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  bookingsync status\n\n")
	return nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
