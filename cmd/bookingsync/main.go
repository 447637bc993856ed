// BookingSync keeps a clinic's on-device patient and appointment database in
// step with the hosted backend, merging offline edits by last-write-wins.
//
// Usage:
//
//	bookingsync setup                       # interactive first-run wizard
//	bookingsync daemon [--config <path>]    # initial sync, then realtime + periodic sync
//	bookingsync sync-once [--config ...]    # one full two-way sync then exit
//	bookingsync seed [--config ...] [--yes] # add sample data to an empty database
//	bookingsync status [--config ...]       # show config, database, and service state
//	bookingsync uninstall [--purge]         # remove the systemd user service
//	bookingsync version                     # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/bookingsync/internal/booking"
	"github.com/njoerd114/bookingsync/internal/config"
	"github.com/njoerd114/bookingsync/internal/model"
	"github.com/njoerd114/bookingsync/internal/remote"
	"github.com/njoerd114/bookingsync/internal/setup"
	"github.com/njoerd114/bookingsync/internal/store"
	syncp "github.com/njoerd114/bookingsync/internal/sync"
	"github.com/njoerd114/bookingsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runSync(rest, true)
	case "sync-once":
		return runSync(rest, false)
	case "seed":
		return runSeed(rest)
	case "status":
		return runStatus(rest)
	case "uninstall":
		return runUninstall(rest)
	case "version":
		fmt.Println("bookingsync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'bookingsync help' for usage", cmd)
	}
}

func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "BookingSync: offline-first clinic data sync")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  bookingsync setup                    Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  bookingsync daemon [--config ...]    Run continuously")
	fmt.Fprintln(os.Stderr, "  bookingsync sync-once [--config ...] Single full sync then exit")
	fmt.Fprintln(os.Stderr, "  bookingsync seed [--yes]             Add sample data to an empty database")
	fmt.Fprintln(os.Stderr, "  bookingsync status                   Show config, database, and service state")
	fmt.Fprintln(os.Stderr, "  bookingsync uninstall [--purge]      Remove the background service")
	fmt.Fprintln(os.Stderr, "  bookingsync version                  Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'bookingsync setup' to get started.")
	}
}

// --- Subcommands -------------------------------------------------------------

func runSetup() error {
	logger := newLogger(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return setup.NewWizard(os.Stdin, os.Stdout, logger).Run(ctx)
}

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cfgPath := configFlag(fs)
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := openApp(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	a.log.Info("pinging backend…", "url", a.cfg.RemoteURL)
	if err := a.client.Ping(ctx); err != nil {
		if !daemon {
			return fmt.Errorf("connecting to backend at %q: %w\n\nCheck remote_url and api_key in your config file", a.cfg.RemoteURL, err)
		}
		// Offline start: the local database stays usable and the
		// subscriptions keep retrying.
		a.log.Warn("backend unreachable, starting offline", "error", err)
	} else {
		a.log.Info("backend reachable")
	}

	orch := syncp.NewOrchestrator(syncp.Sources{
		LocalPatients:      a.st.Patients(),
		RemotePatients:     a.client.Patients(),
		LocalAppointments:  a.st.Appointments(),
		RemoteAppointments: a.client.Appointments(),
	}, a.log,
		syncp.WithBatchSize(a.cfg.BatchSize),
		syncp.WithInterval(a.cfg.PeriodicSync()),
		syncp.WithStageHook(func(typ model.EntityType, s syncp.Stage) {
			a.log.Debug("sync stage", "type", typ, "stage", s)
		}),
	)

	if !daemon {
		a.log.Info("running single sync pass")
		rep := orch.SyncAll(ctx)
		logReport(a.log, rep)
		return rep.Err()
	}

	a.log.Info("daemon starting", "sync_interval", a.cfg.PeriodicSync(), "batch_size", a.cfg.BatchSize)
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync orchestrator: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	cfgPath := configFlag(fs)
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := openApp(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	svc := booking.NewService(a.st, a.client.Patients(), a.client.Appointments(), a.log)
	ran, err := booking.NewSeeder(svc, a.log, os.Stdin, os.Stdout).Run(ctx, *yes)
	if err != nil {
		return err
	}
	if ran {
		fmt.Println("✓ Sample data created. It reaches the backend on the next sync.")
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, _ := os.UserHomeDir()

	fmt.Println("BookingSync Status")
	fmt.Println("──────────────────")

	if setup.IsServiceActive() {
		fmt.Println("  Service:   running (systemd --user)")
	} else {
		fmt.Println("  Service:   not running")
	}

	dbPath, _ := store.DefaultDBPath()
	if _, err := os.Stat(*cfgPath); err == nil {
		if cfg, loadErr := config.Load(*cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s ✓\n", *cfgPath)
			fmt.Printf("  Backend:   %s\n", cfg.RemoteURL)
			fmt.Printf("  Batch:     %d\n", cfg.BatchSize)
			if d := cfg.PeriodicSync(); d > 0 {
				fmt.Printf("  Interval:  %s\n", d)
			} else {
				fmt.Printf("  Interval:  disabled\n")
			}
			if cfg.DBPath != "" {
				dbPath = cfg.DBPath
			}
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", *cfgPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Database:  %s (%s)\n", dbPath, humanSize(info.Size()))
		printCounts(dbPath)
	} else {
		fmt.Printf("  Database:  not found\n")
	}

	if _, err := os.Stat(setup.UnitPath(homeDir)); err == nil {
		fmt.Printf("  Unit:      %s\n", setup.UnitPath(homeDir))
	} else {
		fmt.Printf("  Unit:      not installed\n")
	}
	return nil
}

func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	cfgPath := configFlag(fs)
	purge := fs.Bool("purge", false, "also remove config and database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling BookingSync...")
	if err := setup.UninstallService(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Service removed")
	}

	if *purge {
		dbPath, _ := store.DefaultDBPath()
		if cfg, err := config.Load(*cfgPath); err == nil && cfg.DBPath != "" {
			dbPath = cfg.DBPath
		}
		fmt.Println("  Purging config and database...")
		if err := setup.PurgeUserData(*cfgPath, dbPath); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ User data purged")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and database preserved.")
		fmt.Println("  Run with --purge to also remove them.")
	}
	return nil
}

// --- Shared wiring -----------------------------------------------------------

// app bundles what every data-touching subcommand needs.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	st      *store.Store
	client  *remote.Client
	closers []func()
}

func openApp(ctx context.Context, cfgPath string, verbose bool) (*app, error) {
	logger := newLogger(verbose)
	a := &app{log: logger}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	a.cfg = cfg
	logger.Info("config loaded",
		"remote_url", cfg.RemoteURL,
		"batch_size", cfg.BatchSize,
		"sync_interval", cfg.PeriodicSync(),
	)

	if telCfg, ok := telemetry.FromConfig(cfg.Telemetry, version); ok {
		shutdownTel, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", telCfg.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = store.DefaultDBPath(); err != nil {
			a.close()
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening database at %q: %w", dbPath, err)
	}
	a.st = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	})
	logger.Info("database opened", "path", dbPath)

	client, err := remote.NewClient(cfg.RemoteURL, cfg.APIKey, cfg.RequestTimeout, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialising backend client: %w", err)
	}
	a.client = client
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func configFlag(fs *flag.FlagSet) *string {
	defaultCfg, _ := config.DefaultPath()
	return fs.String("config", defaultCfg, "path to config.yaml")
}

// newLogger writes text logs to stderr and mirrors them to the OTel log
// provider once telemetry is set up.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(telemetry.NewLogHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(logger)
	return logger
}

func logReport(logger *slog.Logger, rep syncp.Report) {
	for _, typ := range model.EntityTypes {
		if err := rep.Errors[typ]; err != nil {
			logger.Error("sync failed", "type", typ, "error", err)
			continue
		}
		res := rep.Results[typ]
		logger.Info("sync complete",
			"type", typ,
			"local_only", res.Merge.LocalOnly,
			"remote_only", res.Merge.RemoteOnly,
			"conflicts", res.Merge.Conflicts,
			"written_local", res.WrittenLocal,
			"pushed_remote", res.PushedRemote,
			"deleted_remote", res.DeletedRemote,
		)
	}
}

func printCounts(dbPath string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.Open(dbPath, logger)
	if err != nil {
		fmt.Printf("  Records:   unreadable (%v)\n", err)
		return
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	patients, err := st.Patients().All(ctx)
	if err != nil {
		fmt.Printf("  Records:   unreadable (%v)\n", err)
		return
	}
	appts, err := st.Appointments().All(ctx)
	if err != nil {
		fmt.Printf("  Records:   unreadable (%v)\n", err)
		return
	}
	var tombs int
	for _, typ := range model.EntityTypes {
		ts, err := st.Tombstones(ctx, typ)
		if err == nil {
			tombs += len(ts)
		}
	}
	fmt.Printf("  Records:   %d patient(s), %d appointment(s), %d tombstone(s)\n",
		len(patients), len(appts), tombs)
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
