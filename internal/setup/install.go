package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// UnitName is the systemd user unit that runs the daemon.
const UnitName = "bookingsync.service"

const unitTemplate = `[Unit]
Description=BookingSync clinic data sync
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} daemon --config {{.ConfigPath}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`

type unitData struct {
	BinaryPath string
	ConfigPath string
}

// runCommand executes external commands. Replaced in tests.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// UnitPath returns ~/.config/systemd/user/bookingsync.service.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// RenderUnit returns the unit file contents for the given binary and config.
func RenderUnit(binaryPath, configPath string) ([]byte, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing unit template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, unitData{BinaryPath: binaryPath, ConfigPath: configPath}); err != nil {
		return nil, fmt.Errorf("executing unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// InstallService writes the unit for the running executable and enables it
// so the daemon starts now and on every login.
func InstallService(homeDir, configPath string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}
	if self, err = filepath.EvalSymlinks(self); err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}
	if err := WriteUnit(homeDir, self, configPath); err != nil {
		return err
	}
	if out, err := runCommand("systemctl", "--user", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := runCommand("systemctl", "--user", "enable", "--now", UnitName); err != nil {
		return fmt.Errorf("systemctl enable: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// WriteUnit renders and writes the unit file.
func WriteUnit(homeDir, binaryPath, configPath string) error {
	data, err := RenderUnit(binaryPath, configPath)
	if err != nil {
		return err
	}
	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// UninstallService stops and disables the unit and removes its file. A
// missing unit is not an error.
func UninstallService(homeDir string) error {
	if IsServiceActive() {
		if out, err := runCommand("systemctl", "--user", "disable", "--now", UnitName); err != nil {
			return fmt.Errorf("systemctl disable: %s: %w", strings.TrimSpace(string(out)), err)
		}
	}
	if err := os.Remove(UnitPath(homeDir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing unit: %w", err)
	}
	_, _ = runCommand("systemctl", "--user", "daemon-reload")
	return nil
}

// IsServiceActive reports whether systemd considers the unit running.
func IsServiceActive() bool {
	out, err := runCommand("systemctl", "--user", "is-active", UnitName)
	return err == nil && strings.TrimSpace(string(out)) == "active"
}

// PurgeUserData removes the config directory and the database directory.
func PurgeUserData(configPath, dbPath string) error {
	var errs []error
	for _, dir := range []string{filepath.Dir(configPath), filepath.Dir(dbPath)} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}
