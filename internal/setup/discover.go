package setup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/bookingsync/internal/remote"
)

// RemoteSummary describes what the backend already holds.
type RemoteSummary struct {
	Patients     int
	Appointments int
}

// String returns a one-line description for the wizard.
func (s RemoteSummary) String() string {
	return fmt.Sprintf("%d patient(s), %d appointment(s)", s.Patients, s.Appointments)
}

// PingRemote verifies connectivity and credentials against the backend.
func PingRemote(ctx context.Context, remoteURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*remote.Client, error) {
	c, err := remote.NewClient(remoteURL, apiKey, timeout, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", remoteURL, err)
	}
	return c, nil
}

// DiscoverRemote counts the rows in both backend tables. A table that cannot
// be read usually means the schema has not been created yet.
func DiscoverRemote(ctx context.Context, c *remote.Client) (RemoteSummary, error) {
	patients, err := c.Patients().FetchAll(ctx)
	if err != nil {
		return RemoteSummary{}, fmt.Errorf("reading patients table: %w", err)
	}
	appts, err := c.Appointments().FetchAll(ctx)
	if err != nil {
		return RemoteSummary{}, fmt.Errorf("reading appointments table: %w", err)
	}
	return RemoteSummary{Patients: len(patients), Appointments: len(appts)}, nil
}
