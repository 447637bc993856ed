// Package store manages the on-device SQLite database that holds patients,
// appointments, and deletion tombstones.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] (one per process, constructed explicitly with [Open])
// and work through its typed [Collection] handles.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/bookingsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS patients (
    id              TEXT    PRIMARY KEY,
    name            TEXT    NOT NULL,
    email           TEXT    NOT NULL DEFAULT '',
    phone           TEXT    NOT NULL DEFAULT '',
    date_of_birth   TEXT    NOT NULL DEFAULT '',
    address         TEXT    NOT NULL DEFAULT '',
    medical_history TEXT    NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS appointments (
    id         TEXT    PRIMARY KEY,
    patient_id TEXT    NOT NULL REFERENCES patients (id) ON DELETE CASCADE,
    date_time  TEXT    NOT NULL,
    status     TEXT    NOT NULL,
    notes      TEXT    NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_appointments_patient_id ON appointments (patient_id);
CREATE INDEX IF NOT EXISTS idx_appointments_date_time  ON appointments (date_time);

CREATE TABLE IF NOT EXISTS tombstones (
    entity_type TEXT    NOT NULL,
    entity_id   TEXT    NOT NULL,
    deleted_at  INTEGER NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);
`

// ErrLocalStore marks I/O and constraint failures of the on-device store.
// They are fatal to the current operation and never retried automatically.
var ErrLocalStore = errors.New("local store")

// ErrUnknownPatient is returned when an appointment references a patient
// that is not in the local store.
var ErrUnknownPatient = fmt.Errorf("%w: appointment references unknown patient", ErrLocalStore)

// Store is the SQLite-backed entity repository.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time

	patients     *Collection[model.Patient]
	appointments *Collection[model.Appointment]
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/bookingsync/bookings.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "bookingsync", "bookings.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode and foreign-key enforcement.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, log: logger, now: time.Now}
	s.patients = newCollection(s, patientCodec)
	s.appointments = newCollection(s, appointmentCodec)
	return s, nil
}

// Close ends all live queries and releases the database connection.
func (s *Store) Close() error {
	s.patients.feed.Close()
	s.appointments.feed.Close()
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Patients returns the patient collection.
func (s *Store) Patients() *Collection[model.Patient] { return s.patients }

// Appointments returns the appointment collection.
func (s *Store) Appointments() *Collection[model.Appointment] { return s.appointments }

// IsEmpty reports whether the store holds no patients and no appointments.
// Used to decide whether sample data may be seeded.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	const q = `SELECT (SELECT COUNT(*) FROM patients) + (SELECT COUNT(*) FROM appointments)`
	if err := s.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return false, localErr("checking if store is empty", err)
	}
	return count == 0, nil
}

// Tombstones returns the deletion markers recorded for the given type.
func (s *Store) Tombstones(ctx context.Context, typ model.EntityType) ([]model.Tombstone, error) {
	const q = `SELECT entity_id, deleted_at FROM tombstones WHERE entity_type = ? ORDER BY entity_id`
	rows, err := s.db.QueryContext(ctx, q, string(typ))
	if err != nil {
		return nil, localErr("querying tombstones", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Tombstone
	for rows.Next() {
		var id string
		var deletedAt int64
		if err := rows.Scan(&id, &deletedAt); err != nil {
			return nil, localErr("scanning tombstone row", err)
		}
		out = append(out, model.Tombstone{Type: typ, ID: id, DeletedAt: fromMillis(deletedAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("iterating tombstones", err)
	}
	return out, nil
}

// --- helpers -----------------------------------------------------------------

// localErr wraps err so callers can match it with errors.Is(err, ErrLocalStore).
func localErr(op string, err error) error {
	if errors.Is(err, ErrLocalStore) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrLocalStore, err)
}

// scanner matches both *sql.Row and *sql.Rows so scan functions can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return model.DateOnly(t).Format(model.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(model.DateLayout, s)
}
