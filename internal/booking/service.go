// Package booking implements the clinic's data commands: creating, editing,
// and deleting patients and appointments, and the live queries the screens
// observe. Every local write bumps the entity's last-modified timestamp so
// the sync engine can resolve conflicts by recency.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/njoerd114/bookingsync/internal/model"
	"github.com/njoerd114/bookingsync/internal/store"
)

// ErrNotFound is returned when an update targets an entity that is not in
// the local store.
var ErrNotFound = errors.New("not found")

// RemotePusher is the subset of a remote table used for best-effort
// propagation of creates and deletes. Implemented by [remote.Table].
type RemotePusher[T model.Entity] interface {
	SyncUp(ctx context.Context, vs []T) error
	Delete(ctx context.Context, id string) error
}

// Service applies booking commands to the local store. Create one with
// [NewService].
type Service struct {
	st           *store.Store
	patients     RemotePusher[model.Patient]
	appointments RemotePusher[model.Appointment]
	log          *slog.Logger
	now          func() time.Time
}

// NewService returns a Service over st. The remote pushers may be nil, in
// which case changes reach the backend only through the next sync.
func NewService(st *store.Store, patients RemotePusher[model.Patient], appointments RemotePusher[model.Appointment], logger *slog.Logger) *Service {
	return &Service{
		st:           st,
		patients:     patients,
		appointments: appointments,
		log:          logger,
		now:          time.Now,
	}
}

// --- patients ----------------------------------------------------------------

// CreatePatient assigns p an id (unless it has one), stamps its timestamps,
// stores it, and pushes it to the remote on a best-effort basis.
func (s *Service) CreatePatient(ctx context.Context, p model.Patient) (model.Patient, error) {
	if err := validatePatient(p); err != nil {
		return model.Patient{}, err
	}
	if p.ID == "" {
		p.ID = model.NewID()
	}
	p.UpdatedAt = model.NextModified(time.Time{}, s.now())
	p.CreatedAt = p.UpdatedAt

	if err := s.st.Patients().Upsert(ctx, p); err != nil {
		return model.Patient{}, fmt.Errorf("creating patient: %w", err)
	}
	pushBestEffort(ctx, s.log, s.patients, model.TypePatient, p)
	return p, nil
}

// UpdatePatient replaces the stored patient with p. CreatedAt is preserved
// and UpdatedAt advances. The change reaches the remote on the next sync.
func (s *Service) UpdatePatient(ctx context.Context, p model.Patient) (model.Patient, error) {
	if err := validatePatient(p); err != nil {
		return model.Patient{}, err
	}
	cur, err := s.st.Patients().Get(ctx, p.ID)
	if err != nil {
		return model.Patient{}, fmt.Errorf("updating patient: %w", err)
	}
	if cur == nil {
		return model.Patient{}, fmt.Errorf("updating patient %q: %w", p.ID, ErrNotFound)
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = model.NextModified(cur.UpdatedAt, s.now())

	if err := s.st.Patients().Upsert(ctx, p); err != nil {
		return model.Patient{}, fmt.Errorf("updating patient: %w", err)
	}
	return p, nil
}

// DeletePatient removes a patient and, through the cascade, its
// appointments. The deletion is recorded as a tombstone and propagated to
// the remote on a best-effort basis. Deleting a missing patient is a no-op.
func (s *Service) DeletePatient(ctx context.Context, id string) error {
	existed, err := s.st.Patients().Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting patient: %w", err)
	}
	if existed {
		deleteBestEffort(ctx, s.log, s.patients, model.TypePatient, id)
	}
	return nil
}

// Patient returns the patient with the given id, or nil if there is none.
func (s *Service) Patient(ctx context.Context, id string) (*model.Patient, error) {
	return s.st.Patients().Get(ctx, id)
}

// Patients returns a live query over all patients ordered by name.
func (s *Service) Patients(ctx context.Context) (<-chan []model.Patient, error) {
	return s.st.Patients().Search(ctx, func(model.Patient) bool { return true })
}

// SearchPatients returns a live query over patients whose name or phone
// contains query.
func (s *Service) SearchPatients(ctx context.Context, query string) (<-chan []model.Patient, error) {
	return s.st.SearchPatients(ctx, query)
}

// --- appointments ------------------------------------------------------------

// CreateAppointment books a. The patient must exist locally. An empty
// status defaults to scheduled.
func (s *Service) CreateAppointment(ctx context.Context, a model.Appointment) (model.Appointment, error) {
	if a.Status == "" {
		a.Status = model.StatusScheduled
	}
	if err := validateAppointment(a); err != nil {
		return model.Appointment{}, err
	}
	if a.ID == "" {
		a.ID = model.NewID()
	}
	a.DateTime = model.LocalDateTime(a.DateTime)
	a.UpdatedAt = model.NextModified(time.Time{}, s.now())
	a.CreatedAt = a.UpdatedAt

	if err := s.st.Appointments().Upsert(ctx, a); err != nil {
		return model.Appointment{}, fmt.Errorf("creating appointment: %w", err)
	}
	pushBestEffort(ctx, s.log, s.appointments, model.TypeAppointment, a)
	return a, nil
}

// UpdateAppointment replaces the stored appointment with a.
func (s *Service) UpdateAppointment(ctx context.Context, a model.Appointment) (model.Appointment, error) {
	if err := validateAppointment(a); err != nil {
		return model.Appointment{}, err
	}
	cur, err := s.st.Appointments().Get(ctx, a.ID)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("updating appointment: %w", err)
	}
	if cur == nil {
		return model.Appointment{}, fmt.Errorf("updating appointment %q: %w", a.ID, ErrNotFound)
	}
	a.DateTime = model.LocalDateTime(a.DateTime)
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = model.NextModified(cur.UpdatedAt, s.now())

	if err := s.st.Appointments().Upsert(ctx, a); err != nil {
		return model.Appointment{}, fmt.Errorf("updating appointment: %w", err)
	}
	return a, nil
}

// SetAppointmentStatus changes only the status of an appointment.
func (s *Service) SetAppointmentStatus(ctx context.Context, id string, status model.Status) (model.Appointment, error) {
	cur, err := s.st.Appointments().Get(ctx, id)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("setting appointment status: %w", err)
	}
	if cur == nil {
		return model.Appointment{}, fmt.Errorf("setting status of appointment %q: %w", id, ErrNotFound)
	}
	a := *cur
	a.Status = status
	return s.UpdateAppointment(ctx, a)
}

// DeleteAppointment removes an appointment, records a tombstone, and
// propagates the deletion to the remote on a best-effort basis.
func (s *Service) DeleteAppointment(ctx context.Context, id string) error {
	existed, err := s.st.Appointments().Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting appointment: %w", err)
	}
	if existed {
		deleteBestEffort(ctx, s.log, s.appointments, model.TypeAppointment, id)
	}
	return nil
}

// Appointment returns the appointment with the given id, or nil.
func (s *Service) Appointment(ctx context.Context, id string) (*model.Appointment, error) {
	return s.st.Appointments().Get(ctx, id)
}

// Appointments returns a live query over all appointments ordered by time.
func (s *Service) Appointments(ctx context.Context) (<-chan []model.Appointment, error) {
	return s.st.Appointments().Search(ctx, func(model.Appointment) bool { return true })
}

// AppointmentsForPatient returns a live query over one patient's appointments.
func (s *Service) AppointmentsForPatient(ctx context.Context, patientID string) (<-chan []model.Appointment, error) {
	return s.st.AppointmentsByPatient(ctx, patientID)
}

// AppointmentsBetween returns a live query over appointments in [from, to].
func (s *Service) AppointmentsBetween(ctx context.Context, from, to time.Time) (<-chan []model.Appointment, error) {
	return s.st.AppointmentsByDateRange(ctx, from, to)
}

// AppointmentsWithStatus returns a live query over appointments in status st.
func (s *Service) AppointmentsWithStatus(ctx context.Context, st model.Status) (<-chan []model.Appointment, error) {
	return s.st.AppointmentsByStatus(ctx, st)
}

// AppointmentsOnDay returns a live query over appointments in status st
// scheduled on the calendar day of day.
func (s *Service) AppointmentsOnDay(ctx context.Context, day time.Time, st model.Status) (<-chan []model.Appointment, error) {
	start := model.DateOnly(model.LocalDateTime(day))
	return s.st.AppointmentsByDateAndStatus(ctx, start, start.AddDate(0, 0, 1), st)
}

// --- helpers -----------------------------------------------------------------

func validatePatient(p model.Patient) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("patient name is required")
	}
	return nil
}

func validateAppointment(a model.Appointment) error {
	if a.PatientID == "" {
		return errors.New("appointment patient is required")
	}
	if a.DateTime.IsZero() {
		return errors.New("appointment date-time is required")
	}
	if !a.Status.Valid() {
		return fmt.Errorf("unknown appointment status %q", a.Status)
	}
	return nil
}

func pushBestEffort[T model.Entity](ctx context.Context, log *slog.Logger, r RemotePusher[T], typ model.EntityType, v T) {
	if r == nil {
		return
	}
	if err := r.SyncUp(ctx, []T{v}); err != nil {
		log.Warn("remote push failed, will retry on next sync", "type", typ, "id", v.EntityID(), "error", err)
	}
}

func deleteBestEffort[T model.Entity](ctx context.Context, log *slog.Logger, r RemotePusher[T], typ model.EntityType, id string) {
	if r == nil {
		return
	}
	if err := r.Delete(ctx, id); err != nil {
		log.Warn("remote delete failed, will retry on next sync", "type", typ, "id", id, "error", err)
	}
}
