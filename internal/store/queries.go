package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/bookingsync/internal/model"
)

// SearchPatients returns a live query over patients whose name or phone
// contains query, ignoring case. An empty query matches every patient.
func (s *Store) SearchPatients(ctx context.Context, query string) (<-chan []model.Patient, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	return s.patients.Search(ctx, func(p model.Patient) bool {
		if q == "" {
			return true
		}
		return strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Phone), q)
	})
}

// AppointmentsByPatient returns a live query over one patient's appointments.
func (s *Store) AppointmentsByPatient(ctx context.Context, patientID string) (<-chan []model.Appointment, error) {
	return s.appointments.Search(ctx, func(a model.Appointment) bool {
		return a.PatientID == patientID
	})
}

// AppointmentsByDateRange returns a live query over appointments scheduled
// between from and to, both inclusive.
func (s *Store) AppointmentsByDateRange(ctx context.Context, from, to time.Time) (<-chan []model.Appointment, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("appointments by date range: end %s before start %s", to, from)
	}
	from, to = model.LocalDateTime(from), model.LocalDateTime(to)
	return s.appointments.Search(ctx, func(a model.Appointment) bool {
		at := model.LocalDateTime(a.DateTime)
		return !at.Before(from) && !at.After(to)
	})
}

// AppointmentsByStatus returns a live query over appointments in status st.
func (s *Store) AppointmentsByStatus(ctx context.Context, st model.Status) (<-chan []model.Appointment, error) {
	return s.appointments.Search(ctx, func(a model.Appointment) bool {
		return a.Status == st
	})
}

// AppointmentsByDateAndStatus returns a live query over appointments in
// status st scheduled in the half-open window [from, to).
func (s *Store) AppointmentsByDateAndStatus(ctx context.Context, from, to time.Time, st model.Status) (<-chan []model.Appointment, error) {
	from, to = model.LocalDateTime(from), model.LocalDateTime(to)
	return s.appointments.Search(ctx, func(a model.Appointment) bool {
		at := model.LocalDateTime(a.DateTime)
		return a.Status == st && !at.Before(from) && at.Before(to)
	})
}

// ClearTombstone removes the deletion marker for one entity, if any.
func (s *Store) ClearTombstone(ctx context.Context, typ model.EntityType, id string) error {
	const q = `DELETE FROM tombstones WHERE entity_type = ? AND entity_id = ?`
	if _, err := s.db.ExecContext(ctx, q, string(typ), id); err != nil {
		return localErr(fmt.Sprintf("clearing tombstone for %s %q", typ, id), err)
	}
	return nil
}
