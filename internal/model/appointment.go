package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an appointment. Values are the wire and
// storage representation.
type Status string

const (
	// StatusScheduled is a booked appointment that has not happened yet.
	StatusScheduled Status = "SCHEDULED"
	// StatusCompleted is an appointment that took place.
	StatusCompleted Status = "COMPLETED"
	// StatusCancelled is an appointment called off before it took place.
	StatusCancelled Status = "CANCELLED"
	// StatusNoShow is an appointment the patient did not attend.
	StatusNoShow Status = "NO_SHOW"
)

// Label returns the human-readable label for the status.
func (s Status) Label() string {
	switch s {
	case StatusScheduled:
		return "Scheduled"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	case StatusNoShow:
		return "No show"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// ParseStatus maps a stored or wire status string to a [Status]. Matching is
// case-insensitive and accepts "NoShow"/"no-show" spellings.
func ParseStatus(raw string) (Status, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, "-", "_")
	if norm == "NOSHOW" {
		norm = string(StatusNoShow)
	}
	s := Status(norm)
	if !s.Valid() {
		return "", fmt.Errorf("unknown appointment status %q", raw)
	}
	return s, nil
}

// Appointment is a booked slot for a patient.
type Appointment struct {
	ID        string
	PatientID string
	// DateTime is a timezone-naive wall-clock time. It is always held in
	// UTC so comparisons never shift it; see [LocalDateTime].
	DateTime  time.Time
	Status    Status
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityID implements [Entity].
func (a Appointment) EntityID() string { return a.ID }

// LastModified implements [Entity].
func (a Appointment) LastModified() time.Time { return a.UpdatedAt }

// ContentHash returns a deterministic SHA-256 hex digest of the appointment's
// user-visible fields. CreatedAt and UpdatedAt are excluded.
func (a Appointment) ContentHash() string {
	h := sha256.New()
	for _, field := range []string{
		a.ID,
		a.PatientID,
		LocalDateTime(a.DateTime).Format(DateTimeLayout),
		string(a.Status),
		a.Notes,
	} {
		h.Write([]byte(field))
		h.Write([]byte("|"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DateTimeLayout is the ISO-8601 extended local date-time format used to
// store and transmit appointment times.
const DateTimeLayout = "2006-01-02T15:04:05"

// LocalDateTime drops t's location while keeping its wall-clock reading, so
// 09:30+02:00 becomes 09:30 (UTC-held, timezone-naive).
func LocalDateTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

// ParseLocalDateTime parses an ISO-8601 date-time. The bare local form
// ("2026-03-15T09:30:00", seconds optional) is tried first; offset-qualified
// forms ("...Z", "...+02:00", optionally followed by a "[Region/Zone]" suffix)
// are accepted as a fallback. Offsets are discarded and the wall-clock
// reading is kept.
func ParseLocalDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{DateTimeLayout, "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return LocalDateTime(t), nil
		}
	}

	zoned := s
	if i := strings.IndexByte(zoned, '['); i > 0 && strings.HasSuffix(zoned, "]") {
		zoned = zoned[:i]
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, zoned); err == nil {
			return LocalDateTime(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing date-time %q: not an ISO-8601 local or offset date-time", s)
}
