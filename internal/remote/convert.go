package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/bookingsync/internal/model"
)

// patientRow is the wire form of a patient in the patients table.
type patientRow struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Email          string      `json:"email"`
	Phone          string      `json:"phone"`
	DateOfBirth    string      `json:"dateOfBirth"`
	Address        string      `json:"address"`
	MedicalHistory string      `json:"medicalHistory"`
	CreatedAt      epochMillis `json:"createdAt"`
	UpdatedAt      epochMillis `json:"updatedAt"`
}

// appointmentRow is the wire form of an appointment. DateTime is a local
// date-time without offset, e.g. "2026-03-15T09:30:00".
type appointmentRow struct {
	ID        string      `json:"id"`
	PatientID string      `json:"patientId"`
	DateTime  string      `json:"dateTime"`
	Status    string      `json:"status"`
	Notes     string      `json:"notes"`
	CreatedAt epochMillis `json:"createdAt"`
	UpdatedAt epochMillis `json:"updatedAt"`
}

func patientToRow(p model.Patient) patientRow {
	row := patientRow{
		ID:             p.ID,
		Name:           p.Name,
		Email:          p.Email,
		Phone:          p.Phone,
		Address:        p.Address,
		MedicalHistory: p.MedicalHistory,
		CreatedAt:      toEpochMillis(p.CreatedAt),
		UpdatedAt:      toEpochMillis(p.UpdatedAt),
	}
	if !p.DateOfBirth.IsZero() {
		row.DateOfBirth = model.DateOnly(p.DateOfBirth).Format(model.DateLayout)
	}
	return row
}

func rowToPatient(r patientRow) (model.Patient, error) {
	if r.ID == "" {
		return model.Patient{}, errors.New("patient row without id")
	}
	p := model.Patient{
		ID:             r.ID,
		Name:           r.Name,
		Email:          r.Email,
		Phone:          r.Phone,
		Address:        r.Address,
		MedicalHistory: r.MedicalHistory,
		CreatedAt:      r.CreatedAt.Time(),
		UpdatedAt:      r.UpdatedAt.Time(),
	}
	if r.DateOfBirth != "" {
		dob, err := parseDate(r.DateOfBirth)
		if err != nil {
			return model.Patient{}, fmt.Errorf("patient %q: %w", r.ID, err)
		}
		p.DateOfBirth = dob
	}
	return p, nil
}

func appointmentToRow(a model.Appointment) appointmentRow {
	return appointmentRow{
		ID:        a.ID,
		PatientID: a.PatientID,
		DateTime:  model.LocalDateTime(a.DateTime).Format(model.DateTimeLayout),
		Status:    string(a.Status),
		Notes:     a.Notes,
		CreatedAt: toEpochMillis(a.CreatedAt),
		UpdatedAt: toEpochMillis(a.UpdatedAt),
	}
}

func rowToAppointment(r appointmentRow) (model.Appointment, error) {
	if r.ID == "" {
		return model.Appointment{}, errors.New("appointment row without id")
	}
	if r.PatientID == "" {
		return model.Appointment{}, fmt.Errorf("appointment %q without patientId", r.ID)
	}
	at, err := model.ParseLocalDateTime(r.DateTime)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %q: %w", r.ID, err)
	}
	status, err := model.ParseStatus(r.Status)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %q: %w", r.ID, err)
	}
	return model.Appointment{
		ID:        r.ID,
		PatientID: r.PatientID,
		DateTime:  at,
		Status:    status,
		Notes:     r.Notes,
		CreatedAt: r.CreatedAt.Time(),
		UpdatedAt: r.UpdatedAt.Time(),
	}, nil
}

// parseDate accepts "2006-01-02" and any longer ISO form starting with it
// (a date column serialised with a time part).
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(model.DateLayout) {
		s = s[:len(model.DateLayout)]
	}
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// epochMillis is a timestamp encoded as milliseconds since the Unix epoch.
// Decoding also accepts numeric strings and RFC 3339 strings so rows written
// by other clients (or a timestamptz column) still parse.
type epochMillis int64

func toEpochMillis(t time.Time) epochMillis {
	if t.IsZero() {
		return 0
	}
	return epochMillis(t.UnixMilli())
}

// Time returns the timestamp in UTC, or the zero time for 0.
func (m epochMillis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *epochMillis) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*m = 0
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*m = epochMillis(n)
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q is neither epoch millis nor RFC 3339", s)
		}
		*m = toEpochMillis(t)
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	*m = epochMillis(int64(f))
	return nil
}
