package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DateLayout is the calendar-date format used for dates of birth, both in
// the local database and on the wire.
const DateLayout = "2006-01-02"

// Patient is a person who can book appointments.
type Patient struct {
	ID             string
	Name           string
	Email          string
	Phone          string
	DateOfBirth    time.Time // calendar date, UTC midnight
	Address        string
	MedicalHistory string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EntityID implements [Entity].
func (p Patient) EntityID() string { return p.ID }

// LastModified implements [Entity].
func (p Patient) LastModified() time.Time { return p.UpdatedAt }

// ContentHash returns a deterministic SHA-256 hex digest of the patient's
// user-visible fields. CreatedAt and UpdatedAt are excluded.
func (p Patient) ContentHash() string {
	h := sha256.New()
	for _, field := range []string{
		p.ID,
		p.Name,
		p.Email,
		p.Phone,
		DateOnly(p.DateOfBirth).Format(DateLayout),
		p.Address,
		p.MedicalHistory,
	} {
		h.Write([]byte(field))
		h.Write([]byte("|"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DateOnly truncates t to its calendar date at UTC midnight.
func DateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
