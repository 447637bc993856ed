package store

import (
	"fmt"

	"github.com/njoerd114/bookingsync/internal/model"
)

var patientCodec = codec[model.Patient]{
	typ:     model.TypePatient,
	columns: `id, name, email, phone, date_of_birth, address, medical_history, created_at, updated_at`,
	orderBy: `name COLLATE NOCASE ASC, id ASC`,
	upsert: `
		INSERT INTO patients
		    (id, name, email, phone, date_of_birth, address, medical_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name            = excluded.name,
		    email           = excluded.email,
		    phone           = excluded.phone,
		    date_of_birth   = excluded.date_of_birth,
		    address         = excluded.address,
		    medical_history = excluded.medical_history,
		    created_at      = excluded.created_at,
		    updated_at      = excluded.updated_at`,
	args: func(p model.Patient) []any {
		return []any{
			p.ID,
			p.Name,
			p.Email,
			p.Phone,
			formatDate(p.DateOfBirth),
			p.Address,
			p.MedicalHistory,
			toMillis(p.CreatedAt),
			toMillis(p.UpdatedAt),
		}
	},
	scan: scanPatient,
}

// ON CONFLICT ... DO UPDATE is used instead of INSERT OR REPLACE: REPLACE
// deletes the old row first, which would fire the cascade on appointments.
// The WHERE EXISTS guard turns an orphaned appointment into a zero-row insert.
var appointmentCodec = codec[model.Appointment]{
	typ:     model.TypeAppointment,
	columns: `id, patient_id, date_time, status, notes, created_at, updated_at`,
	orderBy: `date_time ASC, id ASC`,
	upsert: `
		INSERT INTO appointments
		    (id, patient_id, date_time, status, notes, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM patients WHERE id = ?)
		ON CONFLICT(id) DO UPDATE SET
		    patient_id = excluded.patient_id,
		    date_time  = excluded.date_time,
		    status     = excluded.status,
		    notes      = excluded.notes,
		    created_at = excluded.created_at,
		    updated_at = excluded.updated_at`,
	args: func(a model.Appointment) []any {
		return []any{
			a.ID,
			a.PatientID,
			model.LocalDateTime(a.DateTime).Format(model.DateTimeLayout),
			string(a.Status),
			a.Notes,
			toMillis(a.CreatedAt),
			toMillis(a.UpdatedAt),
			a.PatientID,
		}
	},
	scan: scanAppointment,
}

func scanPatient(s scanner) (model.Patient, error) {
	var p model.Patient
	var dob string
	var createdAt, updatedAt int64

	err := s.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&dob,
		&p.Address,
		&p.MedicalHistory,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return model.Patient{}, err
	}

	if p.DateOfBirth, err = parseDate(dob); err != nil {
		return model.Patient{}, fmt.Errorf("patient %q date_of_birth: %w", p.ID, err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

func scanAppointment(s scanner) (model.Appointment, error) {
	var a model.Appointment
	var dateTime, status string
	var createdAt, updatedAt int64

	err := s.Scan(
		&a.ID,
		&a.PatientID,
		&dateTime,
		&status,
		&a.Notes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}

	if a.DateTime, err = model.ParseLocalDateTime(dateTime); err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %q: %w", a.ID, err)
	}
	if a.Status, err = model.ParseStatus(status); err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %q: %w", a.ID, err)
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}
