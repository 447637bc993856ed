package booking

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/njoerd114/bookingsync/internal/model"
	"github.com/njoerd114/bookingsync/internal/store"
)

// Seeder fills an empty store with a small set of demo patients and
// appointments. Nothing is written unless the store is empty and the
// operator confirms.
type Seeder struct {
	svc    *Service
	st     *store.Store
	log    *slog.Logger
	reader io.Reader // confirmation input (os.Stdin in production)
	writer io.Writer // summary output (os.Stdout in production)
	now    func() time.Time
}

// NewSeeder creates a Seeder writing through svc. reader and writer control
// the confirmation prompt I/O.
func NewSeeder(svc *Service, logger *slog.Logger, reader io.Reader, writer io.Writer) *Seeder {
	return &Seeder{
		svc:    svc,
		st:     svc.st,
		log:    logger,
		reader: reader,
		writer: writer,
		now:    time.Now,
	}
}

type seedAppointment struct {
	patient int // index into the seeded patients
	days    int
	hour    int
	minute  int
	status  model.Status
	notes   string
}

var seedPatients = []model.Patient{
	{
		Name:           "John Doe",
		Email:          "john.doe@email.com",
		Phone:          "123-456-7890",
		DateOfBirth:    time.Date(1980, 5, 15, 0, 0, 0, 0, time.UTC),
		Address:        "123 Main St, City",
		MedicalHistory: "Hypertension, Allergic to penicillin",
	},
	{
		Name:           "Jane Smith",
		Email:          "jane.smith@email.com",
		Phone:          "098-765-4321",
		DateOfBirth:    time.Date(1990, 8, 22, 0, 0, 0, 0, time.UTC),
		Address:        "456 Oak Ave, Town",
		MedicalHistory: "Asthma",
	},
	{
		Name:           "Mike Johnson",
		Email:          "mike.j@email.com",
		Phone:          "555-123-4567",
		DateOfBirth:    time.Date(1975, 12, 10, 0, 0, 0, 0, time.UTC),
		Address:        "789 Pine Rd, Village",
		MedicalHistory: "Diabetes Type 2",
	},
}

var seedAppointments = []seedAppointment{
	{patient: 0, days: 1, hour: 9, status: model.StatusScheduled, notes: "Regular checkup"},
	{patient: 1, days: 2, hour: 10, minute: 30, status: model.StatusScheduled, notes: "Follow-up for asthma treatment"},
	{patient: 2, days: 3, hour: 14, status: model.StatusScheduled, notes: "Referral to cardiologist"},
	{patient: 0, days: -1, hour: 11, status: model.StatusCompleted, notes: "Annual flu shot"},
}

// Run seeds the store if it is empty. When assumeYes is false the operator
// is asked to confirm first. Returns true if data was written.
func (s *Seeder) Run(ctx context.Context, assumeYes bool) (bool, error) {
	empty, err := s.st.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("checking store: %w", err)
	}
	if !empty {
		s.log.Info("store is not empty, skipping seed")
		return false, nil
	}

	s.printSummary()
	if !assumeYes && !s.confirm() {
		s.log.Info("seed cancelled by user")
		return false, nil
	}

	if err := s.execute(ctx); err != nil {
		return false, fmt.Errorf("seeding: %w", err)
	}
	s.log.Info("seed complete", "patients", len(seedPatients), "appointments", len(seedAppointments))
	return true, nil
}

// printSummary writes what is about to be created.
func (s *Seeder) printSummary() {
	today := model.DateOnly(model.LocalDateTime(s.now()))

	_, _ = fmt.Fprintf(s.writer, "\n--- Sample Data ---\n\n")
	_, _ = fmt.Fprintf(s.writer, "Patients: %d\n", len(seedPatients))
	for _, p := range seedPatients {
		_, _ = fmt.Fprintf(s.writer, "  + %s (%s)\n", p.Name, p.Phone)
	}
	_, _ = fmt.Fprintf(s.writer, "Appointments: %d\n", len(seedAppointments))
	for _, a := range seedAppointments {
		at := a.at(today)
		_, _ = fmt.Fprintf(s.writer, "  + %s  %-9s  %s: %s\n",
			at.Format("2006-01-02 15:04"), a.status.Label(), seedPatients[a.patient].Name, a.notes)
	}
	_, _ = fmt.Fprintln(s.writer)
}

// confirm reads a y/n response from the reader.
func (s *Seeder) confirm() bool {
	_, _ = fmt.Fprintf(s.writer, "Create sample data? [y/N] ")
	scanner := bufio.NewScanner(s.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}

// execute creates the patients first so the appointments can reference them.
func (s *Seeder) execute(ctx context.Context) error {
	today := model.DateOnly(model.LocalDateTime(s.now()))

	ids := make([]string, len(seedPatients))
	for i, p := range seedPatients {
		created, err := s.svc.CreatePatient(ctx, p)
		if err != nil {
			return fmt.Errorf("creating patient %q: %w", p.Name, err)
		}
		ids[i] = created.ID
		s.log.Debug("seeded patient", "name", p.Name, "id", created.ID)
	}

	for _, a := range seedAppointments {
		appt := model.Appointment{
			PatientID: ids[a.patient],
			DateTime:  a.at(today),
			Status:    a.status,
			Notes:     a.notes,
		}
		if _, err := s.svc.CreateAppointment(ctx, appt); err != nil {
			return fmt.Errorf("creating appointment %q: %w", a.notes, err)
		}
	}
	return nil
}

func (a seedAppointment) at(today time.Time) time.Time {
	return today.AddDate(0, 0, a.days).Add(time.Duration(a.hour)*time.Hour + time.Duration(a.minute)*time.Minute)
}
