package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientlink/internal/domain/identity"
	"github.com/ehr/patientlink/internal/domain/linkage"
	"github.com/ehr/patientlink/internal/domain/scheduling"
	"github.com/ehr/patientlink/internal/platform/phone"
	"github.com/ehr/patientlink/internal/platform/telemetry"
)

// Mode selects how imported rows reach identities.
type Mode string

const (
	// ModeDeferred inserts every row unlinked and then runs batch linking.
	ModeDeferred Mode = "deferred"
	// ModeResolve resolves an identity per row before inserting it.
	ModeResolve Mode = "resolve"
)

var ErrUnknownMode = errors.New("unknown import mode")

// ParseMode defaults to ModeDeferred.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDeferred:
		return ModeDeferred, nil
	case ModeResolve:
		return ModeResolve, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type AppointmentCreator interface {
	CreateAppointment(ctx context.Context, a *scheduling.Appointment) error
}

type IdentityResolver interface {
	FindOrCreate(ctx context.Context, rawPhone string, attrs identity.PartialAttributes, source identity.Source) (*identity.Patient, bool, error)
}

type Linker interface {
	LinkProfileToAppointments(ctx context.Context, profileID uuid.UUID, windowDays int) ([]linkage.LinkResult, error)
	LinkAllProfiles(ctx context.Context, windowDays int) ([]linkage.ProfileSummary, error)
}

// RowError is a row the import skipped. Line 0 marks a linking failure
// not tied to a row.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

type ImportReport struct {
	Mode            Mode       `json:"mode"`
	Rows            int        `json:"rows"`
	Imported        int        `json:"imported"`
	Failed          int        `json:"failed"`
	ProfilesCreated int        `json:"profiles_created"`
	ProfilesMatched int        `json:"profiles_matched"`
	ProfilesLinked  int        `json:"profiles_linked"`
	LinksCreated    int        `json:"links_created"`
	Errors          []RowError `json:"errors"`
	Elapsed         string     `json:"elapsed"`
}

func (r *ImportReport) fail(line int, err error) {
	r.Errors = append(r.Errors, RowError{Line: line, Message: err.Error()})
}

type Importer struct {
	appointments AppointmentCreator
	resolver     IdentityResolver
	linker       Linker
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
	windowDays   int
}

func NewImporter(appts AppointmentCreator, resolver IdentityResolver, linker Linker, logger zerolog.Logger) *Importer {
	return &Importer{
		appointments: appts,
		resolver:     resolver,
		linker:       linker,
		logger:       logger.With().Str("component", "intake").Logger(),
	}
}

func (im *Importer) SetMetrics(m *telemetry.Metrics) { im.metrics = m }

// SetWindowDays sets the link window passed to the linker; zero lets the
// linker use its default.
func (im *Importer) SetWindowDays(days int) { im.windowDays = days }

// Import stores every valid row as an appointment and links them to
// identities. A bad row is reported and skipped; it never aborts the import.
func (im *Importer) Import(ctx context.Context, rows []ScheduleRow, mode Mode) (*ImportReport, error) {
	start := time.Now()
	report := &ImportReport{Mode: mode, Rows: len(rows), Errors: []RowError{}}
	touched := make(map[uuid.UUID]bool)
	var order []uuid.UUID

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// Validate fully before resolving so a rejected row never creates
		// or merges an identity.
		a, err := toAppointment(row)
		if err != nil {
			im.rowFailed(report, row.Line, err)
			continue
		}

		if mode == ModeResolve && phone.IsValid(row.Phone) {
			p, created, err := im.resolver.FindOrCreate(ctx, row.Phone, attributesOf(a), identity.SourceScheduleImport)
			if err != nil {
				im.rowFailed(report, row.Line, fmt.Errorf("resolve identity: %w", err))
				continue
			}
			if created {
				report.ProfilesCreated++
			} else {
				report.ProfilesMatched++
			}
			if !touched[p.ID] {
				touched[p.ID] = true
				order = append(order, p.ID)
			}
		}

		if err := im.appointments.CreateAppointment(ctx, a); err != nil {
			im.rowFailed(report, row.Line, err)
			continue
		}
		report.Imported++
		im.metrics.ObserveImportRow("imported")
	}

	switch mode {
	case ModeResolve:
		for _, id := range order {
			results, err := im.linker.LinkProfileToAppointments(ctx, id, im.windowDays)
			if err != nil {
				report.fail(0, fmt.Errorf("link identity %s: %w", id, err))
				continue
			}
			report.ProfilesLinked++
			report.LinksCreated += countCreated(results)
		}
	default:
		summaries, err := im.linker.LinkAllProfiles(ctx, im.windowDays)
		if err != nil {
			return report, fmt.Errorf("batch linking: %w", err)
		}
		for _, s := range summaries {
			if s.Status == linkage.StatusError {
				report.fail(0, fmt.Errorf("link identity %s: %s", s.HumanID, s.Error))
				continue
			}
			report.ProfilesLinked++
			report.LinksCreated += s.LinksCreated
		}
	}

	report.Elapsed = time.Since(start).Round(time.Millisecond).String()
	im.logger.Info().Str("mode", string(mode)).Int("rows", report.Rows).Int("imported", report.Imported).
		Int("failed", report.Failed).Int("links_created", report.LinksCreated).Msg("schedule import finished")
	return report, nil
}

func (im *Importer) rowFailed(report *ImportReport, line int, err error) {
	report.Failed++
	report.fail(line, err)
	im.metrics.ObserveImportRow("failed")
	im.logger.Debug().Int("line", line).Err(err).Msg("schedule row skipped")
}

func toAppointment(row ScheduleRow) (*scheduling.Appointment, error) {
	if row.AppointmentDate == "" {
		return nil, fmt.Errorf("%w: appointment_date is empty", scheduling.ErrInvalidAppointment)
	}
	date, err := scheduling.ParseDate(row.AppointmentDate)
	if err != nil {
		return nil, err
	}
	a := &scheduling.Appointment{
		AppointmentDate:  date,
		Status:           row.Status,
		Source:           string(identity.SourceScheduleImport),
		ExternalRef:      optional(row.ExternalRef),
		AppointmentTime:  optional(row.AppointmentTime),
		ProviderName:     optional(row.Provider),
		PatientPhone:     optional(row.Phone),
		PatientMRN:       optional(row.MRN),
		PatientFirstName: optional(row.FirstName),
		PatientLastName:  optional(row.LastName),
	}
	if row.DateOfBirth != "" {
		dob, err := scheduling.ParseDate(row.DateOfBirth)
		if err != nil {
			return nil, fmt.Errorf("dob: %w", err)
		}
		a.PatientDOB = &dob
	}
	if err := scheduling.ValidateAppointment(a); err != nil {
		return nil, err
	}
	return a, nil
}

func attributesOf(a *scheduling.Appointment) identity.PartialAttributes {
	attrs := identity.PartialAttributes{DateOfBirth: a.PatientDOB}
	if a.PatientFirstName != nil {
		attrs.FirstName = *a.PatientFirstName
	}
	if a.PatientLastName != nil {
		attrs.LastName = *a.PatientLastName
	}
	if a.PatientMRN != nil {
		attrs.MRN = *a.PatientMRN
	}
	return attrs
}

func countCreated(results []linkage.LinkResult) int {
	n := 0
	for _, r := range results {
		if r.LinkCreated {
			n++
		}
	}
	return n
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
