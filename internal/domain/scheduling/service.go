package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientlink/internal/platform/phone"
)

type Service struct {
	appointments AppointmentRepository
	logger       zerolog.Logger
}

func NewService(appt AppointmentRepository, logger zerolog.Logger) *Service {
	return &Service{appointments: appt, logger: logger.With().Str("component", "scheduling").Logger()}
}

// CreateAppointment stores an unlinked appointment with its intake copy of
// the patient's identifying fields. The phone is canonicalized when it can
// be; an unparseable phone is kept raw and simply never matches.
func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) error {
	if err := ValidateAppointment(a); err != nil {
		return err
	}
	if a.Source == "" {
		a.Source = "intake"
	}

	a.PatientPhone = trimmed(a.PatientPhone)
	a.PatientMRN = trimmed(a.PatientMRN)
	a.PatientFirstName = trimmed(a.PatientFirstName)
	a.PatientLastName = trimmed(a.PatientLastName)
	a.ExternalRef = trimmed(a.ExternalRef)
	a.PatientPhoneCanonical = nil
	if a.PatientPhone != nil {
		if c, err := phone.Normalize(*a.PatientPhone); err == nil {
			a.PatientPhoneCanonical = strPtr(string(c))
		} else {
			s.logger.Debug().Str("external_ref", deref(a.ExternalRef)).Msg("appointment phone not normalizable, stored raw")
		}
	}
	if a.PatientDOB != nil {
		d := DateOnly(*a.PatientDOB)
		a.PatientDOB = &d
	}

	a.PatientProfileID = nil
	a.LinkMethod = nil
	a.LinkedAt = nil
	a.LinkedBy = nil

	if err := s.appointments.Create(ctx, a); err != nil {
		return err
	}
	s.logger.Debug().Str("appointment_id", a.ID.String()).Time("date", a.AppointmentDate).Msg("appointment created")
	return nil
}

// ValidateAppointment checks the date and status and normalizes both in
// place. It has no side effects beyond a, so callers can run it before
// touching identities.
func ValidateAppointment(a *Appointment) error {
	if a.AppointmentDate.IsZero() {
		return fmt.Errorf("%w: appointment_date is required", ErrInvalidAppointment)
	}
	a.AppointmentDate = DateOnly(a.AppointmentDate)
	a.Status = strings.ToLower(strings.TrimSpace(a.Status))
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if !ValidStatus(a.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAppointment, a.Status)
	}
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]*Appointment, int, error) {
	return s.appointments.List(ctx, f)
}

// ParseDate accepts the date layouts intake channels send.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "01/02/2006", "1/2/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised date %q", ErrInvalidAppointment, s)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
