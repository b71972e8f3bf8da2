package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/patientlink/internal/platform/db"
	"github.com/ehr/patientlink/internal/platform/outbox"
	"github.com/ehr/patientlink/internal/platform/phone"
	"github.com/ehr/patientlink/internal/platform/telemetry"
)

const (
	maxResolveAttempts = 3
	maxHumanIDAttempts = 8
)

// errIdentityRace signals that a concurrent writer claimed the phone, MRN
// or email first and the lookup must be repeated.
var errIdentityRace = errors.New("identity created concurrently")

type Service struct {
	patients PatientRepository
	tx       db.Transactor
	events   outbox.Writer
	ids      HumanIDGenerator
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(patients PatientRepository, tx db.Transactor, events outbox.Writer, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		tx:       tx,
		events:   events,
		ids:      NewHumanIDGenerator(DefaultHumanIDPrefix),
		logger:   logger.With().Str("component", "identity").Logger(),
		tracer:   telemetry.Tracer(),
		now:      time.Now,
	}
}

func (s *Service) SetHumanIDGenerator(g HumanIDGenerator) { s.ids = g }
func (s *Service) SetMetrics(m *telemetry.Metrics)         { s.metrics = m }
func (s *Service) SetClock(now func() time.Time)           { s.now = now }

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// FindOrCreate returns the single active identity for rawPhone, merging
// attrs into it, or creates one. wasCreated is true only for the call that
// inserted the row.
func (s *Service) FindOrCreate(ctx context.Context, rawPhone string, attrs PartialAttributes, source Source) (*Patient, bool, error) {
	ctx, span := s.tracer.Start(ctx, "identity.FindOrCreate", trace.WithAttributes(attribute.String("source", string(source))))
	defer span.End()

	canonical, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, false, err
	}
	if !source.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	attrs = attrs.normalized()
	log := s.logger.With().Str("phone", canonical.Masked()).Str("source", string(source)).Logger()

	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		p, outcome, err := s.resolveOnce(ctx, canonical, attrs, source)
		if err == nil {
			s.metrics.ObserveResolution(outcome, string(source))
			span.SetAttributes(attribute.String("outcome", outcome), attribute.String("profile_id", p.ID.String()))
			log.Debug().Str("profile_id", p.ID.String()).Str("outcome", outcome).Msg("identity resolved")
			return p, outcome == telemetry.OutcomeCreated, nil
		}
		if !errors.Is(err, errIdentityRace) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve failed")
			if errors.Is(err, ErrConflictRetryExhausted) {
				s.metrics.ObserveResolution(telemetry.OutcomeFailed, string(source))
				log.Error().Err(err).Msg("human id generation exhausted")
			}
			return nil, false, err
		}
		s.metrics.ObserveConflict("identity")
		log.Debug().Int("attempt", attempt).Msg("lost identity create race, retrying lookup")
	}

	s.metrics.ObserveResolution(telemetry.OutcomeFailed, string(source))
	log.Error().Int("attempts", maxResolveAttempts).Msg("identity resolution did not converge")
	span.SetStatus(codes.Error, "retries exhausted")
	return nil, false, fmt.Errorf("%w: phone lookup kept racing with concurrent creates", ErrConflictRetryExhausted)
}

func (s *Service) resolveOnce(ctx context.Context, canonical phone.Canonical, attrs PartialAttributes, source Source) (*Patient, string, error) {
	var (
		result  *Patient
		outcome string
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		existing, err := s.patients.GetByPhone(ctx, string(canonical), true)
		if err == nil {
			result, outcome = existing, telemetry.OutcomeMerged
			return s.merge(ctx, existing, attrs, source, false)
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("lookup by phone: %w", err)
		}

		if attrs.MRN == "" {
			return nil
		}
		existing, err = s.patients.GetByMRN(ctx, attrs.MRN, true)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup by mrn: %w", err)
		}
		existing.PhoneCanonical = strPtr(string(canonical))
		result, outcome = existing, telemetry.OutcomeRepaired
		return s.merge(ctx, existing, attrs, source, true)
	})
	if err != nil {
		return nil, "", s.classify(err)
	}
	if result != nil {
		return result, outcome, nil
	}

	created, err := s.create(ctx, canonical, attrs, source)
	if err != nil {
		return nil, "", err
	}
	return created, telemetry.OutcomeCreated, nil
}

// merge applies attrs to p and persists it with an identity.merged event.
// Attributes owned by a different identity are dropped.
func (s *Service) merge(ctx context.Context, p *Patient, attrs PartialAttributes, source Source, phoneRepaired bool) error {
	attrs, err := s.dropForeignAttributes(ctx, p.ID, attrs)
	if err != nil {
		return err
	}

	changed := mergeAttributes(p, attrs, source)
	addSource(p, source)
	now := s.now().UTC()
	p.LastDataMergeAt = &now

	if err := s.patients.Update(ctx, p); err != nil {
		return err
	}
	return s.events.Write(ctx, outbox.Event{
		AggregateType: "patient_identity",
		AggregateID:   p.ID.String(),
		EventType:     outbox.EventIdentityMerged,
		Payload: map[string]any{
			"profile_id":     p.ID,
			"human_id":       p.HumanID,
			"source":         source,
			"changed_fields": changed,
			"phone_repaired": phoneRepaired,
			"merged_at":      now,
		},
	})
}

// dropForeignAttributes blanks an MRN or email that already belongs to
// another active identity so the merge cannot violate their unique indexes.
func (s *Service) dropForeignAttributes(ctx context.Context, self uuid.UUID, attrs PartialAttributes) (PartialAttributes, error) {
	if attrs.MRN != "" {
		owner, err := s.patients.GetByMRN(ctx, attrs.MRN, false)
		switch {
		case err == nil && owner.ID != self:
			s.logger.Warn().Str("profile_id", self.String()).Str("owner_id", owner.ID.String()).
				Msg("incoming mrn belongs to another identity, ignoring it")
			attrs.MRN = ""
		case err != nil && !errors.Is(err, ErrNotFound):
			return attrs, fmt.Errorf("check mrn owner: %w", err)
		}
	}
	if attrs.Email != "" {
		owner, err := s.patients.GetByEmail(ctx, attrs.Email)
		switch {
		case err == nil && owner.ID != self:
			s.logger.Info().Str("profile_id", self.String()).Msg("incoming email belongs to another identity, ignoring it")
			attrs.Email = ""
		case err != nil && !errors.Is(err, ErrNotFound):
			return attrs, fmt.Errorf("check email owner: %w", err)
		}
	}
	return attrs, nil
}

// create inserts a new identity in its own transaction, drawing a fresh
// human ID on every collision.
func (s *Service) create(ctx context.Context, canonical phone.Canonical, attrs PartialAttributes, source Source) (*Patient, error) {
	attrs, err := s.dropForeignAttributes(ctx, uuid.Nil, attrs)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxHumanIDAttempts; attempt++ {
		humanID, err := s.ids.Next()
		if err != nil {
			return nil, err
		}
		p := newPatient(string(canonical), humanID, attrs, source, s.now().UTC())

		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := s.patients.Create(ctx, p); err != nil {
				return err
			}
			return s.events.Write(ctx, outbox.Event{
				AggregateType: "patient_identity",
				AggregateID:   p.ID.String(),
				EventType:     outbox.EventIdentityCreated,
				Payload: map[string]any{
					"profile_id": p.ID,
					"short_id":   p.ShortID,
					"human_id":   p.HumanID,
					"source":     source,
					"created_at": p.CreatedAt,
				},
			})
		})
		if err == nil {
			if !phone.Assignable(canonical) {
				s.logger.Warn().Str("profile_id", p.ID.String()).Str("phone", canonical.Masked()).
					Str("source", string(source)).Msg("identity created with an unassigned phone range")
			}
			return p, nil
		}
		if db.IsUniqueViolation(err, ConstraintHumanID) {
			s.metrics.ObserveConflict("human_id")
			s.logger.Warn().Int("attempt", attempt).Msg("human id collision, regenerating")
			continue
		}
		return nil, s.classify(err)
	}
	return nil, fmt.Errorf("%w: %d human id collisions", ErrConflictRetryExhausted, maxHumanIDAttempts)
}

// classify turns unique violations on the identity keys into errIdentityRace.
func (s *Service) classify(err error) error {
	switch db.UniqueConstraint(err) {
	case ConstraintPhone, ConstraintMRN, ConstraintEmail:
		return fmt.Errorf("%w: %v", errIdentityRace, err)
	}
	return err
}
