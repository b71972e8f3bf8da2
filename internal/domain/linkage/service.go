package linkage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/patientlink/internal/domain/identity"
	"github.com/ehr/patientlink/internal/domain/scheduling"
	"github.com/ehr/patientlink/internal/platform/auth"
	"github.com/ehr/patientlink/internal/platform/db"
	"github.com/ehr/patientlink/internal/platform/outbox"
	"github.com/ehr/patientlink/internal/platform/phone"
	"github.com/ehr/patientlink/internal/platform/telemetry"
)

const batchPageSize = 100

// Engine attaches appointments to patient identities and keeps the audit
// trail of every link.
type Engine struct {
	patients     identity.PatientRepository
	appointments scheduling.AppointmentRepository
	links        LinkRepository
	tx           db.Transactor
	events       outbox.Writer
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
	tracer       trace.Tracer
	now          func() time.Time
	windowDays   int
}

func NewEngine(patients identity.PatientRepository, appts scheduling.AppointmentRepository, links LinkRepository,
	tx db.Transactor, events outbox.Writer, logger zerolog.Logger) *Engine {
	return &Engine{
		patients:     patients,
		appointments: appts,
		links:        links,
		tx:           tx,
		events:       events,
		logger:       logger.With().Str("component", "linkage").Logger(),
		tracer:       telemetry.Tracer(),
		now:          time.Now,
		windowDays:   DefaultWindowDays,
	}
}

func (e *Engine) SetMetrics(m *telemetry.Metrics) { e.metrics = m }
func (e *Engine) SetClock(now func() time.Time)   { e.now = now }

// SetDefaultWindow changes the look-ahead used when callers pass no window.
func (e *Engine) SetDefaultWindow(days int) {
	if days > 0 {
		e.windowDays = days
	}
}

// LinkProfileToAppointments links every upcoming, unlinked appointment
// whose intake phone or MRN matches the identity. Re-running it creates no
// new links.
func (e *Engine) LinkProfileToAppointments(ctx context.Context, profileID uuid.UUID, windowDays int) ([]LinkResult, error) {
	ctx, span := e.tracer.Start(ctx, "linkage.LinkProfileToAppointments",
		trace.WithAttributes(attribute.String("profile_id", profileID.String())))
	defer span.End()

	p, err := e.patients.GetByID(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrProfileInactive
	}
	if windowDays <= 0 {
		windowDays = e.windowDays
	}
	log := e.logger.With().Str("profile_id", profileID.String()).Logger()

	phoneKey, mrn := p.Phone(), p.MRNValue()
	if phoneKey == "" && mrn == "" {
		if err := e.patients.SetManualLinking(ctx, profileID, true, noLinkKeysNote); err != nil {
			return nil, fmt.Errorf("flag manual linking: %w", err)
		}
		log.Info().Msg("identity has no phone or MRN, flagged for manual linking")
		return []LinkResult{}, nil
	}

	q := scheduling.CandidateQuery{ProfileID: profileID, PhoneCanonical: phoneKey, MRN: mrn}
	if phoneKey != "" {
		formats, err := phone.AllFormats(phoneKey)
		if err != nil {
			return nil, err
		}
		q.PhoneFormats = formats
	}
	q.From = scheduling.DateOnly(e.now())
	q.To = q.From.AddDate(0, 0, windowDays)

	candidates, err := e.appointments.FindLinkCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	revoked, err := e.links.RevokedAppointments(ctx, profileID)
	if err != nil {
		return nil, err
	}

	results := make([]LinkResult, 0, len(candidates))
	created := 0
	for _, a := range candidates {
		if revoked[a.ID] && !a.IsLinkedTo(profileID) {
			log.Debug().Str("appointment_id", a.ID.String()).Msg("skipping appointment whose link was revoked")
			continue
		}
		matchedOn, matchedValue := classifyMatch(a, q)
		res, err := e.linkOne(ctx, p, a, matchedOn, matchedValue)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "link failed")
			return results, fmt.Errorf("link appointment %s: %w", a.ID, err)
		}
		if res.LinkCreated {
			created++
		}
		results = append(results, res)
	}

	if err := e.refreshStats(ctx, profileID, created > 0); err != nil {
		return results, err
	}
	span.SetAttributes(attribute.Int("link.candidates", len(candidates)), attribute.Int("link.created", created))
	log.Info().Int("candidates", len(candidates)).Int("created", created).Int("window_days", windowDays).Msg("profile linking finished")
	return results, nil
}

// classifyMatch prefers the phone when both keys match.
func classifyMatch(a *scheduling.Appointment, q scheduling.CandidateQuery) (string, string) {
	if q.PhoneCanonical != "" {
		if a.PatientPhoneCanonical != nil && *a.PatientPhoneCanonical == q.PhoneCanonical {
			return MatchPhone, q.PhoneCanonical
		}
		if a.PatientPhone != nil {
			for _, f := range q.PhoneFormats {
				if *a.PatientPhone == f {
					return MatchPhone, q.PhoneCanonical
				}
			}
		}
	}
	return MatchMRN, q.MRN
}

func methodFor(matchedOn string) string {
	if matchedOn == MatchPhone {
		return scheduling.LinkAutoPhone
	}
	return scheduling.LinkAutoMRN
}

// linkOne runs the guarded appointment update, the audit insert and the
// outbox event in one transaction.
func (e *Engine) linkOne(ctx context.Context, p *identity.Patient, a *scheduling.Appointment, matchedOn, matchedValue string) (LinkResult, error) {
	res := LinkResult{AppointmentID: a.ID, MatchedOn: matchedOn}
	now := e.now().UTC()
	method := methodFor(matchedOn)

	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		if a.IsLinkedTo(p.ID) {
			return e.backfillAudit(ctx, p.ID, a, matchedOn, matchedValue, now)
		}

		ok, err := e.appointments.SetLink(ctx, a.ID, scheduling.LinkAssignment{
			ProfileID: p.ID, Method: method, LinkedBy: auth.SystemActor, LinkedAt: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			// Claimed by a concurrent linker or manual override since the
			// candidate query ran.
			return nil
		}

		rec := &LinkRecord{
			ProfileID:      p.ID,
			AppointmentID:  a.ID,
			LinkMethod:     method,
			LinkConfidence: autoConfidence,
			MatchedOn:      matchedOn,
			MatchedValue:   strPtr(matchedValue),
			LinkedBy:       auth.SystemActor,
			LinkedAt:       now,
		}
		if _, err := e.links.Create(ctx, rec); err != nil {
			return err
		}
		res.LinkCreated = true
		return e.events.Write(ctx, linkedEvent(rec, p.HumanID, nil))
	})
	if err != nil {
		return res, err
	}
	if res.LinkCreated {
		e.metrics.ObserveLink(method)
	}
	return res, nil
}

// backfillAudit writes the audit record for an appointment already pointing
// at the profile when none is active. The appointment's link fields stay
// as they are.
func (e *Engine) backfillAudit(ctx context.Context, profileID uuid.UUID, a *scheduling.Appointment, matchedOn, matchedValue string, now time.Time) error {
	active, err := e.links.GetActiveByAppointment(ctx, a.ID)
	if err == nil && active.ProfileID == profileID {
		return nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	method := methodFor(matchedOn)
	if a.LinkMethod != nil && *a.LinkMethod != "" {
		method = *a.LinkMethod
	}
	linkedBy, linkedAt := auth.SystemActor, now
	if a.LinkedBy != nil {
		linkedBy = *a.LinkedBy
	}
	if a.LinkedAt != nil {
		linkedAt = *a.LinkedAt
	}
	written, err := e.links.Create(ctx, &LinkRecord{
		ProfileID:      profileID,
		AppointmentID:  a.ID,
		LinkMethod:     method,
		LinkConfidence: autoConfidence,
		MatchedOn:      matchedOn,
		MatchedValue:   strPtr(matchedValue),
		LinkedBy:       linkedBy,
		LinkedAt:       linkedAt,
	})
	if err != nil {
		return err
	}
	if written {
		e.logger.Warn().Str("appointment_id", a.ID.String()).Msg("back-filled missing link audit record")
	}
	return nil
}

// refreshStats recomputes the linked count from appointments and stamps
// last_linked_at when this pass created a link.
func (e *Engine) refreshStats(ctx context.Context, profileID uuid.UUID, stamp bool) error {
	n, err := e.appointments.CountLinked(ctx, profileID)
	if err != nil {
		return err
	}
	var linkedAt *time.Time
	if stamp {
		t := e.now().UTC()
		linkedAt = &t
	}
	if err := e.patients.UpdateLinkStats(ctx, profileID, n, linkedAt); err != nil {
		return fmt.Errorf("update link stats: %w", err)
	}
	return nil
}

// LinkAllProfiles runs LinkProfileToAppointments for every active identity
// that has a phone or MRN. Each identity commits on its own; a failure is
// reported in its summary and the batch continues.
func (e *Engine) LinkAllProfiles(ctx context.Context, windowDays int) ([]ProfileSummary, error) {
	ctx, span := e.tracer.Start(ctx, "linkage.LinkAllProfiles")
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.ObserveBatch(time.Since(start)) }()

	var (
		summaries []ProfileSummary
		after     int64
		failed    int
	)
	for {
		page, err := e.patients.ListLinkable(ctx, after, batchPageSize)
		if err != nil {
			return summaries, fmt.Errorf("list linkable identities: %w", err)
		}
		for _, p := range page {
			if err := ctx.Err(); err != nil {
				return summaries, err
			}
			s := ProfileSummary{ProfileID: p.ID, HumanID: p.HumanID}
			results, err := e.LinkProfileToAppointments(ctx, p.ID, windowDays)
			if err != nil {
				failed++
				s.Status, s.Error = StatusError, err.Error()
				e.logger.Error().Err(err).Str("profile_id", p.ID.String()).Msg("batch linking failed for identity")
			} else {
				s.Matched = len(results)
				for _, r := range results {
					if r.LinkCreated {
						s.LinksCreated++
					}
				}
				s.Status = StatusNoMatches
				if s.Matched > 0 {
					s.Status = StatusLinked
				}
			}
			summaries = append(summaries, s)
			after = p.ShortID
		}
		if len(page) < batchPageSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("batch.profiles", len(summaries)), attribute.Int("batch.failed", failed))
	e.logger.Info().Int("profiles", len(summaries)).Int("failed", failed).Dur("elapsed", time.Since(start)).Msg("batch linking finished")
	return summaries, nil
}

// ManualLink points the appointment at profileID, superseding whatever link
// it had. Auto-linking never moves it afterwards.
func (e *Engine) ManualLink(ctx context.Context, appointmentID, profileID uuid.UUID, by, note string) (*LinkRecord, error) {
	ctx, span := e.tracer.Start(ctx, "linkage.ManualLink")
	defer span.End()

	by = strings.TrimSpace(by)
	if by == "" {
		by = auth.ActorFromContext(ctx)
	}
	p, err := e.patients.GetByID(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrProfileInactive
	}

	var (
		rec      *LinkRecord
		previous *uuid.UUID
		noop     bool
	)
	now := e.now().UTC()
	err = e.tx.WithTx(ctx, func(ctx context.Context) error {
		a, err := e.appointments.GetForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}

		active, err := e.links.GetActiveByAppointment(ctx, appointmentID)
		switch {
		case err == nil && active.ProfileID == profileID && active.LinkMethod == scheduling.LinkManual && a.IsLinkedTo(profileID):
			rec, noop = active, true
			return nil
		case err == nil:
			if _, err := e.links.Deactivate(ctx, active.ID, by, supersededReason, now); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if a.PatientProfileID != nil && *a.PatientProfileID != profileID {
			prev := *a.PatientProfileID
			previous = &prev
		}
		if err := e.appointments.OverrideLink(ctx, appointmentID, scheduling.LinkAssignment{
			ProfileID: profileID, Method: scheduling.LinkManual, LinkedBy: by, LinkedAt: now,
		}); err != nil {
			return err
		}

		rec = &LinkRecord{
			ProfileID:      profileID,
			AppointmentID:  appointmentID,
			LinkMethod:     scheduling.LinkManual,
			LinkConfidence: manualConfidence,
			MatchedOn:      MatchManual,
			LinkedBy:       by,
			LinkedAt:       now,
		}
		if note = strings.TrimSpace(note); note != "" {
			rec.Note = &note
		}
		if _, err := e.links.Create(ctx, rec); err != nil {
			return err
		}
		return e.events.Write(ctx, linkedEvent(rec, p.HumanID, previous))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if noop {
		return rec, nil
	}

	e.metrics.ObserveLink(scheduling.LinkManual)
	if err := e.refreshStats(ctx, profileID, true); err != nil {
		return rec, err
	}
	if previous != nil {
		if err := e.refreshStats(ctx, *previous, false); err != nil {
			return rec, err
		}
	}
	e.logger.Info().Str("appointment_id", appointmentID.String()).Str("profile_id", profileID.String()).
		Str("linked_by", by).Msg("manual link applied")
	return rec, nil
}

// RevokeLink deactivates an active link and unlinks the appointment if it
// still points at the link's profile.
func (e *Engine) RevokeLink(ctx context.Context, linkID uuid.UUID, reason, by string) error {
	ctx, span := e.tracer.Start(ctx, "linkage.RevokeLink")
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	by = strings.TrimSpace(by)
	if by == "" {
		by = auth.ActorFromContext(ctx)
	}

	var rec *LinkRecord
	now := e.now().UTC()
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = e.links.GetByID(ctx, linkID, true)
		if err != nil {
			return err
		}
		if !rec.IsActive {
			return ErrLinkNotActive
		}
		ok, err := e.links.Deactivate(ctx, linkID, by, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLinkNotActive
		}
		cleared, err := e.appointments.ClearLink(ctx, rec.AppointmentID, rec.ProfileID)
		if err != nil {
			return err
		}
		return e.events.Write(ctx, outbox.Event{
			AggregateType: "patient_identity",
			AggregateID:   rec.ProfileID.String(),
			EventType:     outbox.EventLinkRevoked,
			Payload: map[string]any{
				"link_id":             rec.ID,
				"profile_id":          rec.ProfileID,
				"appointment_id":      rec.AppointmentID,
				"reason":              reason,
				"unlinked_by":         by,
				"unlinked_at":         now,
				"appointment_cleared": cleared,
			},
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	e.metrics.ObserveRevoke()
	if err := e.refreshStats(ctx, rec.ProfileID, false); err != nil {
		return err
	}
	e.logger.Info().Str("link_id", linkID.String()).Str("unlinked_by", by).Msg("link revoked")
	return nil
}

func (e *Engine) GetLink(ctx context.Context, id uuid.UUID) (*LinkRecord, error) {
	return e.links.GetByID(ctx, id, false)
}

func (e *Engine) ListLinks(ctx context.Context, f LinkFilter) ([]*LinkRecord, int, error) {
	return e.links.List(ctx, f)
}

func linkedEvent(rec *LinkRecord, humanID string, superseded *uuid.UUID) outbox.Event {
	payload := map[string]any{
		"link_id":         rec.ID,
		"profile_id":      rec.ProfileID,
		"human_id":        humanID,
		"appointment_id":  rec.AppointmentID,
		"link_method":     rec.LinkMethod,
		"matched_on":      rec.MatchedOn,
		"link_confidence": rec.LinkConfidence,
		"linked_by":       rec.LinkedBy,
		"linked_at":       rec.LinkedAt,
	}
	if superseded != nil {
		payload["previous_profile_id"] = *superseded
	}
	return outbox.Event{
		AggregateType: "patient_identity",
		AggregateID:   rec.ProfileID.String(),
		EventType:     outbox.EventAppointmentLinked,
		Payload:       payload,
	}
}
