package linkage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientlink/internal/domain/identity"
	"github.com/ehr/patientlink/internal/domain/scheduling"
	"github.com/ehr/patientlink/internal/platform/outbox"
)

// -- Mock Patient Repository --

type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*identity.Patient
	nextID   int64
	failOn   map[uuid.UUID]bool
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*identity.Patient), failOn: make(map[uuid.UUID]bool)}
}

func (m *mockPatientRepo) add(phoneCanonical, mrn string) *identity.Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p := &identity.Patient{
		ID:          uuid.New(),
		ShortID:     m.nextID,
		HumanID:     fmt.Sprintf("AVA 000-%03d", m.nextID),
		CreatedFrom: identity.SourceDictation,
		DataSources: []identity.Source{identity.SourceDictation},
		Active:      true,
	}
	if phoneCanonical != "" {
		p.PhoneCanonical = &phoneCanonical
	}
	if mrn != "" {
		p.MRN = &mrn
	}
	m.patients[p.ID] = p
	return p.Clone()
}

func (m *mockPatientRepo) get(id uuid.UUID) *identity.Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patients[id].Clone()
}

func (m *mockPatientRepo) Create(context.Context, *identity.Patient) error { return nil }

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[id] {
		return nil, errors.New("connection reset")
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *mockPatientRepo) GetByPhone(context.Context, string, bool) (*identity.Patient, error) {
	return nil, identity.ErrNotFound
}

func (m *mockPatientRepo) GetByMRN(context.Context, string, bool) (*identity.Patient, error) {
	return nil, identity.ErrNotFound
}

func (m *mockPatientRepo) GetByEmail(context.Context, string) (*identity.Patient, error) {
	return nil, identity.ErrNotFound
}

func (m *mockPatientRepo) Update(context.Context, *identity.Patient) error { return nil }

func (m *mockPatientRepo) SearchCandidates(context.Context, identity.SearchCriteria, int) ([]*identity.Patient, error) {
	return nil, nil
}

func (m *mockPatientRepo) ListLinkable(_ context.Context, after int64, limit int) ([]*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*identity.Patient
	for _, p := range m.patients {
		if p.Active && p.ShortID > after && (p.Phone() != "" || p.MRNValue() != "") {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortID < out[j].ShortID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockPatientRepo) SetManualLinking(_ context.Context, id uuid.UUID, needed bool, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.patients[id]
	p.NeedsManualLinking = needed
	p.ManualLinkingNote = &note
	return nil
}

func (m *mockPatientRepo) UpdateLinkStats(_ context.Context, id uuid.UUID, count int, linkedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return identity.ErrNotFound
	}
	p.LinkedAppointmentsCount = count
	if linkedAt != nil {
		t := *linkedAt
		p.LastLinkedAt = &t
		p.NeedsManualLinking = false
		p.ManualLinkingNote = nil
	}
	return nil
}

// -- Mock Appointment Repository --

type mockAppointmentRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*scheduling.Appointment
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*scheduling.Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *scheduling.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = scheduling.StatusScheduled
	}
	m.appts[a.ID] = a.Clone()
	return nil
}

func (m *mockAppointmentRepo) get(id uuid.UUID) *scheduling.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appts[id].Clone()
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, scheduling.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *mockAppointmentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return m.GetByID(ctx, id)
}

func (m *mockAppointmentRepo) List(context.Context, scheduling.ListFilter) ([]*scheduling.Appointment, int, error) {
	return nil, 0, nil
}

func (m *mockAppointmentRepo) FindLinkCandidates(_ context.Context, q scheduling.CandidateQuery) ([]*scheduling.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, to := scheduling.DateOnly(q.From), scheduling.DateOnly(q.To)
	var out []*scheduling.Appointment
	for _, a := range m.appts {
		if !a.Linkable() || a.AppointmentDate.Before(from) || a.AppointmentDate.After(to) {
			continue
		}
		if a.PatientProfileID != nil && *a.PatientProfileID != q.ProfileID {
			continue
		}
		if matchesCandidate(a, q) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppointmentDate.Before(out[j].AppointmentDate) })
	return out, nil
}

func matchesCandidate(a *scheduling.Appointment, q scheduling.CandidateQuery) bool {
	if q.PhoneCanonical != "" && a.PatientPhoneCanonical != nil && *a.PatientPhoneCanonical == q.PhoneCanonical {
		return true
	}
	if a.PatientPhone != nil {
		for _, f := range q.PhoneFormats {
			if *a.PatientPhone == f {
				return true
			}
		}
	}
	return q.MRN != "" && a.PatientMRN != nil && *a.PatientMRN == q.MRN
}

func (m *mockAppointmentRepo) assign(a *scheduling.Appointment, la scheduling.LinkAssignment) {
	id, method, by, at := la.ProfileID, la.Method, la.LinkedBy, la.LinkedAt
	a.PatientProfileID, a.LinkMethod, a.LinkedBy, a.LinkedAt = &id, &method, &by, &at
}

func (m *mockAppointmentRepo) SetLink(_ context.Context, id uuid.UUID, la scheduling.LinkAssignment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.PatientProfileID != nil {
		return false, nil
	}
	m.assign(a, la)
	return true, nil
}

func (m *mockAppointmentRepo) OverrideLink(_ context.Context, id uuid.UUID, la scheduling.LinkAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return scheduling.ErrNotFound
	}
	m.assign(a, la)
	return nil
}

func (m *mockAppointmentRepo) ClearLink(_ context.Context, id, profileID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || !a.IsLinkedTo(profileID) {
		return false, nil
	}
	a.PatientProfileID, a.LinkMethod, a.LinkedBy, a.LinkedAt = nil, nil, nil, nil
	return true, nil
}

func (m *mockAppointmentRepo) CountLinked(_ context.Context, profileID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appts {
		if a.IsLinkedTo(profileID) {
			n++
		}
	}
	return n, nil
}

// -- Mock Link Repository --

type mockLinkRepo struct {
	mu      sync.Mutex
	records []*LinkRecord
}

func (m *mockLinkRepo) Create(_ context.Context, r *LinkRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.IsActive && existing.AppointmentID == r.AppointmentID {
			return false, nil
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.IsActive = true
	m.records = append(m.records, r.Clone())
	return true, nil
}

func (m *mockLinkRepo) GetByID(_ context.Context, id uuid.UUID, _ bool) (*LinkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockLinkRepo) GetActiveByAppointment(_ context.Context, apptID uuid.UUID) (*LinkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.IsActive && r.AppointmentID == apptID {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockLinkRepo) Deactivate(_ context.Context, id uuid.UUID, by, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id && r.IsActive {
			r.IsActive = false
			r.UnlinkedAt, r.UnlinkedBy, r.UnlinkReason = &at, &by, &reason
			return true, nil
		}
	}
	return false, nil
}

func (m *mockLinkRepo) RevokedAppointments(_ context.Context, profileID uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]bool)
	for _, r := range m.records {
		if r.ProfileID == profileID && !r.IsActive && (r.UnlinkReason == nil || *r.UnlinkReason != supersededReason) {
			out[r.AppointmentID] = true
		}
	}
	return out, nil
}

func (m *mockLinkRepo) List(_ context.Context, f LinkFilter) ([]*LinkRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LinkRecord
	for _, r := range m.records {
		if f.ProfileID != nil && r.ProfileID != *f.ProfileID {
			continue
		}
		if f.AppointmentID != nil && r.AppointmentID != *f.AppointmentID {
			continue
		}
		if f.ActiveOnly && !r.IsActive {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, len(out), nil
}

func (m *mockLinkRepo) active(apptID uuid.UUID) []*LinkRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LinkRecord
	for _, r := range m.records {
		if r.IsActive && r.AppointmentID == apptID {
			out = append(out, r.Clone())
		}
	}
	return out
}

// -- Test doubles --

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockEvents struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (m *mockEvents) Write(_ context.Context, ev outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockEvents) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	engine   *Engine
	patients *mockPatientRepo
	appts    *mockAppointmentRepo
	links    *mockLinkRepo
	events   *mockEvents
	today    time.Time
	clock    time.Time
}

func newFixture() *fixture {
	f := &fixture{
		patients: newMockPatientRepo(),
		appts:    newMockAppointmentRepo(),
		links:    &mockLinkRepo{},
		events:   &mockEvents{},
		clock:    time.Date(2026, 10, 16, 14, 30, 0, 0, time.UTC),
	}
	f.today = scheduling.DateOnly(f.clock)
	f.engine = NewEngine(f.patients, f.appts, f.links, passthroughTx{}, f.events, zerolog.Nop())
	f.engine.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) appointment(daysAhead int, mutate func(a *scheduling.Appointment)) *scheduling.Appointment {
	a := &scheduling.Appointment{
		AppointmentDate: f.today.AddDate(0, 0, daysAhead),
		Status:          scheduling.StatusScheduled,
		Source:          "schedule_import",
	}
	if mutate != nil {
		mutate(a)
	}
	f.appts.Create(context.Background(), a)
	return a
}

func withPhone(raw string) func(a *scheduling.Appointment) {
	return func(a *scheduling.Appointment) { a.PatientPhone = &raw }
}

func withCanonical(canonical string) func(a *scheduling.Appointment) {
	return func(a *scheduling.Appointment) {
		a.PatientPhone = &canonical
		a.PatientPhoneCanonical = &canonical
	}
}
