package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/ehr/patientlink/internal/platform/outbox"
)

// -- Mock Patient Repository --

type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	nextID   int64
	// afterLookup runs after each phone lookup; tests use it to inject a
	// concurrent writer.
	afterLookup func()
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*Patient)}
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

func (m *mockPatientRepo) conflict(p *Patient) error {
	for id, other := range m.patients {
		if id == p.ID || !other.Active {
			continue
		}
		if other.HumanID == p.HumanID {
			return uniqueViolation(ConstraintHumanID)
		}
		if p.Phone() != "" && other.Phone() == p.Phone() {
			return uniqueViolation(ConstraintPhone)
		}
		if p.MRNValue() != "" && other.MRNValue() == p.MRNValue() {
			return uniqueViolation(ConstraintMRN)
		}
		if deref(p.Email) != "" && strings.EqualFold(deref(other.Email), deref(p.Email)) {
			return uniqueViolation(ConstraintEmail)
		}
	}
	return nil
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := m.conflict(p); err != nil {
		p.ID = uuid.Nil
		return fmt.Errorf("insert patient identity: %w", err)
	}
	m.nextID++
	p.ShortID = m.nextID
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patients[p.ID] = p.Clone()
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *mockPatientRepo) find(match func(*Patient) bool) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.Active && match(p) {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPatientRepo) GetByPhone(_ context.Context, phone string, _ bool) (*Patient, error) {
	p, err := m.find(func(p *Patient) bool { return p.Phone() == phone })
	if m.afterLookup != nil {
		hook := m.afterLookup
		m.afterLookup = nil
		hook()
	}
	return p, err
}

func (m *mockPatientRepo) GetByMRN(_ context.Context, mrn string, _ bool) (*Patient, error) {
	return m.find(func(p *Patient) bool { return p.MRNValue() == mrn })
}

func (m *mockPatientRepo) GetByEmail(_ context.Context, email string) (*Patient, error) {
	return m.find(func(p *Patient) bool { return strings.EqualFold(deref(p.Email), email) })
}

func (m *mockPatientRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	if err := m.conflict(p); err != nil {
		return fmt.Errorf("update patient identity: %w", err)
	}
	p.UpdatedAt = time.Now()
	m.patients[p.ID] = p.Clone()
	return nil
}

func (m *mockPatientRepo) SearchCandidates(_ context.Context, c SearchCriteria, limit int) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.patients {
		if p.Active && matchTier(p, c) != tierNone {
			out = append(out, p.Clone())
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockPatientRepo) ListLinkable(_ context.Context, after int64, limit int) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.patients {
		if p.Active && p.ShortID > after && (p.Phone() != "" || p.MRNValue() != "") {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *mockPatientRepo) SetManualLinking(_ context.Context, id uuid.UUID, needed bool, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.NeedsManualLinking = needed
	p.ManualLinkingNote = nil
	if note != "" {
		p.ManualLinkingNote = strPtr(note)
	}
	return nil
}

func (m *mockPatientRepo) UpdateLinkStats(_ context.Context, id uuid.UUID, count int, linkedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.LinkedAppointmentsCount = count
	if linkedAt != nil {
		p.LastLinkedAt = cloneTime(linkedAt)
		p.NeedsManualLinking = false
		p.ManualLinkingNote = nil
	}
	return nil
}

func (m *mockPatientRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patients)
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

func (m *mockEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.EventType
	}
	return out
}

type sequenceIDs struct {
	mu  sync.Mutex
	ids []string
	i   int
}

func (s *sequenceIDs) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id, nil
}

func newTestService() (*Service, *mockPatientRepo, *mockEvents) {
	repo := newMockPatientRepo()
	events := &mockEvents{}
	svc := NewService(repo, passthroughTx{}, events, zerolog.Nop())
	return svc, repo, events
}
