//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ehr/patientlink/internal/domain/identity"
)

func TestFindOrCreate_PhoneFormatsConverge(t *testing.T) {
	tenant := createTenant(t, "idfmt")
	s := newStack(time.Now().UTC())

	inTenant(t, tenant, func(ctx context.Context) error {
		first, created, err := s.identity.FindOrCreate(ctx, "(832) 555-1234",
			identity.PartialAttributes{FirstName: "Ada", LastName: "Nguyen"}, identity.SourceDictation)
		if err != nil {
			return err
		}
		if !created {
			t.Fatal("expected first call to create")
		}

		for _, raw := range []string{"8325551234", "+18325551234", "18325551234"} {
			p, created, err := s.identity.FindOrCreate(ctx, raw, identity.PartialAttributes{}, identity.SourcePhoneCall)
			if err != nil {
				return err
			}
			if created || p.ID != first.ID {
				t.Errorf("%s: expected existing identity %s, got %s (created=%v)", raw, first.ID, p.ID, created)
			}
		}

		var rows int
		if err := globalPoolConn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM patient_identity").Scan(&rows); err != nil {
			return err
		}
		if rows != 1 {
			t.Errorf("expected 1 identity row, got %d", rows)
		}
		return nil
	})
}

func TestFindOrCreate_ConcurrentCallersShareOneIdentity(t *testing.T) {
	tenant := createTenant(t, "idrace")
	s := newStack(time.Now().UTC())

	const callers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		creates int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := dbTenant(tenant, func(ctx context.Context) error {
				p, created, err := s.identity.FindOrCreate(ctx, "713-555-0199",
					identity.PartialAttributes{LastName: "Okafor"}, identity.SourceWebRegistration)
				if err != nil {
					return err
				}
				mu.Lock()
				ids[p.ID.String()]++
				if created {
					creates++
				}
				mu.Unlock()
				return nil
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(ids) != 1 {
		t.Errorf("expected a single identity, got %v", ids)
	}
	if creates != 1 {
		t.Errorf("expected exactly one creator, got %d", creates)
	}
}

func TestFindOrCreate_MRNRepairsPhone(t *testing.T) {
	tenant := createTenant(t, "idmrn")
	s := newStack(time.Now().UTC())

	inTenant(t, tenant, func(ctx context.Context) error {
		orig, _, err := s.identity.FindOrCreate(ctx, "2815550100",
			identity.PartialAttributes{MRN: "MRN-77"}, identity.SourceScheduleImport)
		if err != nil {
			return err
		}

		moved, created, err := s.identity.FindOrCreate(ctx, "2815550111",
			identity.PartialAttributes{MRN: "MRN-77"}, identity.SourceStaff)
		if err != nil {
			return err
		}
		if created || moved.ID != orig.ID {
			t.Fatalf("expected MRN match to reuse %s", orig.ID)
		}
		if moved.Phone() != "2815550111" {
			t.Errorf("expected phone repaired to the new number, got %s", moved.Phone())
		}
		return nil
	})
}

func TestSearch_RanksPhoneBeforeName(t *testing.T) {
	tenant := createTenant(t, "idsearch")
	s := newStack(time.Now().UTC())

	inTenant(t, tenant, func(ctx context.Context) error {
		byPhone, _, err := s.identity.FindOrCreate(ctx, "8325550001",
			identity.PartialAttributes{FirstName: "Maria", LastName: "Lopez"}, identity.SourceStaff)
		if err != nil {
			return err
		}
		if _, _, err := s.identity.FindOrCreate(ctx, "8325550002",
			identity.PartialAttributes{FirstName: "Marianne", LastName: "Lopez"}, identity.SourceStaff); err != nil {
			return err
		}

		res, err := s.identity.Search(ctx, identity.SearchCriteria{Phone: "832-555-0001", LastName: "lop"}, 10)
		if err != nil {
			return err
		}
		if len(res) != 2 {
			t.Fatalf("expected 2 results, got %d", len(res))
		}
		if res[0].ID != byPhone.ID {
			t.Errorf("expected phone match first")
		}

		none, err := s.identity.Search(ctx, identity.SearchCriteria{LastName: "Zzyzx"}, 10)
		if err != nil {
			return err
		}
		if none == nil || len(none) != 0 {
			t.Errorf("expected empty non-nil result, got %v", none)
		}

		if _, err := s.identity.Search(ctx, identity.SearchCriteria{}, 10); !errors.Is(err, identity.ErrInvalidCriteria) {
			t.Errorf("expected ErrInvalidCriteria, got %v", err)
		}
		return nil
	})
}

func TestFindOrCreate_WritesOutboxEvents(t *testing.T) {
	tenant := createTenant(t, "idevents")
	s := newStack(time.Now().UTC())

	inTenant(t, tenant, func(ctx context.Context) error {
		if _, _, err := s.identity.FindOrCreate(ctx, "8325559000", identity.PartialAttributes{}, identity.SourceDictation); err != nil {
			return err
		}
		if _, _, err := s.identity.FindOrCreate(ctx, "8325559000",
			identity.PartialAttributes{FirstName: "Lee"}, identity.SourcePhoneCall); err != nil {
			return err
		}
		entries, err := s.events.FetchPending(ctx, 10, 5)
		if err != nil {
			return err
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 pending events, got %d", len(entries))
		}
		if entries[0].EventType != "identity.created" || entries[1].EventType != "identity.merged" {
			t.Errorf("unexpected event order: %s, %s", entries[0].EventType, entries[1].EventType)
		}
		return nil
	})
}
