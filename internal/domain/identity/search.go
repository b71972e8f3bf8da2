package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/patientlink/internal/platform/phone"
)

// Match tiers, most specific first.
const (
	tierID      = 1
	tierPhone   = 2
	tierMRN     = 3
	tierEmail   = 4
	tierNameDOB = 5
	tierField   = 6
	tierText    = 7
	tierNone    = 99
)

const (
	defaultSearchLimit = 25
	maxSearchLimit     = 100
	minQueryLength     = 2
)

// SearchCriteria is any non-empty combination of lookup fields.
type SearchCriteria struct {
	ShortID   int64      `json:"short_id,omitempty"`
	HumanID   string     `json:"human_id,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	MRN       string     `json:"mrn,omitempty"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	Email     string     `json:"email,omitempty"`
	DOB       *time.Time `json:"dob,omitempty"`
	Query     string     `json:"q,omitempty"`
}

// normalize trims every field, canonicalizes the phone and rejects empty
// criteria.
func (c SearchCriteria) normalize() (SearchCriteria, error) {
	c.HumanID = strings.ToUpper(strings.TrimSpace(c.HumanID))
	c.MRN = strings.TrimSpace(c.MRN)
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Email = strings.TrimSpace(c.Email)
	c.Query = strings.TrimSpace(c.Query)
	if c.DOB != nil {
		d := truncateDate(*c.DOB)
		c.DOB = &d
	}

	if raw := strings.TrimSpace(c.Phone); raw != "" {
		canonical, err := phone.Normalize(raw)
		if err != nil {
			return c, err
		}
		c.Phone = string(canonical)
	} else {
		c.Phone = ""
	}

	if c.Query != "" && len([]rune(c.Query)) < minQueryLength {
		return c, fmt.Errorf("%w: query must be at least %d characters", ErrInvalidCriteria, minQueryLength)
	}
	if c.ShortID < 0 {
		return c, fmt.Errorf("%w: short_id must be positive", ErrInvalidCriteria)
	}
	if c.empty() {
		return c, fmt.Errorf("%w: at least one field is required", ErrInvalidCriteria)
	}
	return c, nil
}

func (c SearchCriteria) empty() bool {
	return c.ShortID == 0 && c.HumanID == "" && c.Phone == "" && c.MRN == "" &&
		c.FirstName == "" && c.LastName == "" && c.Email == "" && c.DOB == nil && c.Query == ""
}

// matchTier returns the most specific tier p satisfies, or tierNone.
func matchTier(p *Patient, c SearchCriteria) int {
	switch {
	case c.ShortID > 0 && p.ShortID == c.ShortID,
		c.HumanID != "" && strings.EqualFold(p.HumanID, c.HumanID):
		return tierID
	case c.Phone != "" && p.Phone() == c.Phone:
		return tierPhone
	case c.MRN != "" && p.MRNValue() == c.MRN:
		return tierMRN
	case c.Email != "" && strings.EqualFold(deref(p.Email), c.Email):
		return tierEmail
	case c.LastName != "" && c.DOB != nil &&
		strings.EqualFold(deref(p.LastName), c.LastName) && sameDate(p.DateOfBirth, c.DOB) &&
		(c.FirstName == "" || strings.EqualFold(deref(p.FirstName), c.FirstName)):
		return tierNameDOB
	case c.FirstName != "" && hasFoldPrefix(deref(p.FirstName), c.FirstName),
		c.LastName != "" && hasFoldPrefix(deref(p.LastName), c.LastName),
		c.DOB != nil && sameDate(p.DateOfBirth, c.DOB):
		return tierField
	case c.Query != "" && textMatch(p, c.Query):
		return tierText
	}
	return tierNone
}

func textMatch(p *Patient, q string) bool {
	q = strings.ToLower(q)
	for _, v := range []string{deref(p.FirstName), deref(p.LastName), deref(p.Email), p.MRNValue(), p.HumanID} {
		if v != "" && strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	if d := digitsOf(q); len(d) >= 3 && strings.Contains(p.Phone(), d) {
		return true
	}
	return false
}

func hasFoldPrefix(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// rankCandidates drops rows that match nothing and sorts the rest by tier,
// then last name, first name and short ID.
func rankCandidates(candidates []*Patient, c SearchCriteria) []*Patient {
	type ranked struct {
		p    *Patient
		tier int
	}
	rs := make([]ranked, 0, len(candidates))
	for _, p := range candidates {
		if t := matchTier(p, c); t != tierNone {
			rs = append(rs, ranked{p, t})
		}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if la, lb := strings.ToLower(deref(a.p.LastName)), strings.ToLower(deref(b.p.LastName)); la != lb {
			return la < lb
		}
		if fa, fb := strings.ToLower(deref(a.p.FirstName)), strings.ToLower(deref(b.p.FirstName)); fa != fb {
			return fa < fb
		}
		return a.p.ShortID < b.p.ShortID
	})
	out := make([]*Patient, len(rs))
	for i, r := range rs {
		out[i] = r.p
	}
	return out
}

// Search returns identities ordered by how specifically they match c.
// No match is an empty slice, not an error.
func (s *Service) Search(ctx context.Context, c SearchCriteria, limit int) ([]*Patient, error) {
	ctx, span := s.tracer.Start(ctx, "identity.Search")
	defer span.End()

	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	candidates, err := s.patients.SearchCandidates(ctx, c, limit*4)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	results := rankCandidates(candidates, c)
	if len(results) > limit {
		results = results[:limit]
	}

	span.SetAttributes(attribute.Int("search.candidates", len(candidates)), attribute.Int("search.results", len(results)))
	s.metrics.ObserveSearch(len(results))
	if results == nil {
		results = []*Patient{}
	}
	return results, nil
}
