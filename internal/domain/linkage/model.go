package linkage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("link record not found")
	ErrLinkNotActive   = errors.New("link is not active")
	ErrReasonRequired  = errors.New("unlink reason is required")
	ErrProfileInactive = errors.New("patient identity is inactive")
)

// DefaultWindowDays is the forward look-ahead used when the caller passes
// zero or a negative window.
const DefaultWindowDays = 30

// What a link was matched on.
const (
	MatchPhone  = "phone"
	MatchMRN    = "mrn"
	MatchManual = "manual"
)

// Batch outcome per identity.
const (
	StatusLinked    = "linked"
	StatusNoMatches = "no_matches"
	StatusError     = "error"
)

const (
	noLinkKeysNote   = "no phone or MRN on profile; automatic linking is not possible"
	supersededReason = "superseded by manual link"
	autoConfidence   = 1.00
	manualConfidence = 1.00
)

// LinkRecord is one row of the append-only appointment_link audit table.
type LinkRecord struct {
	ID             uuid.UUID  `json:"id"`
	ProfileID      uuid.UUID  `json:"profile_id"`
	AppointmentID  uuid.UUID  `json:"appointment_id"`
	LinkMethod     string     `json:"link_method"`
	LinkConfidence float64    `json:"link_confidence"`
	MatchedOn      string     `json:"matched_on"`
	MatchedValue   *string    `json:"matched_value,omitempty"`
	Note           *string    `json:"note,omitempty"`
	LinkedBy       string     `json:"linked_by"`
	LinkedAt       time.Time  `json:"linked_at"`
	IsActive       bool       `json:"is_active"`
	UnlinkedAt     *time.Time `json:"unlinked_at,omitempty"`
	UnlinkedBy     *string    `json:"unlinked_by,omitempty"`
	UnlinkReason   *string    `json:"unlink_reason,omitempty"`
}

// Clone returns a deep copy.
func (r *LinkRecord) Clone() *LinkRecord {
	c := *r
	c.MatchedValue = cloneStr(r.MatchedValue)
	c.Note = cloneStr(r.Note)
	c.UnlinkedBy = cloneStr(r.UnlinkedBy)
	c.UnlinkReason = cloneStr(r.UnlinkReason)
	if r.UnlinkedAt != nil {
		t := *r.UnlinkedAt
		c.UnlinkedAt = &t
	}
	return &c
}

// LinkResult reports what happened to one candidate appointment.
type LinkResult struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	MatchedOn     string    `json:"matched_on"`
	LinkCreated   bool      `json:"link_created"`
}

// ProfileSummary is one identity's outcome in a batch run.
type ProfileSummary struct {
	ProfileID    uuid.UUID `json:"profile_id"`
	HumanID      string    `json:"human_id"`
	Status       string    `json:"status"`
	Matched      int       `json:"matched"`
	LinksCreated int       `json:"links_created"`
	Error        string    `json:"error,omitempty"`
}

// LinkFilter selects audit records. Inactive history is included unless
// ActiveOnly is set.
type LinkFilter struct {
	ProfileID     *uuid.UUID
	AppointmentID *uuid.UUID
	ActiveOnly    bool
	Limit         int
	Offset        int
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string { return &s }
