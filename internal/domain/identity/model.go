package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientlink/internal/platform/phone"
)

var (
	ErrNotFound               = errors.New("patient identity not found")
	ErrUnknownSource          = errors.New("unknown source channel")
	ErrInvalidCriteria        = errors.New("invalid search criteria")
	ErrConflictRetryExhausted = errors.New("identity conflict retries exhausted")
	ErrInvalidPhone           = phone.ErrInvalidPhone
)

// Source is the intake channel that observed a patient.
type Source string

const (
	SourceDictation       Source = "dictation"
	SourcePhoneCall       Source = "phone_call"
	SourcePrevisitCall    Source = "previsit_call"
	SourcePumpAssessment  Source = "pump_assessment"
	SourceWebRegistration Source = "web_registration"
	SourceScheduleImport  Source = "schedule_import"
	SourceStaff           Source = "staff"
)

var sourceTrust = map[Source]int{
	SourceDictation:       1,
	SourcePhoneCall:       2,
	SourcePrevisitCall:    2,
	SourcePumpAssessment:  3,
	SourceWebRegistration: 3,
	SourceScheduleImport:  4,
	SourceStaff:           5,
}

// ParseSource validates a channel name.
func ParseSource(s string) (Source, error) {
	src := Source(strings.TrimSpace(s))
	if _, ok := sourceTrust[src]; !ok {
		return "", ErrUnknownSource
	}
	return src, nil
}

func (s Source) Valid() bool {
	_, ok := sourceTrust[s]
	return ok
}

// Trust orders sources by how much their demographic data is believed.
func (s Source) Trust() int { return sourceTrust[s] }

// VerifiesMRN reports whether an MRN from this source is authoritative.
func (s Source) VerifiesMRN() bool {
	return s == SourceScheduleImport || s == SourceStaff
}

// Patient is one canonical identity per real person.
type Patient struct {
	ID                      uuid.UUID  `json:"id"`
	ShortID                 int64      `json:"short_id"`
	HumanID                 string     `json:"human_id"`
	PhoneCanonical          *string    `json:"phone,omitempty"`
	MRN                     *string    `json:"mrn,omitempty"`
	MRNVerified             bool       `json:"mrn_verified"`
	Email                   *string    `json:"email,omitempty"`
	FirstName               *string    `json:"first_name,omitempty"`
	LastName                *string    `json:"last_name,omitempty"`
	DateOfBirth             *time.Time `json:"date_of_birth,omitempty"`
	AttributeTrust          int        `json:"attribute_trust"`
	CreatedFrom             Source     `json:"created_from"`
	DataSources             []Source   `json:"data_sources"`
	LastDataMergeAt         *time.Time `json:"last_data_merge_at,omitempty"`
	NeedsManualLinking      bool       `json:"needs_manual_linking"`
	ManualLinkingNote       *string    `json:"manual_linking_note,omitempty"`
	LastLinkedAt            *time.Time `json:"last_linked_at,omitempty"`
	LinkedAppointmentsCount int        `json:"linked_appointments_count"`
	Active                  bool       `json:"active"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Phone returns the canonical phone or "".
func (p *Patient) Phone() string { return deref(p.PhoneCanonical) }

// MRNValue returns the MRN or "".
func (p *Patient) MRNValue() string { return deref(p.MRN) }

// Clone returns a deep copy.
func (p *Patient) Clone() *Patient {
	c := *p
	c.PhoneCanonical = cloneStr(p.PhoneCanonical)
	c.MRN = cloneStr(p.MRN)
	c.Email = cloneStr(p.Email)
	c.FirstName = cloneStr(p.FirstName)
	c.LastName = cloneStr(p.LastName)
	c.ManualLinkingNote = cloneStr(p.ManualLinkingNote)
	c.DateOfBirth = cloneTime(p.DateOfBirth)
	c.LastDataMergeAt = cloneTime(p.LastDataMergeAt)
	c.LastLinkedAt = cloneTime(p.LastLinkedAt)
	c.DataSources = append([]Source(nil), p.DataSources...)
	return &c
}

// PartialAttributes is whatever a channel knows about the caller. Blank
// fields are ignored.
type PartialAttributes struct {
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Email       string     `json:"email"`
	MRN         string     `json:"mrn"`
	DateOfBirth *time.Time `json:"date_of_birth"`
}

func (a PartialAttributes) normalized() PartialAttributes {
	a.FirstName = strings.TrimSpace(a.FirstName)
	a.LastName = strings.TrimSpace(a.LastName)
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	a.MRN = strings.TrimSpace(a.MRN)
	if a.DateOfBirth != nil {
		d := truncateDate(*a.DateOfBirth)
		a.DateOfBirth = &d
	}
	return a
}

func (a PartialAttributes) hasDemographics() bool {
	return a.FirstName != "" || a.LastName != "" || a.Email != "" || a.DateOfBirth != nil
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
