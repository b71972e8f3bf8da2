package scheduling

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("appointment not found")
	ErrInvalidAppointment = errors.New("invalid appointment")
)

// Appointment statuses.
const (
	StatusScheduled = "scheduled"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no-show"
)

var validStatuses = map[string]bool{
	StatusScheduled: true, StatusConfirmed: true, StatusCompleted: true,
	StatusCancelled: true, StatusNoShow: true,
}

// ValidStatus reports whether s is a known appointment status.
func ValidStatus(s string) bool { return validStatuses[s] }

// Link methods recorded on the appointment row.
const (
	LinkAutoPhone = "auto_phone"
	LinkAutoMRN   = "auto_mrn"
	LinkManual    = "manual"
)

// Appointment maps to the appointment table. The Patient* fields are the
// identifying data captured at intake and never change after insert.
type Appointment struct {
	ID              uuid.UUID `json:"id"`
	ExternalRef     *string   `json:"external_ref,omitempty"`
	AppointmentDate time.Time `json:"appointment_date"`
	AppointmentTime *string   `json:"appointment_time,omitempty"`
	ProviderName    *string   `json:"provider_name,omitempty"`
	Status          string    `json:"status"`
	Source          string    `json:"source"`

	PatientPhone          *string    `json:"patient_phone,omitempty"`
	PatientPhoneCanonical *string    `json:"patient_phone_canonical,omitempty"`
	PatientMRN            *string    `json:"patient_mrn,omitempty"`
	PatientFirstName      *string    `json:"patient_first_name,omitempty"`
	PatientLastName       *string    `json:"patient_last_name,omitempty"`
	PatientDOB            *time.Time `json:"patient_dob,omitempty"`

	PatientProfileID *uuid.UUID `json:"patient_profile_id,omitempty"`
	LinkMethod       *string    `json:"link_method,omitempty"`
	LinkedAt         *time.Time `json:"linked_at,omitempty"`
	LinkedBy         *string    `json:"linked_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLinkedTo reports whether the appointment currently points at profileID.
func (a *Appointment) IsLinkedTo(profileID uuid.UUID) bool {
	return a.PatientProfileID != nil && *a.PatientProfileID == profileID
}

// Linkable reports whether the status still allows linking.
func (a *Appointment) Linkable() bool {
	return a.Status != StatusCancelled && a.Status != StatusNoShow
}

// Clone returns a deep copy.
func (a *Appointment) Clone() *Appointment {
	c := *a
	c.ExternalRef = cloneStr(a.ExternalRef)
	c.AppointmentTime = cloneStr(a.AppointmentTime)
	c.ProviderName = cloneStr(a.ProviderName)
	c.PatientPhone = cloneStr(a.PatientPhone)
	c.PatientPhoneCanonical = cloneStr(a.PatientPhoneCanonical)
	c.PatientMRN = cloneStr(a.PatientMRN)
	c.PatientFirstName = cloneStr(a.PatientFirstName)
	c.PatientLastName = cloneStr(a.PatientLastName)
	c.LinkMethod = cloneStr(a.LinkMethod)
	c.LinkedBy = cloneStr(a.LinkedBy)
	if a.PatientDOB != nil {
		d := *a.PatientDOB
		c.PatientDOB = &d
	}
	if a.PatientProfileID != nil {
		id := *a.PatientProfileID
		c.PatientProfileID = &id
	}
	if a.LinkedAt != nil {
		t := *a.LinkedAt
		c.LinkedAt = &t
	}
	return &c
}

// LinkAssignment is the set of link columns written in one update.
type LinkAssignment struct {
	ProfileID uuid.UUID
	Method    string
	LinkedBy  string
	LinkedAt  time.Time
}

// CandidateQuery selects unlinked (or already same-profile) appointments in
// a date window whose intake phone or MRN matches an identity.
type CandidateQuery struct {
	ProfileID      uuid.UUID
	PhoneCanonical string
	PhoneFormats   []string
	MRN            string
	From           time.Time
	To             time.Time
}

// ListFilter narrows appointment listings.
type ListFilter struct {
	ProfileID    *uuid.UUID
	UnlinkedOnly bool
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
