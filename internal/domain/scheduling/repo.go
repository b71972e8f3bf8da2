package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate locks the row for the rest of the surrounding transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f ListFilter) ([]*Appointment, int, error)
	FindLinkCandidates(ctx context.Context, q CandidateQuery) ([]*Appointment, error)
	// SetLink writes the link only if the appointment is still unlinked and
	// reports whether it did.
	SetLink(ctx context.Context, id uuid.UUID, la LinkAssignment) (bool, error)
	// OverrideLink writes the link regardless of the current owner.
	OverrideLink(ctx context.Context, id uuid.UUID, la LinkAssignment) error
	// ClearLink unlinks the appointment if it still points at profileID.
	ClearLink(ctx context.Context, id, profileID uuid.UUID) (bool, error)
	CountLinked(ctx context.Context, profileID uuid.UUID) (int, error)
}
