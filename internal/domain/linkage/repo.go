package linkage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type LinkRepository interface {
	// Create inserts an active record unless the appointment already has
	// one, and reports whether a row was written.
	Create(ctx context.Context, r *LinkRecord) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID, forUpdate bool) (*LinkRecord, error)
	GetActiveByAppointment(ctx context.Context, appointmentID uuid.UUID) (*LinkRecord, error)
	// Deactivate closes an active record and reports whether it was active.
	Deactivate(ctx context.Context, id uuid.UUID, by, reason string, at time.Time) (bool, error)
	// RevokedAppointments returns the appointments whose link to profileID
	// an operator revoked.
	RevokedAppointments(ctx context.Context, profileID uuid.UUID) (map[uuid.UUID]bool, error)
	List(ctx context.Context, f LinkFilter) ([]*LinkRecord, int, error)
}
