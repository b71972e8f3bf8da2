package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Unique indexes the resolver reacts to.
const (
	ConstraintPhone   = "patient_identity_phone_active_key"
	ConstraintMRN     = "patient_identity_mrn_active_key"
	ConstraintEmail   = "patient_identity_email_active_key"
	ConstraintHumanID = "patient_identity_human_id_key"
)

type PatientRepository interface {
	// Create inserts p and fills ID, ShortID and timestamps.
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// GetByPhone, GetByMRN and GetByEmail only see active identities.
	// forUpdate row-locks the match for the rest of the transaction.
	GetByPhone(ctx context.Context, phone string, forUpdate bool) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string, forUpdate bool) (*Patient, error)
	GetByEmail(ctx context.Context, email string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	SearchCandidates(ctx context.Context, c SearchCriteria, limit int) ([]*Patient, error)
	// ListLinkable pages active identities having a phone or MRN, ordered
	// by short ID.
	ListLinkable(ctx context.Context, afterShortID int64, limit int) ([]*Patient, error)
	SetManualLinking(ctx context.Context, id uuid.UUID, needed bool, note string) error
	// UpdateLinkStats stores the linked appointment count. A non-nil
	// linkedAt also stamps last_linked_at and clears the manual flag.
	UpdateLinkStats(ctx context.Context, id uuid.UUID, count int, linkedAt *time.Time) error
}
