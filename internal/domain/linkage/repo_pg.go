package linkage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientlink/internal/platform/db"
)

type linkRepoPG struct {
	pool *pgxpool.Pool
}

func NewLinkRepo(pool *pgxpool.Pool) LinkRepository {
	return &linkRepoPG{pool: pool}
}

func (r *linkRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const linkCols = `id, profile_id, appointment_id, link_method, link_confidence, matched_on, matched_value,
	note, linked_by, linked_at, is_active, unlinked_at, unlinked_by, unlink_reason`

func scanLink(row pgx.Row) (*LinkRecord, error) {
	var l LinkRecord
	err := row.Scan(&l.ID, &l.ProfileID, &l.AppointmentID, &l.LinkMethod, &l.LinkConfidence, &l.MatchedOn, &l.MatchedValue,
		&l.Note, &l.LinkedBy, &l.LinkedAt, &l.IsActive, &l.UnlinkedAt, &l.UnlinkedBy, &l.UnlinkReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (r *linkRepoPG) Create(ctx context.Context, l *LinkRecord) (bool, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment_link (
			id, profile_id, appointment_id, link_method, link_confidence, matched_on, matched_value,
			note, linked_by, linked_at, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE)
		ON CONFLICT (appointment_id) WHERE is_active DO NOTHING`,
		l.ID, l.ProfileID, l.AppointmentID, l.LinkMethod, l.LinkConfidence, l.MatchedOn, l.MatchedValue,
		l.Note, l.LinkedBy, l.LinkedAt)
	if err != nil {
		return false, fmt.Errorf("insert link record: %w", err)
	}
	l.IsActive = true
	return tag.RowsAffected() == 1, nil
}

func (r *linkRepoPG) GetByID(ctx context.Context, id uuid.UUID, forUpdate bool) (*LinkRecord, error) {
	q := `SELECT ` + linkCols + ` FROM appointment_link WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	return scanLink(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *linkRepoPG) GetActiveByAppointment(ctx context.Context, appointmentID uuid.UUID) (*LinkRecord, error) {
	return scanLink(r.conn(ctx).QueryRow(ctx,
		`SELECT `+linkCols+` FROM appointment_link WHERE appointment_id = $1 AND is_active`, appointmentID))
}

func (r *linkRepoPG) Deactivate(ctx context.Context, id uuid.UUID, by, reason string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_link
		SET is_active = FALSE, unlinked_at = $2, unlinked_by = $3, unlink_reason = $4
		WHERE id = $1 AND is_active`,
		id, at, by, reason)
	if err != nil {
		return false, fmt.Errorf("deactivate link record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *linkRepoPG) RevokedAppointments(ctx context.Context, profileID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT appointment_id FROM appointment_link
		WHERE profile_id = $1 AND NOT is_active AND unlink_reason IS DISTINCT FROM $2`,
		profileID, supersededReason)
	if err != nil {
		return nil, fmt.Errorf("list revoked links: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *linkRepoPG) List(ctx context.Context, f LinkFilter) ([]*LinkRecord, int, error) {
	where, args := buildLinkFilter(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment_link WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count link records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM appointment_link WHERE %s ORDER BY linked_at DESC, id LIMIT $%d OFFSET $%d`,
		linkCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list link records: %w", err)
	}
	defer rows.Close()
	var items []*LinkRecord
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func buildLinkFilter(f LinkFilter) (string, []any) {
	conds := []string{"TRUE"}
	var args []any
	if f.ProfileID != nil {
		args = append(args, *f.ProfileID)
		conds = append(conds, fmt.Sprintf("profile_id = $%d", len(args)))
	}
	if f.AppointmentID != nil {
		args = append(args, *f.AppointmentID)
		conds = append(conds, fmt.Sprintf("appointment_id = $%d", len(args)))
	}
	if f.ActiveOnly {
		conds = append(conds, "is_active")
	}
	return strings.Join(conds, " AND "), args
}
