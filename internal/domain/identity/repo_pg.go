package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientlink/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, short_id, human_id, phone_canonical, mrn, mrn_verified, email,
	first_name, last_name, date_of_birth, attribute_trust, created_from, data_sources,
	last_data_merge_at, needs_manual_linking, manual_linking_note,
	last_linked_at, linked_appointments_count, active, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		p       Patient
		created string
		sources []string
	)
	err := row.Scan(&p.ID, &p.ShortID, &p.HumanID, &p.PhoneCanonical, &p.MRN, &p.MRNVerified, &p.Email,
		&p.FirstName, &p.LastName, &p.DateOfBirth, &p.AttributeTrust, &created, &sources,
		&p.LastDataMergeAt, &p.NeedsManualLinking, &p.ManualLinkingNote,
		&p.LastLinkedAt, &p.LinkedAppointmentsCount, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.CreatedFrom = Source(created)
	p.DataSources = make([]Source, 0, len(sources))
	for _, s := range sources {
		p.DataSources = append(p.DataSources, Source(s))
	}
	return &p, nil
}

func collectPatients(rows pgx.Rows) ([]*Patient, error) {
	defer rows.Close()
	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func sourceStrings(src []Source) []string {
	out := make([]string, len(src))
	for i, s := range src {
		out[i] = string(s)
	}
	return out
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_identity (
			id, human_id, phone_canonical, mrn, mrn_verified, email,
			first_name, last_name, date_of_birth, attribute_trust,
			created_from, data_sources, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING short_id, created_at, updated_at`,
		p.ID, p.HumanID, p.PhoneCanonical, p.MRN, p.MRNVerified, p.Email,
		p.FirstName, p.LastName, p.DateOfBirth, p.AttributeTrust,
		string(p.CreatedFrom), sourceStrings(p.DataSources), p.Active,
	).Scan(&p.ShortID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient identity: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient_identity WHERE id = $1`, id))
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return ` FOR UPDATE`
	}
	return ""
}

func (r *patientRepoPG) GetByPhone(ctx context.Context, phone string, forUpdate bool) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+`
		FROM patient_identity WHERE active AND phone_canonical = $1`+lockClause(forUpdate), phone))
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string, forUpdate bool) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+`
		FROM patient_identity WHERE active AND mrn = $1`+lockClause(forUpdate), mrn))
}

func (r *patientRepoPG) GetByEmail(ctx context.Context, email string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+`
		FROM patient_identity WHERE active AND lower(email) = lower($1)`, email))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient_identity SET
			phone_canonical=$2, mrn=$3, mrn_verified=$4, email=$5,
			first_name=$6, last_name=$7, date_of_birth=$8, attribute_trust=$9,
			data_sources=$10, last_data_merge_at=$11, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.PhoneCanonical, p.MRN, p.MRNVerified, p.Email,
		p.FirstName, p.LastName, p.DateOfBirth, p.AttributeTrust,
		sourceStrings(p.DataSources), p.LastDataMergeAt,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update patient identity: %w", err)
	}
	return nil
}

func (r *patientRepoPG) SearchCandidates(ctx context.Context, c SearchCriteria, limit int) ([]*Patient, error) {
	query, args := buildSearchQuery(c, limit)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search patient identities: %w", err)
	}
	return collectPatients(rows)
}

func (r *patientRepoPG) ListLinkable(ctx context.Context, afterShortID int64, limit int) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+`
		FROM patient_identity
		WHERE active AND (phone_canonical IS NOT NULL OR mrn IS NOT NULL) AND short_id > $1
		ORDER BY short_id
		LIMIT $2`, afterShortID, limit)
	if err != nil {
		return nil, fmt.Errorf("list linkable identities: %w", err)
	}
	return collectPatients(rows)
}

func (r *patientRepoPG) SetManualLinking(ctx context.Context, id uuid.UUID, needed bool, note string) error {
	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_identity SET needs_manual_linking=$2, manual_linking_note=$3, updated_at=NOW()
		WHERE id = $1`, id, needed, notePtr)
	if err != nil {
		return fmt.Errorf("set manual linking flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) UpdateLinkStats(ctx context.Context, id uuid.UUID, count int, linkedAt *time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if linkedAt != nil {
		tag, err = r.conn(ctx).Exec(ctx, `
			UPDATE patient_identity SET linked_appointments_count=$2, last_linked_at=$3,
				needs_manual_linking=false, manual_linking_note=NULL, updated_at=NOW()
			WHERE id = $1`, id, count, *linkedAt)
	} else {
		tag, err = r.conn(ctx).Exec(ctx, `
			UPDATE patient_identity SET linked_appointments_count=$2, updated_at=NOW()
			WHERE id = $1`, id, count)
	}
	if err != nil {
		return fmt.Errorf("update link stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildSearchQuery ORs one predicate per supplied criterion and orders by
// the best tier each row satisfies. Ranking is repeated in Go; the SQL order
// only keeps the best candidates inside the LIMIT.
func buildSearchQuery(c SearchCriteria, limit int) (string, []any) {
	type pred struct {
		sql  string
		tier int
	}
	var (
		preds []pred
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if c.ShortID > 0 {
		preds = append(preds, pred{"short_id = " + arg(c.ShortID), tierID})
	}
	if c.HumanID != "" {
		preds = append(preds, pred{"upper(human_id) = upper(" + arg(c.HumanID) + ")", tierID})
	}
	if c.Phone != "" {
		preds = append(preds, pred{"phone_canonical = " + arg(c.Phone), tierPhone})
	}
	if c.MRN != "" {
		preds = append(preds, pred{"mrn = " + arg(c.MRN), tierMRN})
	}
	if c.Email != "" {
		preds = append(preds, pred{"lower(email) = lower(" + arg(c.Email) + ")", tierEmail})
	}
	if c.LastName != "" && c.DOB != nil {
		s := "(lower(last_name) = lower(" + arg(c.LastName) + ") AND date_of_birth = " + arg(*c.DOB)
		if c.FirstName != "" {
			s += " AND lower(first_name) = lower(" + arg(c.FirstName) + ")"
		}
		preds = append(preds, pred{s + ")", tierNameDOB})
	}
	if c.FirstName != "" {
		preds = append(preds, pred{"lower(first_name) LIKE " + arg(prefixPattern(c.FirstName)), tierField})
	}
	if c.LastName != "" {
		preds = append(preds, pred{"lower(last_name) LIKE " + arg(prefixPattern(c.LastName)), tierField})
	}
	if c.DOB != nil {
		preds = append(preds, pred{"date_of_birth = " + arg(*c.DOB), tierField})
	}
	if c.Query != "" {
		p := arg(containsPattern(c.Query))
		s := "(first_name ILIKE " + p + " OR last_name ILIKE " + p + " OR email ILIKE " + p +
			" OR mrn ILIKE " + p + " OR human_id ILIKE " + p
		if digits := digitsOf(c.Query); len(digits) >= 3 {
			s += " OR phone_canonical LIKE " + arg(containsPattern(digits))
		}
		preds = append(preds, pred{s + ")", tierText})
	}

	where := make([]string, len(preds))
	order := make([]string, len(preds))
	for i, p := range preds {
		where[i] = p.sql
		order[i] = fmt.Sprintf("CASE WHEN %s THEN %d ELSE %d END", p.sql, p.tier, tierNone)
	}

	query := `SELECT ` + patientCols + ` FROM patient_identity WHERE active`
	if len(where) > 0 {
		query += ` AND (` + strings.Join(where, " OR ") + `)`
		rank := order[0]
		if len(order) > 1 {
			rank = "LEAST(" + strings.Join(order, ", ") + ")"
		}
		query += ` ORDER BY ` + rank + `, last_name NULLS LAST, first_name NULLS LAST, short_id`
	} else {
		query += ` ORDER BY short_id`
	}
	query += ` LIMIT ` + arg(limit)
	return query, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func prefixPattern(s string) string {
	return strings.ToLower(likeEscaper.Replace(s)) + "%"
}

func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
