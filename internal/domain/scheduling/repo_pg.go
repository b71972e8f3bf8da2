package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientlink/internal/platform/db"
)

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAppointmentRepo(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, external_ref, appointment_date, appointment_time, provider_name, status, source,
	patient_phone, patient_phone_canonical, patient_mrn, patient_first_name, patient_last_name, patient_dob,
	patient_profile_id, link_method, linked_at, linked_by, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.ExternalRef, &a.AppointmentDate, &a.AppointmentTime, &a.ProviderName, &a.Status, &a.Source,
		&a.PatientPhone, &a.PatientPhoneCanonical, &a.PatientMRN, &a.PatientFirstName, &a.PatientLastName, &a.PatientDOB,
		&a.PatientProfileID, &a.LinkMethod, &a.LinkedAt, &a.LinkedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (
			id, external_ref, appointment_date, appointment_time, provider_name, status, source,
			patient_phone, patient_phone_canonical, patient_mrn, patient_first_name, patient_last_name, patient_dob
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		a.ID, a.ExternalRef, a.AppointmentDate, a.AppointmentTime, a.ProviderName, a.Status, a.Source,
		a.PatientPhone, a.PatientPhoneCanonical, a.PatientMRN, a.PatientFirstName, a.PatientLastName, a.PatientDOB,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter) ([]*Appointment, int, error) {
	where, args := buildListFilter(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM appointment WHERE %s
		ORDER BY appointment_date, appointment_time NULLS LAST, id LIMIT $%d OFFSET $%d`,
		apptCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	items, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func buildListFilter(f ListFilter) (string, []any) {
	conds := []string{"TRUE"}
	var args []any
	if f.ProfileID != nil {
		args = append(args, *f.ProfileID)
		conds = append(conds, fmt.Sprintf("patient_profile_id = $%d", len(args)))
	}
	if f.UnlinkedOnly {
		conds = append(conds, "patient_profile_id IS NULL")
	}
	if f.From != nil {
		args = append(args, *f.From)
		conds = append(conds, fmt.Sprintf("appointment_date >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		conds = append(conds, fmt.Sprintf("appointment_date <= $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func (r *appointmentRepoPG) FindLinkCandidates(ctx context.Context, q CandidateQuery) ([]*Appointment, error) {
	query, args, ok := buildCandidateQuery(q)
	if !ok {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find link candidates: %w", err)
	}
	return collectAppointments(rows)
}

// buildCandidateQuery returns false when q carries neither a phone nor an MRN.
func buildCandidateQuery(q CandidateQuery) (string, []any, bool) {
	args := []any{DateOnly(q.From), DateOnly(q.To), q.ProfileID}
	var match []string
	if q.PhoneCanonical != "" {
		args = append(args, q.PhoneCanonical)
		match = append(match, fmt.Sprintf("patient_phone_canonical = $%d", len(args)))
	}
	if len(q.PhoneFormats) > 0 {
		args = append(args, q.PhoneFormats)
		match = append(match, fmt.Sprintf("patient_phone = ANY($%d)", len(args)))
	}
	if q.MRN != "" {
		args = append(args, q.MRN)
		match = append(match, fmt.Sprintf("patient_mrn = $%d", len(args)))
	}
	if len(match) == 0 {
		return "", nil, false
	}

	query := `SELECT ` + apptCols + ` FROM appointment
		WHERE status NOT IN ('cancelled', 'no-show')
		  AND appointment_date BETWEEN $1 AND $2
		  AND (patient_profile_id IS NULL OR patient_profile_id = $3)
		  AND (` + strings.Join(match, " OR ") + `)
		ORDER BY appointment_date, appointment_time NULLS LAST, id`
	return query, args, true
}

func (r *appointmentRepoPG) SetLink(ctx context.Context, id uuid.UUID, la LinkAssignment) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment
		SET patient_profile_id = $2, link_method = $3, linked_by = $4, linked_at = $5, updated_at = NOW()
		WHERE id = $1 AND patient_profile_id IS NULL`,
		id, la.ProfileID, la.Method, la.LinkedBy, la.LinkedAt)
	if err != nil {
		return false, fmt.Errorf("set appointment link: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) OverrideLink(ctx context.Context, id uuid.UUID, la LinkAssignment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment
		SET patient_profile_id = $2, link_method = $3, linked_by = $4, linked_at = $5, updated_at = NOW()
		WHERE id = $1`,
		id, la.ProfileID, la.Method, la.LinkedBy, la.LinkedAt)
	if err != nil {
		return fmt.Errorf("override appointment link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) ClearLink(ctx context.Context, id, profileID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment
		SET patient_profile_id = NULL, link_method = NULL, linked_by = NULL, linked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND patient_profile_id = $2`,
		id, profileID)
	if err != nil {
		return false, fmt.Errorf("clear appointment link: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) CountLinked(ctx context.Context, profileID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE patient_profile_id = $1`, profileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count linked appointments: %w", err)
	}
	return n, nil
}
