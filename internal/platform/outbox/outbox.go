// Package outbox implements the transactional outbox: domain events are
// written in the same transaction as the state change they describe and
// relayed to Kafka afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientlink/internal/platform/db"
)

// Event types emitted by the identity and linking services.
const (
	EventIdentityCreated   = "identity.created"
	EventIdentityMerged    = "identity.merged"
	EventAppointmentLinked = "appointment.linked"
	EventLinkRevoked       = "appointment.link_revoked"
)

// ErrNoTransaction is returned by Write outside of db.WithTx.
var ErrNoTransaction = errors.New("outbox write requires an active transaction")

// Event is what domain code hands to the outbox.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

// Entry is a persisted outbox row.
type Entry struct {
	ID            int64           `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Topic         string          `json:"topic"`
	Key           string          `json:"key"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
}

// Writer records events inside the caller's transaction.
type Writer interface {
	Write(ctx context.Context, ev Event) error
}

// Store is the Postgres-backed outbox.
type Store struct {
	pool  *pgxpool.Pool
	topic string
}

func NewStore(pool *pgxpool.Pool, topic string) *Store {
	return &Store{pool: pool, topic: topic}
}

const entryCols = `id, aggregate_type, aggregate_id, event_type, payload, topic, key,
	created_at, processed_at, retry_count, last_error`

// Write inserts ev using the transaction carried by ctx.
func (s *Store) Write(ctx context.Context, ev Event) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.EventType, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO identity_outbox (aggregate_type, aggregate_id, event_type, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.AggregateType, ev.AggregateID, ev.EventType, payload, s.topic, ev.AggregateID)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// FetchPending locks up to limit unpublished entries. It must run inside a
// transaction so the row locks hold until the batch is marked.
func (s *Store) FetchPending(ctx context.Context, limit, maxRetries int) ([]*Entry, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `SELECT `+entryCols+`
		FROM identity_outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.ProcessedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx,
		`UPDATE identity_outbox SET processed_at = NOW(), last_error = NULL WHERE id = $1`, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx,
		`UPDATE identity_outbox SET retry_count = retry_count + 1, last_error = $2 WHERE id = $1`, id, cause)
	return err
}

// Stats counts entries still waiting and entries that exhausted retries.
type Stats struct {
	Pending       int64      `json:"pending"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

func (s *Store) Stats(ctx context.Context, maxRetries int) (*Stats, error) {
	var st Stats
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at) FILTER (WHERE retry_count < $1)
		FROM identity_outbox WHERE processed_at IS NULL`, maxRetries).
		Scan(&st.Pending, &st.Failed, &st.OldestPending)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return &st, nil
}
