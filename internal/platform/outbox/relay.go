package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/patientlink/internal/platform/db"
	"github.com/ehr/patientlink/internal/platform/telemetry"
)

// Publisher delivers one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type entryStore interface {
	FetchPending(ctx context.Context, limit, maxRetries int) ([]*Entry, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string) error
}

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: time.Second,
		MaxRetries:   10,
	}
}

// Relay polls the outbox and publishes pending entries in id order.
type Relay struct {
	store   entryStore
	tx      db.Transactor
	pub     Publisher
	cfg     RelayConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewRelay(store entryStore, tx db.Transactor, pub Publisher, cfg RelayConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRelayConfig().MaxRetries
	}
	return &Relay{store: store, tx: tx, pub: pub, cfg: cfg, logger: logger, metrics: metrics}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Int("batch_size", r.cfg.BatchSize).
		Dur("poll_interval", r.cfg.PollInterval).
		Msg("outbox relay started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("outbox batch failed")
			}
		}
	}
}

// ProcessBatch publishes one batch and returns how many entries were
// delivered. A publish failure is recorded on the entry and does not stop
// the rest of the batch.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	published := 0
	err := r.tx.WithTx(ctx, func(ctx context.Context) error {
		entries, err := r.store.FetchPending(ctx, r.cfg.BatchSize, r.cfg.MaxRetries)
		if err != nil {
			return err
		}
		for _, e := range entries {
			pubErr := r.pub.Publish(ctx, e.Topic, e.Key, e.Payload)
			r.metrics.ObservePublish(pubErr)
			if pubErr != nil {
				r.logger.Warn().Err(pubErr).
					Int64("entry_id", e.ID).
					Str("event_type", e.EventType).
					Int("retry_count", e.RetryCount+1).
					Msg("outbox publish failed")
				if err := r.store.MarkFailed(ctx, e.ID, pubErr.Error()); err != nil {
					return fmt.Errorf("mark outbox entry %d failed: %w", e.ID, err)
				}
				continue
			}
			if err := r.store.MarkProcessed(ctx, e.ID); err != nil {
				return fmt.Errorf("mark outbox entry %d processed: %w", e.ID, err)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}
