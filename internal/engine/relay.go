package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
)

// RelayConfig tunes outbox delivery.
type RelayConfig struct {
	DeadLetterTopic string
	MaxAttempts     int
	Backoff         time.Duration
	Lease           time.Duration
	BatchSize       int
}

// DeadLetter is published when a record exhausts its attempts.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventID       string          `json:"event_id"`
	Key           string          `json:"key,omitempty"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Relay moves outbox records to the broker.
type Relay struct {
	store     OutboxStore
	publisher Publisher
	cfg       RelayConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRelay wires a relay. Zero config values get defaults.
func NewRelay(store OutboxStore, publisher Publisher, cfg RelayConfig, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{store: store, publisher: publisher, cfg: cfg, metrics: m, logger: logging.OrDiscard(logger)}
}

// Drain publishes every due record once and returns how many were sent.
func (r *Relay) Drain(ctx context.Context, now time.Time) (int, error) {
	records, err := r.store.Claim(ctx, now, r.cfg.Lease, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		_, _, pubErr := r.publisher.PublishJSON(ctx, rec.Topic, rec.Key, json.RawMessage(rec.Payload))
		if pubErr == nil {
			if err := r.store.MarkSent(ctx, rec.ID, now); err != nil {
				return sent, err
			}
			r.metrics.Outbox("sent")
			sent++
			continue
		}

		attempts := rec.Attempts + 1
		if attempts >= r.cfg.MaxAttempts {
			if err := r.store.MarkFailed(ctx, rec.ID, attempts, pubErr.Error()); err != nil {
				return sent, err
			}
			r.metrics.Outbox("dead_lettered")
			r.deadLetter(ctx, rec, attempts, pubErr, now)
			continue
		}

		next := now.Add(r.backoff(attempts))
		if err := r.store.MarkRetry(ctx, rec.ID, attempts, next, pubErr.Error()); err != nil {
			return sent, err
		}
		r.metrics.Outbox("retry")
		r.logger.Warn("engine event publish failed, will retry",
			"event_id", rec.EventID, "attempts", attempts, "next_attempt_at", next, "err", pubErr)
	}
	return sent, nil
}

// backoff doubles per attempt and caps at one hour.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.Backoff
	for i := 1; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func (r *Relay) deadLetter(ctx context.Context, rec OutboxRecord, attempts int, cause error, now time.Time) {
	r.logger.Error("engine event dead-lettered", "event_id", rec.EventID, "attempts", attempts, "err", cause)
	if r.cfg.DeadLetterTopic == "" {
		return
	}
	payload := DeadLetter{
		OriginalTopic: rec.Topic,
		EventID:       rec.EventID,
		Key:           rec.Key,
		Error:         cause.Error(),
		Attempts:      attempts,
		Payload:       json.RawMessage(rec.Payload),
		Timestamp:     now,
	}
	if _, _, err := r.publisher.PublishJSON(ctx, r.cfg.DeadLetterTopic, rec.Key, payload); err != nil {
		r.logger.Error("dead-letter publish failed", "topic", r.cfg.DeadLetterTopic, "event_id", rec.EventID, "err", err)
	}
}
