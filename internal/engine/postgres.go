package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOutboxStore keeps the outbox in the engine_outbox table.
type PostgresOutboxStore struct {
	db *pgxpool.Pool
}

// NewPostgresOutboxStore constructs a Postgres-backed outbox.
func NewPostgresOutboxStore(db *pgxpool.Pool) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

func (s *PostgresOutboxStore) Enqueue(ctx context.Context, rec OutboxRecord) (bool, error) {
	tag, err := s.db.Exec(ctx, `INSERT INTO engine_outbox
        (id, event_id, topic, message_key, payload, status, attempts, next_attempt_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
        ON CONFLICT (event_id) DO NOTHING`,
		rec.ID, rec.EventID, rec.Topic, rec.Key, rec.Payload, string(OutboxPending), rec.NextAttemptAt, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Claim leases due rows with FOR UPDATE SKIP LOCKED so parallel relays never
// pick the same record.
func (s *PostgresOutboxStore) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]OutboxRecord, error) {
	rows, err := s.db.Query(ctx, `UPDATE engine_outbox SET next_attempt_at = $2
        WHERE id IN (
            SELECT id FROM engine_outbox
            WHERE status = 'pending' AND next_attempt_at <= $1
            ORDER BY created_at
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, event_id, topic, message_key, payload, status, attempts, COALESCE(last_error, ''),
                  next_attempt_at, created_at, sent_at`,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var (
			rec    OutboxRecord
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &status, &rec.Attempts,
			&rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		rec.Status = OutboxStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresOutboxStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE engine_outbox SET status = 'sent', attempts = attempts + 1, sent_at = $2 WHERE id = $1`, id, at)
}

func (s *PostgresOutboxStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.exec(ctx, `UPDATE engine_outbox SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`,
		id, attempts, next, lastErr)
}

func (s *PostgresOutboxStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.exec(ctx, `UPDATE engine_outbox SET status = 'failed', attempts = $2, last_error = $3 WHERE id = $1`,
		id, attempts, lastErr)
}

func (s *PostgresOutboxStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox record %v not found", args[0])
	}
	return nil
}

// PostgresInboxStore keeps inbound callbacks in the kafka_events table.
type PostgresInboxStore struct {
	db *pgxpool.Pool
}

// NewPostgresInboxStore constructs a Postgres-backed inbox.
func NewPostgresInboxStore(db *pgxpool.Pool) *PostgresInboxStore {
	return &PostgresInboxStore{db: db}
}

const kafkaEventColumns = `id, event_id, topic_name, payload, status, COALESCE(error, ''), attempts, created_at, processed_at`

func (s *PostgresInboxStore) Save(ctx context.Context, ev KafkaEvent) (KafkaEvent, bool, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO kafka_events (id, event_id, topic_name, payload, status, attempts, created_at)
        VALUES ($1, $2, $3, $4, $5, 0, $6)
        ON CONFLICT (event_id) DO NOTHING
        RETURNING `+kafkaEventColumns,
		ev.ID, ev.EventID, ev.TopicName, ev.Payload, string(ev.Status), ev.CreatedAt)
	stored, err := scanKafkaEvent(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return KafkaEvent{}, false, err
	}
	stored, err = scanKafkaEvent(s.db.QueryRow(ctx, `SELECT `+kafkaEventColumns+` FROM kafka_events WHERE event_id = $1`, ev.EventID))
	if err != nil {
		return KafkaEvent{}, false, err
	}
	return stored, false, nil
}

func (s *PostgresInboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE kafka_events
        SET status = 'processed', error = NULL, attempts = attempts + 1, processed_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresInboxStore) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := s.db.Exec(ctx, `UPDATE kafka_events SET status = 'failed', error = $2, attempts = attempts + 1 WHERE id = $1`, id, reason)
	return err
}

func (s *PostgresInboxStore) Failed(ctx context.Context, limit int) ([]KafkaEvent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+kafkaEventColumns+` FROM kafka_events
        WHERE status = 'failed' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KafkaEvent
	for rows.Next() {
		ev, err := scanKafkaEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanKafkaEvent(row pgx.Row) (KafkaEvent, error) {
	var (
		ev     KafkaEvent
		status string
	)
	if err := row.Scan(&ev.ID, &ev.EventID, &ev.TopicName, &ev.Payload, &status, &ev.Error,
		&ev.Attempts, &ev.CreatedAt, &ev.ProcessedAt); err != nil {
		return KafkaEvent{}, err
	}
	ev.Status = KafkaEventStatus(status)
	return ev, nil
}
