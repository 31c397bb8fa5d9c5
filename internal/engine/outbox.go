package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
)

// Emitter accepts events for delivery to the engine.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitBestEffort emits event and logs any failure. Local state transitions
// never depend on the result.
func EmitBestEffort(ctx context.Context, emitter Emitter, logger *slog.Logger, event Event) {
	if emitter == nil {
		return
	}
	if err := emitter.Emit(ctx, event); err != nil {
		logging.OrDiscard(logger).Error("engine event not recorded",
			"event_id", event.EventID,
			"operation_type", event.OperationType,
			"action_type", event.ActionType,
			"identifier", event.Identifier,
			"status", event.Status,
			"err", fmt.Errorf("%w: %v", ErrNotificationFailure, err))
	}
}

// OutboxStatus is the delivery state of an outbox record.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxRecord is one queued engine event.
type OutboxRecord struct {
	ID            string
	EventID       string
	Topic         string
	Key           string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

// OutboxStore persists queued events. Enqueue is idempotent on EventID.
type OutboxStore interface {
	Enqueue(ctx context.Context, rec OutboxRecord) (bool, error)
	// Claim returns up to limit pending records due at now and pushes their
	// next attempt out by lease so concurrent relays skip them.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// Outbox turns events into durable outbox records.
type Outbox struct {
	store   OutboxStore
	topic   string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewOutbox builds an emitter that enqueues onto topic.
func NewOutbox(store OutboxStore, topic string, m *metrics.Metrics, logger *slog.Logger) *Outbox {
	return &Outbox{store: store, topic: topic, metrics: m, logger: logging.OrDiscard(logger)}
}

// Emit records event for delivery. Re-emitting an event with the same id is a no-op.
func (o *Outbox) Emit(ctx context.Context, event Event) error {
	if event.EventID == "" {
		event.EventID = DeterministicEventID(string(event.OperationType), string(event.ActionType), event.Identifier, event.Status)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	now := time.Now().UTC()
	created, err := o.store.Enqueue(ctx, OutboxRecord{
		ID:            uuid.NewString(),
		EventID:       event.EventID,
		Topic:         o.topic,
		Key:           event.Identifier,
		Payload:       payload,
		Status:        OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
	if err != nil {
		return err
	}
	if created {
		o.metrics.Outbox("enqueued")
	} else {
		o.logger.Debug("engine event already queued", "event_id", event.EventID)
	}
	return nil
}

// MemoryOutboxStore keeps records in memory.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	records map[string]*OutboxRecord
	byEvent map[string]string
}

// NewMemoryOutboxStore constructs an empty in-memory outbox.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{records: make(map[string]*OutboxRecord), byEvent: make(map[string]string)}
}

func (s *MemoryOutboxStore) Enqueue(_ context.Context, rec OutboxRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEvent[rec.EventID]; exists {
		return false, nil
	}
	cp := rec
	s.records[rec.ID] = &cp
	s.byEvent[rec.EventID] = rec.ID
	return true, nil
}

func (s *MemoryOutboxStore) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxRecord
	for _, rec := range s.records {
		if rec.Status == OutboxPending && !rec.NextAttemptAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxRecord, 0, len(due))
	for _, rec := range due {
		rec.NextAttemptAt = now.Add(lease)
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryOutboxStore) MarkSent(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(rec *OutboxRecord) {
		rec.Status = OutboxSent
		rec.Attempts++
		rec.SentAt = &at
	})
}

func (s *MemoryOutboxStore) MarkRetry(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.update(id, func(rec *OutboxRecord) {
		rec.Attempts = attempts
		rec.NextAttemptAt = next
		rec.LastError = lastErr
	})
}

func (s *MemoryOutboxStore) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	return s.update(id, func(rec *OutboxRecord) {
		rec.Status = OutboxFailed
		rec.Attempts = attempts
		rec.LastError = lastErr
	})
}

func (s *MemoryOutboxStore) update(id string, fn func(*OutboxRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("outbox record %s not found", id)
	}
	fn(rec)
	return nil
}

// Records returns a snapshot ordered by creation time.
func (s *MemoryOutboxStore) Records() []OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Recorder is an Emitter that keeps events in memory. Err, when set, is
// returned from every Emit.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Emit records event.
func (r *Recorder) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events in emit order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events matched op and action.
func (r *Recorder) Count(op OperationType, action ActionType) int {
	n := 0
	for _, e := range r.Events() {
		if e.OperationType == op && e.ActionType == action {
			n++
		}
	}
	return n
}
