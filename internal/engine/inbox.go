package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
)

// KafkaEventStatus is the processing state of an inbound callback.
type KafkaEventStatus string

const (
	KafkaEventPending   KafkaEventStatus = "pending"
	KafkaEventProcessed KafkaEventStatus = "processed"
	KafkaEventFailed    KafkaEventStatus = "failed"
)

// KafkaEvent is an inbound callback stored verbatim before it is applied.
type KafkaEvent struct {
	ID          string
	EventID     string
	TopicName   string
	Payload     []byte
	Status      KafkaEventStatus
	Error       string
	Attempts    int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// InboxStore persists inbound callbacks. Save is idempotent on EventID and
// returns the stored row plus whether it was newly created.
type InboxStore interface {
	Save(ctx context.Context, ev KafkaEvent) (KafkaEvent, bool, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Failed(ctx context.Context, limit int) ([]KafkaEvent, error)
}

// HandlerFunc applies one decoded callback.
type HandlerFunc func(ctx context.Context, event Event) error

type route struct {
	op     OperationType
	action ActionType
}

// Inbox persists and dispatches inbound engine callbacks.
type Inbox struct {
	store    InboxStore
	handlers map[route]HandlerFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewInbox constructs an inbox over store.
func NewInbox(store InboxStore, m *metrics.Metrics, logger *slog.Logger) *Inbox {
	return &Inbox{store: store, handlers: make(map[route]HandlerFunc), metrics: m, logger: logging.OrDiscard(logger)}
}

// Register routes callbacks for (op, action) to fn. Registering twice panics.
func (i *Inbox) Register(op OperationType, action ActionType, fn HandlerFunc) {
	r := route{op: op, action: action}
	if _, exists := i.handlers[r]; exists {
		panic(fmt.Sprintf("engine: handler for %s/%s already registered", op, action))
	}
	i.handlers[r] = fn
}

// HandleMessage implements the consumer group handler contract. Handler
// failures are recorded on the stored event and left for RetryFailed, so the
// message offset can still be committed.
func (i *Inbox) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	eventID := messageEventID(msg)
	stored, created, err := i.store.Save(ctx, KafkaEvent{
		ID:        uuid.NewString(),
		EventID:   eventID,
		TopicName: msg.Topic,
		Payload:   append([]byte(nil), msg.Value...),
		Status:    KafkaEventPending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		i.metrics.Inbox("store_error")
		return fmt.Errorf("persist inbound event: %w", err)
	}
	if !created && stored.Status == KafkaEventProcessed {
		i.metrics.Inbox("duplicate")
		i.logger.Debug("inbound event already processed", "event_id", eventID)
		return nil
	}
	i.process(ctx, stored)
	return nil
}

// RetryFailed re-dispatches up to limit failed callbacks and returns how many
// succeeded this time.
func (i *Inbox) RetryFailed(ctx context.Context, limit int) (int, error) {
	failed, err := i.store.Failed(ctx, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, ev := range failed {
		if i.process(ctx, ev) {
			recovered++
		}
	}
	return recovered, nil
}

func (i *Inbox) process(ctx context.Context, stored KafkaEvent) bool {
	var event Event
	if err := json.Unmarshal(stored.Payload, &event); err != nil {
		i.fail(ctx, stored, fmt.Errorf("decode payload: %w", err))
		return false
	}

	fn, ok := i.handlers[route{op: event.OperationType, action: event.ActionType}]
	if !ok {
		i.logger.Info("inbound event has no handler", "event_id", stored.EventID,
			"operation_type", event.OperationType, "action_type", event.ActionType)
		i.metrics.Inbox("ignored")
		return i.markProcessed(ctx, stored)
	}
	if err := fn(ctx, event); err != nil {
		i.fail(ctx, stored, err)
		return false
	}
	i.metrics.Inbox("processed")
	return i.markProcessed(ctx, stored)
}

func (i *Inbox) markProcessed(ctx context.Context, stored KafkaEvent) bool {
	if err := i.store.MarkProcessed(ctx, stored.ID, time.Now().UTC()); err != nil {
		i.logger.Error("mark inbound event processed", "event_id", stored.EventID, "err", err)
		return false
	}
	return true
}

func (i *Inbox) fail(ctx context.Context, stored KafkaEvent, cause error) {
	i.metrics.Inbox("failed")
	i.logger.Warn("inbound event failed", "event_id", stored.EventID, "topic", stored.TopicName, "err", cause)
	if err := i.store.MarkFailed(ctx, stored.ID, cause.Error()); err != nil {
		i.logger.Error("mark inbound event failed", "event_id", stored.EventID, "err", err)
	}
}

// messageEventID reads eventId from the payload and falls back to the
// message coordinates when the payload carries none.
func messageEventID(msg *sarama.ConsumerMessage) string {
	var head struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(msg.Value, &head); err == nil && head.EventID != "" {
		return head.EventID
	}
	return DeterministicEventID(msg.Topic, strconv.Itoa(int(msg.Partition)), strconv.FormatInt(msg.Offset, 10))
}

// MemoryInboxStore keeps inbound events in memory.
type MemoryInboxStore struct {
	mu      sync.Mutex
	events  map[string]*KafkaEvent
	byEvent map[string]string
}

// NewMemoryInboxStore constructs an empty in-memory inbox.
func NewMemoryInboxStore() *MemoryInboxStore {
	return &MemoryInboxStore{events: make(map[string]*KafkaEvent), byEvent: make(map[string]string)}
}

func (s *MemoryInboxStore) Save(_ context.Context, ev KafkaEvent) (KafkaEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.byEvent[ev.EventID]; exists {
		return *s.events[id], false, nil
	}
	cp := ev
	s.events[ev.ID] = &cp
	s.byEvent[ev.EventID] = ev.ID
	return cp, true, nil
}

func (s *MemoryInboxStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("inbound event %s not found", id)
	}
	ev.Status = KafkaEventProcessed
	ev.Error = ""
	ev.Attempts++
	ev.ProcessedAt = &at
	return nil
}

func (s *MemoryInboxStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("inbound event %s not found", id)
	}
	ev.Status = KafkaEventFailed
	ev.Error = reason
	ev.Attempts++
	return nil
}

func (s *MemoryInboxStore) Failed(_ context.Context, limit int) ([]KafkaEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KafkaEvent
	for _, ev := range s.events {
		if ev.Status == KafkaEventFailed {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the stored event for eventID.
func (s *MemoryInboxStore) Get(eventID string) (KafkaEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEvent[eventID]
	if !ok {
		return KafkaEvent{}, false
	}
	return *s.events[id], true
}
