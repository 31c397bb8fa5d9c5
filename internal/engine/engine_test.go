package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/congo-pay/tradeledger/internal/logging"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	if s.err != nil && topic != "dead_letter" {
		return 0, 0, s.err
	}
	return 0, int64(len(s.calls)), nil
}

func (s *stubPublisher) Close() error { return nil }

func TestEventFlattensDataOnTheWire(t *testing.T) {
	ev := NewEvent(OperationTrade, ActionCancel, "trade-1", "TR-1001", "cancelled", map[string]any{
		"reason": "timeout",
		"status": "ignored",
	})
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["operationType"] != "trade" || wire["actionType"] != "cancel" || wire["identifier"] != "TR-1001" {
		t.Fatalf("unexpected wire fields %v", wire)
	}
	if wire["reason"] != "timeout" || wire["status"] != "cancelled" {
		t.Fatalf("data must not override contract keys: %v", wire)
	}

	var back Event
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if back.EventID != ev.EventID || back.Data["reason"] != "timeout" {
		t.Fatalf("decoded event mismatch: %+v", back)
	}
}

func TestDeterministicEventIDIsStable(t *testing.T) {
	a := NewEvent(OperationTrade, ActionCancel, "x", "TR-1", "cancelled", nil)
	b := NewEvent(OperationTrade, ActionCancel, "y", "TR-1", "cancelled", nil)
	c := NewEvent(OperationTrade, ActionComplete, "x", "TR-1", "released", nil)
	if a.EventID != b.EventID {
		t.Fatalf("same transition should share an id")
	}
	if a.EventID == c.EventID {
		t.Fatalf("different transitions should not share an id")
	}
}

func TestOutboxDeduplicatesByEventID(t *testing.T) {
	store := NewMemoryOutboxStore()
	outbox := NewOutbox(store, "engine.commands", nil, logging.Discard())
	ev := NewEvent(OperationBalanceLock, ActionCreate, "lock-1", "lock-1", "locked", nil)

	for i := 0; i < 3; i++ {
		if err := outbox.Emit(context.Background(), ev); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if got := len(store.Records()); got != 1 {
		t.Fatalf("expected one record, got %d", got)
	}
}

func TestRelayPublishesDueRecords(t *testing.T) {
	store := NewMemoryOutboxStore()
	outbox := NewOutbox(store, "engine.commands", nil, nil)
	pub := &stubPublisher{}
	relay := NewRelay(store, pub, RelayConfig{}, nil, nil)
	ctx := context.Background()

	_ = outbox.Emit(ctx, NewEvent(OperationTrade, ActionCreate, "t1", "TR-1", "unpaid", nil))
	_ = outbox.Emit(ctx, NewEvent(OperationTrade, ActionCreate, "t2", "TR-2", "unpaid", nil))

	sent, err := relay.Drain(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sent != 2 || len(pub.calls) != 2 {
		t.Fatalf("expected 2 publishes, got sent=%d calls=%d", sent, len(pub.calls))
	}
	for _, rec := range store.Records() {
		if rec.Status != OutboxSent || rec.SentAt == nil {
			t.Fatalf("record not marked sent: %+v", rec)
		}
	}

	sent, _ = relay.Drain(ctx, time.Now().Add(time.Hour))
	if sent != 0 {
		t.Fatalf("sent records must not be republished")
	}
}

func TestRelayRetriesThenDeadLetters(t *testing.T) {
	store := NewMemoryOutboxStore()
	outbox := NewOutbox(store, "engine.commands", nil, nil)
	pub := &stubPublisher{err: errors.New("broker down")}
	relay := NewRelay(store, pub, RelayConfig{DeadLetterTopic: "dead_letter", MaxAttempts: 3, Backoff: time.Second}, nil, nil)
	ctx := context.Background()
	_ = outbox.Emit(ctx, NewEvent(OperationTrade, ActionCancel, "t1", "TR-1", "cancelled", nil))

	now := time.Now().Add(time.Second)
	if _, err := relay.Drain(ctx, now); err != nil {
		t.Fatalf("drain 1: %v", err)
	}
	rec := store.Records()[0]
	if rec.Status != OutboxPending || rec.Attempts != 1 || !rec.NextAttemptAt.Equal(now.Add(time.Second)) {
		t.Fatalf("expected scheduled retry, got %+v", rec)
	}

	// Not due yet.
	if _, err := relay.Drain(ctx, now); err != nil {
		t.Fatalf("drain early: %v", err)
	}
	if store.Records()[0].Attempts != 1 {
		t.Fatalf("record retried before backoff elapsed")
	}

	now = now.Add(time.Second)
	_, _ = relay.Drain(ctx, now)
	now = now.Add(2 * time.Second)
	_, _ = relay.Drain(ctx, now)

	rec = store.Records()[0]
	if rec.Status != OutboxFailed || rec.Attempts != 3 {
		t.Fatalf("expected dead-lettered record, got %+v", rec)
	}
	last := pub.calls[len(pub.calls)-1]
	if last.topic != "dead_letter" {
		t.Fatalf("expected dead-letter publish, got topic %s", last.topic)
	}
	if dl, ok := last.value.(DeadLetter); !ok || dl.EventID != rec.EventID || dl.Attempts != 3 {
		t.Fatalf("unexpected dead-letter payload %+v", last.value)
	}
}

func TestSyncProducerSendsKeyedMessage(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Identifier != "lock-9" {
			return errors.New("wrong identifier")
		}
		return nil
	})
	producer := NewSyncProducerFrom(mock, nil)
	defer producer.Close()

	ev := NewEvent(OperationBalanceLock, ActionUnlock, "lock-9", "lock-9", "releasing", map[string]any{"engineLockId": "e-1"})
	if _, _, err := producer.PublishJSON(context.Background(), "engine.commands", "lock-9", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestSyncProducerReportsFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer := NewSyncProducerFrom(mock, nil)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "engine.commands", "k", map[string]string{"a": "b"}); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func callback(t *testing.T, topic string, offset int64, ev Event) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: topic, Offset: offset, Value: raw}
}

func TestInboxPersistsAndDispatchesOnce(t *testing.T) {
	store := NewMemoryInboxStore()
	inbox := NewInbox(store, nil, nil)
	calls := 0
	inbox.Register(OperationTrade, ActionCreate, func(_ context.Context, ev Event) error {
		calls++
		if ev.Identifier != "TR-7" {
			t.Fatalf("unexpected identifier %s", ev.Identifier)
		}
		return nil
	})

	ev := NewEvent(OperationTrade, ActionCreate, "t7", "TR-7", "success", nil)
	msg := callback(t, "engine.callbacks", 1, ev)
	for i := 0; i < 2; i++ {
		if err := inbox.HandleMessage(context.Background(), msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one dispatch, got %d", calls)
	}
	stored, ok := store.Get(ev.EventID)
	if !ok || stored.Status != KafkaEventProcessed || stored.ProcessedAt == nil {
		t.Fatalf("expected processed event, got %+v", stored)
	}
	if string(stored.Payload) != string(msg.Value) {
		t.Fatalf("payload must be stored verbatim")
	}
}

func TestInboxRecordsFailureAndRetries(t *testing.T) {
	store := NewMemoryInboxStore()
	inbox := NewInbox(store, nil, nil)
	fail := true
	inbox.Register(OperationWithdrawal, ActionComplete, func(context.Context, Event) error {
		if fail {
			return errors.New("withdrawal not found")
		}
		return nil
	})

	ev := NewEvent(OperationWithdrawal, ActionComplete, "w1", "w1", "success", map[string]any{"txHash": "0xabc"})
	if err := inbox.HandleMessage(context.Background(), callback(t, "engine.callbacks", 4, ev)); err != nil {
		t.Fatalf("handler failures must not fail the consumer: %v", err)
	}
	stored, _ := store.Get(ev.EventID)
	if stored.Status != KafkaEventFailed || stored.Error == "" {
		t.Fatalf("expected failed event, got %+v", stored)
	}

	fail = false
	recovered, err := inbox.RetryFailed(context.Background(), 10)
	if err != nil || recovered != 1 {
		t.Fatalf("expected one recovery, got %d %v", recovered, err)
	}
	stored, _ = store.Get(ev.EventID)
	if stored.Status != KafkaEventProcessed {
		t.Fatalf("expected processed after retry, got %s", stored.Status)
	}
}

func TestInboxKeepsMalformedPayloads(t *testing.T) {
	store := NewMemoryInboxStore()
	inbox := NewInbox(store, nil, nil)
	msg := &sarama.ConsumerMessage{Topic: "engine.callbacks", Partition: 2, Offset: 99, Value: []byte("not json")}

	if err := inbox.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	failed, _ := store.Failed(context.Background(), 10)
	if len(failed) != 1 || string(failed[0].Payload) != "not json" {
		t.Fatalf("expected malformed payload to be stored as failed, got %+v", failed)
	}
}

func TestEmitBestEffortSwallowsErrors(t *testing.T) {
	rec := &Recorder{Err: errors.New("down")}
	EmitBestEffort(context.Background(), rec, logging.Discard(), NewEvent(OperationTrade, ActionCancel, "t", "t", "cancelled", nil))
	if len(rec.Events()) != 0 {
		t.Fatalf("failed emit should not be recorded")
	}
}
