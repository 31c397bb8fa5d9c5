package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/congo-pay/tradeledger/internal/logging"
)

// Publisher hands serialized messages to the broker.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// SyncProducer publishes through a sarama synchronous producer.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewSyncProducer dials brokers with an idempotent, fully acknowledged producer.
func NewSyncProducer(brokers []string, logger *slog.Logger) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewSyncProducerFrom(producer, logger), nil
}

// NewSyncProducerFrom wraps an existing sarama producer.
func NewSyncProducerFrom(producer sarama.SyncProducer, logger *slog.Logger) *SyncProducer {
	return &SyncProducer{producer: producer, logger: logging.OrDiscard(logger)}
}

// PublishJSON encodes value and sends it keyed by key.
func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "err", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return partition, offset, nil
}

// Close releases the producer.
func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
