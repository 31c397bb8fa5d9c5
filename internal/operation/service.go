package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/persist"
)

const casAttempts = 5

var errNoFailEdge = errors.New("operation cannot fail from its status")

// Service drives operations through their machines and posts their ledger
// batches. Batches are posted before the status is stored; their keys are
// derived from the operation id, so a retried transition replays instead of
// double-posting.
type Service struct {
	repo    Repository
	ledger  *ledger.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService wires an operation service.
func NewService(repo Repository, l *ledger.Service, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, ledger: l, metrics: m, logger: logging.OrDiscard(logger)}
}

// BatchKey derives the idempotency key of a batch posted by op on event.
// Extra parts (for example a currency) separate several batches of one event.
func BatchKey(op Operation, event Event, parts ...string) string {
	key := op.ID + ":" + string(event)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Get loads an operation.
func (s *Service) Get(ctx context.Context, id string) (Operation, error) {
	return s.repo.Get(ctx, id)
}

// May reports whether event is allowed for op in its current status.
func (s *Service) May(op Operation, event Event) bool {
	m, err := Machine(op.Kind)
	if err != nil {
		return false
	}
	return m.Can(op.Status, event)
}

// Start persists a new pending operation for payload.
func (s *Service) Start(ctx context.Context, ownerID string, payload Payload) (Operation, error) {
	if payload == nil {
		return Operation{}, errors.New("operation payload is required")
	}
	if _, err := Machine(payload.Kind()); err != nil {
		return Operation{}, err
	}
	now := time.Now().UTC()
	op := Operation{
		ID:        uuid.NewString(),
		Kind:      payload.Kind(),
		OwnerID:   ownerID,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Fire applies event to the operation identified by id. Batches are posted
// first; if any is rejected the operation moves to failed (when its machine
// allows it) with the cause in StatusExplanation, and the cause is returned.
func (s *Service) Fire(ctx context.Context, id string, event Event, explanation string, batches ...ledger.Batch) (Operation, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Operation{}, err
	}
	m, err := Machine(current.Kind)
	if err != nil {
		return Operation{}, err
	}
	if _, err := m.Next(current.Status, event); err != nil {
		s.metrics.Transition(string(current.Kind), string(event), "rejected")
		return current, err
	}

	for _, b := range batches {
		if b.Operation.IsZero() {
			b.Operation = current.Ref()
		}
		if _, err := s.ledger.Post(ctx, b); err != nil {
			failed, failErr := s.transition(ctx, id, EventFail, err.Error())
			if failErr != nil && !errors.Is(failErr, errNoFailEdge) {
				s.logger.Error("operation failure not recorded", "operation_id", id, "err", failErr)
			}
			if failed.ID == "" {
				failed = current
			}
			return failed, err
		}
	}

	return s.transition(ctx, id, event, explanation)
}

func (s *Service) transition(ctx context.Context, id string, event Event, explanation string) (Operation, error) {
	var out Operation
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		op, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		m, err := Machine(op.Kind)
		if err != nil {
			return err
		}
		if !m.Can(op.Status, event) {
			out = op
			if event == EventFail {
				return errNoFailEdge
			}
			_, err := m.Next(op.Status, event)
			return err
		}
		next, _ := m.Next(op.Status, event)
		from := op.Status
		op.Status = next
		if explanation != "" || event == EventFail {
			op.StatusExplanation = explanation
		}
		updated, err := s.repo.Update(ctx, op)
		if err != nil {
			return err
		}
		out = updated
		s.metrics.Transition(string(op.Kind), string(event), "applied")
		s.logger.Info("operation transitioned", "operation_id", id, "kind", op.Kind,
			"from", from, "to", next, "event", event)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("operation %s %s: %w", id, event, err)
	}
	return out, nil
}

// Execute runs a one-shot operation: pending to processing, post batches,
// then completed. A rejected batch leaves the operation failed.
func (s *Service) Execute(ctx context.Context, op Operation, batches ...ledger.Batch) (Operation, error) {
	if op.Status == StatusPending {
		var err error
		if op, err = s.transition(ctx, op.ID, EventProcess, ""); err != nil {
			return op, err
		}
	}
	return s.Fire(ctx, op.ID, EventComplete, "", batches...)
}

// Perform starts an operation for payload and executes the batches built for it.
func (s *Service) Perform(ctx context.Context, ownerID string, payload Payload, build func(Operation) []ledger.Batch) (Operation, error) {
	op, err := s.Start(ctx, ownerID, payload)
	if err != nil {
		return Operation{}, err
	}
	var batches []ledger.Batch
	if build != nil {
		batches = build(op)
	}
	return s.Execute(ctx, op, batches...)
}
