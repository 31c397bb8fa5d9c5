package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/engine"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/validation"
)

const casAttempts = 5

// Service runs merchant escrow movements.
type Service struct {
	repo    Repository
	ops     *operation.Service
	emitter engine.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService wires an escrow service.
func NewService(repo Repository, ops *operation.Service, emitter engine.Emitter, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, ops: ops, emitter: emitter, metrics: m, logger: logging.OrDiscard(logger)}
}

// Input opens an escrow. EscrowID is the engine's id when the engine asked
// for it; a repeated id returns the escrow already recorded.
type Input struct {
	EscrowID   string          `json:"escrow_id"`
	MerchantID string          `json:"merchant_id" validate:"required"`
	Currency   string          `json:"currency" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"gt=0"`
}

// Get loads an escrow.
func (s *Service) Get(ctx context.Context, id string) (Escrow, error) {
	return s.repo.Get(ctx, id)
}

// Freeze sets amount aside on the merchant's account.
func (s *Service) Freeze(ctx context.Context, input Input) (Escrow, error) {
	return s.open(ctx, input, EventFreeze)
}

// Mint credits amount to the merchant's account.
func (s *Service) Mint(ctx context.Context, input Input) (Escrow, error) {
	return s.open(ctx, input, EventMint)
}

// Unfreeze gives the frozen amount back to the merchant.
func (s *Service) Unfreeze(ctx context.Context, id string) (Escrow, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return Escrow{}, err
	}
	return s.apply(ctx, e, EventUnfreeze)
}

// Burn destroys the frozen amount.
func (s *Service) Burn(ctx context.Context, id string) (Escrow, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return Escrow{}, err
	}
	return s.apply(ctx, e, EventBurn)
}

func (s *Service) open(ctx context.Context, input Input, event Event) (Escrow, error) {
	if err := validation.Struct(input); err != nil {
		return Escrow{}, err
	}
	if input.EscrowID != "" {
		if existing, err := s.repo.Get(ctx, input.EscrowID); err == nil {
			if existing.Status != StatusPending {
				return existing, nil
			}
			return s.apply(ctx, existing, event)
		}
	}
	now := time.Now().UTC()
	e := Escrow{
		ID:         input.EscrowID,
		MerchantID: input.MerchantID,
		Currency:   strings.ToUpper(strings.TrimSpace(input.Currency)),
		Amount:     input.Amount,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return Escrow{}, err
	}
	return s.apply(ctx, e, event)
}

// postings returns what event does to the merchant's account.
func postings(e Escrow, event Event) []ledger.Posting {
	account := e.Account()
	switch event {
	case EventFreeze:
		return []ledger.Posting{{Account: account, Type: ledger.TypeLock, Amount: e.Amount.Neg()}}
	case EventUnfreeze:
		return []ledger.Posting{{Account: account, Type: ledger.TypeUnlock, Amount: e.Amount}}
	case EventBurn:
		return []ledger.Posting{
			{Account: account, Type: ledger.TypeUnlock, Amount: e.Amount},
			{Account: account, Type: ledger.TypeBurn, Amount: e.Amount.Neg()},
		}
	case EventMint:
		return []ledger.Posting{{Account: account, Type: ledger.TypeMint, Amount: e.Amount}}
	}
	return nil
}

func action(event Event) (operation.EscrowAction, engine.ActionType) {
	switch event {
	case EventFreeze:
		return operation.EscrowFreeze, engine.ActionCreate
	case EventUnfreeze:
		return operation.EscrowUnfreeze, engine.ActionUnlock
	case EventBurn:
		return operation.EscrowBurn, engine.ActionComplete
	default:
		return operation.EscrowMint, engine.ActionCreate
	}
}

// apply runs the operation for event and records the new status. The batch
// key is derived from the escrow and event, so retrying an interrupted call
// replays the batch instead of moving funds twice.
func (s *Service) apply(ctx context.Context, e Escrow, event Event) (Escrow, error) {
	if _, err := machine.Next(e.Status, event); err != nil {
		s.metrics.Transition("merchant_escrow", string(event), "rejected")
		return e, err
	}
	escrowAction, engineAction := action(event)
	batch := ledger.Batch{
		Key:      fmt.Sprintf("escrow:%s:%s", e.ID, event),
		Postings: postings(e, event),
	}
	op, opErr := s.ops.Perform(ctx, e.MerchantID, operation.EscrowPayload{
		EscrowID: e.ID,
		Action:   escrowAction,
		Currency: e.Currency,
		Amount:   e.Amount,
	}, func(operation.Operation) []ledger.Batch { return []ledger.Batch{batch} })

	updated, err := s.mutate(ctx, e.ID, func(e *Escrow) error {
		if op.ID != "" {
			e.OperationIDs = append(e.OperationIDs, op.ID)
		}
		if opErr != nil {
			if machine.Can(e.Status, EventFail) {
				e.Status = StatusFailed
				e.StatusExplanation = opErr.Error()
			}
			return nil
		}
		next, err := machine.Next(e.Status, event)
		if err != nil {
			return err
		}
		e.Status = next
		return nil
	})
	if opErr != nil {
		s.metrics.Transition("merchant_escrow", string(event), "failed")
		s.logger.Warn("escrow movement failed", "escrow_id", e.ID, "event", event, "error", opErr)
		return updated, fmt.Errorf("escrow %s %s: %w", e.ID, event, opErr)
	}
	if err != nil {
		return updated, err
	}
	s.metrics.Transition("merchant_escrow", string(event), "applied")
	s.logger.Info("escrow moved", "escrow_id", e.ID, "event", event, "operation_id", op.ID,
		"amount", e.Amount.String(), "currency", e.Currency)
	engine.EmitBestEffort(ctx, s.emitter, s.logger, engine.NewEvent(
		engine.OperationEscrow, engineAction, op.ID, updated.ID, string(updated.Status),
		map[string]any{
			"merchantId": updated.MerchantID,
			"currency":   updated.Currency,
			"amount":     updated.Amount.String(),
		}))
	return updated, nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Escrow) error) (Escrow, error) {
	var out Escrow
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		e, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		out = e
		if err := fn(&e); err != nil {
			return err
		}
		updated, err := s.repo.Update(ctx, e)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// RegisterCallbacks lets the engine settle escrows it holds.
func (s *Service) RegisterCallbacks(inbox *engine.Inbox) {
	inbox.Register(engine.OperationEscrow, engine.ActionUnlock, s.onEngineEvent(EventUnfreeze))
	inbox.Register(engine.OperationEscrow, engine.ActionComplete, s.onEngineEvent(EventBurn))
}

func (s *Service) onEngineEvent(event Event) engine.HandlerFunc {
	return func(ctx context.Context, ev engine.Event) error {
		e, err := s.repo.Get(ctx, ev.Identifier)
		if err != nil {
			return err
		}
		if !machine.Can(e.Status, event) {
			return nil
		}
		_, err = s.apply(ctx, e, event)
		return err
	}
}
