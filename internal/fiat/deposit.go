package fiat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/config"
	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/trade"
	"github.com/congo-pay/tradeledger/internal/validation"
)

const casAttempts = 5

// TradeAborter closes a fiat-token trade whose satellite failed.
type TradeAborter interface {
	AbortFiat(ctx context.Context, id string, actor trade.Actor) (trade.Trade, error)
}

// DepositService implements the fiat deposit lifecycle.
type DepositService struct {
	repo    DepositRepository
	ops     *operation.Service
	fees    FeeTable
	windows config.DepositWindows
	trades  TradeAborter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewDepositService wires a deposit service.
func NewDepositService(repo DepositRepository, ops *operation.Service, fees FeeTable, windows config.DepositWindows,
	m *metrics.Metrics, logger *slog.Logger) *DepositService {
	return &DepositService{
		repo:    repo,
		ops:     ops,
		fees:    fees,
		windows: windows,
		metrics: m,
		logger:  logging.OrDiscard(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// BindTrades lets cancelled deposits abort their trade.
func (s *DepositService) BindTrades(trades TradeAborter) { s.trades = trades }

// DepositInput requests a new deposit.
type DepositInput struct {
	OwnerID       string          `json:"owner_id" validate:"required"`
	Currency      string          `json:"currency" validate:"required,len=3"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
	BankReference string          `json:"bank_reference"`
	TradeID       string          `json:"trade_id"`
}

// Get loads a deposit.
func (s *DepositService) Get(ctx context.Context, id string) (Deposit, error) {
	return s.repo.Get(ctx, id)
}

// CreateDeposit records a deposit in awaiting with its fee fixed once.
func (s *DepositService) CreateDeposit(ctx context.Context, input DepositInput) (Deposit, error) {
	if err := validation.Struct(input); err != nil {
		return Deposit{}, err
	}
	currency := strings.ToUpper(input.Currency)
	fee := s.fees.For(currency, input.Amount)
	if !fee.LessThan(input.Amount) {
		return Deposit{}, validation.Field("amount", "must exceed the deposit fee "+fee.String())
	}

	now := s.now()
	d := Deposit{
		ID:              uuid.NewString(),
		OwnerID:         input.OwnerID,
		Currency:        currency,
		Amount:          input.Amount,
		Fee:             fee,
		AmountAfterFee:  input.Amount.Sub(fee),
		BankReference:   input.BankReference,
		TradeID:         input.TradeID,
		Status:          DepositAwaiting,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	op, err := s.ops.Start(ctx, d.OwnerID, operation.FiatDepositPayload{
		DepositID:      d.ID,
		Currency:       d.Currency,
		Amount:         d.Amount,
		Fee:            d.Fee,
		AmountAfterFee: d.AmountAfterFee,
	})
	if err != nil {
		return Deposit{}, err
	}
	d.OperationID = op.ID
	if err := s.repo.Create(ctx, d); err != nil {
		return Deposit{}, err
	}
	s.logger.Info("fiat deposit created", "deposit_id", d.ID, "owner_id", d.OwnerID,
		"amount", d.Amount.String(), "fee", d.Fee.String())
	return d, nil
}

// Submit marks that the user started the bank transfer.
func (s *DepositService) Submit(ctx context.Context, id string) (Deposit, error) {
	return s.fire(ctx, id, DepositSubmit, nil)
}

// MarkMoneySent records the user's claim that the money left their bank.
func (s *DepositService) MarkMoneySent(ctx context.Context, id string) (Deposit, error) {
	return s.fire(ctx, id, DepositMarkMoneySent, nil)
}

// MarkReady records that the money arrived on the platform account.
func (s *DepositService) MarkReady(ctx context.Context, id string) (Deposit, error) {
	return s.fire(ctx, id, DepositMarkReady, nil)
}

// StartOwnershipVerification asks the owner to prove the sending account is theirs.
func (s *DepositService) StartOwnershipVerification(ctx context.Context, id string) (Deposit, error) {
	return s.fire(ctx, id, DepositStartOwnershipVerification, nil)
}

// Verify accepts the ownership proof.
func (s *DepositService) Verify(ctx context.Context, id string) (Deposit, error) {
	return s.fire(ctx, id, DepositVerify, nil)
}

// LockUnverified holds a deposit whose ownership was never proven.
func (s *DepositService) LockUnverified(ctx context.Context, id string) (Deposit, error) {
	d, err := s.fire(ctx, id, DepositLockUnverified, nil)
	if err == nil {
		s.logger.Warn("fiat deposit locked for manual review", "deposit_id", d.ID, "owner_id", d.OwnerID)
	}
	return d, err
}

// LockForReview holds a suspicious deposit.
func (s *DepositService) LockForReview(ctx context.Context, id string) (Deposit, error) {
	return s.fire(ctx, id, DepositLockForReview, nil)
}

// Process credits the amount after fee to the owner. Calling it again on a
// processed deposit finishes an interrupted credit and never credits twice.
func (s *DepositService) Process(ctx context.Context, id string) (Deposit, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return Deposit{}, err
	}
	if d.Status != DepositProcessed {
		if d, err = s.fire(ctx, id, DepositProcess, func(d *Deposit, now time.Time) error {
			d.ProcessedAt = &now
			return nil
		}); err != nil {
			return d, err
		}
	}
	op, err := s.ops.Get(ctx, d.OperationID)
	if err != nil {
		return d, err
	}
	if op.Status == operation.StatusCompleted {
		return d, nil
	}
	credit := ledger.Batch{
		Key: operation.BatchKey(op, operation.EventComplete),
		Postings: []ledger.Posting{{
			Account: ledger.MainAccount(d.OwnerID, d.Currency),
			Type:    ledger.TypeDeposit,
			Amount:  d.AmountAfterFee,
		}},
	}
	if _, err := s.ops.Execute(ctx, op, credit); err != nil {
		return d, fmt.Errorf("credit fiat deposit %s: %w", d.ID, err)
	}
	return d, nil
}

// Cancel drops a deposit before the money arrived.
func (s *DepositService) Cancel(ctx context.Context, id string) (Deposit, error) {
	d, err := s.fire(ctx, id, DepositCancel, nil)
	if err != nil {
		return d, err
	}
	s.failOperation(ctx, d, "deposit cancelled")
	s.abortTrade(ctx, d)
	return d, nil
}

// StartRefund begins sending the money back.
func (s *DepositService) StartRefund(ctx context.Context, id string) (Deposit, error) {
	return s.fire(ctx, id, DepositStartRefund, nil)
}

// Refund records that the money was sent back.
func (s *DepositService) Refund(ctx context.Context, id string) (Deposit, error) {
	d, err := s.fire(ctx, id, DepositRefund, nil)
	if err == nil {
		s.failOperation(ctx, d, "deposit refunded")
	}
	return d, err
}

// MarkIllegal closes a deposit that breaks the rules.
func (s *DepositService) MarkIllegal(ctx context.Context, id string) (Deposit, error) {
	d, err := s.fire(ctx, id, DepositMarkIllegal, nil)
	if err == nil {
		s.failOperation(ctx, d, "deposit marked illegal")
	}
	return d, err
}

// SyncWithTradeStatus keeps a trade-bound deposit in step with its trade.
func (s *DepositService) SyncWithTradeStatus(ctx context.Context, id, tradeStatus string) error {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch trade.Status(tradeStatus) {
	case trade.StatusUnpaid:
		if depositMachine.Can(d.Status, DepositSubmit) {
			_, err = s.Submit(ctx, id)
		}
	case trade.StatusPaid:
		if depositMachine.Can(d.Status, DepositMarkMoneySent) {
			_, err = s.MarkMoneySent(ctx, id)
		}
	case trade.StatusCancelled, trade.StatusCancelledAutomatically, trade.StatusAborted,
		trade.StatusAbortedFiat, trade.StatusResolvedForBuyer:
		if depositMachine.Can(d.Status, DepositCancel) {
			_, err = s.Cancel(ctx, id)
		}
	}
	return err
}

// ProcessForTrade walks a trade-bound deposit to processed once the trade is released.
func (s *DepositService) ProcessForTrade(ctx context.Context, id string) error {
	for _, event := range []DepositEvent{DepositSubmit, DepositMarkMoneySent, DepositMarkReady} {
		d, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !depositMachine.Can(d.Status, event) {
			continue
		}
		if _, err := s.fire(ctx, id, event, nil); err != nil {
			return err
		}
	}
	_, err := s.Process(ctx, id)
	return err
}

// DepositSweepResult counts what one deposit sweep did.
type DepositSweepResult struct {
	Cancelled int
	Verifying int
	Locked    int
	Failed    int
}

// Total is the number of deposits the sweep changed.
func (r DepositSweepResult) Total() int { return r.Cancelled + r.Verifying + r.Locked }

// ExpireDue applies the deposit windows: stale pending deposits are
// cancelled, idle ready deposits go to ownership verification and
// unanswered verifications are locked for review.
func (s *DepositService) ExpireDue(ctx context.Context, now time.Time, limit int) (DepositSweepResult, error) {
	var res DepositSweepResult
	steps := []struct {
		status  DepositStatus
		window  time.Duration
		counter *int
		apply   func(context.Context, string) (Deposit, error)
	}{
		{DepositPending, s.windows.Pending, &res.Cancelled, s.Cancel},
		{DepositReady, s.windows.Verification, &res.Verifying, s.StartOwnershipVerification},
		{DepositOwnershipVerifying, s.windows.Ownership, &res.Locked, s.LockUnverified},
	}
	for _, step := range steps {
		if step.window <= 0 {
			continue
		}
		due, err := s.repo.ListDue(ctx, step.status, now.Add(-step.window), limit)
		if err != nil {
			return res, err
		}
		for _, d := range due {
			_, err := step.apply(ctx, d.ID)
			switch {
			case err == nil:
				*step.counter++
			case errors.Is(err, fsm.ErrInvalidTransition), errors.Is(err, persist.ErrNotFound):
			default:
				res.Failed++
				s.logger.Error("fiat deposit sweep failed", "deposit_id", d.ID, "status", d.Status, "error", err)
			}
		}
	}
	return res, nil
}

func (s *DepositService) fire(ctx context.Context, id string, event DepositEvent, mutate func(*Deposit, time.Time) error) (Deposit, error) {
	var out Deposit
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		d, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		out = d
		next, err := depositMachine.Next(d.Status, event)
		if err != nil {
			return err
		}
		now := s.now()
		d.Status = next
		d.StatusChangedAt = now
		if mutate != nil {
			if err := mutate(&d, now); err != nil {
				return err
			}
		}
		updated, err := s.repo.Update(ctx, d)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		s.metrics.Transition("fiat_deposit", string(event), "rejected")
		return out, err
	}
	s.metrics.Transition("fiat_deposit", string(event), "applied")
	s.logger.Info("fiat deposit transitioned", "deposit_id", id, "event", event, "to", out.Status)
	return out, nil
}

func (s *DepositService) failOperation(ctx context.Context, d Deposit, reason string) {
	op, err := s.ops.Get(ctx, d.OperationID)
	if err != nil {
		s.logger.Error("load deposit operation", "deposit_id", d.ID, "error", err)
		return
	}
	if !s.ops.May(op, operation.EventFail) {
		return
	}
	if _, err := s.ops.Fire(ctx, op.ID, operation.EventFail, reason); err != nil {
		s.logger.Error("fail deposit operation", "deposit_id", d.ID, "operation_id", op.ID, "error", err)
	}
}

func (s *DepositService) abortTrade(ctx context.Context, d Deposit) {
	if d.TradeID == "" || s.trades == nil {
		return
	}
	if _, err := s.trades.AbortFiat(ctx, d.TradeID, trade.System); err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
		s.logger.Error("abort trade after deposit cancel", "deposit_id", d.ID, "trade_id", d.TradeID, "error", err)
	}
}
