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

	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/trade"
	"github.com/congo-pay/tradeledger/internal/validation"
)

// ErrRetriesExhausted is returned when a rejected withdrawal has no bank attempts left.
var ErrRetriesExhausted = errors.New("withdrawal bank retries exhausted")

// lockEvent names the batch that freezes a withdrawal's funds.
const lockEvent operation.Event = "lock"

// WithdrawalService implements the fiat withdrawal lifecycle.
type WithdrawalService struct {
	repo       WithdrawalRepository
	ops        *operation.Service
	ledger     *ledger.Service
	bank       BankGateway
	fees       FeeTable
	maxRetries int
	trades     TradeAborter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewWithdrawalService wires a withdrawal service. A nil bank accepts every payout.
func NewWithdrawalService(repo WithdrawalRepository, ops *operation.Service, l *ledger.Service, bank BankGateway,
	fees FeeTable, maxRetries int, m *metrics.Metrics, logger *slog.Logger) *WithdrawalService {
	if bank == nil {
		bank = StaticBank{}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &WithdrawalService{
		repo:       repo,
		ops:        ops,
		ledger:     l,
		bank:       bank,
		fees:       fees,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logging.OrDiscard(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// BindTrades lets cancelled withdrawals abort their trade.
func (s *WithdrawalService) BindTrades(trades TradeAborter) { s.trades = trades }

// WithdrawalInput requests a payout to a bank account.
type WithdrawalInput struct {
	OwnerID  string          `json:"owner_id" validate:"required"`
	Currency string          `json:"currency" validate:"required,len=3"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
	Bank     BankDetails     `json:"bank"`
	TradeID  string          `json:"trade_id"`
}

// Get loads a withdrawal.
func (s *WithdrawalService) Get(ctx context.Context, id string) (Withdrawal, error) {
	return s.repo.Get(ctx, id)
}

// CreateWithdrawal freezes amount plus fee and records a pending withdrawal.
// Nothing is recorded when the owner cannot cover it.
func (s *WithdrawalService) CreateWithdrawal(ctx context.Context, input WithdrawalInput) (Withdrawal, error) {
	if err := validation.Struct(input); err != nil {
		return Withdrawal{}, err
	}
	now := s.now()
	w := Withdrawal{
		ID:              uuid.NewString(),
		OwnerID:         input.OwnerID,
		Currency:        strings.ToUpper(input.Currency),
		Amount:          input.Amount,
		Bank:            input.Bank,
		TradeID:         input.TradeID,
		Status:          WithdrawalPending,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	w.Fee = s.fees.For(w.Currency, w.Amount)

	op, err := s.ops.Start(ctx, w.OwnerID, operation.FiatWithdrawalPayload{
		WithdrawalID: w.ID,
		Currency:     w.Currency,
		Amount:       w.Amount,
		Fee:          w.Fee,
	})
	if err != nil {
		return Withdrawal{}, err
	}
	account := ledger.MainAccount(w.OwnerID, w.Currency)
	if _, err := s.ledger.LockAmount(ctx, operation.BatchKey(op, lockEvent), op.Ref(), account, w.Total()); err != nil {
		if _, failErr := s.ops.Fire(ctx, op.ID, operation.EventFail, err.Error()); failErr != nil {
			s.logger.Error("fail withdrawal operation", "operation_id", op.ID, "error", failErr)
		}
		return Withdrawal{}, fmt.Errorf("freeze withdrawal funds: %w", err)
	}
	w.OperationID = op.ID
	if err := s.repo.Create(ctx, w); err != nil {
		return Withdrawal{}, err
	}
	s.logger.Info("fiat withdrawal created", "withdrawal_id", w.ID, "owner_id", w.OwnerID,
		"amount", w.Amount.String(), "fee", w.Fee.String())
	return w, nil
}

// StartProcessing picks the withdrawal up for payout.
func (s *WithdrawalService) StartProcessing(ctx context.Context, id string) (Withdrawal, error) {
	return s.fire(ctx, id, WithdrawalStartProcessing, nil)
}

// SubmitToBank sends the payout to the bank. A refused payout moves the
// withdrawal to bank_rejected.
func (s *WithdrawalService) SubmitToBank(ctx context.Context, id string) (Withdrawal, error) {
	w, err := s.fire(ctx, id, WithdrawalSubmit, func(w *Withdrawal, _ time.Time) error {
		if w.Attempts >= s.maxRetries {
			return fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, w.Attempts)
		}
		w.Attempts++
		w.LastError = ""
		return nil
	})
	if err != nil {
		return w, err
	}

	decision, err := s.bank.Payout(ctx, PayoutRequest{
		WithdrawalID: w.ID,
		Currency:     w.Currency,
		Amount:       w.Amount,
		Bank:         w.Bank,
		Attempt:      w.Attempts,
	})
	switch {
	case err != nil:
		return s.Reject(ctx, id, err.Error())
	case !decision.Accepted:
		return s.Reject(ctx, id, decision.Reason)
	}
	return s.mutate(ctx, id, func(w *Withdrawal) error {
		w.BankReference = decision.Reference
		return nil
	})
}

// Retry resubmits a rejected withdrawal while attempts remain.
func (s *WithdrawalService) Retry(ctx context.Context, id string) (Withdrawal, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Status != WithdrawalBankRejected {
		return w, &fsm.TransitionError{Entity: "fiat_withdrawal", From: string(w.Status), Event: "retry"}
	}
	return s.SubmitToBank(ctx, id)
}

// MarkBankSent records that the bank dispatched the payout.
func (s *WithdrawalService) MarkBankSent(ctx context.Context, id string) (Withdrawal, error) {
	return s.fire(ctx, id, WithdrawalMarkBankSent, nil)
}

// Complete spends the frozen funds. Calling it again on a processed
// withdrawal finishes an interrupted settlement and never settles twice.
func (s *WithdrawalService) Complete(ctx context.Context, id string) (Withdrawal, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Status != WithdrawalProcessed {
		if w, err = s.fire(ctx, id, WithdrawalComplete, func(w *Withdrawal, now time.Time) error {
			w.ProcessedAt = &now
			return nil
		}); err != nil {
			return w, err
		}
	}
	op, err := s.ops.Get(ctx, w.OperationID)
	if err != nil {
		return w, err
	}
	if op.Status == operation.StatusCompleted {
		return w, nil
	}
	settle := ledger.Batch{
		Key: operation.BatchKey(op, operation.EventComplete),
		Postings: []ledger.Posting{{
			Account: ledger.MainAccount(w.OwnerID, w.Currency),
			Type:    ledger.TypeSettle,
			Amount:  w.Total().Neg(),
		}},
	}
	if _, err := s.ops.Execute(ctx, op, settle); err != nil {
		return w, fmt.Errorf("settle fiat withdrawal %s: %w", w.ID, err)
	}
	return w, nil
}

// Reject records a bank refusal. Once the retries are used up the
// withdrawal is cancelled and its funds unfrozen.
func (s *WithdrawalService) Reject(ctx context.Context, id, reason string) (Withdrawal, error) {
	w, err := s.fire(ctx, id, WithdrawalReject, func(w *Withdrawal, _ time.Time) error {
		w.LastError = reason
		return nil
	})
	if err != nil {
		return w, err
	}
	s.logger.Warn("fiat withdrawal rejected by bank", "withdrawal_id", w.ID, "attempts", w.Attempts, "reason", reason)
	if w.Attempts < s.maxRetries {
		return w, nil
	}
	return s.Cancel(ctx, id, fmt.Sprintf("bank rejected %d times: %s", w.Attempts, reason))
}

// Cancel unfreezes the funds of a withdrawal that will not be paid out.
// Calling it again on a cancelled withdrawal finishes an interrupted unfreeze
// and never unfreezes twice.
func (s *WithdrawalService) Cancel(ctx context.Context, id, reason string) (Withdrawal, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	applied := false
	if w.Status != WithdrawalCancelled {
		if w, err = s.fire(ctx, id, WithdrawalCancel, func(w *Withdrawal, _ time.Time) error {
			if reason != "" {
				w.LastError = reason
			}
			return nil
		}); err != nil {
			return w, err
		}
		applied = true
	}
	op, err := s.ops.Get(ctx, w.OperationID)
	if err != nil {
		return w, err
	}
	if s.ops.May(op, operation.EventCancel) {
		unlock := ledger.Batch{
			Key: operation.BatchKey(op, operation.EventCancel),
			Postings: []ledger.Posting{{
				Account: ledger.MainAccount(w.OwnerID, w.Currency),
				Type:    ledger.TypeUnlock,
				Amount:  w.Total(),
			}},
		}
		if _, err := s.ops.Fire(ctx, op.ID, operation.EventCancel, reason, unlock); err != nil {
			return w, fmt.Errorf("unfreeze fiat withdrawal %s: %w", w.ID, err)
		}
	}
	if applied {
		s.abortTrade(ctx, w)
	}
	return w, nil
}

// SyncWithTradeStatus cancels a trade-bound withdrawal when its trade closes
// without release.
func (s *WithdrawalService) SyncWithTradeStatus(ctx context.Context, id, tradeStatus string) error {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch trade.Status(tradeStatus) {
	case trade.StatusCancelled, trade.StatusCancelledAutomatically, trade.StatusAborted,
		trade.StatusAbortedFiat, trade.StatusResolvedForBuyer:
		if withdrawalMachine.Can(w.Status, WithdrawalCancel) {
			_, err = s.Cancel(ctx, id, "trade "+tradeStatus)
		}
	}
	return err
}

// ProcessForTrade pays a trade-bound withdrawal out once the trade is released.
func (s *WithdrawalService) ProcessForTrade(ctx context.Context, id string) error {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if withdrawalMachine.Can(w.Status, WithdrawalStartProcessing) {
		if _, err := s.StartProcessing(ctx, id); err != nil {
			return err
		}
	}
	_, err = s.SubmitToBank(ctx, id)
	return err
}

func (s *WithdrawalService) fire(ctx context.Context, id string, event WithdrawalEvent, mutate func(*Withdrawal, time.Time) error) (Withdrawal, error) {
	var out Withdrawal
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		w, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		out = w
		next, err := withdrawalMachine.Next(w.Status, event)
		if err != nil {
			return err
		}
		now := s.now()
		w.Status = next
		w.StatusChangedAt = now
		if mutate != nil {
			if err := mutate(&w, now); err != nil {
				return err
			}
		}
		updated, err := s.repo.Update(ctx, w)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		s.metrics.Transition("fiat_withdrawal", string(event), "rejected")
		return out, err
	}
	s.metrics.Transition("fiat_withdrawal", string(event), "applied")
	s.logger.Info("fiat withdrawal transitioned", "withdrawal_id", id, "event", event, "to", out.Status)
	return out, nil
}

func (s *WithdrawalService) mutate(ctx context.Context, id string, fn func(*Withdrawal) error) (Withdrawal, error) {
	var out Withdrawal
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		w, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		out = w
		if err := fn(&w); err != nil {
			return err
		}
		updated, err := s.repo.Update(ctx, w)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

func (s *WithdrawalService) abortTrade(ctx context.Context, w Withdrawal) {
	if w.TradeID == "" || s.trades == nil {
		return
	}
	if _, err := s.trades.AbortFiat(ctx, w.TradeID, trade.System); err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
		s.logger.Error("abort trade after withdrawal cancel", "withdrawal_id", w.ID, "trade_id", w.TradeID, "error", err)
	}
}
