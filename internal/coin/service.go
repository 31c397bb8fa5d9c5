package coin

import (
	"context"
	"errors"
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
	"github.com/congo-pay/tradeledger/internal/notification"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/validation"
)

const (
	casAttempts = 5

	// lockEvent names the batch that freezes a withdrawal's funds.
	lockEvent operation.Event = "lock"
)

// Service runs coin deposits, withdrawals and internal transfers. Every
// balance change is a batch posted by the owning operation.
type Service struct {
	repo     Repository
	ops      *operation.Service
	ledger   *ledger.Service
	emitter  engine.Emitter
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires a coin service. emitter and notifier may be nil.
func NewService(repo Repository, ops *operation.Service, l *ledger.Service, emitter engine.Emitter,
	notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		ops:      ops,
		ledger:   l,
		emitter:  emitter,
		notifier: notifier,
		metrics:  m,
		logger:   logging.OrDiscard(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DepositInput is an on-chain deposit seen by the chain watcher.
type DepositInput struct {
	OwnerID      string          `json:"owner_id" validate:"required"`
	Currency     string          `json:"currency" validate:"required"`
	NetworkLayer string          `json:"network_layer"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	TxHash       string          `json:"tx_hash" validate:"required"`
}

// GetDeposit loads a deposit.
func (s *Service) GetDeposit(ctx context.Context, id string) (Deposit, error) {
	return s.repo.GetDeposit(ctx, id)
}

// GetWithdrawal loads a withdrawal.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	return s.repo.GetWithdrawal(ctx, id)
}

// DetectDeposit records a pending deposit. A transaction hash already seen on
// the same currency and layer returns the existing deposit.
func (s *Service) DetectDeposit(ctx context.Context, input DepositInput) (Deposit, error) {
	if err := validation.Struct(input); err != nil {
		return Deposit{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	layer := strings.ToLower(strings.TrimSpace(input.NetworkLayer))
	existing, err := s.repo.DepositByTxHash(ctx, currency, layer, input.TxHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return Deposit{}, err
	}

	now := s.now()
	d := Deposit{
		ID:           uuid.NewString(),
		OwnerID:      input.OwnerID,
		Currency:     currency,
		NetworkLayer: layer,
		Amount:       input.Amount,
		TxHash:       input.TxHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	op, err := s.ops.Start(ctx, d.OwnerID, operation.CoinDepositPayload{
		Currency:     d.Currency,
		NetworkLayer: d.NetworkLayer,
		Amount:       d.Amount,
		TxHash:       d.TxHash,
	})
	if err != nil {
		return Deposit{}, err
	}
	d.OperationID = op.ID
	d.Status = op.Status
	if err := s.repo.CreateDeposit(ctx, d); err != nil {
		if errors.Is(err, persist.ErrDuplicate) {
			if _, failErr := s.ops.Fire(ctx, op.ID, operation.EventFail, "duplicate transaction hash"); failErr != nil {
				s.logger.Warn("fail duplicate deposit operation", "operation_id", op.ID, "error", failErr)
			}
			return s.repo.DepositByTxHash(ctx, currency, layer, input.TxHash)
		}
		return Deposit{}, err
	}
	s.logger.Info("coin deposit detected", "deposit_id", d.ID, "owner_id", d.OwnerID,
		"currency", d.Currency, "tx_hash", d.TxHash)
	return d, nil
}

// ConfirmDeposit credits the deposit. Confirming twice credits once.
func (s *Service) ConfirmDeposit(ctx context.Context, id string) (Deposit, error) {
	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return Deposit{}, err
	}
	op, err := s.ops.Get(ctx, d.OperationID)
	if err != nil {
		return Deposit{}, err
	}
	if op.Status != operation.StatusCompleted {
		credit := ledger.Batch{
			Key: operation.BatchKey(op, operation.EventComplete),
			Postings: []ledger.Posting{{
				Account: d.Account(),
				Type:    ledger.TypeDeposit,
				Amount:  d.Amount,
			}},
		}
		if op, err = s.ops.Execute(ctx, op, credit); err != nil {
			s.syncDeposit(ctx, d.ID, op.Status)
			return Deposit{}, fmt.Errorf("credit deposit %s: %w", d.ID, err)
		}
		s.notify(ctx, d.OwnerID, fmt.Sprintf("deposit of %s %s confirmed", d.Amount, d.Currency))
	}
	return s.syncDeposit(ctx, d.ID, op.Status)
}

// RejectDeposit fails a deposit that will never be credited.
func (s *Service) RejectDeposit(ctx context.Context, id, reason string) (Deposit, error) {
	d, err := s.repo.GetDeposit(ctx, id)
	if err != nil {
		return Deposit{}, err
	}
	op, err := s.ops.Fire(ctx, d.OperationID, operation.EventFail, reason)
	if err != nil {
		return Deposit{}, err
	}
	return s.syncDeposit(ctx, d.ID, op.Status)
}

func (s *Service) syncDeposit(ctx context.Context, id string, status operation.Status) (Deposit, error) {
	var out Deposit
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		d, err := s.repo.GetDeposit(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == status {
			out = d
			return nil
		}
		d.Status = status
		out, err = s.repo.UpdateDeposit(ctx, d)
		return err
	})
	return out, err
}

// WithdrawalInput requests an on-chain payout.
type WithdrawalInput struct {
	OwnerID      string          `json:"owner_id" validate:"required"`
	Currency     string          `json:"currency" validate:"required"`
	NetworkLayer string          `json:"network_layer"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	Fee          decimal.Decimal `json:"fee" validate:"gte=0"`
	Address      string          `json:"address" validate:"required"`
}

// RequestWithdrawal freezes amount plus fee and records a pending withdrawal.
// Nothing is recorded when the owner cannot cover it.
func (s *Service) RequestWithdrawal(ctx context.Context, input WithdrawalInput) (Withdrawal, error) {
	if err := validation.Struct(input); err != nil {
		return Withdrawal{}, err
	}
	now := s.now()
	w := Withdrawal{
		ID:           uuid.NewString(),
		OwnerID:      input.OwnerID,
		Currency:     strings.ToUpper(strings.TrimSpace(input.Currency)),
		NetworkLayer: strings.ToLower(strings.TrimSpace(input.NetworkLayer)),
		Amount:       input.Amount,
		Fee:          input.Fee,
		Address:      input.Address,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	op, err := s.ops.Start(ctx, w.OwnerID, operation.CoinWithdrawalPayload{
		Currency:     w.Currency,
		NetworkLayer: w.NetworkLayer,
		Amount:       w.Amount,
		Fee:          w.Fee,
		Address:      w.Address,
	})
	if err != nil {
		return Withdrawal{}, err
	}
	if _, err := s.ledger.LockAmount(ctx, operation.BatchKey(op, lockEvent), op.Ref(), w.Account(), w.Total()); err != nil {
		if _, failErr := s.ops.Fire(ctx, op.ID, operation.EventFail, err.Error()); failErr != nil {
			s.logger.Error("fail withdrawal operation", "operation_id", op.ID, "error", failErr)
		}
		return Withdrawal{}, fmt.Errorf("freeze withdrawal funds: %w", err)
	}
	w.OperationID = op.ID
	w.Status = op.Status
	if err := s.repo.CreateWithdrawal(ctx, w); err != nil {
		return Withdrawal{}, err
	}
	s.logger.Info("coin withdrawal requested", "withdrawal_id", w.ID, "owner_id", w.OwnerID,
		"amount", w.Amount.String(), "fee", w.Fee.String())
	return w, nil
}

// SubmitWithdrawal hands the withdrawal to the engine for broadcasting.
func (s *Service) SubmitWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	w, err := s.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	op, err := s.ops.Fire(ctx, w.OperationID, operation.EventProcess, "")
	if err != nil {
		return Withdrawal{}, err
	}
	w, err = s.syncWithdrawal(ctx, id, op.Status, "")
	if err != nil {
		return Withdrawal{}, err
	}
	engine.EmitBestEffort(ctx, s.emitter, s.logger, engine.NewEvent(engine.OperationWithdrawal, engine.ActionCreate,
		op.ID, w.ID, string(w.Status), map[string]any{
			"ownerId":      w.OwnerID,
			"currency":     w.Currency,
			"networkLayer": w.NetworkLayer,
			"address":      w.Address,
			"amount":       w.Amount.String(),
			"fee":          w.Fee.String(),
		}))
	return w, nil
}

// CompleteWithdrawal settles the frozen funds once the engine reports the
// broadcast transaction. A completion replayed after the fact is ignored.
func (s *Service) CompleteWithdrawal(ctx context.Context, id, txHash string) (Withdrawal, error) {
	w, err := s.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	op, err := s.ops.Get(ctx, w.OperationID)
	if err != nil {
		return Withdrawal{}, err
	}
	if !s.ops.May(op, operation.EventComplete) {
		s.logger.Info("withdrawal completion ignored", "withdrawal_id", id, "operation_status", op.Status)
		return s.syncWithdrawal(ctx, id, op.Status, "")
	}
	settle := ledger.Batch{
		Key: operation.BatchKey(op, operation.EventComplete),
		Postings: []ledger.Posting{{
			Account: w.Account(),
			Type:    ledger.TypeSettle,
			Amount:  w.Total().Neg(),
		}},
	}
	if op, err = s.ops.Fire(ctx, op.ID, operation.EventComplete, "", settle); err != nil {
		return Withdrawal{}, fmt.Errorf("settle withdrawal %s: %w", id, err)
	}
	w, err = s.syncWithdrawal(ctx, id, op.Status, txHash)
	if err != nil {
		return Withdrawal{}, err
	}
	s.notify(ctx, w.OwnerID, fmt.Sprintf("withdrawal of %s %s sent in %s", w.Amount, w.Currency, txHash))
	return w, nil
}

// FailWithdrawal releases the frozen funds after the engine rejected the
// withdrawal. A withdrawal that already finished is left alone.
func (s *Service) FailWithdrawal(ctx context.Context, id, reason string) (Withdrawal, error) {
	return s.release(ctx, id, reason)
}

// CancelWithdrawal lets the owner withdraw a request the engine has not picked up.
func (s *Service) CancelWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	w, err := s.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	op, err := s.ops.Get(ctx, w.OperationID)
	if err != nil {
		return Withdrawal{}, err
	}
	if op.Status != operation.StatusPending {
		return Withdrawal{}, fmt.Errorf("withdrawal %s is %s: %w", id, op.Status, errNotCancellable)
	}
	return s.release(ctx, id, "cancelled by owner")
}

var errNotCancellable = errors.New("withdrawal already submitted")

func (s *Service) release(ctx context.Context, id, reason string) (Withdrawal, error) {
	w, err := s.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	op, err := s.ops.Get(ctx, w.OperationID)
	if err != nil {
		return Withdrawal{}, err
	}
	if !s.ops.May(op, operation.EventCancel) {
		s.logger.Info("withdrawal release ignored", "withdrawal_id", id, "operation_status", op.Status)
		return s.syncWithdrawal(ctx, id, op.Status, "")
	}
	unlock := ledger.Batch{
		Key: operation.BatchKey(op, operation.EventCancel),
		Postings: []ledger.Posting{{
			Account: w.Account(),
			Type:    ledger.TypeUnlock,
			Amount:  w.Total(),
		}},
	}
	if op, err = s.ops.Fire(ctx, op.ID, operation.EventCancel, reason, unlock); err != nil {
		return Withdrawal{}, fmt.Errorf("release withdrawal %s: %w", id, err)
	}
	return s.syncWithdrawal(ctx, id, op.Status, "")
}

func (s *Service) syncWithdrawal(ctx context.Context, id string, status operation.Status, txHash string) (Withdrawal, error) {
	var out Withdrawal
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		w, err := s.repo.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status == status && (txHash == "" || w.TxHash == txHash) {
			out = w
			return nil
		}
		w.Status = status
		if txHash != "" {
			w.TxHash = txHash
		}
		out, err = s.repo.UpdateWithdrawal(ctx, w)
		return err
	})
	return out, err
}

// TransferInput moves coins between two owners.
type TransferInput struct {
	FromOwnerID  string          `json:"from_owner_id" validate:"required"`
	ToOwnerID    string          `json:"to_owner_id" validate:"required,nefield=FromOwnerID"`
	Currency     string          `json:"currency" validate:"required"`
	NetworkLayer string          `json:"network_layer"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
}

// Transfer moves amount from one owner to another in a single batch.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (operation.Operation, error) {
	if err := validation.Struct(input); err != nil {
		return operation.Operation{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	layer := strings.ToLower(strings.TrimSpace(input.NetworkLayer))
	from := ledger.AccountKey{OwnerID: input.FromOwnerID, Currency: currency, NetworkLayer: layer}.Normalize()
	to := ledger.AccountKey{OwnerID: input.ToOwnerID, Currency: currency, NetworkLayer: layer}.Normalize()

	op, err := s.ops.Perform(ctx, input.FromOwnerID, operation.TransferPayload{
		FromOwnerID: input.FromOwnerID,
		ToOwnerID:   input.ToOwnerID,
		Currency:    currency,
		Amount:      input.Amount,
	}, func(op operation.Operation) []ledger.Batch {
		return []ledger.Batch{{
			Key: operation.BatchKey(op, operation.EventComplete),
			Postings: []ledger.Posting{
				{Account: from, Type: ledger.TypeTransfer, Amount: input.Amount.Neg()},
				{Account: to, Type: ledger.TypeTransfer, Amount: input.Amount},
			},
		}}
	})
	if err != nil {
		return op, fmt.Errorf("transfer: %w", err)
	}
	s.logger.Info("transfer completed", "operation_id", op.ID, "from", input.FromOwnerID,
		"to", input.ToOwnerID, "currency", currency, "amount", input.Amount.String())
	s.notify(ctx, input.ToOwnerID, fmt.Sprintf("received %s %s from %s", input.Amount, currency, input.FromOwnerID))
	return op, nil
}

// OpenAccount creates the owner's account for a currency and layer and asks
// the engine to provision its deposit address.
func (s *Service) OpenAccount(ctx context.Context, ownerID, currency, networkLayer string) (ledger.Account, error) {
	if strings.TrimSpace(ownerID) == "" {
		return ledger.Account{}, validation.Field("owner_id", "is required")
	}
	key := ledger.AccountKey{OwnerID: ownerID, Currency: currency, NetworkLayer: networkLayer}.Normalize()
	acct, err := s.ledger.Ledger().EnsureAccount(ctx, key)
	if err != nil {
		return ledger.Account{}, err
	}
	engine.EmitBestEffort(ctx, s.emitter, s.logger, engine.NewEvent(engine.OperationCoinAccount, engine.ActionCreate,
		"", acct.ID, "pending", map[string]any{
			"ownerId":      acct.OwnerID,
			"currency":     acct.Currency,
			"networkLayer": acct.NetworkLayer,
		}))
	return acct, nil
}

// RegisterCallbacks routes engine results for coin withdrawals.
func (s *Service) RegisterCallbacks(inbox *engine.Inbox) {
	inbox.Register(engine.OperationWithdrawal, engine.ActionComplete, s.onCompleted)
	inbox.Register(engine.OperationWithdrawal, engine.ActionCancel, s.onCancelled)
}

func (s *Service) onCompleted(ctx context.Context, ev engine.Event) error {
	if isFailure(ev.Status) {
		_, err := s.FailWithdrawal(ctx, ev.Identifier, "engine reported "+ev.Status)
		return err
	}
	txHash, _ := ev.Data["txHash"].(string)
	if txHash == "" {
		return fmt.Errorf("withdrawal %s completion without txHash", ev.Identifier)
	}
	_, err := s.CompleteWithdrawal(ctx, ev.Identifier, txHash)
	return err
}

func (s *Service) onCancelled(ctx context.Context, ev engine.Event) error {
	reason, _ := ev.Data["reason"].(string)
	if reason == "" {
		reason = "cancelled by engine"
	}
	_, err := s.FailWithdrawal(ctx, ev.Identifier, reason)
	return err
}

func (s *Service) notify(ctx context.Context, ownerID, body string) {
	if s.notifier == nil {
		return
	}
	msg := notification.Message{Kind: notification.KindBalanceUpdate, Destination: ownerID, Body: body}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("balance notification failed", "owner_id", ownerID, "error", err)
	}
}

func isFailure(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "failure", "rejected", "error":
		return true
	}
	return false
}
