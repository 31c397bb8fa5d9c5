package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
)

// Broadcaster pushes a fresh balance view to the account owner.
type Broadcaster interface {
	BroadcastBalance(ctx context.Context, account Account) error
}

// Service is the audited entry point for balance mutation. Domain packages
// go through it instead of calling Ledger.Post directly so that metrics and
// balance broadcasts happen uniformly.
type Service struct {
	ledger      Ledger
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewService wires a ledger service. broadcaster and m may be nil.
func NewService(l Ledger, broadcaster Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{ledger: l, broadcaster: broadcaster, metrics: m, logger: logging.OrDiscard(logger)}
}

// Ledger exposes the underlying store for read paths.
func (s *Service) Ledger() Ledger { return s.ledger }

// Post applies batch. A replay of an already applied key is not an error: the
// original entries are returned.
func (s *Service) Post(ctx context.Context, batch Batch) ([]Entry, error) {
	entries, err := s.ledger.Post(ctx, batch)
	if errors.Is(err, ErrDuplicateTransaction) {
		s.logger.Debug("ledger batch replayed", "key", batch.Key)
		return entries, nil
	}
	if err != nil {
		for _, p := range batch.Postings {
			s.metrics.Posting(string(p.Type), "rejected")
		}
		s.logger.Warn("ledger batch rejected", "key", batch.Key,
			"operation_kind", batch.Operation.Kind, "operation_id", batch.Operation.ID, "err", err)
		return nil, err
	}

	touched := make(map[string]AccountKey)
	for _, p := range batch.Postings {
		s.metrics.Posting(string(p.Type), "applied")
		touched[p.Account.Code()] = p.Account
	}
	for _, key := range touched {
		s.broadcast(ctx, key)
	}
	return entries, nil
}

func (s *Service) broadcast(ctx context.Context, key AccountKey) {
	if s.broadcaster == nil {
		return
	}
	acct, err := s.ledger.Account(ctx, key)
	if err != nil {
		s.logger.Warn("balance broadcast skipped", "account", key.Code(), "err", err)
		return
	}
	if err := s.broadcaster.BroadcastBalance(ctx, acct); err != nil {
		s.logger.Warn("balance broadcast failed", "account", key.Code(), "err", err)
	}
}

// LockAmount freezes amount on the account. Non-positive amounts are a no-op.
func (s *Service) LockAmount(ctx context.Context, key string, op OperationRef, account AccountKey, amount decimal.Decimal) ([]Entry, error) {
	if !amount.IsPositive() {
		return nil, nil
	}
	return s.Post(ctx, Batch{Key: key, Operation: op, Postings: []Posting{
		{Account: account, Type: TypeLock, Amount: amount.Neg()},
	}})
}

// UnlockAmount releases amount of frozen funds. Non-positive amounts are a no-op.
func (s *Service) UnlockAmount(ctx context.Context, key string, op OperationRef, account AccountKey, amount decimal.Decimal) ([]Entry, error) {
	if !amount.IsPositive() {
		return nil, nil
	}
	return s.Post(ctx, Batch{Key: key, Operation: op, Postings: []Posting{
		{Account: account, Type: TypeUnlock, Amount: amount},
	}})
}

// Credit adds amount to the account balance using a positive transaction type
// (deposit, mint, refund).
func (s *Service) Credit(ctx context.Context, key string, op OperationRef, account AccountKey, txType TransactionType, amount decimal.Decimal) ([]Entry, error) {
	return s.Post(ctx, Batch{Key: key, Operation: op, Postings: []Posting{
		{Account: account, Type: txType, Amount: amount.Abs()},
	}})
}

// Debit removes amount from the available balance (withdrawal, burn, fee).
func (s *Service) Debit(ctx context.Context, key string, op OperationRef, account AccountKey, txType TransactionType, amount decimal.Decimal) ([]Entry, error) {
	return s.Post(ctx, Batch{Key: key, Operation: op, Postings: []Posting{
		{Account: account, Type: txType, Amount: amount.Abs().Neg()},
	}})
}

// Settle spends amount out of the frozen balance.
func (s *Service) Settle(ctx context.Context, key string, op OperationRef, account AccountKey, amount decimal.Decimal) ([]Entry, error) {
	return s.Post(ctx, Batch{Key: key, Operation: op, Postings: []Posting{
		{Account: account, Type: TypeSettle, Amount: amount.Abs().Neg()},
	}})
}

// Available returns the spendable balance. A missing account has none.
func (s *Service) Available(ctx context.Context, account AccountKey) (decimal.Decimal, error) {
	acct, err := s.ledger.Account(ctx, account)
	if errors.Is(err, ErrAccountNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Available(), nil
}
