package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance occurs when a posting needs more than the
	// available (unfrozen) balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientFrozenBalance occurs when an unlock or settle needs more
	// than the frozen balance.
	ErrInsufficientFrozenBalance = errors.New("insufficient frozen balance")

	// ErrDuplicateTransaction indicates the batch key was already applied and
	// the call should be treated as an idempotent replay.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAccountNotFound is returned when a debit targets an account that was never provisioned.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount is returned for zero amounts or amounts whose sign does
	// not fit the transaction type.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAccount is returned for malformed account keys.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrInvalidBatch is returned for batches without a key or postings.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Ledger defines the contract implemented by ledger backends (in-memory, Postgres).
// Post is the only way balances change.
type Ledger interface {
	EnsureAccount(ctx context.Context, key AccountKey) (Account, error)
	Account(ctx context.Context, key AccountKey) (Account, error)
	Accounts(ctx context.Context, ownerID string) ([]Account, error)
	Post(ctx context.Context, batch Batch) ([]Entry, error)
	Entries(ctx context.Context, filter EntryFilter) (EntryPage, error)
}

func validateBatch(batch Batch) error {
	if batch.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidBatch)
	}
	if len(batch.Postings) == 0 {
		return fmt.Errorf("%w: no postings", ErrInvalidBatch)
	}
	if !batch.Operation.IsZero() && !batch.Operation.Kind.Valid() {
		return fmt.Errorf("%w: unknown operation kind %q", ErrInvalidBatch, batch.Operation.Kind)
	}
	for _, p := range batch.Postings {
		if err := p.Account.validate(); err != nil {
			return err
		}
		if _, _, err := effect(p); err != nil {
			return err
		}
	}
	return nil
}

// creates reports whether a posting may provision its account on first use.
// Only pure credits qualify; anything that needs existing funds must find the account.
func creates(p Posting) bool {
	switch p.Type {
	case TypeDeposit, TypeMint, TypeRefund:
		return true
	case TypeTransfer:
		return p.Amount.IsPositive()
	}
	return false
}

// effect returns the balance and frozen deltas of p.
func effect(p Posting) (dBalance, dFrozen decimal.Decimal, err error) {
	amt := p.Amount
	if amt.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: zero %s amount", ErrInvalidAmount, p.Type)
	}
	switch p.Type {
	case TypeDeposit, TypeMint, TypeRefund:
		if amt.IsNegative() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, p.Type)
		}
		return amt, decimal.Zero, nil
	case TypeWithdrawal, TypeBurn, TypeFee:
		if amt.IsPositive() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s must be negative", ErrInvalidAmount, p.Type)
		}
		return amt, decimal.Zero, nil
	case TypeTransfer:
		return amt, decimal.Zero, nil
	case TypeLock:
		if amt.IsPositive() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: lock must be negative", ErrInvalidAmount)
		}
		return decimal.Zero, amt.Neg(), nil
	case TypeUnlock:
		if amt.IsNegative() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: unlock must be positive", ErrInvalidAmount)
		}
		return decimal.Zero, amt.Neg(), nil
	case TypeSettle:
		if amt.IsPositive() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: settle must be negative", ErrInvalidAmount)
		}
		return amt, amt, nil
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidAmount, p.Type)
}

// apply validates p against acct and mutates acct in place. The returned
// entry carries the pre-mutation snapshot. acct is left untouched on error.
func apply(acct *Account, p Posting) (Entry, error) {
	dBalance, dFrozen, err := effect(p)
	if err != nil {
		return Entry{}, err
	}

	available := acct.Available()
	switch {
	case p.Type == TypeSettle:
		if acct.FrozenBalance.LessThan(p.Amount.Neg()) {
			return Entry{}, fmt.Errorf("%w: %s needs %s frozen, has %s",
				ErrInsufficientFrozenBalance, acct.Code(), p.Amount.Neg(), acct.FrozenBalance)
		}
	case dFrozen.IsNegative():
		if acct.FrozenBalance.LessThan(dFrozen.Neg()) {
			return Entry{}, fmt.Errorf("%w: %s needs %s frozen, has %s",
				ErrInsufficientFrozenBalance, acct.Code(), dFrozen.Neg(), acct.FrozenBalance)
		}
	case dFrozen.IsPositive():
		if available.LessThan(dFrozen) {
			return Entry{}, fmt.Errorf("%w: %s needs %s, available %s",
				ErrInsufficientBalance, acct.Code(), dFrozen, available)
		}
	case dBalance.IsNegative():
		if available.LessThan(dBalance.Neg()) {
			return Entry{}, fmt.Errorf("%w: %s needs %s, available %s",
				ErrInsufficientBalance, acct.Code(), dBalance.Neg(), available)
		}
	}

	newBalance := acct.Balance.Add(dBalance)
	newFrozen := acct.FrozenBalance.Add(dFrozen)
	if newFrozen.IsNegative() || newFrozen.GreaterThan(newBalance) {
		return Entry{}, fmt.Errorf("%w: %s would hold frozen %s of %s",
			ErrInsufficientBalance, acct.Code(), newFrozen, newBalance)
	}

	entry := Entry{
		AccountID:             acct.ID,
		OwnerID:               acct.OwnerID,
		Currency:              acct.Currency,
		Type:                  p.Type,
		Amount:                p.Amount,
		SnapshotBalance:       acct.Balance,
		SnapshotFrozenBalance: acct.FrozenBalance,
	}
	acct.Balance = newBalance
	acct.FrozenBalance = newFrozen
	return entry, nil
}
