package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind separates a user's trading balance from custodial deposit balances.
type AccountKind string

const (
	KindMain    AccountKind = "main"
	KindDeposit AccountKind = "deposit"
)

// AccountKey identifies an account: (owner, currency[, network layer, kind]).
type AccountKey struct {
	OwnerID      string
	Currency     string
	NetworkLayer string
	Kind         AccountKind
}

// MainAccount returns the key of an owner's main account for currency.
func MainAccount(ownerID, currency string) AccountKey {
	return AccountKey{OwnerID: ownerID, Currency: currency, Kind: KindMain}.Normalize()
}

// Normalize upper-cases the currency and applies the default kind.
func (k AccountKey) Normalize() AccountKey {
	k.OwnerID = strings.TrimSpace(k.OwnerID)
	k.Currency = strings.ToUpper(strings.TrimSpace(k.Currency))
	k.NetworkLayer = strings.ToLower(strings.TrimSpace(k.NetworkLayer))
	if k.Kind == "" {
		k.Kind = KindMain
	}
	return k
}

// Code is the stable textual identity of the account.
func (k AccountKey) Code() string {
	k = k.Normalize()
	return fmt.Sprintf("%s:%s:%s:%s", k.OwnerID, k.Currency, k.NetworkLayer, k.Kind)
}

func (k AccountKey) validate() error {
	k = k.Normalize()
	if k.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidAccount)
	}
	if k.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidAccount)
	}
	if k.Kind != KindMain && k.Kind != KindDeposit {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAccount, k.Kind)
	}
	return nil
}

// Account holds the balance and the frozen part of it for one key.
// Invariant: 0 <= FrozenBalance <= Balance.
type Account struct {
	ID string
	AccountKey
	Balance       decimal.Decimal
	FrozenBalance decimal.Decimal
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available is the spendable part of the balance.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.FrozenBalance)
}

// TransactionType classifies a ledger entry and determines its effect.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeLock       TransactionType = "lock"
	TypeUnlock     TransactionType = "unlock"
	TypeMint       TransactionType = "mint"
	TypeBurn       TransactionType = "burn"
	TypeTransfer   TransactionType = "transfer"
	TypeRefund     TransactionType = "refund"
	TypeFee        TransactionType = "fee"
	// TypeSettle spends funds that were previously frozen.
	TypeSettle TransactionType = "settle"
)

// OperationKind is the discriminant of the closed set of operations that may
// own ledger entries.
type OperationKind string

const (
	OpCoinDeposit      OperationKind = "coin_deposit"
	OpCoinWithdrawal   OperationKind = "coin_withdrawal"
	OpInternalTransfer OperationKind = "internal_transfer"
	OpBalanceLock      OperationKind = "balance_lock"
	OpMerchantEscrow   OperationKind = "merchant_escrow"
	OpFiatDeposit      OperationKind = "fiat_deposit"
	OpFiatWithdrawal   OperationKind = "fiat_withdrawal"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCoinDeposit, OpCoinWithdrawal, OpInternalTransfer, OpBalanceLock,
		OpMerchantEscrow, OpFiatDeposit, OpFiatWithdrawal:
		return true
	}
	return false
}

// OperationRef is the back-reference from an entry to the operation that caused it.
type OperationRef struct {
	Kind OperationKind
	ID   string
}

// IsZero reports whether no operation is referenced.
func (r OperationRef) IsZero() bool { return r.Kind == "" && r.ID == "" }

// Entry is an immutable ledger record. The snapshots hold the account state
// immediately before the entry was applied.
type Entry struct {
	ID                    string
	BatchKey              string
	AccountID             string
	OwnerID               string
	Currency              string
	Type                  TransactionType
	Amount                decimal.Decimal
	Operation             OperationRef
	SnapshotBalance       decimal.Decimal
	SnapshotFrozenBalance decimal.Decimal
	CreatedAt             time.Time
}

// Posting is one requested mutation. Amount is signed: negative amounts reduce
// the available balance (withdrawal, burn, fee, lock, settle), positive amounts
// increase it (deposit, mint, refund, unlock). Transfers may take either sign.
type Posting struct {
	Account AccountKey
	Type    TransactionType
	Amount  decimal.Decimal
}

// Batch is applied atomically: either every posting lands or none does.
// Key makes the batch idempotent.
type Batch struct {
	Key       string
	Operation OperationRef
	Postings  []Posting
}

// EntryFilter narrows ledger history queries.
type EntryFilter struct {
	OwnerID   string
	Currency  string
	Type      TransactionType
	Operation OperationRef
	Page      int
	PerPage   int
}

const (
	defaultPerPage = 50
	maxPerPage     = 500
)

func (f EntryFilter) normalize() EntryFilter {
	f.Currency = strings.ToUpper(strings.TrimSpace(f.Currency))
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
	return f
}

func (f EntryFilter) matches(e Entry) bool {
	if f.OwnerID != "" && e.OwnerID != f.OwnerID {
		return false
	}
	if f.Currency != "" && e.Currency != f.Currency {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Operation.Kind != "" && e.Operation.Kind != f.Operation.Kind {
		return false
	}
	if f.Operation.ID != "" && e.Operation.ID != f.Operation.ID {
		return false
	}
	return true
}

// EntryPage is one page of ledger history, newest first.
type EntryPage struct {
	Entries []Entry
	Page    int
	PerPage int
	Total   int
}
