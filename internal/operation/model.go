// Package operation models the closed set of operations that own ledger
// entries. Each kind carries its own payload and status machine, and applies
// its ledger batches as a side effect of its own transitions.
package operation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/ledger"
)

// Status is the lifecycle state shared by every operation kind.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Event drives an operation between statuses.
type Event string

const (
	EventProcess  Event = "process"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
)

// Payload is the kind-specific part of an operation. The set of
// implementations is closed; see the payload types below.
type Payload interface {
	Kind() ledger.OperationKind
	isPayload()
}

// CoinDepositPayload credits an on-chain deposit.
type CoinDepositPayload struct {
	Currency     string          `json:"currency"`
	NetworkLayer string          `json:"network_layer,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	TxHash       string          `json:"tx_hash"`
}

// CoinWithdrawalPayload freezes, then settles or releases, an on-chain withdrawal.
type CoinWithdrawalPayload struct {
	Currency     string          `json:"currency"`
	NetworkLayer string          `json:"network_layer,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	Address      string          `json:"address"`
	TxHash       string          `json:"tx_hash,omitempty"`
}

// TransferPayload moves funds between two owners.
type TransferPayload struct {
	FromOwnerID string          `json:"from_owner_id"`
	ToOwnerID   string          `json:"to_owner_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
}

// LockAction tells whether a balance lock operation freezes or releases funds.
type LockAction string

const (
	LockActionLock    LockAction = "lock"
	LockActionRelease LockAction = "release"
)

// LockPayload is one lock or release action of a balance lock.
type LockPayload struct {
	BalanceLockID string                     `json:"balance_lock_id"`
	Action        LockAction                 `json:"action"`
	Amounts       map[string]decimal.Decimal `json:"amounts"`
}

// EscrowAction is a merchant escrow balance movement.
type EscrowAction string

const (
	EscrowFreeze   EscrowAction = "freeze"
	EscrowUnfreeze EscrowAction = "unfreeze"
	EscrowBurn     EscrowAction = "burn"
	EscrowMint     EscrowAction = "mint"
)

// EscrowPayload is one merchant escrow movement.
type EscrowPayload struct {
	EscrowID string          `json:"escrow_id"`
	Action   EscrowAction    `json:"action"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// FiatDepositPayload credits a processed fiat deposit.
type FiatDepositPayload struct {
	DepositID      string          `json:"deposit_id"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	AmountAfterFee decimal.Decimal `json:"amount_after_fee"`
}

// FiatWithdrawalPayload freezes and settles a fiat withdrawal.
type FiatWithdrawalPayload struct {
	WithdrawalID string          `json:"withdrawal_id"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
}

func (CoinDepositPayload) Kind() ledger.OperationKind    { return ledger.OpCoinDeposit }
func (CoinWithdrawalPayload) Kind() ledger.OperationKind { return ledger.OpCoinWithdrawal }
func (TransferPayload) Kind() ledger.OperationKind       { return ledger.OpInternalTransfer }
func (LockPayload) Kind() ledger.OperationKind           { return ledger.OpBalanceLock }
func (EscrowPayload) Kind() ledger.OperationKind         { return ledger.OpMerchantEscrow }
func (FiatDepositPayload) Kind() ledger.OperationKind    { return ledger.OpFiatDeposit }
func (FiatWithdrawalPayload) Kind() ledger.OperationKind { return ledger.OpFiatWithdrawal }

func (CoinDepositPayload) isPayload()    {}
func (CoinWithdrawalPayload) isPayload() {}
func (TransferPayload) isPayload()       {}
func (LockPayload) isPayload()           {}
func (EscrowPayload) isPayload()         {}
func (FiatDepositPayload) isPayload()    {}
func (FiatWithdrawalPayload) isPayload() {}

// Operation is a persisted operation of any kind.
type Operation struct {
	ID                string
	Kind              ledger.OperationKind
	OwnerID           string
	Status            Status
	StatusExplanation string
	Payload           Payload
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Ref is the back-reference stored on ledger entries.
func (o Operation) Ref() ledger.OperationRef {
	return ledger.OperationRef{Kind: o.Kind, ID: o.ID}
}

// Terminal reports whether no further transition is possible.
func (o Operation) Terminal() bool {
	switch o.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// EncodePayload serializes p for storage.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload restores the payload of an operation of the given kind.
func DecodePayload(kind ledger.OperationKind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case ledger.OpCoinDeposit:
		var v CoinDepositPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ledger.OpCoinWithdrawal:
		var v CoinWithdrawalPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ledger.OpInternalTransfer:
		var v TransferPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ledger.OpBalanceLock:
		var v LockPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ledger.OpMerchantEscrow:
		var v EscrowPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ledger.OpFiatDeposit:
		var v FiatDepositPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ledger.OpFiatWithdrawal:
		var v FiatWithdrawalPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
