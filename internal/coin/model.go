// Package coin credits on-chain deposits, runs on-chain withdrawals through
// the engine and moves coins between owners.
package coin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/operation"
)

// Deposit is an on-chain transfer into an owner's address. TxHash is unique
// per currency and network layer.
type Deposit struct {
	ID           string
	OwnerID      string
	Currency     string
	NetworkLayer string
	Amount       decimal.Decimal
	TxHash       string
	OperationID  string
	Status       operation.Status
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account is the ledger account the deposit credits.
func (d Deposit) Account() ledger.AccountKey {
	return ledger.AccountKey{OwnerID: d.OwnerID, Currency: d.Currency, NetworkLayer: d.NetworkLayer}.Normalize()
}

// Withdrawal sends coins to an external address. Status mirrors its operation.
type Withdrawal struct {
	ID           string
	OwnerID      string
	Currency     string
	NetworkLayer string
	Amount       decimal.Decimal
	Fee          decimal.Decimal
	Address      string
	TxHash       string
	OperationID  string
	Status       operation.Status
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account is the ledger account the withdrawal draws on.
func (w Withdrawal) Account() ledger.AccountKey {
	return ledger.AccountKey{OwnerID: w.OwnerID, Currency: w.Currency, NetworkLayer: w.NetworkLayer}.Normalize()
}

// Total is what the withdrawal takes from the owner's balance.
func (w Withdrawal) Total() decimal.Decimal {
	return w.Amount.Add(w.Fee)
}
