// Package escrow moves merchant escrow funds. Every movement is an operation
// whose single batch goes through the ledger service.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/ledger"
)

// Status is the lifecycle state of a merchant escrow.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFrozen   Status = "frozen"
	StatusUnfrozen Status = "unfrozen"
	StatusBurned   Status = "burned"
	StatusMinted   Status = "minted"
	StatusFailed   Status = "failed"
)

// Event drives a merchant escrow.
type Event string

const (
	EventFreeze   Event = "freeze"
	EventUnfreeze Event = "unfreeze"
	EventBurn     Event = "burn"
	EventMint     Event = "mint"
	EventFail     Event = "fail"
)

var machine = fsm.New("merchant_escrow",
	fsm.Transition[Status, Event]{Event: EventFreeze, From: []Status{StatusPending}, To: StatusFrozen},
	fsm.Transition[Status, Event]{Event: EventMint, From: []Status{StatusPending}, To: StatusMinted},
	fsm.Transition[Status, Event]{Event: EventUnfreeze, From: []Status{StatusFrozen}, To: StatusUnfrozen},
	fsm.Transition[Status, Event]{Event: EventBurn, From: []Status{StatusFrozen}, To: StatusBurned},
	fsm.Transition[Status, Event]{Event: EventFail, From: []Status{StatusPending}, To: StatusFailed},
)

// Escrow is an amount a merchant holds against engine-side obligations.
type Escrow struct {
	ID                string
	MerchantID        string
	Currency          string
	Amount            decimal.Decimal
	Status            Status
	StatusExplanation string
	OperationIDs      []string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Account is the merchant account the escrow moves funds on.
func (e Escrow) Account() ledger.AccountKey {
	return ledger.MainAccount(e.MerchantID, e.Currency)
}
