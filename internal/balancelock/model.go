package balancelock

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/fsm"
)

// Status is the lifecycle state of a balance lock.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusReleasing Status = "releasing"
	StatusReleased  Status = "released"
)

// Event drives a balance lock.
type Event string

const (
	EventLock           Event = "mark_as_locked"
	EventStartReleasing Event = "start_releasing"
	EventRelease        Event = "release"
)

var machine = fsm.New("balance_lock",
	fsm.Transition[Status, Event]{Event: EventLock, From: []Status{StatusPending}, To: StatusLocked},
	fsm.Transition[Status, Event]{Event: EventStartReleasing, From: []Status{StatusLocked}, To: StatusReleasing},
	// Locked is allowed for the admin override, which skips the engine round trip.
	// Pending gives back a freeze that only partly succeeded.
	fsm.Transition[Status, Event]{Event: EventRelease, From: []Status{StatusPending, StatusLocked, StatusReleasing}, To: StatusReleased},
)

// BalanceLock freezes a snapshot of one owner's balances across currencies
// and hands it to the engine as collateral.
type BalanceLock struct {
	ID      string
	OwnerID string
	// LockedBalances is the requested snapshot.
	LockedBalances map[string]decimal.Decimal
	// FrozenBalances is what this lock currently holds frozen in the ledger.
	FrozenBalances map[string]decimal.Decimal
	Status         Status
	EngineLockID   string
	LockedAt       *time.Time
	UnlockedAt     *time.Time
	OperationIDs   []string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Currencies returns the requested currencies in a stable order.
func (b BalanceLock) Currencies() []string {
	out := make([]string, 0, len(b.LockedBalances))
	for c := range b.LockedBalances {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Outstanding returns the part of LockedBalances not yet frozen.
func (b BalanceLock) Outstanding() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for c, want := range b.LockedBalances {
		rest := want.Sub(b.FrozenBalances[c])
		if rest.IsPositive() {
			out[c] = rest
		}
	}
	return out
}

// record notes an operation against the lock and what it froze (positive)
// or unfroze (negative) per currency.
func (b *BalanceLock) record(opID string, applied map[string]decimal.Decimal) {
	if opID == "" {
		return
	}
	b.OperationIDs = append(b.OperationIDs, opID)
	for currency, amount := range applied {
		b.FrozenBalances[currency] = b.FrozenBalances[currency].Add(amount)
	}
}

// DriftItem is one currency whose recorded frozen amount disagrees with the
// net of its lock and unlock entries.
type DriftItem struct {
	Currency string
	Recorded decimal.Decimal
	Ledger   decimal.Decimal
}

func copyAmounts(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func amountStrings(in map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v.String()
	}
	return out
}
