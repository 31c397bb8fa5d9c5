package trade

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/fsm"
)

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusAwaiting               Status = "awaiting"
	StatusUnpaid                 Status = "unpaid"
	StatusPaid                   Status = "paid"
	StatusDisputed               Status = "disputed"
	StatusReleased               Status = "released"
	StatusCancelled              Status = "cancelled"
	StatusCancelledAutomatically Status = "cancelled_automatically"
	StatusAborted                Status = "aborted"
	StatusAbortedFiat            Status = "aborted_fiat"
	StatusResolvedForBuyer       Status = "resolved_for_buyer"
	StatusResolvedForSeller      Status = "resolved_for_seller"
)

// Closed reports whether the trade reached a terminal status. A trade
// resolved for the seller can still be released.
func (s Status) Closed() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusCancelledAutomatically, StatusAborted,
		StatusAbortedFiat, StatusResolvedForBuyer:
		return true
	}
	return false
}

// Event drives a trade between statuses.
type Event string

const (
	EventConfirm             Event = "confirm"
	EventPay                 Event = "mark_as_paid"
	EventDispute             Event = "dispute"
	EventRelease             Event = "release"
	EventCancel              Event = "cancel"
	EventCancelAutomatically Event = "cancel_automatically"
	EventAbort               Event = "abort"
	EventAbortFiat           Event = "abort_fiat"
	EventResolveForBuyer     Event = "resolve_for_buyer"
	EventResolveForSeller    Event = "resolve_for_seller"
)

type transition = fsm.Transition[Status, Event]

var machine = fsm.New("trade",
	transition{Event: EventConfirm, From: []Status{StatusAwaiting}, To: StatusUnpaid},
	transition{Event: EventPay, From: []Status{StatusUnpaid}, To: StatusPaid},
	transition{Event: EventDispute, From: []Status{StatusPaid}, To: StatusDisputed},
	transition{Event: EventRelease, From: []Status{StatusPaid, StatusDisputed, StatusResolvedForSeller}, To: StatusReleased},
	transition{Event: EventCancel, From: []Status{StatusUnpaid}, To: StatusCancelled},
	transition{Event: EventCancelAutomatically, From: []Status{StatusAwaiting}, To: StatusCancelledAutomatically},
	transition{Event: EventAbort, From: []Status{StatusUnpaid}, To: StatusAborted},
	transition{Event: EventAbortFiat, From: []Status{StatusUnpaid, StatusPaid}, To: StatusAbortedFiat},
	transition{Event: EventResolveForBuyer, From: []Status{StatusDisputed}, To: StatusResolvedForBuyer},
	transition{Event: EventResolveForSeller, From: []Status{StatusDisputed}, To: StatusResolvedForSeller},
)

// Role is the part an actor plays in a trade.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
	RoleNone   Role = ""
)

// Actor is whoever triggers a transition.
type Actor struct {
	UserID string
	Admin  bool
	System bool
}

// System is the actor used by sweeps and engine callbacks.
var System = Actor{System: true}

// Admin returns an admin actor.
func Admin(userID string) Actor { return Actor{UserID: userID, Admin: true} }

// User returns a regular user actor.
func User(userID string) Actor { return Actor{UserID: userID} }

// Trade coordinates two parties through payment and release.
type Trade struct {
	ID               string
	Ref              string
	OfferID          string
	BuyerID          string
	SellerID         string
	CoinCurrency     string
	FiatCurrency     string
	CoinAmount       decimal.Decimal
	FiatAmount       decimal.Decimal
	Price            decimal.Decimal
	FeeRatio         decimal.Decimal
	CoinTradingFee   decimal.Decimal
	TakerSide        string
	FiatDepositID    string
	FiatWithdrawalID string
	Status           Status

	DisputeReason          string
	DisputeResolution      string
	AdminNotes             string
	NeedsAdminIntervention bool

	PaidAt          *time.Time
	DisputedAt      *time.Time
	ReleasedAt      *time.Time
	CancelledAt     *time.Time
	ResolvedAt      *time.Time
	StatusChangedAt time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FiatToken reports whether the trade is backed by a fiat deposit or withdrawal.
func (t Trade) FiatToken() bool {
	return t.FiatDepositID != "" || t.FiatWithdrawalID != ""
}

// RoleOf returns the role a plays in t.
func (t Trade) RoleOf(a Actor) Role {
	switch {
	case a.System:
		return RoleSystem
	case a.Admin:
		return RoleAdmin
	case a.UserID != "" && a.UserID == t.BuyerID:
		return RoleBuyer
	case a.UserID != "" && a.UserID == t.SellerID:
		return RoleSeller
	}
	return RoleNone
}

// DueFrom is the instant a status deadline runs from. An unpaid trade is timed
// from when it was opened, so a late engine confirmation does not extend the
// buyer's window. Every other status is timed from when it was entered.
func (t Trade) DueFrom() time.Time {
	if t.Status == StatusUnpaid {
		return t.CreatedAt
	}
	return t.StatusChangedAt
}

func dueColumn(status Status) string {
	if status == StatusUnpaid {
		return "created_at"
	}
	return "status_changed_at"
}
