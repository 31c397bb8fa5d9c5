// Package fiat runs fiat deposits and withdrawals, on their own or bound to
// a fiat-token trade.
package fiat

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/fsm"
)

// DepositStatus is the lifecycle state of a fiat deposit.
type DepositStatus string

const (
	DepositAwaiting                       DepositStatus = "awaiting"
	DepositPending                        DepositStatus = "pending"
	DepositMoneySent                      DepositStatus = "money_sent"
	DepositReady                          DepositStatus = "ready"
	DepositOwnershipVerifying             DepositStatus = "ownership_verifying"
	DepositVerifying                      DepositStatus = "verifying"
	DepositLockedDueToUnverifiedOwnership DepositStatus = "locked_due_to_unverified_ownership"
	DepositProcessed                      DepositStatus = "processed"
	DepositCancelled                      DepositStatus = "cancelled"
	DepositRefunding                      DepositStatus = "refunding"
	DepositRefunded                       DepositStatus = "refunded"
	DepositIllegal                        DepositStatus = "illegal"
	DepositLocked                         DepositStatus = "locked"
)

// DepositEvent drives a deposit between statuses.
type DepositEvent string

const (
	DepositSubmit                     DepositEvent = "submit"
	DepositMarkMoneySent              DepositEvent = "mark_money_sent"
	DepositMarkReady                  DepositEvent = "mark_ready"
	DepositStartOwnershipVerification DepositEvent = "start_ownership_verification"
	DepositVerify                     DepositEvent = "verify"
	DepositLockUnverified             DepositEvent = "lock_unverified"
	DepositProcess                    DepositEvent = "process"
	DepositCancel                     DepositEvent = "cancel"
	DepositStartRefund                DepositEvent = "start_refund"
	DepositRefund                     DepositEvent = "refund"
	DepositMarkIllegal                DepositEvent = "mark_illegal"
	DepositLockForReview              DepositEvent = "lock"
)

type depositTransition = fsm.Transition[DepositStatus, DepositEvent]

var depositMachine = fsm.New("fiat_deposit",
	depositTransition{Event: DepositSubmit, From: []DepositStatus{DepositAwaiting}, To: DepositPending},
	depositTransition{Event: DepositMarkMoneySent, From: []DepositStatus{DepositPending}, To: DepositMoneySent},
	depositTransition{Event: DepositMarkReady, From: []DepositStatus{DepositMoneySent}, To: DepositReady},
	depositTransition{Event: DepositStartOwnershipVerification, From: []DepositStatus{DepositReady}, To: DepositOwnershipVerifying},
	depositTransition{Event: DepositVerify, From: []DepositStatus{DepositOwnershipVerifying, DepositLockedDueToUnverifiedOwnership}, To: DepositVerifying},
	depositTransition{Event: DepositLockUnverified, From: []DepositStatus{DepositOwnershipVerifying}, To: DepositLockedDueToUnverifiedOwnership},
	depositTransition{Event: DepositProcess, From: []DepositStatus{DepositReady, DepositVerifying}, To: DepositProcessed},
	depositTransition{Event: DepositCancel, From: []DepositStatus{DepositAwaiting, DepositPending, DepositMoneySent}, To: DepositCancelled},
	depositTransition{Event: DepositStartRefund, From: []DepositStatus{DepositCancelled, DepositLockedDueToUnverifiedOwnership, DepositLocked}, To: DepositRefunding},
	depositTransition{Event: DepositRefund, From: []DepositStatus{DepositRefunding}, To: DepositRefunded},
	depositTransition{Event: DepositMarkIllegal, From: []DepositStatus{DepositMoneySent, DepositReady, DepositOwnershipVerifying,
		DepositVerifying, DepositLockedDueToUnverifiedOwnership, DepositLocked}, To: DepositIllegal},
	depositTransition{Event: DepositLockForReview, From: []DepositStatus{DepositMoneySent, DepositReady, DepositOwnershipVerifying,
		DepositVerifying}, To: DepositLocked},
)

// Deposit is money a user sends to the platform's bank account. Fee and
// AmountAfterFee are fixed when the deposit is created.
type Deposit struct {
	ID              string
	OwnerID         string
	Currency        string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	AmountAfterFee  decimal.Decimal
	BankReference   string
	TradeID         string
	OperationID     string
	Status          DepositStatus
	StatusChangedAt time.Time
	ProcessedAt     *time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WithdrawalStatus is the lifecycle state of a fiat withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending      WithdrawalStatus = "pending"
	WithdrawalProcessing   WithdrawalStatus = "processing"
	WithdrawalBankPending  WithdrawalStatus = "bank_pending"
	WithdrawalBankSent     WithdrawalStatus = "bank_sent"
	WithdrawalProcessed    WithdrawalStatus = "processed"
	WithdrawalBankRejected WithdrawalStatus = "bank_rejected"
	WithdrawalCancelled    WithdrawalStatus = "cancelled"
)

// WithdrawalEvent drives a withdrawal between statuses.
type WithdrawalEvent string

const (
	WithdrawalStartProcessing WithdrawalEvent = "start_processing"
	WithdrawalSubmit          WithdrawalEvent = "submit_to_bank"
	WithdrawalMarkBankSent    WithdrawalEvent = "mark_bank_sent"
	WithdrawalComplete        WithdrawalEvent = "complete"
	WithdrawalReject          WithdrawalEvent = "reject"
	WithdrawalCancel          WithdrawalEvent = "cancel"
)

type withdrawalTransition = fsm.Transition[WithdrawalStatus, WithdrawalEvent]

var withdrawalMachine = fsm.New("fiat_withdrawal",
	withdrawalTransition{Event: WithdrawalStartProcessing, From: []WithdrawalStatus{WithdrawalPending}, To: WithdrawalProcessing},
	withdrawalTransition{Event: WithdrawalSubmit, From: []WithdrawalStatus{WithdrawalProcessing, WithdrawalBankRejected}, To: WithdrawalBankPending},
	withdrawalTransition{Event: WithdrawalMarkBankSent, From: []WithdrawalStatus{WithdrawalBankPending}, To: WithdrawalBankSent},
	withdrawalTransition{Event: WithdrawalComplete, From: []WithdrawalStatus{WithdrawalBankSent}, To: WithdrawalProcessed},
	withdrawalTransition{Event: WithdrawalReject, From: []WithdrawalStatus{WithdrawalBankPending, WithdrawalBankSent}, To: WithdrawalBankRejected},
	withdrawalTransition{Event: WithdrawalCancel, From: []WithdrawalStatus{WithdrawalPending, WithdrawalProcessing, WithdrawalBankRejected}, To: WithdrawalCancelled},
)

// BankDetails identify the beneficiary account of a withdrawal.
type BankDetails struct {
	AccountName   string `json:"account_name" validate:"required"`
	AccountNumber string `json:"account_number" validate:"required,numeric"`
	BankCode      string `json:"bank_code" validate:"required,alphanum"`
}

// Withdrawal pays funds out to a bank account. Amount plus Fee stay frozen
// on the owner's account until the bank pays out or the withdrawal is cancelled.
type Withdrawal struct {
	ID              string
	OwnerID         string
	Currency        string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Bank            BankDetails
	TradeID         string
	OperationID     string
	Status          WithdrawalStatus
	Attempts        int
	BankReference   string
	LastError       string
	StatusChangedAt time.Time
	ProcessedAt     *time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Total is what the withdrawal takes from the owner's balance.
func (w Withdrawal) Total() decimal.Decimal {
	return w.Amount.Add(w.Fee)
}
