package fiat

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BankGateway connects to the bank that pays withdrawals out.
type BankGateway interface {
	Payout(ctx context.Context, req PayoutRequest) (PayoutDecision, error)
}

// PayoutRequest is one attempt at paying a withdrawal out.
type PayoutRequest struct {
	WithdrawalID string
	Currency     string
	Amount       decimal.Decimal
	Bank         BankDetails
	Attempt      int
}

// PayoutDecision is the bank's answer to a payout request.
type PayoutDecision struct {
	Reference string
	Accepted  bool
	Reason    string
}

// StaticBank accepts every payout with a synthetic reference.
type StaticBank struct{}

// Payout approves the request.
func (StaticBank) Payout(_ context.Context, _ PayoutRequest) (PayoutDecision, error) {
	return PayoutDecision{Reference: uuid.NewString(), Accepted: true}, nil
}
