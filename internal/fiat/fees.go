package fiat

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/config"
)

const feePlaces = 2

// FeeTable maps a currency to its fee rule. Currencies without a rule are free.
type FeeTable map[string]config.FeeRule

// For returns the fee charged on amount: the proportional part rounded to
// cents, never below the rule's minimum.
func (t FeeTable) For(currency string, amount decimal.Decimal) decimal.Decimal {
	rule, ok := t[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero
	}
	fee := amount.Mul(rule.Ratio).Round(feePlaces)
	if fee.LessThan(rule.Minimum) {
		fee = rule.Minimum
	}
	return fee
}
