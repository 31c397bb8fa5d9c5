package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that mints amount into the owner's main account.
// It goes through Post like every other balance change.
func SeedBalance(l Ledger, ownerID, currency string, amount decimal.Decimal) {
	_, err := l.Post(context.Background(), Batch{
		Key:      "seed:" + uuid.NewString(),
		Postings: []Posting{{Account: MainAccount(ownerID, currency), Type: TypeMint, Amount: amount}},
	})
	if err != nil {
		panic(err)
	}
}
