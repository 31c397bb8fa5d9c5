package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/tradeledger/internal/ledger"
)

const balanceChannelPrefix = "balances:"

// BalanceView is the payload pushed to balance subscribers.
type BalanceView struct {
	OwnerID       string    `json:"owner_id"`
	Currency      string    `json:"currency"`
	NetworkLayer  string    `json:"network_layer,omitempty"`
	Kind          string    `json:"kind"`
	Balance       string    `json:"balance"`
	FrozenBalance string    `json:"frozen_balance"`
	Available     string    `json:"available"`
	At            time.Time `json:"at"`
}

// BalanceChannel is the pub/sub channel carrying owner's balance updates.
func BalanceChannel(ownerID string) string {
	return balanceChannelPrefix + ownerID
}

// RedisBroadcaster publishes balance views on a per-owner Redis channel.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster constructs a broadcaster on client.
func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

// BroadcastBalance implements ledger.Broadcaster.
func (b *RedisBroadcaster) BroadcastBalance(ctx context.Context, acct ledger.Account) error {
	payload, err := json.Marshal(BalanceView{
		OwnerID:       acct.OwnerID,
		Currency:      acct.Currency,
		NetworkLayer:  acct.NetworkLayer,
		Kind:          string(acct.Kind),
		Balance:       acct.Balance.String(),
		FrozenBalance: acct.FrozenBalance.String(),
		Available:     acct.Available().String(),
		At:            acct.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode balance view: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, BalanceChannel(acct.OwnerID), payload).Err(); err != nil {
		return fmt.Errorf("publish balance: %w", err)
	}
	return nil
}
