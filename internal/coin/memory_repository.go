package coin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/congo-pay/tradeledger/internal/persist"
)

type memoryRepository struct {
	mu          sync.RWMutex
	deposits    map[string]Deposit
	txHashes    map[string]string
	withdrawals map[string]Withdrawal
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		deposits:    make(map[string]Deposit),
		txHashes:    make(map[string]string),
		withdrawals: make(map[string]Withdrawal),
	}
}

func txKey(currency, networkLayer, txHash string) string {
	return currency + "|" + networkLayer + "|" + txHash
}

func (r *memoryRepository) CreateDeposit(_ context.Context, d Deposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := txKey(d.Currency, d.NetworkLayer, d.TxHash)
	if _, exists := r.txHashes[key]; exists {
		return fmt.Errorf("%w: deposit tx %s", persist.ErrDuplicate, d.TxHash)
	}
	r.deposits[d.ID] = d
	r.txHashes[key] = d.ID
	return nil
}

func (r *memoryRepository) GetDeposit(_ context.Context, id string) (Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deposits[id]
	if !ok {
		return Deposit{}, persist.ErrNotFound
	}
	return d, nil
}

func (r *memoryRepository) DepositByTxHash(ctx context.Context, currency, networkLayer, txHash string) (Deposit, error) {
	r.mu.RLock()
	id, ok := r.txHashes[txKey(currency, networkLayer, txHash)]
	r.mu.RUnlock()
	if !ok {
		return Deposit{}, persist.ErrNotFound
	}
	return r.GetDeposit(ctx, id)
}

func (r *memoryRepository) UpdateDeposit(_ context.Context, d Deposit) (Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.deposits[d.ID]
	if !ok {
		return Deposit{}, persist.ErrNotFound
	}
	if current.Version != d.Version {
		return Deposit{}, persist.ErrVersionConflict
	}
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	r.deposits[d.ID] = d
	return d, nil
}

func (r *memoryRepository) CreateWithdrawal(_ context.Context, w Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.withdrawals[w.ID]; exists {
		return fmt.Errorf("%w: withdrawal %s", persist.ErrDuplicate, w.ID)
	}
	r.withdrawals[w.ID] = w
	return nil
}

func (r *memoryRepository) GetWithdrawal(_ context.Context, id string) (Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.withdrawals[id]
	if !ok {
		return Withdrawal{}, persist.ErrNotFound
	}
	return w, nil
}

func (r *memoryRepository) UpdateWithdrawal(_ context.Context, w Withdrawal) (Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.withdrawals[w.ID]
	if !ok {
		return Withdrawal{}, persist.ErrNotFound
	}
	if current.Version != w.Version {
		return Withdrawal{}, persist.ErrVersionConflict
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	r.withdrawals[w.ID] = w
	return w, nil
}
