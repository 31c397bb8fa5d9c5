package balancelock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/tradeledger/internal/persist"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]BalanceLock
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]BalanceLock)}
}

func clone(lock BalanceLock) BalanceLock {
	lock.LockedBalances = copyAmounts(lock.LockedBalances)
	lock.FrozenBalances = copyAmounts(lock.FrozenBalances)
	lock.OperationIDs = append([]string(nil), lock.OperationIDs...)
	return lock
}

func (r *memoryRepository) Create(_ context.Context, lock BalanceLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[lock.ID]; exists {
		return fmt.Errorf("%w: balance lock %s", persist.ErrDuplicate, lock.ID)
	}
	r.storage[lock.ID] = clone(lock)
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (BalanceLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lock, ok := r.storage[id]
	if !ok {
		return BalanceLock{}, persist.ErrNotFound
	}
	return clone(lock), nil
}

func (r *memoryRepository) Update(_ context.Context, lock BalanceLock) (BalanceLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.storage[lock.ID]
	if !ok {
		return BalanceLock{}, persist.ErrNotFound
	}
	if current.Version != lock.Version {
		return BalanceLock{}, persist.ErrVersionConflict
	}
	lock.Version++
	lock.UpdatedAt = time.Now().UTC()
	r.storage[lock.ID] = clone(lock)
	return clone(lock), nil
}

func (r *memoryRepository) ListByStatus(_ context.Context, statuses []Status, limit int) ([]BalanceLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []BalanceLock
	for _, lock := range r.storage {
		for _, s := range statuses {
			if lock.Status == s {
				out = append(out, clone(lock))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
