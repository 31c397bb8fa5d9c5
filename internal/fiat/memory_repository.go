package fiat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/tradeledger/internal/persist"
)

type memoryDepositRepository struct {
	mu      sync.RWMutex
	storage map[string]Deposit
}

// NewMemoryDepositRepository constructs an in-memory deposit repository for tests.
func NewMemoryDepositRepository() DepositRepository {
	return &memoryDepositRepository{storage: make(map[string]Deposit)}
}

func (r *memoryDepositRepository) Create(_ context.Context, d Deposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[d.ID]; exists {
		return fmt.Errorf("%w: deposit %s", persist.ErrDuplicate, d.ID)
	}
	r.storage[d.ID] = d
	return nil
}

func (r *memoryDepositRepository) Get(_ context.Context, id string) (Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.storage[id]
	if !ok {
		return Deposit{}, persist.ErrNotFound
	}
	return d, nil
}

func (r *memoryDepositRepository) Update(_ context.Context, d Deposit) (Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.storage[d.ID]
	if !ok {
		return Deposit{}, persist.ErrNotFound
	}
	if current.Version != d.Version {
		return Deposit{}, persist.ErrVersionConflict
	}
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	r.storage[d.ID] = d
	return d, nil
}

func (r *memoryDepositRepository) ListDue(_ context.Context, status DepositStatus, before time.Time, limit int) ([]Deposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Deposit
	for _, d := range r.storage {
		if d.Status == status && !d.StatusChangedAt.After(before) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryWithdrawalRepository struct {
	mu      sync.RWMutex
	storage map[string]Withdrawal
}

// NewMemoryWithdrawalRepository constructs an in-memory withdrawal repository for tests.
func NewMemoryWithdrawalRepository() WithdrawalRepository {
	return &memoryWithdrawalRepository{storage: make(map[string]Withdrawal)}
}

func (r *memoryWithdrawalRepository) Create(_ context.Context, w Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[w.ID]; exists {
		return fmt.Errorf("%w: withdrawal %s", persist.ErrDuplicate, w.ID)
	}
	r.storage[w.ID] = w
	return nil
}

func (r *memoryWithdrawalRepository) Get(_ context.Context, id string) (Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.storage[id]
	if !ok {
		return Withdrawal{}, persist.ErrNotFound
	}
	return w, nil
}

func (r *memoryWithdrawalRepository) Update(_ context.Context, w Withdrawal) (Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.storage[w.ID]
	if !ok {
		return Withdrawal{}, persist.ErrNotFound
	}
	if current.Version != w.Version {
		return Withdrawal{}, persist.ErrVersionConflict
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	r.storage[w.ID] = w
	return w, nil
}
