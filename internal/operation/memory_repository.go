package operation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/congo-pay/tradeledger/internal/persist"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Operation
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Operation)}
}

func (r *memoryRepository) Create(_ context.Context, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[op.ID]; exists {
		return fmt.Errorf("%w: operation %s", persist.ErrDuplicate, op.ID)
	}
	r.storage[op.ID] = op
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.storage[id]
	if !ok {
		return Operation{}, persist.ErrNotFound
	}
	return op, nil
}

func (r *memoryRepository) Update(_ context.Context, op Operation) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.storage[op.ID]
	if !ok {
		return Operation{}, persist.ErrNotFound
	}
	if current.Version != op.Version {
		return Operation{}, persist.ErrVersionConflict
	}
	op.Version++
	op.UpdatedAt = time.Now().UTC()
	r.storage[op.ID] = op
	return op, nil
}
