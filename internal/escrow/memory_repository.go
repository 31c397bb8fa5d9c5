package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/congo-pay/tradeledger/internal/persist"
)

type memoryRepository struct {
	mu      sync.RWMutex
	escrows map[string]Escrow
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{escrows: make(map[string]Escrow)}
}

func (r *memoryRepository) Create(_ context.Context, e Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.escrows[e.ID]; exists {
		return fmt.Errorf("%w: escrow %s", persist.ErrDuplicate, e.ID)
	}
	e.OperationIDs = append([]string(nil), e.OperationIDs...)
	r.escrows[e.ID] = e
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.escrows[id]
	if !ok {
		return Escrow{}, persist.ErrNotFound
	}
	e.OperationIDs = append([]string(nil), e.OperationIDs...)
	return e, nil
}

func (r *memoryRepository) Update(_ context.Context, e Escrow) (Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.escrows[e.ID]
	if !ok {
		return Escrow{}, persist.ErrNotFound
	}
	if current.Version != e.Version {
		return Escrow{}, persist.ErrVersionConflict
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	e.OperationIDs = append([]string(nil), e.OperationIDs...)
	r.escrows[e.ID] = e
	return e, nil
}
