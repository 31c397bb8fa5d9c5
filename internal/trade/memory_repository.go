package trade

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
	storage map[string]Trade
	refs    map[string]string
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Trade), refs: make(map[string]string)}
}

func (r *memoryRepository) Create(_ context.Context, t Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.refs[t.Ref]; exists {
		return fmt.Errorf("%w: trade %s", persist.ErrDuplicate, t.Ref)
	}
	r.storage[t.ID] = t
	r.refs[t.Ref] = t.ID
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.storage[id]
	if !ok {
		return Trade{}, persist.ErrNotFound
	}
	return t, nil
}

func (r *memoryRepository) GetByRef(ctx context.Context, ref string) (Trade, error) {
	r.mu.RLock()
	id, ok := r.refs[ref]
	r.mu.RUnlock()
	if !ok {
		return Trade{}, persist.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *memoryRepository) Update(_ context.Context, t Trade) (Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.storage[t.ID]
	if !ok {
		return Trade{}, persist.ErrNotFound
	}
	if current.Version != t.Version {
		return Trade{}, persist.ErrVersionConflict
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	r.storage[t.ID] = t
	return t, nil
}

func (r *memoryRepository) ListDue(_ context.Context, status Status, before time.Time, limit int) ([]Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Trade
	for _, t := range r.storage {
		if t.Status == status && !t.DueFrom().After(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueFrom().Before(out[j].DueFrom()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
