package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type inMemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	entries  []Entry
	batches  map[string][]int
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		accounts: make(map[string]*Account),
		batches:  make(map[string][]int),
	}
}

func (l *inMemoryLedger) EnsureAccount(_ context.Context, key AccountKey) (Account, error) {
	if err := key.validate(); err != nil {
		return Account{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.ensure(key.Normalize(), time.Now().UTC()), nil
}

func (l *inMemoryLedger) ensure(key AccountKey, now time.Time) *Account {
	code := key.Code()
	acct, exists := l.accounts[code]
	if !exists {
		acct = &Account{
			ID:            uuid.NewString(),
			AccountKey:    key,
			Balance:       decimal.Zero,
			FrozenBalance: decimal.Zero,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		l.accounts[code] = acct
	}
	return acct
}

func (l *inMemoryLedger) Account(_ context.Context, key AccountKey) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, exists := l.accounts[key.Code()]
	if !exists {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key.Code())
	}
	return *acct, nil
}

func (l *inMemoryLedger) Accounts(_ context.Context, ownerID string) ([]Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Account
	for _, acct := range l.accounts {
		if acct.OwnerID == ownerID {
			out = append(out, *acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code() < out[j].Code() })
	return out, nil
}

func (l *inMemoryLedger) Post(_ context.Context, batch Batch) ([]Entry, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, exists := l.batches[batch.Key]; exists {
		out := make([]Entry, 0, len(idx))
		for _, i := range idx {
			out = append(out, l.entries[i])
		}
		return out, ErrDuplicateTransaction
	}

	now := time.Now().UTC()

	// Work on copies so a failing posting leaves every account untouched.
	working := make(map[string]*Account)
	for _, p := range batch.Postings {
		code := p.Account.Code()
		if _, seen := working[code]; seen {
			continue
		}
		if acct, exists := l.accounts[code]; exists {
			cp := *acct
			working[code] = &cp
			continue
		}
		if !creates(p) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, code)
		}
		working[code] = &Account{
			ID:            uuid.NewString(),
			AccountKey:    p.Account.Normalize(),
			Balance:       decimal.Zero,
			FrozenBalance: decimal.Zero,
			CreatedAt:     now,
		}
	}

	entries := make([]Entry, 0, len(batch.Postings))
	for _, p := range batch.Postings {
		entry, err := apply(working[p.Account.Code()], p)
		if err != nil {
			return nil, err
		}
		entry.ID = uuid.NewString()
		entry.BatchKey = batch.Key
		entry.Operation = batch.Operation
		entry.CreatedAt = now
		entries = append(entries, entry)
	}

	for code, acct := range working {
		acct.Version++
		acct.UpdatedAt = now
		l.accounts[code] = acct
	}
	idx := make([]int, 0, len(entries))
	for _, e := range entries {
		idx = append(idx, len(l.entries))
		l.entries = append(l.entries, e)
	}
	l.batches[batch.Key] = idx

	return entries, nil
}

func (l *inMemoryLedger) Entries(_ context.Context, filter EntryFilter) (EntryPage, error) {
	filter = filter.normalize()

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if filter.matches(l.entries[i]) {
			matched = append(matched, l.entries[i])
		}
	}

	page := EntryPage{Page: filter.Page, PerPage: filter.PerPage, Total: len(matched)}
	start := (filter.Page - 1) * filter.PerPage
	if start >= len(matched) {
		return page, nil
	}
	end := start + filter.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	page.Entries = append([]Entry(nil), matched[start:end]...)
	return page, nil
}
