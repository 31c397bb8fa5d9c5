// Package balancelock freezes a snapshot of an owner's balances across
// currencies and hands it to the engine as collateral.
package balancelock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/engine"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/validation"
)

const casAttempts = 5

// Service implements the balance lock protocol.
type Service struct {
	repo    Repository
	ops     *operation.Service
	ledger  ledger.Ledger
	emitter engine.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService wires a balance lock service.
func NewService(repo Repository, ops *operation.Service, l ledger.Ledger, emitter engine.Emitter, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, ops: ops, ledger: l, emitter: emitter, metrics: m, logger: logging.OrDiscard(logger)}
}

// CreateInput requests a new lock.
type CreateInput struct {
	OwnerID        string                     `json:"owner_id" validate:"required"`
	LockedBalances map[string]decimal.Decimal `json:"locked_balances" validate:"required,min=1"`
}

// Get loads a balance lock.
func (s *Service) Get(ctx context.Context, id string) (BalanceLock, error) {
	return s.repo.Get(ctx, id)
}

// Create persists a pending lock, freezes its balances and announces it to
// the engine. A lock whose freeze fails stays pending and is not announced.
func (s *Service) Create(ctx context.Context, input CreateInput) (BalanceLock, error) {
	if err := validation.Struct(input); err != nil {
		return BalanceLock{}, err
	}
	balances := make(map[string]decimal.Decimal, len(input.LockedBalances))
	for currency, amount := range input.LockedBalances {
		code := strings.ToUpper(strings.TrimSpace(currency))
		if code == "" {
			return BalanceLock{}, validation.Field("locked_balances", "currency is required")
		}
		if !amount.IsPositive() {
			return BalanceLock{}, validation.Field("locked_balances."+code, "must be greater than 0")
		}
		balances[code] = balances[code].Add(amount)
	}

	now := time.Now().UTC()
	lock := BalanceLock{
		ID:             uuid.NewString(),
		OwnerID:        input.OwnerID,
		LockedBalances: balances,
		FrozenBalances: map[string]decimal.Decimal{},
		Status:         StatusPending,
		OperationIDs:   []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, lock); err != nil {
		return BalanceLock{}, err
	}

	locked, err := s.MarkAsLocked(ctx, lock.ID)
	if err != nil {
		return locked, err
	}
	engine.EmitBestEffort(ctx, s.emitter, s.logger, engine.NewEvent(
		engine.OperationBalanceLock, engine.ActionCreate, locked.ID, locked.ID, string(locked.Status),
		map[string]any{
			"userId":         locked.OwnerID,
			"lockedBalances": amountStrings(locked.LockedBalances),
		}))
	return locked, nil
}

// MarkAsLocked freezes every outstanding currency of the lock through one
// lock operation, one ledger batch per currency. If any currency fails the
// operation is failed with the cause in its status explanation, the
// currencies already frozen stay recorded in FrozenBalances and the lock
// stays pending so it can be retried for the remainder or released.
func (s *Service) MarkAsLocked(ctx context.Context, id string) (BalanceLock, error) {
	lock, err := s.repo.Get(ctx, id)
	if err != nil {
		return BalanceLock{}, err
	}
	if _, err := machine.Next(lock.Status, EventLock); err != nil {
		return lock, err
	}

	run, err := s.post(ctx, lock, operation.LockActionLock, lock.Outstanding())
	if err != nil {
		return lock, err
	}
	updated, err := s.mutate(ctx, id, func(l *BalanceLock) error {
		l.record(run.op.ID, run.applied)
		if run.err != nil || l.Status != StatusPending || len(l.Outstanding()) > 0 {
			return nil
		}
		if l.LockedAt == nil {
			now := time.Now().UTC()
			l.LockedAt = &now
		}
		l.Status = StatusLocked
		return nil
	})
	if err != nil {
		return lock, err
	}
	if run.err != nil {
		s.metrics.Transition("balance_lock", string(EventLock), "failed")
		s.logger.Warn("balance lock failed", "lock_id", id, "operation_id", run.op.ID,
			"status_explanation", run.op.StatusExplanation, "frozen", amountStrings(updated.FrozenBalances))
		return updated, fmt.Errorf("mark balance lock %s as locked: %w", id, run.err)
	}
	if updated.Status == StatusReleased && len(positive(run.applied)) > 0 {
		// Released while we were freezing: give back what this call froze.
		s.logger.Warn("balance lock released during lock, unfreezing", "lock_id", id, "operation_id", run.op.ID)
		return s.unfreeze(ctx, updated)
	}
	s.metrics.Transition("balance_lock", string(EventLock), "applied")
	s.logger.Info("balance lock locked", "lock_id", id, "operation_id", run.op.ID, "status", updated.Status)
	return updated, nil
}

// AttachEngineLockID records the engine-side correlation id.
func (s *Service) AttachEngineLockID(ctx context.Context, id, engineLockID string) (BalanceLock, error) {
	return s.mutate(ctx, id, func(l *BalanceLock) error {
		if l.EngineLockID != "" && l.EngineLockID != engineLockID {
			s.logger.Warn("engine lock id replaced", "lock_id", id, "old", l.EngineLockID, "new", engineLockID)
		}
		l.EngineLockID = engineLockID
		return nil
	})
}

// StartReleasing asks the engine to give the collateral back. Balances stay
// frozen until Release confirms it.
func (s *Service) StartReleasing(ctx context.Context, id string) (BalanceLock, error) {
	lock, err := s.mutate(ctx, id, func(l *BalanceLock) error {
		next, err := machine.Next(l.Status, EventStartReleasing)
		if err != nil {
			return err
		}
		l.Status = next
		return nil
	})
	if err != nil {
		s.metrics.Transition("balance_lock", string(EventStartReleasing), "rejected")
		return lock, err
	}
	s.metrics.Transition("balance_lock", string(EventStartReleasing), "applied")
	engine.EmitBestEffort(ctx, s.emitter, s.logger, engine.NewEvent(
		engine.OperationBalanceLock, engine.ActionUnlock, lock.ID, lock.ID, string(lock.Status),
		map[string]any{
			"userId":       lock.OwnerID,
			"engineLockId": lock.EngineLockID,
		}))
	return lock, nil
}

// Release unfreezes exactly what the lock holds frozen. A pending lock whose
// freeze only partly succeeded can be released too.
func (s *Service) Release(ctx context.Context, id string) (BalanceLock, error) {
	lock, err := s.repo.Get(ctx, id)
	if err != nil {
		return BalanceLock{}, err
	}
	if _, err := machine.Next(lock.Status, EventRelease); err != nil {
		return lock, err
	}
	return s.unfreeze(ctx, lock)
}

// unfreeze unlocks every currency the lock records as frozen and moves it to
// released once nothing is left. Unlock batches are keyed on the lock and
// currency, so racing releases unlock each currency once. Currencies frozen
// by a racing MarkAsLocked after the first pass are picked up on the next.
func (s *Service) unfreeze(ctx context.Context, lock BalanceLock) (BalanceLock, error) {
	attempted := make(map[string]bool)
	for {
		pending := make(map[string]decimal.Decimal)
		for currency, amount := range positive(lock.FrozenBalances) {
			if !attempted[currency] {
				pending[currency] = amount
				attempted[currency] = true
			}
		}
		run, err := s.post(ctx, lock, operation.LockActionRelease, pending)
		if err != nil {
			return lock, err
		}
		updated, err := s.mutate(ctx, lock.ID, func(l *BalanceLock) error {
			l.record(run.op.ID, run.applied)
			if run.err != nil || l.Status == StatusReleased || len(positive(l.FrozenBalances)) > 0 {
				return nil
			}
			if l.UnlockedAt == nil {
				now := time.Now().UTC()
				l.UnlockedAt = &now
			}
			l.Status = StatusReleased
			return nil
		})
		if err != nil {
			return lock, err
		}
		if run.err != nil {
			s.metrics.Transition("balance_lock", string(EventRelease), "failed")
			return updated, fmt.Errorf("release balance lock %s: %w", lock.ID, run.err)
		}
		lock = updated

		more := false
		for currency := range positive(lock.FrozenBalances) {
			if !attempted[currency] {
				more = true
			}
		}
		if !more {
			break
		}
	}
	s.metrics.Transition("balance_lock", string(EventRelease), "applied")
	s.logger.Info("balance lock released", "lock_id", lock.ID, "status", lock.Status,
		"frozen", amountStrings(lock.FrozenBalances))
	return lock, nil
}

type lockRun struct {
	op      operation.Operation
	applied map[string]decimal.Decimal
	err     error
}

// post runs one balance lock operation with a batch per currency and reports
// what its own entries changed. A batch replayed under another operation
// counts for that operation, not this one. Nothing is started for an empty
// amounts map.
func (s *Service) post(ctx context.Context, lock BalanceLock, action operation.LockAction, amounts map[string]decimal.Decimal) (lockRun, error) {
	if len(amounts) == 0 {
		return lockRun{}, nil
	}
	op, err := s.ops.Start(ctx, lock.OwnerID, operation.LockPayload{
		BalanceLockID: lock.ID,
		Action:        action,
		Amounts:       amounts,
	})
	if err != nil {
		return lockRun{}, err
	}
	batches := make([]ledger.Batch, 0, len(amounts))
	for _, currency := range sortedKeys(amounts) {
		posting := ledger.Posting{Account: ledger.MainAccount(lock.OwnerID, currency), Type: ledger.TypeUnlock, Amount: amounts[currency]}
		if action == operation.LockActionLock {
			posting.Type, posting.Amount = ledger.TypeLock, amounts[currency].Neg()
		}
		batches = append(batches, ledger.Batch{
			Key:      batchKey(lock.ID, action, currency),
			Postings: []ledger.Posting{posting},
		})
	}
	op, execErr := s.ops.Execute(ctx, op, batches...)
	applied, err := s.netFrozen(ctx, op.ID)
	if err != nil {
		return lockRun{}, err
	}
	return lockRun{op: op, applied: applied, err: execErr}, nil
}

// batchKey is per lock, action and currency: each currency is frozen at most
// once and unfrozen at most once over the life of a lock.
func batchKey(lockID string, action operation.LockAction, currency string) string {
	return fmt.Sprintf("balance_lock:%s:%s:%s", lockID, action, currency)
}

// Drift compares what the lock records as frozen with the net of the lock
// and unlock entries of its operations.
func (s *Service) Drift(ctx context.Context, id string) ([]DriftItem, error) {
	lock, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.drift(ctx, lock)
}

func (s *Service) drift(ctx context.Context, lock BalanceLock) ([]DriftItem, error) {
	net := make(map[string]decimal.Decimal)
	for _, opID := range lock.OperationIDs {
		applied, err := s.netFrozen(ctx, opID)
		if err != nil {
			return nil, err
		}
		for currency, amount := range applied {
			net[currency] = net[currency].Add(amount)
		}
	}
	currencies := make(map[string]struct{})
	for c := range net {
		currencies[c] = struct{}{}
	}
	for c := range lock.FrozenBalances {
		currencies[c] = struct{}{}
	}
	var out []DriftItem
	for c := range currencies {
		if !net[c].Equal(lock.FrozenBalances[c]) {
			out = append(out, DriftItem{Currency: c, Recorded: lock.FrozenBalances[c], Ledger: net[c]})
		}
	}
	return out, nil
}

// SweepDrift checks up to limit unreleased locks and reports how many drifted.
func (s *Service) SweepDrift(ctx context.Context, limit int) (int, error) {
	locks, err := s.repo.ListByStatus(ctx, []Status{StatusPending, StatusLocked, StatusReleasing}, limit)
	if err != nil {
		return 0, err
	}
	drifted := 0
	for _, lock := range locks {
		items, err := s.drift(ctx, lock)
		if err != nil {
			return drifted, err
		}
		if len(items) == 0 {
			continue
		}
		drifted++
		for _, item := range items {
			s.metrics.Drift(item.Currency)
			s.logger.Error("balance lock drift", "lock_id", lock.ID, "currency", item.Currency,
				"recorded", item.Recorded.String(), "ledger", item.Ledger.String())
		}
	}
	return drifted, nil
}

// RegisterCallbacks routes engine confirmations for balance locks.
func (s *Service) RegisterCallbacks(inbox *engine.Inbox) {
	inbox.Register(engine.OperationBalanceLock, engine.ActionCreate, s.onCreated)
	inbox.Register(engine.OperationBalanceLock, engine.ActionUnlock, s.onUnlocked)
}

func (s *Service) onCreated(ctx context.Context, ev engine.Event) error {
	if isFailure(ev.Status) {
		// The engine refused the collateral; give it back locally.
		lock, err := s.repo.Get(ctx, ev.Identifier)
		if err != nil {
			return err
		}
		if !machine.Can(lock.Status, EventRelease) {
			return nil
		}
		_, err = s.Release(ctx, lock.ID)
		return err
	}
	engineLockID, _ := ev.Data["engineLockId"].(string)
	if engineLockID == "" {
		engineLockID = ev.ActionID
	}
	_, err := s.AttachEngineLockID(ctx, ev.Identifier, engineLockID)
	return err
}

func (s *Service) onUnlocked(ctx context.Context, ev engine.Event) error {
	if isFailure(ev.Status) {
		s.logger.Warn("engine refused unlock", "lock_id", ev.Identifier, "status", ev.Status)
		return nil
	}
	lock, err := s.repo.Get(ctx, ev.Identifier)
	if err != nil {
		return err
	}
	if lock.Status != StatusReleasing {
		return nil
	}
	_, err = s.Release(ctx, lock.ID)
	return err
}

func isFailure(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "failure", "rejected", "error":
		return true
	}
	return false
}

// netFrozen sums how much an operation's entries froze per currency.
func (s *Service) netFrozen(ctx context.Context, opID string) (map[string]decimal.Decimal, error) {
	page, err := s.ledger.Entries(ctx, ledger.EntryFilter{
		Operation: ledger.OperationRef{Kind: ledger.OpBalanceLock, ID: opID},
		PerPage:   500,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal)
	for _, e := range page.Entries {
		switch e.Type {
		case ledger.TypeLock:
			out[e.Currency] = out[e.Currency].Add(e.Amount.Neg())
		case ledger.TypeUnlock:
			out[e.Currency] = out[e.Currency].Sub(e.Amount)
		}
	}
	return out, nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*BalanceLock) error) (BalanceLock, error) {
	var out BalanceLock
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		lock, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		out = lock
		if lock.FrozenBalances == nil {
			lock.FrozenBalances = map[string]decimal.Decimal{}
		}
		if err := fn(&lock); err != nil {
			return err
		}
		updated, err := s.repo.Update(ctx, lock)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

func positive(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for k, v := range m {
		if v.IsPositive() {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	return BalanceLock{LockedBalances: m}.Currencies()
}
