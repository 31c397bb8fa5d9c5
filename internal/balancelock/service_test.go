package balancelock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/engine"
	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/validation"
)

type fixture struct {
	svc      *Service
	ledger   ledger.Ledger
	ops      *operation.Service
	repo     Repository
	recorder *engine.Recorder
}

func newFixture() fixture {
	l := ledger.NewInMemory()
	ls := ledger.NewService(l, nil, nil, nil)
	ops := operation.NewService(operation.NewMemoryRepository(), ls, nil, nil)
	repo := NewMemoryRepository()
	rec := &engine.Recorder{}
	return fixture{svc: NewService(repo, ops, l, rec, nil, nil), ledger: l, ops: ops, repo: repo, recorder: rec}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMarkAsLockedCreatesOneLockEntryPerCurrency(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("250"))
	ledger.SeedBalance(f.ledger, "u1", "BTC", dec("2"))

	lock, err := f.svc.Create(ctx, CreateInput{
		OwnerID:        "u1",
		LockedBalances: map[string]decimal.Decimal{"usdt": dec("100.0"), "btc": dec("0.5")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if lock.Status != StatusLocked || lock.LockedAt == nil {
		t.Fatalf("expected locked lock, got %s", lock.Status)
	}

	page, _ := f.ledger.Entries(ctx, ledger.EntryFilter{OwnerID: "u1", Type: ledger.TypeLock})
	if page.Total != 2 {
		t.Fatalf("expected two lock entries, got %d", page.Total)
	}
	amounts := map[string]decimal.Decimal{}
	for _, e := range page.Entries {
		amounts[e.Currency] = e.Amount
		if e.Operation.Kind != ledger.OpBalanceLock || e.Operation.ID != lock.OperationIDs[0] {
			t.Fatalf("entry not owned by the lock operation: %+v", e.Operation)
		}
	}
	if !amounts["USDT"].Equal(dec("-100.0")) || !amounts["BTC"].Equal(dec("-0.5")) {
		t.Fatalf("unexpected lock amounts %v", amounts)
	}

	btc, _ := f.ledger.Account(ctx, ledger.MainAccount("u1", "BTC"))
	if !btc.FrozenBalance.Equal(dec("0.5")) {
		t.Fatalf("expected 0.5 BTC frozen, got %s", btc.FrozenBalance)
	}
	if got := f.recorder.Count(engine.OperationBalanceLock, engine.ActionCreate); got != 1 {
		t.Fatalf("expected one create event, got %d", got)
	}
	op, _ := f.ops.Get(ctx, lock.OperationIDs[0])
	if op.Status != operation.StatusCompleted {
		t.Fatalf("expected completed lock operation, got %s", op.Status)
	}
}

func TestPartialLockFailureIsRecordedAndRetriable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "u1", "ETH", dec("3"))
	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("10"))

	lock, err := f.svc.Create(ctx, CreateInput{
		OwnerID:        "u1",
		LockedBalances: map[string]decimal.Decimal{"ETH": dec("1"), "USDT": dec("50")},
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if lock.Status != StatusPending {
		t.Fatalf("failed lock must stay pending, got %s", lock.Status)
	}
	if !lock.FrozenBalances["ETH"].Equal(dec("1")) || !lock.FrozenBalances["USDT"].IsZero() {
		t.Fatalf("expected only ETH recorded as frozen, got %v", lock.FrozenBalances)
	}
	op, _ := f.ops.Get(ctx, lock.OperationIDs[0])
	if op.Status != operation.StatusFailed || !strings.Contains(op.StatusExplanation, "USDT") {
		t.Fatalf("expected failed operation naming USDT, got %s %q", op.Status, op.StatusExplanation)
	}
	if f.recorder.Count(engine.OperationBalanceLock, engine.ActionCreate) != 0 {
		t.Fatalf("failed lock must not be announced")
	}
	if items, _ := f.svc.Drift(ctx, lock.ID); len(items) != 0 {
		t.Fatalf("partial lock must not drift: %+v", items)
	}

	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("40"))
	lock, err = f.svc.MarkAsLocked(ctx, lock.ID)
	if err != nil {
		t.Fatalf("retry lock: %v", err)
	}
	if lock.Status != StatusLocked {
		t.Fatalf("expected locked after retry, got %s", lock.Status)
	}
	eth, _ := f.ledger.Account(ctx, ledger.MainAccount("u1", "ETH"))
	if !eth.FrozenBalance.Equal(dec("1")) {
		t.Fatalf("ETH must not be frozen twice, got %s", eth.FrozenBalance)
	}
}

func TestReleaseRoundTripRestoresBalances(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("100"))

	lock, err := f.svc.Create(ctx, CreateInput{OwnerID: "u1", LockedBalances: map[string]decimal.Decimal{"USDT": dec("60")}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.AttachEngineLockID(ctx, lock.ID, "eng-42"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	lock, err = f.svc.StartReleasing(ctx, lock.ID)
	if err != nil {
		t.Fatalf("start releasing: %v", err)
	}
	usdt, _ := f.ledger.Account(ctx, ledger.MainAccount("u1", "USDT"))
	if !usdt.FrozenBalance.Equal(dec("60")) {
		t.Fatalf("start releasing must not unlock, frozen %s", usdt.FrozenBalance)
	}
	events := f.recorder.Events()
	last := events[len(events)-1]
	if last.ActionType != engine.ActionUnlock || last.Data["engineLockId"] != "eng-42" {
		t.Fatalf("expected unlock event with engine lock id, got %+v", last)
	}

	lock, err = f.svc.Release(ctx, lock.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if lock.Status != StatusReleased || lock.UnlockedAt == nil || !lock.FrozenBalances["USDT"].IsZero() {
		t.Fatalf("unexpected released lock %+v", lock)
	}
	usdt, _ = f.ledger.Account(ctx, ledger.MainAccount("u1", "USDT"))
	if !usdt.FrozenBalance.IsZero() || !usdt.Balance.Equal(dec("100")) {
		t.Fatalf("expected 100/0 after release, got %s/%s", usdt.Balance, usdt.FrozenBalance)
	}

	if _, err := f.svc.Release(ctx, lock.ID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("second release must be rejected, got %v", err)
	}
}

func TestReleaseOfUnfundedPendingLock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lock, _ := f.svc.Create(ctx, CreateInput{OwnerID: "u1", LockedBalances: map[string]decimal.Decimal{"USDT": dec("1")}})
	if lock.Status != StatusPending {
		t.Fatalf("unfunded lock should stay pending, got %s", lock.Status)
	}
	lock, err := f.svc.Release(ctx, lock.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if lock.Status != StatusReleased {
		t.Fatalf("expected released, got %s", lock.Status)
	}
	if page, _ := f.ledger.Entries(ctx, ledger.EntryFilter{OwnerID: "u1", Type: ledger.TypeUnlock}); page.Total != 0 {
		t.Fatalf("nothing was frozen, got %d unlock entries", page.Total)
	}
	if _, err := f.svc.MarkAsLocked(ctx, lock.ID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("released lock must not lock again, got %v", err)
	}
}

func TestReleaseOfPartialLockReturnsWhatWasFrozen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "u1", "ETH", dec("3"))
	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("10"))

	lock, err := f.svc.Create(ctx, CreateInput{
		OwnerID:        "u1",
		LockedBalances: map[string]decimal.Decimal{"ETH": dec("1"), "USDT": dec("50")},
	})
	if err == nil || lock.Status != StatusPending {
		t.Fatalf("expected a pending partial lock, got %s %v", lock.Status, err)
	}

	lock, err = f.svc.Release(ctx, lock.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if lock.Status != StatusReleased || !lock.FrozenBalances["ETH"].IsZero() {
		t.Fatalf("unexpected lock after release %+v", lock)
	}
	eth, _ := f.ledger.Account(ctx, ledger.MainAccount("u1", "ETH"))
	if !eth.FrozenBalance.IsZero() || !eth.Balance.Equal(dec("3")) {
		t.Fatalf("expected 3/0 ETH, got %s/%s", eth.Balance, eth.FrozenBalance)
	}
	page, _ := f.ledger.Entries(ctx, ledger.EntryFilter{OwnerID: "u1", Type: ledger.TypeUnlock})
	if page.Total != 1 || page.Entries[0].Currency != "ETH" {
		t.Fatalf("expected one ETH unlock, got %+v", page.Entries)
	}
	if items, _ := f.svc.Drift(ctx, lock.ID); len(items) != 0 {
		t.Fatalf("released partial lock drifted: %+v", items)
	}
}

func TestConcurrentReleasesUnlockOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("100"))
	a, err := f.svc.Create(ctx, CreateInput{OwnerID: "u1", LockedBalances: map[string]decimal.Decimal{"USDT": dec("30")}})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := f.svc.Create(ctx, CreateInput{OwnerID: "u1", LockedBalances: map[string]decimal.Decimal{"USDT": dec("30")}})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Release(ctx, a.ID)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	usdt, _ := f.ledger.Account(ctx, ledger.MainAccount("u1", "USDT"))
	if !usdt.FrozenBalance.Equal(dec("30")) {
		t.Fatalf("lock b must keep 30 frozen, account has %s", usdt.FrozenBalance)
	}
	page, _ := f.ledger.Entries(ctx, ledger.EntryFilter{OwnerID: "u1", Type: ledger.TypeUnlock})
	if page.Total != 1 {
		t.Fatalf("expected one unlock entry, got %d", page.Total)
	}
	a, _ = f.svc.Get(ctx, a.ID)
	if a.Status != StatusReleased || !a.FrozenBalances["USDT"].IsZero() {
		t.Fatalf("unexpected lock a %+v", a)
	}
	for _, id := range []string{a.ID, b.ID} {
		if items, _ := f.svc.Drift(ctx, id); len(items) != 0 {
			t.Fatalf("lock %s drifted: %+v", id, items)
		}
	}
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Create(context.Background(), CreateInput{OwnerID: "u1", LockedBalances: map[string]decimal.Decimal{"USDT": dec("-1")}})
	if !errors.Is(err, validation.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = f.svc.Create(context.Background(), CreateInput{LockedBalances: map[string]decimal.Decimal{"USDT": dec("1")}})
	if !errors.Is(err, validation.ErrValidation) {
		t.Fatalf("expected validation error for missing owner, got %v", err)
	}
}

func TestEngineCallbacksDriveTheLock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("10"))
	lock, err := f.svc.Create(ctx, CreateInput{OwnerID: "u1", LockedBalances: map[string]decimal.Decimal{"USDT": dec("10")}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	inbox := engine.NewInbox(engine.NewMemoryInboxStore(), nil, nil)
	f.svc.RegisterCallbacks(inbox)
	deliver := func(ev engine.Event, offset int64) {
		raw, _ := json.Marshal(ev)
		if err := inbox.HandleMessage(ctx, &sarama.ConsumerMessage{Topic: "engine.callbacks", Offset: offset, Value: raw}); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	deliver(engine.NewEvent(engine.OperationBalanceLock, engine.ActionCreate, "x", lock.ID, "success",
		map[string]any{"engineLockId": "eng-7"}), 1)
	lock, _ = f.svc.Get(ctx, lock.ID)
	if lock.EngineLockID != "eng-7" {
		t.Fatalf("engine lock id not attached: %q", lock.EngineLockID)
	}

	// An unlock confirmation before releasing was requested is ignored.
	deliver(engine.NewEvent(engine.OperationBalanceLock, engine.ActionUnlock, "x", lock.ID, "success", nil), 2)
	lock, _ = f.svc.Get(ctx, lock.ID)
	if lock.Status != StatusLocked {
		t.Fatalf("premature unlock applied: %s", lock.Status)
	}

	if _, err := f.svc.StartReleasing(ctx, lock.ID); err != nil {
		t.Fatalf("start releasing: %v", err)
	}
	deliver(engine.NewEvent(engine.OperationBalanceLock, engine.ActionUnlock, "x", lock.ID, "completed", nil), 3)
	lock, _ = f.svc.Get(ctx, lock.ID)
	if lock.Status != StatusReleased {
		t.Fatalf("expected released, got %s", lock.Status)
	}
}

func TestSweepDriftFlagsDisagreement(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "u1", "USDT", dec("100"))
	lock, err := f.svc.Create(ctx, CreateInput{OwnerID: "u1", LockedBalances: map[string]decimal.Decimal{"USDT": dec("30")}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n, _ := f.svc.SweepDrift(ctx, 10); n != 0 {
		t.Fatalf("healthy lock reported as drifted")
	}

	lock.FrozenBalances["USDT"] = dec("25")
	if _, err := f.repo.Update(ctx, lock); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	n, err := f.svc.SweepDrift(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one drifted lock, got %d %v", n, err)
	}
	items, _ := f.svc.Drift(ctx, lock.ID)
	if len(items) != 1 || !items[0].Ledger.Equal(dec("30")) || !items[0].Recorded.Equal(dec("25")) {
		t.Fatalf("unexpected drift %+v", items)
	}
}
