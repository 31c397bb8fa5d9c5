package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/config"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/trade"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLockerIsExclusive(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	a, b := NewRedisLocker(client), NewRedisLocker(client)

	release, ok, err := a.Acquire(ctx, "trade_timeouts", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.Acquire(ctx, "trade_timeouts", time.Minute); err != nil || ok {
		t.Fatalf("second acquire should be refused: ok=%v err=%v", ok, err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(lockPrefix + "trade_timeouts") {
		t.Fatalf("expected lock key removed")
	}
	if _, ok, err := b.Acquire(ctx, "trade_timeouts", time.Minute); err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLockerKeepsLockTakenOverAfterExpiry(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client)

	stale, ok, err := locker.Acquire(ctx, "relay", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Second)
	if _, ok, err := locker.Acquire(ctx, "relay", time.Minute); err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
	if err := stale(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists(lockPrefix + "relay") {
		t.Fatalf("a stale release must not free the new holder's lock")
	}
}

func TestRunSkipsWhileLockIsHeld(t *testing.T) {
	locker := NewLocalLocker()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	sched := NewScheduler(locker, time.Minute, m, nil)
	ctx := context.Background()

	calls := 0
	job := func(context.Context, time.Time) (int, error) {
		calls++
		return 2, nil
	}

	release, _, _ := locker.Acquire(ctx, "trade_timeouts", time.Minute)
	if moved, err := sched.Run(ctx, "trade_timeouts", job); err != nil || moved != 0 {
		t.Fatalf("expected a skipped run, got %d, %v", moved, err)
	}
	_ = release(ctx)
	if moved, err := sched.Run(ctx, "trade_timeouts", job); err != nil || moved != 2 {
		t.Fatalf("expected 2 moved, got %d, %v", moved, err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if got := testutil.ToFloat64(m.SweepRuns.WithLabelValues("trade_timeouts", "skipped")); got != 1 {
		t.Fatalf("expected one skipped run, got %v", got)
	}
	if got := testutil.ToFloat64(m.SweepTransitions.WithLabelValues("trade_timeouts")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
}

func TestRunReportsJobErrorAndReleasesLock(t *testing.T) {
	sched := NewScheduler(nil, time.Minute, nil, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := sched.Run(ctx, "engine_inbox_retry", func(context.Context, time.Time) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if moved, err := sched.Run(ctx, "engine_inbox_retry", func(context.Context, time.Time) (int, error) { return 1, nil }); err != nil || moved != 1 {
		t.Fatalf("expected lock released after failure, got %d, %v", moved, err)
	}
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	sched := NewScheduler(nil, 0, nil, nil)
	if err := sched.Register("x", "not a schedule", func(context.Context, time.Time) (int, error) { return 0, nil }); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := sched.Register("x", "@every 1m", func(context.Context, time.Time) (int, error) { return 0, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

type drainer struct{ calls int }

func (d *drainer) Drain(context.Context, time.Time) (int, error) {
	d.calls++
	return 3, nil
}

func TestTradeSweepRunsThroughScheduler(t *testing.T) {
	repo := trade.NewMemoryRepository()
	svc := trade.NewService(repo, trade.Satellites{}, nil, nil, config.Default().Trade, nil, nil)
	ctx := context.Background()
	tr, err := svc.Open(ctx, trade.OpenInput{
		OfferID: "offer-1", BuyerID: "buyer", SellerID: "seller",
		CoinCurrency: "USDT", FiatCurrency: "XAF",
		CoinAmount: decimal.RequireFromString("1"), Price: decimal.RequireFromString("600"),
		TakerSide: "buyer",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stale, _ := repo.Get(ctx, tr.ID)
	stale.StatusChangedAt = stale.StatusChangedAt.Add(-time.Hour)
	if _, err := repo.Update(ctx, stale); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	relay := &drainer{}
	jobs := Sweeps{Trades: svc, Outbox: relay}.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(jobs))
	}
	sched := NewScheduler(nil, time.Minute, nil, nil)
	if moved, err := sched.Run(ctx, "trade_timeouts", jobs["trade_timeouts"]); err != nil || moved != 1 {
		t.Fatalf("expected one trade moved, got %d, %v", moved, err)
	}
	if moved, err := sched.Run(ctx, "trade_timeouts", jobs["trade_timeouts"]); err != nil || moved != 0 {
		t.Fatalf("expected the second run to be a no-op, got %d, %v", moved, err)
	}
	got, _ := repo.Get(ctx, tr.ID)
	if got.Status != trade.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if moved, _ := sched.Run(ctx, relayJob, jobs[relayJob]); moved != 3 || relay.calls != 1 {
		t.Fatalf("expected relay drained once, got %d moved, %d calls", moved, relay.calls)
	}
}
