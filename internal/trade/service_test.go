package trade

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/config"
	"github.com/congo-pay/tradeledger/internal/engine"
	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/notification"
	"github.com/congo-pay/tradeledger/internal/validation"
)

type fakeSatellite struct {
	mu        sync.Mutex
	synced    []string
	processed []string
}

func (f *fakeSatellite) SyncWithTradeStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id+":"+status)
	return nil
}

func (f *fakeSatellite) ProcessForTrade(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
	return nil
}

type fixture struct {
	svc       *Service
	repo      Repository
	events    *engine.Recorder
	notes     *notification.Recorder
	withdraws *fakeSatellite
}

func newFixture(timeouts config.TradeTimeouts) fixture {
	repo := NewMemoryRepository()
	events := &engine.Recorder{}
	notes := &notification.Recorder{}
	withdraws := &fakeSatellite{}
	svc := NewService(repo, Satellites{Withdrawals: withdraws}, notes, events, timeouts, nil, nil)
	return fixture{svc: svc, repo: repo, events: events, notes: notes, withdraws: withdraws}
}

func defaultFixture() fixture {
	return newFixture(config.Default().Trade)
}

func openInput() OpenInput {
	return OpenInput{
		OfferID:      "offer-1",
		BuyerID:      "buyer",
		SellerID:     "seller",
		CoinCurrency: "usdt",
		FiatCurrency: "xaf",
		CoinAmount:   decimal.RequireFromString("2"),
		Price:        decimal.RequireFromString("600"),
		FeeRatio:     decimal.RequireFromString("0.01"),
		TakerSide:    "buyer",
	}
}

func (f fixture) open(t *testing.T, in OpenInput) Trade {
	t.Helper()
	tr, err := f.svc.Open(context.Background(), in)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return tr
}

// backdate moves the trade's status clock into the past.
func (f fixture) backdate(t *testing.T, id string, by time.Duration) {
	t.Helper()
	ctx := context.Background()
	tr, err := f.repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tr.StatusChangedAt = tr.StatusChangedAt.Add(-by)
	tr.CreatedAt = tr.CreatedAt.Add(-by)
	if tr.PaidAt != nil {
		paid := tr.PaidAt.Add(-by)
		tr.PaidAt = &paid
	}
	if _, err := f.repo.Update(ctx, tr); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestOpenComputesAmountsAndAnnouncesTrade(t *testing.T) {
	f := defaultFixture()
	tr := f.open(t, openInput())

	if tr.Status != StatusUnpaid {
		t.Fatalf("expected unpaid, got %s", tr.Status)
	}
	if !tr.FiatAmount.Equal(decimal.RequireFromString("1200")) {
		t.Fatalf("unexpected fiat amount %s", tr.FiatAmount)
	}
	if !tr.CoinTradingFee.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("unexpected fee %s", tr.CoinTradingFee)
	}
	if tr.CoinCurrency != "USDT" || tr.Ref == "" {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if n := f.events.Count(engine.OperationTrade, engine.ActionCreate); n != 1 {
		t.Fatalf("expected one create event, got %d", n)
	}
}

func TestOpenRejectsSelfTrade(t *testing.T) {
	f := defaultFixture()
	in := openInput()
	in.SellerID = in.BuyerID
	if _, err := f.svc.Open(context.Background(), in); !errors.Is(err, validation.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReleaseFromAwaitingFails(t *testing.T) {
	f := defaultFixture()
	in := openInput()
	in.FiatWithdrawalID = "wd-1"
	tr := f.open(t, in)
	if tr.Status != StatusAwaiting {
		t.Fatalf("expected awaiting, got %s", tr.Status)
	}

	_, err := f.svc.Release(context.Background(), tr.ID, User("seller"))
	if !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := f.repo.Get(context.Background(), tr.ID)
	if got.Status != StatusAwaiting || got.Version != tr.Version {
		t.Fatalf("trade changed: %+v", got)
	}
}

func TestOnlyBuyerMarksPaid(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())

	if _, err := f.svc.MarkPaid(ctx, tr.ID, User("seller")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.MarkPaid(ctx, tr.ID, Admin("root")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin may only pay fiat-token trades, got %v", err)
	}
	paid, err := f.svc.MarkPaid(ctx, tr.ID, User("buyer"))
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != StatusPaid || paid.PaidAt == nil {
		t.Fatalf("unexpected trade %+v", paid)
	}
}

func TestDisputeRequiresReasonFromParties(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())
	if _, err := f.svc.MarkPaid(ctx, tr.ID, User("buyer")); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	if _, err := f.svc.Dispute(ctx, tr.ID, User("seller"), "   "); !errors.Is(err, validation.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	disputed, err := f.svc.Dispute(ctx, tr.ID, User("seller"), "no payment received")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.DisputedAt == nil || disputed.DisputeReason != "no payment received" {
		t.Fatalf("unexpected trade %+v", disputed)
	}
}

func TestReleaseBySellerCompletesTrade(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())
	if _, err := f.svc.MarkPaid(ctx, tr.ID, User("buyer")); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, err := f.svc.Release(ctx, tr.ID, User("buyer")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	released, err := f.svc.Release(ctx, tr.ID, User("seller"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased || released.ReleasedAt == nil {
		t.Fatalf("unexpected trade %+v", released)
	}
	if n := f.events.Count(engine.OperationTrade, engine.ActionComplete); n != 1 {
		t.Fatalf("expected one complete event, got %d", n)
	}
	// paid and released, each sent to both parties
	if n := len(f.notes.Messages()); n != 4 {
		t.Fatalf("expected 4 notifications, got %d", n)
	}
}

func TestResolvedForSellerCanBeReleasedByAnyone(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())
	if _, err := f.svc.MarkPaid(ctx, tr.ID, User("buyer")); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, err := f.svc.Dispute(ctx, tr.ID, User("buyer"), "coins not released"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.svc.ResolveForSeller(ctx, tr.ID, User("seller"), ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("parties cannot resolve, got %v", err)
	}
	resolved, err := f.svc.ResolveForSeller(ctx, tr.ID, Admin("root"), " bank statement checked ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.AdminNotes != "bank statement checked" || resolved.DisputeResolution != string(StatusResolvedForSeller) {
		t.Fatalf("unexpected trade %+v", resolved)
	}
	if resolved.Status.Closed() {
		t.Fatalf("resolved for seller must stay open for release")
	}
	if _, err := f.svc.Release(ctx, tr.ID, User("buyer")); err != nil {
		t.Fatalf("release after resolution: %v", err)
	}
}

func TestResolvedForBuyerIsClosed(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())
	_, _ = f.svc.MarkPaid(ctx, tr.ID, User("buyer"))
	_, _ = f.svc.Dispute(ctx, tr.ID, User("buyer"), "seller unresponsive")
	resolved, err := f.svc.ResolveForBuyer(ctx, tr.ID, Admin("root"), "refund")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Status.Closed() {
		t.Fatalf("expected closed status, got %s", resolved.Status)
	}
	if _, err := f.svc.Release(ctx, tr.ID, User("seller")); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExpireDueCancelsStaleUnpaidTradeOnce(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())
	f.backdate(t, tr.ID, 16*time.Minute)

	res, err := f.svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Cancelled != 1 || res.Total() != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := f.repo.Get(ctx, tr.ID)
	if got.Status != StatusCancelled || got.CancelledAt == nil {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	res, err = f.svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil || res.Total() != 0 {
		t.Fatalf("second sweep should be a no-op: %+v %v", res, err)
	}
	if n := f.events.Count(engine.OperationTrade, engine.ActionCancel); n != 1 {
		t.Fatalf("expected exactly one cancel event, got %d", n)
	}
}

func TestExpireDueTimesUnpaidFromOpening(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())

	// Opened 16 minutes ago but confirmed live just now.
	stored, _ := f.repo.Get(ctx, tr.ID)
	stored.CreatedAt = stored.CreatedAt.Add(-16 * time.Minute)
	if _, err := f.repo.Update(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := f.svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil || res.Cancelled != 1 {
		t.Fatalf("expected the stale unpaid trade cancelled, got %+v %v", res, err)
	}
}

func TestExpireDueLeavesFreshTradesAlone(t *testing.T) {
	f := defaultFixture()
	tr := f.open(t, openInput())
	f.backdate(t, tr.ID, 14*time.Minute)

	res, err := f.svc.ExpireDue(context.Background(), time.Now().UTC(), 100)
	if err != nil || res.Total() != 0 {
		t.Fatalf("unexpected sweep %+v %v", res, err)
	}
}

func TestExpireDueEscalatesStalePaidTrade(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	tr := f.open(t, openInput())
	if _, err := f.svc.MarkPaid(ctx, tr.ID, User("buyer")); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	f.backdate(t, tr.ID, 16*time.Minute)

	res, err := f.svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := f.repo.Get(ctx, tr.ID)
	if got.Status != StatusDisputed || got.DisputeReason != systemDisputeReason {
		t.Fatalf("unexpected trade %+v", got)
	}
}

func TestExpireDueAutoCancelsUnconfirmedAwaitingTrade(t *testing.T) {
	f := defaultFixture()
	in := openInput()
	in.FiatWithdrawalID = "wd-1"
	tr := f.open(t, in)
	f.backdate(t, tr.ID, 16*time.Minute)

	res, err := f.svc.ExpireDue(context.Background(), time.Now().UTC(), 100)
	if err != nil || res.AutoCancelled != 1 {
		t.Fatalf("unexpected sweep %+v %v", res, err)
	}
	got, _ := f.repo.Get(context.Background(), tr.ID)
	if got.Status != StatusCancelledAutomatically {
		t.Fatalf("expected cancelled_automatically, got %s", got.Status)
	}
}

func TestExpireDueFlagsThenResolvesLongDisputes(t *testing.T) {
	timeouts := config.Default().Trade
	timeouts.AutoResolveDispute = true
	f := newFixture(timeouts)
	ctx := context.Background()
	tr := f.open(t, openInput())
	_, _ = f.svc.MarkPaid(ctx, tr.ID, User("buyer"))
	if _, err := f.svc.Dispute(ctx, tr.ID, User("buyer"), "no coins"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	f.backdate(t, tr.ID, 73*time.Hour)
	res, err := f.svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil || res.Flagged != 1 || res.Resolved != 0 {
		t.Fatalf("unexpected sweep %+v %v", res, err)
	}
	got, _ := f.repo.Get(ctx, tr.ID)
	if !got.NeedsAdminIntervention || got.Status != StatusDisputed {
		t.Fatalf("expected flagged dispute, got %+v", got)
	}

	f.backdate(t, tr.ID, 24*time.Hour)
	res, err = f.svc.ExpireDue(ctx, time.Now().UTC(), 100)
	if err != nil || res.Flagged != 0 || res.Resolved != 1 {
		t.Fatalf("unexpected sweep %+v %v", res, err)
	}
	got, _ = f.repo.Get(ctx, tr.ID)
	if got.Status != StatusResolvedForSeller {
		t.Fatalf("expected resolved_for_seller, got %s", got.Status)
	}

	attention := 0
	for _, m := range f.notes.Messages() {
		if m.Kind == notification.KindAdminAttention {
			attention++
		}
	}
	if attention != 1 {
		t.Fatalf("expected one admin notification, got %d", attention)
	}
}

func TestTransitionsSyncFiatSatellite(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	in := openInput()
	in.FiatWithdrawalID = "wd-1"
	tr := f.open(t, in)

	if _, err := f.svc.ConfirmLive(ctx, tr.ID, User("buyer")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("users cannot confirm, got %v", err)
	}
	if _, err := f.svc.ConfirmLive(ctx, tr.ID, System); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.MarkPaid(ctx, tr.ID, Admin("ops")); err != nil {
		t.Fatalf("admin pays fiat-token trade: %v", err)
	}
	if _, err := f.svc.Release(ctx, tr.ID, User("seller")); err != nil {
		t.Fatalf("release: %v", err)
	}

	want := []string{"wd-1:unpaid", "wd-1:paid", "wd-1:released"}
	if len(f.withdraws.synced) != len(want) {
		t.Fatalf("unexpected syncs %v", f.withdraws.synced)
	}
	for i := range want {
		if f.withdraws.synced[i] != want[i] {
			t.Fatalf("unexpected syncs %v", f.withdraws.synced)
		}
	}
	if len(f.withdraws.processed) != 1 || f.withdraws.processed[0] != "wd-1" {
		t.Fatalf("expected one processing call, got %v", f.withdraws.processed)
	}
}

func TestCreateCallbackConfirmsAwaitingTrade(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	in := openInput()
	in.FiatDepositID = "dep-1"
	tr := f.open(t, in)

	inbox := engine.NewInbox(engine.NewMemoryInboxStore(), nil, nil)
	f.svc.RegisterCallbacks(inbox)
	payload, err := json.Marshal(engine.NewEvent(engine.OperationTrade, engine.ActionCreate, "engine-1", tr.Ref, "created", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := &sarama.ConsumerMessage{Topic: "engine.callbacks", Value: payload}
	for i := 0; i < 2; i++ {
		if err := inbox.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	got, _ := f.repo.Get(ctx, tr.ID)
	if got.Status != StatusUnpaid {
		t.Fatalf("expected unpaid, got %s", got.Status)
	}
}

func TestCreateCallbackFailureCancelsTrade(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	in := openInput()
	in.FiatDepositID = "dep-1"
	tr := f.open(t, in)

	inbox := engine.NewInbox(engine.NewMemoryInboxStore(), nil, nil)
	f.svc.RegisterCallbacks(inbox)
	payload, _ := json.Marshal(engine.NewEvent(engine.OperationTrade, engine.ActionCreate, "engine-1", tr.Ref, "failed", nil))
	if err := inbox.HandleMessage(ctx, &sarama.ConsumerMessage{Topic: "engine.callbacks", Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := f.repo.Get(ctx, tr.ID)
	if got.Status != StatusCancelledAutomatically {
		t.Fatalf("expected cancelled_automatically, got %s", got.Status)
	}
}
