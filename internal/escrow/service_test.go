package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/engine"
	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/operation"
)

type fixture struct {
	svc    *Service
	ledger ledger.Ledger
	events *engine.Recorder
}

func newFixture() fixture {
	l := ledger.NewInMemory()
	ls := ledger.NewService(l, nil, nil, nil)
	ops := operation.NewService(operation.NewMemoryRepository(), ls, nil, nil)
	events := &engine.Recorder{}
	return fixture{svc: NewService(NewMemoryRepository(), ops, events, nil, nil), ledger: l, events: events}
}

func (f fixture) merchant(t *testing.T) ledger.Account {
	t.Helper()
	acct, err := f.ledger.Account(context.Background(), ledger.MainAccount("shop", "USDT"))
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return acct
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFreezeThenUnfreeze(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "shop", "USDT", dec("100"))

	e, err := f.svc.Freeze(ctx, Input{MerchantID: "shop", Currency: "usdt", Amount: dec("30")})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if e.Status != StatusFrozen || len(e.OperationIDs) != 1 {
		t.Fatalf("unexpected escrow %+v", e)
	}
	if frozen := f.merchant(t).FrozenBalance; !frozen.Equal(dec("30")) {
		t.Fatalf("expected 30 frozen, got %s", frozen)
	}

	if e, err = f.svc.Unfreeze(ctx, e.ID); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := f.svc.Unfreeze(ctx, e.ID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("expected a second unfreeze to be rejected, got %v", err)
	}
	acct := f.merchant(t)
	if !acct.Balance.Equal(dec("100")) || !acct.FrozenBalance.IsZero() {
		t.Fatalf("expected 100 with nothing frozen, got %s/%s", acct.Balance, acct.FrozenBalance)
	}
	if f.events.Count(engine.OperationEscrow, engine.ActionCreate) != 1 || f.events.Count(engine.OperationEscrow, engine.ActionUnlock) != 1 {
		t.Fatalf("unexpected events %+v", f.events.Events())
	}
}

func TestBurnDestroysFrozenFunds(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "shop", "USDT", dec("100"))

	e, err := f.svc.Freeze(ctx, Input{MerchantID: "shop", Currency: "USDT", Amount: dec("30")})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if e, err = f.svc.Burn(ctx, e.ID); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if e.Status != StatusBurned {
		t.Fatalf("expected burned, got %s", e.Status)
	}
	acct := f.merchant(t)
	if !acct.Balance.Equal(dec("70")) || !acct.FrozenBalance.IsZero() {
		t.Fatalf("expected 70 with nothing frozen, got %s/%s", acct.Balance, acct.FrozenBalance)
	}
	page, err := f.ledger.Entries(ctx, ledger.EntryFilter{OwnerID: "shop", Type: ledger.TypeBurn})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if page.Total != 1 || !page.Entries[0].SnapshotFrozenBalance.IsZero() {
		t.Fatalf("expected one burn entry taken after the unlock, got %+v", page.Entries)
	}
}

func TestFreezeWithoutFundsFailsEscrow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "shop", "USDT", dec("10"))

	e, err := f.svc.Freeze(ctx, Input{MerchantID: "shop", Currency: "USDT", Amount: dec("30")})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if e.Status != StatusFailed || e.StatusExplanation == "" {
		t.Fatalf("expected failed escrow with explanation, got %+v", e)
	}
	if f.events.Count(engine.OperationEscrow, engine.ActionCreate) != 0 {
		t.Fatalf("a failed freeze must not be announced")
	}
}

func TestMintIsIdempotentOnEscrowID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	in := Input{EscrowID: "esc-1", MerchantID: "shop", Currency: "USDT", Amount: dec("12")}
	for i := 0; i < 2; i++ {
		e, err := f.svc.Mint(ctx, in)
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if e.ID != "esc-1" || e.Status != StatusMinted {
			t.Fatalf("unexpected escrow %+v", e)
		}
	}
	if bal := f.merchant(t).Balance; !bal.Equal(dec("12")) {
		t.Fatalf("expected 12 minted once, got %s", bal)
	}
}

func TestEngineCompletionBurnsOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ledger.SeedBalance(f.ledger, "shop", "USDT", dec("50"))
	e, err := f.svc.Freeze(ctx, Input{MerchantID: "shop", Currency: "USDT", Amount: dec("20")})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	inbox := engine.NewInbox(engine.NewMemoryInboxStore(), nil, nil)
	f.svc.RegisterCallbacks(inbox)
	for i, actionID := range []string{"e-1", "e-2"} {
		// Distinct action ids share an event id, the second delivery is a duplicate.
		payload, _ := json.Marshal(engine.NewEvent(engine.OperationEscrow, engine.ActionComplete, actionID, e.ID, "completed", nil))
		if err := inbox.HandleMessage(ctx, &sarama.ConsumerMessage{Topic: "engine.callbacks", Value: payload}); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	got, _ := f.svc.Get(ctx, e.ID)
	if got.Status != StatusBurned {
		t.Fatalf("expected burned, got %s", got.Status)
	}
	if bal := f.merchant(t).Balance; !bal.Equal(dec("30")) {
		t.Fatalf("expected 30 left, got %s", bal)
	}
}
