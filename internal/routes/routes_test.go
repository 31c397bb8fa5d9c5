package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/balancelock"
	"github.com/congo-pay/tradeledger/internal/config"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/trade"
)

const adminToken = "s3cret"

type testApp struct {
	app    *fiber.App
	ledger ledger.Ledger
	trades *trade.Service
}

func newTestApp(t *testing.T) testApp {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	l := ledger.NewInMemory()
	ls := ledger.NewService(l, nil, m, nil)
	ops := operation.NewService(operation.NewMemoryRepository(), ls, m, nil)
	trades := trade.NewService(trade.NewMemoryRepository(), trade.Satellites{}, nil, nil, config.Default().Trade, m, nil)
	locks := balancelock.NewService(balancelock.NewMemoryRepository(), ops, l, nil, m, nil)

	cfg := config.Default()
	cfg.AppEnv = "test"
	cfg.AdminToken = adminToken
	app := fiber.New()
	err := Setup(app, Deps{
		Cfg:      cfg,
		Registry: registry,
		Ledger:   ledger.NewHandler(l),
		Trades:   trade.NewHandler(trades),
		Locks:    balancelock.NewHandler(locks),
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	return testApp{app: app, ledger: l, trades: trades}
}

func (a testApp) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if strings.Contains(path, "/admin/") {
		req.Header.Set("X-Admin-Token", adminToken)
		req.Header.Set("X-Admin-ID", "ops-1")
	}
	resp, err := a.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestSetupRequiresHandlers(t *testing.T) {
	cfg := config.Default()
	cfg.AppEnv = "test"
	if err := Setup(fiber.New(), Deps{Cfg: cfg}); err == nil {
		t.Fatalf("expected an error without handlers")
	}
}

func TestAdminResolvesDispute(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	tr, err := a.trades.Open(ctx, trade.OpenInput{
		OfferID: "offer-1", BuyerID: "buyer", SellerID: "seller",
		CoinCurrency: "USDT", FiatCurrency: "XAF",
		CoinAmount: decimal.RequireFromString("1"), Price: decimal.RequireFromString("600"),
		TakerSide: "buyer",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.trades.MarkPaid(ctx, tr.ID, trade.User("buyer")); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := a.trades.Dispute(ctx, tr.ID, trade.User("seller"), "no money received"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	status, body := a.do(t, fiber.MethodPost, "/api/v1/admin/trades/"+tr.ID+"/resolve", `{"outcome":"buyer","notes":" refund "}`)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	if body["status"] != string(trade.StatusResolvedForBuyer) || body["admin_notes"] != "refund" {
		t.Fatalf("unexpected body %v", body)
	}

	status, _ = a.do(t, fiber.MethodPost, "/api/v1/admin/trades/"+tr.ID+"/resolve", `{"outcome":"seller"}`)
	if status != fiber.StatusConflict {
		t.Fatalf("expected 409 for a second resolution, got %d", status)
	}
	status, _ = a.do(t, fiber.MethodPost, "/api/v1/admin/trades/"+tr.ID+"/resolve", `{"outcome":"nobody"}`)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an unknown outcome, got %d", status)
	}
	status, _ = a.do(t, fiber.MethodGet, "/api/v1/admin/trades/missing", "")
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestAdminLockOverrideAndLedgerQueries(t *testing.T) {
	a := newTestApp(t)
	ledger.SeedBalance(a.ledger, "alice", "USDT", decimal.RequireFromString("100"))

	status, body := a.do(t, fiber.MethodPost, "/api/v1/admin/balance-locks", `{"owner_id":"alice","locked_balances":{"usdt":"40"}}`)
	if status != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", status, body)
	}
	lockID, _ := body["id"].(string)

	status, body = a.do(t, fiber.MethodGet, "/api/v1/owners/alice/balances", "")
	if status != fiber.StatusOK {
		t.Fatalf("balances: %d", status)
	}
	balances, _ := body["balances"].([]any)
	if len(balances) != 1 || balances[0].(map[string]any)["available"] != "60" {
		t.Fatalf("unexpected balances %v", body)
	}

	status, body = a.do(t, fiber.MethodPost, "/api/v1/admin/balance-locks/"+lockID+"/release", "")
	if status != fiber.StatusOK || body["status"] != string(balancelock.StatusReleased) {
		t.Fatalf("release: %d %v", status, body)
	}

	status, body = a.do(t, fiber.MethodGet, "/api/v1/owners/alice/entries?type=unlock", "")
	if status != fiber.StatusOK || body["total"] != float64(1) {
		t.Fatalf("entries: %d %v", status, body)
	}
}

func TestAdminCanRetryOrReleasePartialLock(t *testing.T) {
	a := newTestApp(t)
	ledger.SeedBalance(a.ledger, "bob", "ETH", decimal.RequireFromString("2"))
	ledger.SeedBalance(a.ledger, "bob", "USDT", decimal.RequireFromString("10"))

	status, body := a.do(t, fiber.MethodPost, "/api/v1/admin/balance-locks", `{"owner_id":"bob","locked_balances":{"eth":"1","usdt":"50"}}`)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %v", status, body)
	}
	lock, _ := body["lock"].(map[string]any)
	lockID, _ := lock["id"].(string)
	if lockID == "" || lock["status"] != string(balancelock.StatusPending) {
		t.Fatalf("expected the pending lock in the body, got %v", body)
	}

	status, _ = a.do(t, fiber.MethodPost, "/api/v1/admin/balance-locks/"+lockID+"/lock", "")
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("retry without funds: expected 422, got %d", status)
	}

	status, body = a.do(t, fiber.MethodPost, "/api/v1/admin/balance-locks/"+lockID+"/release", "")
	if status != fiber.StatusOK || body["status"] != string(balancelock.StatusReleased) {
		t.Fatalf("release: %d %v", status, body)
	}
	eth, _ := a.ledger.Account(context.Background(), ledger.MainAccount("bob", "ETH"))
	if !eth.FrozenBalance.IsZero() {
		t.Fatalf("ETH still frozen: %s", eth.FrozenBalance)
	}
}

func TestAdminSurfaceRejectsMissingToken(t *testing.T) {
	a := newTestApp(t)
	resp, err := a.app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/admin/trades/x", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)
	resp, err := a.app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
