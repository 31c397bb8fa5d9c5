package routes

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/tradeledger/internal/balancelock"
	"github.com/congo-pay/tradeledger/internal/config"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/middleware"
	"github.com/congo-pay/tradeledger/internal/trade"
)

// Deps aggregates what the HTTP surface needs. Handlers are built by main,
// which also hands the same services to the engine consumer and the sweeps.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Registry *prometheus.Registry

	Ledger *ledger.Handler
	Trades *trade.Handler
	Locks  *balancelock.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Ledger == nil || d.Trades == nil || d.Locks == nil {
		return fmt.Errorf("ledger, trade and balance lock handlers are required")
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	if d.Registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(d.Registry)))
	}

	api := app.Group("/api/v1")
	RegisterLedgerRoutes(api, d.Ledger)

	admin := api.Group("/admin", middleware.AdminToken(d.Cfg.AdminToken))
	if d.Cache != nil {
		admin.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterAdminRoutes(admin, d.Trades, d.Locks)
	return nil
}

// RegisterLedgerRoutes wires the read-only ledger query surface.
func RegisterLedgerRoutes(r fiber.Router, h *ledger.Handler) {
	r.Get("/owners/:ownerId/balances", h.Balances)
	r.Get("/owners/:ownerId/entries", h.Entries)
}

// RegisterAdminRoutes wires dispute resolution and the manual lock override.
func RegisterAdminRoutes(r fiber.Router, trades *trade.Handler, locks *balancelock.Handler) {
	r.Get("/trades/:tradeId", trades.Show)
	r.Post("/trades/:tradeId/resolve", trades.Resolve)

	r.Post("/balance-locks", locks.Lock)
	r.Get("/balance-locks/:lockId", locks.Show)
	r.Post("/balance-locks/:lockId/lock", locks.Retry)
	r.Post("/balance-locks/:lockId/release", locks.Release)
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
