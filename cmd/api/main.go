package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/congo-pay/tradeledger/internal/balancelock"
	"github.com/congo-pay/tradeledger/internal/coin"
	"github.com/congo-pay/tradeledger/internal/config"
	"github.com/congo-pay/tradeledger/internal/engine"
	"github.com/congo-pay/tradeledger/internal/escrow"
	"github.com/congo-pay/tradeledger/internal/fiat"
	"github.com/congo-pay/tradeledger/internal/infra"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/notification"
	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/reconcile"
	"github.com/congo-pay/tradeledger/internal/routes"
	"github.com/congo-pay/tradeledger/internal/server"
	"github.com/congo-pay/tradeledger/internal/trade"
)

const sweepLease = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName, cfg.AppEnv)
	if err := run(cfg, logger); err != nil {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.MigrationsDir != "" {
		applied, err := infra.Migrate(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied", "files", applied)
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, infra.CacheUsage)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store := ledger.NewPostgresLedger(db)
	ledgerSvc := ledger.NewService(store, notification.NewRedisBroadcaster(cache), m, logger)
	ops := operation.NewService(operation.NewPostgresRepository(db), ledgerSvc, m, logger)
	notifier := notification.NewLoggerNotifier(logger)

	outboxStore := engine.NewPostgresOutboxStore(db)
	outbox := engine.NewOutbox(outboxStore, cfg.CommandTopic, m, logger)

	deposits := fiat.NewDepositService(fiat.NewPostgresDepositRepository(db), ops, fiat.FeeTable(cfg.FiatFees), cfg.Deposit, m, logger)
	withdrawals := fiat.NewWithdrawalService(fiat.NewPostgresWithdrawalRepository(db), ops, ledgerSvc, fiat.StaticBank{},
		fiat.FeeTable(cfg.FiatFees), cfg.WithdrawMaxRetries, m, logger)
	trades := trade.NewService(trade.NewPostgresRepository(db), trade.Satellites{Deposits: deposits, Withdrawals: withdrawals},
		notifier, outbox, cfg.Trade, m, logger)
	deposits.BindTrades(trades)
	withdrawals.BindTrades(trades)

	coins := coin.NewService(coin.NewPostgresRepository(db), ops, ledgerSvc, outbox, notifier, m, logger)
	escrows := escrow.NewService(escrow.NewPostgresRepository(db), ops, outbox, m, logger)
	locks := balancelock.NewService(balancelock.NewPostgresRepository(db), ops, store, outbox, m, logger)

	inbox := engine.NewInbox(engine.NewPostgresInboxStore(db), m, logger)
	trades.RegisterCallbacks(inbox)
	coins.RegisterCallbacks(inbox)
	escrows.RegisterCallbacks(inbox)
	locks.RegisterCallbacks(inbox)

	sweeps := reconcile.Sweeps{
		Trades:    trades,
		Deposits:  deposits,
		Locks:     locks,
		Inbox:     inbox,
		BatchSize: cfg.SweepBatchSize,
	}

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	consumeDone := make(chan struct{})
	close(consumeDone)

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := engine.NewSyncProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("close kafka producer", "error", err)
			}
		}()
		sweeps.Outbox = engine.NewRelay(outboxStore, producer, engine.RelayConfig{
			DeadLetterTopic: cfg.DeadLetterTopic,
			MaxAttempts:     cfg.OutboxAttempts,
			Backoff:         cfg.OutboxBackoff,
			BatchSize:       cfg.SweepBatchSize,
		}, m, logger)

		consumer, err := engine.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		consumeDone = make(chan struct{})
		go func() {
			defer close(consumeDone)
			defer consumer.Close()
			if err := consumer.Consume(consumeCtx, []string{cfg.CallbackTopic}, inbox); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("engine consumer stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("KAFKA_BROKERS not set; engine commands stay in the outbox")
	}

	lockClient, err := infra.NewRedisClient(ctx, cfg.RedisURL, infra.LockUsage)
	if err != nil {
		return fmt.Errorf("connect redis for sweep locks: %w", err)
	}
	defer lockClient.Close()

	sched := reconcile.NewScheduler(reconcile.NewRedisLocker(lockClient), sweepLease, m, logger)
	if err := sweeps.Register(sched, cfg.SweepSchedule, cfg.RelaySchedule); err != nil {
		return fmt.Errorf("register sweeps: %w", err)
	}
	sched.Start()

	srv, err := server.New(routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Logger:   logger,
		Registry: registry,
		Ledger:   ledger.NewHandler(store),
		Trades:   trade.NewHandler(trades),
		Locks:    balancelock.NewHandler(locks),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	stopConsume()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("stop scheduler", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	select {
	case <-consumeDone:
	case <-shutdownCtx.Done():
		logger.Warn("engine consumer did not stop in time")
	}
	return nil
}
