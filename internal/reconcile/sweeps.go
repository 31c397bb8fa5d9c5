package reconcile

import (
	"context"
	"time"

	"github.com/congo-pay/tradeledger/internal/fiat"
	"github.com/congo-pay/tradeledger/internal/trade"
)

// TradeSweeper expires trades past their deadlines.
type TradeSweeper interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (trade.SweepResult, error)
}

// DepositSweeper expires fiat deposits past their windows.
type DepositSweeper interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (fiat.DepositSweepResult, error)
}

// DriftSweeper compares balance locks with their ledger entries.
type DriftSweeper interface {
	SweepDrift(ctx context.Context, limit int) (int, error)
}

// InboxRetrier re-dispatches failed engine callbacks.
type InboxRetrier interface {
	RetryFailed(ctx context.Context, limit int) (int, error)
}

// OutboxDrainer publishes due outbox records.
type OutboxDrainer interface {
	Drain(ctx context.Context, now time.Time) (int, error)
}

// Sweeps names one sweep per state machine plus the engine plumbing.
// Nil members are not scheduled.
type Sweeps struct {
	Trades    TradeSweeper
	Deposits  DepositSweeper
	Locks     DriftSweeper
	Inbox     InboxRetrier
	Outbox    OutboxDrainer
	BatchSize int
}

// Jobs returns the configured sweeps keyed by name.
func (s Sweeps) Jobs() map[string]Job {
	limit := s.BatchSize
	if limit <= 0 {
		limit = 100
	}
	jobs := make(map[string]Job)
	if s.Trades != nil {
		jobs["trade_timeouts"] = func(ctx context.Context, now time.Time) (int, error) {
			res, err := s.Trades.ExpireDue(ctx, now, limit)
			return res.Total(), err
		}
	}
	if s.Deposits != nil {
		jobs["fiat_deposit_windows"] = func(ctx context.Context, now time.Time) (int, error) {
			res, err := s.Deposits.ExpireDue(ctx, now, limit)
			return res.Total(), err
		}
	}
	if s.Locks != nil {
		jobs["balance_lock_drift"] = func(ctx context.Context, _ time.Time) (int, error) {
			return s.Locks.SweepDrift(ctx, limit)
		}
	}
	if s.Inbox != nil {
		jobs["engine_inbox_retry"] = func(ctx context.Context, _ time.Time) (int, error) {
			return s.Inbox.RetryFailed(ctx, limit)
		}
	}
	if s.Outbox != nil {
		jobs[relayJob] = func(ctx context.Context, now time.Time) (int, error) {
			return s.Outbox.Drain(ctx, now)
		}
	}
	return jobs
}

const relayJob = "engine_outbox_relay"

// Register schedules every sweep. The outbox relay runs on relaySpec, the
// rest on sweepSpec.
func (s Sweeps) Register(sched *Scheduler, sweepSpec, relaySpec string) error {
	for name, job := range s.Jobs() {
		spec := sweepSpec
		if name == relayJob {
			spec = relaySpec
		}
		if err := sched.Register(name, spec, job); err != nil {
			return err
		}
	}
	return nil
}
