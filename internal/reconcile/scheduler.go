// Package reconcile runs the periodic sweeps that force transitions when
// wall-clock deadlines pass and that keep the engine contract moving.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
)

// Job runs one sweep and reports how many entities it moved.
type Job func(ctx context.Context, now time.Time) (int, error)

// Scheduler runs named jobs on cron schedules, one runner per job at a time.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lease   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler builds a scheduler. A nil locker only guards this process.
func NewScheduler(locker Locker, lease time.Duration, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		locker:  locker,
		lease:   lease,
		metrics: m,
		logger:  logging.OrDiscard(logger),
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register schedules job under name. spec is any expression robfig/cron
// understands, including "@every 1m".
func (s *Scheduler) Register(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Run(s.ctx, name, job); err != nil {
			s.logger.Error("sweep failed", "sweep", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info("sweep scheduled", "sweep", name, "spec", spec)
	return nil
}

// Run executes job once if no other runner holds its lock. A skipped run
// returns zero and no error.
func (s *Scheduler) Run(ctx context.Context, name string, job Job) (int, error) {
	release, ok, err := s.locker.Acquire(ctx, name, s.lease)
	if err != nil {
		s.metrics.Sweep(name, "lock_error", 0, 0)
		return 0, err
	}
	if !ok {
		s.metrics.Sweep(name, "skipped", 0, 0)
		s.logger.Debug("sweep already running elsewhere", "sweep", name)
		return 0, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("sweep lock release failed", "sweep", name, "error", err)
		}
	}()

	started := time.Now()
	moved, err := job(ctx, s.now())
	took := time.Since(started)
	if err != nil {
		s.metrics.Sweep(name, "error", took, moved)
		return moved, fmt.Errorf("sweep %s: %w", name, err)
	}
	s.metrics.Sweep(name, "ok", took, moved)
	if moved > 0 {
		s.logger.Info("sweep finished", "sweep", name, "transitioned", moved, "took", took)
	}
	return moved, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running ones and waits for them to return
// or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
