package trade

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/notification"
	"github.com/congo-pay/tradeledger/internal/persist"
)

// SweepResult counts what one timeout sweep did.
type SweepResult struct {
	AutoCancelled int
	Cancelled     int
	Escalated     int
	Flagged       int
	Resolved      int
	Failed        int
}

// Total is the number of trades the sweep changed.
func (r SweepResult) Total() int {
	return r.AutoCancelled + r.Cancelled + r.Escalated + r.Flagged + r.Resolved
}

const autoResolveNotes = "resolved automatically after the dispute timeout"

// ExpireDue force-transitions trades that outlived their status deadline.
// Trades another writer already moved are skipped, so running it twice is
// harmless.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (SweepResult, error) {
	var res SweepResult

	steps := []struct {
		status  Status
		timeout time.Duration
		counter *int
		apply   func(Trade) error
	}{
		{StatusAwaiting, s.timeouts.Awaiting, &res.AutoCancelled, func(t Trade) error {
			_, err := s.CancelAutomatically(ctx, t.ID)
			return err
		}},
		{StatusUnpaid, s.timeouts.Unpaid, &res.Cancelled, func(t Trade) error {
			_, err := s.Cancel(ctx, t.ID, System)
			return err
		}},
		{StatusPaid, s.timeouts.Paid, &res.Escalated, func(t Trade) error {
			_, err := s.Dispute(ctx, t.ID, System, "")
			return err
		}},
	}
	for _, step := range steps {
		if step.timeout <= 0 {
			continue
		}
		due, err := s.repo.ListDue(ctx, step.status, now.Add(-step.timeout), limit)
		if err != nil {
			return res, err
		}
		for _, t := range due {
			if s.sweepOne(t, step.apply(t), &res) {
				*step.counter++
			}
		}
	}

	if s.timeouts.Disputed <= 0 {
		return res, nil
	}
	disputed, err := s.repo.ListDue(ctx, StatusDisputed, now.Add(-s.timeouts.Disputed), limit)
	if err != nil {
		return res, err
	}
	resolveBefore := now.Add(-(s.timeouts.Disputed + s.timeouts.AutoResolveAfter))
	for _, t := range disputed {
		if !t.NeedsAdminIntervention {
			flagged, err := s.flagForAdmin(ctx, t)
			if s.sweepOne(t, err, &res) && flagged {
				res.Flagged++
			}
		}
		if s.timeouts.AutoResolveDispute && !t.StatusChangedAt.After(resolveBefore) {
			_, err := s.ResolveForSeller(ctx, t.ID, System, autoResolveNotes)
			if s.sweepOne(t, err, &res) {
				res.Resolved++
			}
		}
	}
	return res, nil
}

// sweepOne reports whether the transition applied. Lost races count as skips.
func (s *Service) sweepOne(t Trade, err error, res *SweepResult) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, fsm.ErrInvalidTransition), errors.Is(err, persist.ErrNotFound):
		return false
	}
	res.Failed++
	s.logger.Error("trade sweep transition failed", "trade_id", t.ID, "status", t.Status, "error", err)
	return false
}

func (s *Service) flagForAdmin(ctx context.Context, t Trade) (bool, error) {
	var flagged bool
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		if current.Status != StatusDisputed || current.NeedsAdminIntervention {
			return nil
		}
		current.NeedsAdminIntervention = true
		if _, err := s.repo.Update(ctx, current); err != nil {
			return err
		}
		flagged = true
		return nil
	})
	if err != nil || !flagged {
		return false, err
	}
	s.logger.Warn("trade needs admin intervention", "trade_id", t.ID, "ref", t.Ref)
	if s.notifier != nil {
		msg := notification.Message{
			Kind:        notification.KindAdminAttention,
			Destination: "admins",
			Body:        "trade " + t.Ref + " has been disputed past its deadline",
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.logger.Warn("admin notification failed", "trade_id", t.ID, "error", err)
		}
	}
	return true, nil
}
