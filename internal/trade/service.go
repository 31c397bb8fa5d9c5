// Package trade drives a peer-to-peer trade from acceptance of an offer to
// release, cancellation or dispute resolution.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/config"
	"github.com/congo-pay/tradeledger/internal/engine"
	"github.com/congo-pay/tradeledger/internal/logging"
	"github.com/congo-pay/tradeledger/internal/metrics"
	"github.com/congo-pay/tradeledger/internal/notification"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/validation"
)

const casAttempts = 5

// ErrForbidden is returned when the actor may not trigger the event.
var ErrForbidden = errors.New("actor not allowed to perform this trade action")

// Satellite is a fiat deposit or withdrawal bound to a trade.
type Satellite interface {
	SyncWithTradeStatus(ctx context.Context, id, tradeStatus string) error
	ProcessForTrade(ctx context.Context, id string) error
}

// Satellites groups the collaborators for fiat-token trades. Either may be nil.
type Satellites struct {
	Deposits    Satellite
	Withdrawals Satellite
}

// Service implements the trade lifecycle.
type Service struct {
	repo       Repository
	satellites Satellites
	notifier   notification.Notifier
	emitter    engine.Emitter
	timeouts   config.TradeTimeouts
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires a trade service.
func NewService(repo Repository, satellites Satellites, notifier notification.Notifier, emitter engine.Emitter,
	timeouts config.TradeTimeouts, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		satellites: satellites,
		notifier:   notifier,
		emitter:    emitter,
		timeouts:   timeouts,
		metrics:    m,
		logger:     logging.OrDiscard(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OpenInput describes a taker accepting an offer.
type OpenInput struct {
	OfferID          string          `json:"offer_id" validate:"required"`
	BuyerID          string          `json:"buyer_id" validate:"required"`
	SellerID         string          `json:"seller_id" validate:"required,nefield=BuyerID"`
	CoinCurrency     string          `json:"coin_currency" validate:"required"`
	FiatCurrency     string          `json:"fiat_currency" validate:"required"`
	CoinAmount       decimal.Decimal `json:"coin_amount" validate:"gt=0"`
	Price            decimal.Decimal `json:"price" validate:"gt=0"`
	FeeRatio         decimal.Decimal `json:"fee_ratio" validate:"gte=0,lt=1"`
	TakerSide        string          `json:"taker_side" validate:"required,oneof=buyer seller"`
	FiatDepositID    string          `json:"fiat_deposit_id"`
	FiatWithdrawalID string          `json:"fiat_withdrawal_id"`
}

// Get loads a trade.
func (s *Service) Get(ctx context.Context, id string) (Trade, error) {
	return s.repo.Get(ctx, id)
}

// GetByRef loads a trade by its reference code.
func (s *Service) GetByRef(ctx context.Context, ref string) (Trade, error) {
	return s.repo.GetByRef(ctx, ref)
}

// Open creates a trade. Fiat-token trades wait in awaiting for the engine to
// confirm them; every other trade starts unpaid.
func (s *Service) Open(ctx context.Context, input OpenInput) (Trade, error) {
	if err := validation.Struct(input); err != nil {
		return Trade{}, err
	}
	if input.FiatDepositID != "" && input.FiatWithdrawalID != "" {
		return Trade{}, validation.Field("fiat_withdrawal_id", "a trade links at most one fiat satellite")
	}
	now := s.now()
	t := Trade{
		ID:               uuid.NewString(),
		Ref:              newRef(),
		OfferID:          input.OfferID,
		BuyerID:          input.BuyerID,
		SellerID:         input.SellerID,
		CoinCurrency:     strings.ToUpper(input.CoinCurrency),
		FiatCurrency:     strings.ToUpper(input.FiatCurrency),
		CoinAmount:       input.CoinAmount,
		FiatAmount:       input.CoinAmount.Mul(input.Price),
		Price:            input.Price,
		FeeRatio:         input.FeeRatio,
		CoinTradingFee:   input.CoinAmount.Mul(input.FeeRatio),
		TakerSide:        input.TakerSide,
		FiatDepositID:    input.FiatDepositID,
		FiatWithdrawalID: input.FiatWithdrawalID,
		Status:           StatusUnpaid,
		StatusChangedAt:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.FiatToken() {
		t.Status = StatusAwaiting
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return Trade{}, err
	}
	s.logger.Info("trade opened", "trade_id", t.ID, "ref", t.Ref, "status", t.Status)
	engine.EmitBestEffort(ctx, s.emitter, s.logger, engine.NewEvent(
		engine.OperationTrade, engine.ActionCreate, t.ID, t.Ref, string(t.Status),
		map[string]any{
			"offerId":      t.OfferID,
			"buyerId":      t.BuyerID,
			"sellerId":     t.SellerID,
			"coinCurrency": t.CoinCurrency,
			"fiatCurrency": t.FiatCurrency,
			"coinAmount":   t.CoinAmount.String(),
			"fiatAmount":   t.FiatAmount.String(),
			"price":        t.Price.String(),
			"tradingFee":   t.CoinTradingFee.String(),
			"takerSide":    t.TakerSide,
		}))
	return t, nil
}

// ConfirmLive moves an awaiting trade to unpaid once the engine confirmed it.
func (s *Service) ConfirmLive(ctx context.Context, id string, actor Actor) (Trade, error) {
	return s.fire(ctx, id, actor, EventConfirm, nil)
}

// MarkPaid records that the buyer sent the fiat payment.
func (s *Service) MarkPaid(ctx context.Context, id string, actor Actor) (Trade, error) {
	return s.fire(ctx, id, actor, EventPay, func(t *Trade, now time.Time) error {
		t.PaidAt = &now
		return nil
	})
}

// systemDisputeReason is recorded when a sweep escalates an unconfirmed payment.
const systemDisputeReason = "payment not confirmed before the paid timeout"

// Dispute opens a dispute. Parties must give a reason; the system may not.
func (s *Service) Dispute(ctx context.Context, id string, actor Actor, reason string) (Trade, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		if !actor.System {
			return Trade{}, validation.Field("dispute_reason", "is required")
		}
		reason = systemDisputeReason
	}
	return s.fire(ctx, id, actor, EventDispute, func(t *Trade, now time.Time) error {
		t.DisputeReason = reason
		t.DisputedAt = &now
		return nil
	})
}

// Release hands the coins to the buyer and processes any fiat satellite.
func (s *Service) Release(ctx context.Context, id string, actor Actor) (Trade, error) {
	return s.fire(ctx, id, actor, EventRelease, func(t *Trade, now time.Time) error {
		t.ReleasedAt = &now
		return nil
	})
}

// Cancel closes an unpaid trade.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (Trade, error) {
	return s.fire(ctx, id, actor, EventCancel, cancelledAt)
}

// Abort closes an unpaid trade that cannot go ahead.
func (s *Service) Abort(ctx context.Context, id string, actor Actor) (Trade, error) {
	return s.fire(ctx, id, actor, EventAbort, cancelledAt)
}

// AbortFiat closes a trade whose fiat satellite failed.
func (s *Service) AbortFiat(ctx context.Context, id string, actor Actor) (Trade, error) {
	return s.fire(ctx, id, actor, EventAbortFiat, cancelledAt)
}

// CancelAutomatically closes an awaiting trade the engine never confirmed.
func (s *Service) CancelAutomatically(ctx context.Context, id string) (Trade, error) {
	return s.fire(ctx, id, System, EventCancelAutomatically, cancelledAt)
}

// ResolveForBuyer settles a dispute in the buyer's favour.
func (s *Service) ResolveForBuyer(ctx context.Context, id string, actor Actor, notes string) (Trade, error) {
	return s.fire(ctx, id, actor, EventResolveForBuyer, resolution(StatusResolvedForBuyer, notes))
}

// ResolveForSeller settles a dispute in the seller's favour. The trade can
// then be released.
func (s *Service) ResolveForSeller(ctx context.Context, id string, actor Actor, notes string) (Trade, error) {
	return s.fire(ctx, id, actor, EventResolveForSeller, resolution(StatusResolvedForSeller, notes))
}

func cancelledAt(t *Trade, now time.Time) error {
	t.CancelledAt = &now
	return nil
}

func resolution(status Status, notes string) func(*Trade, time.Time) error {
	return func(t *Trade, now time.Time) error {
		t.DisputeResolution = string(status)
		t.AdminNotes = strings.TrimSpace(notes)
		t.ResolvedAt = &now
		return nil
	}
}

// authorize checks whether actor may trigger event on t.
func authorize(t Trade, actor Actor, event Event) error {
	role := t.RoleOf(actor)
	allowed := false
	switch event {
	case EventConfirm, EventAbortFiat:
		allowed = role == RoleSystem || role == RoleAdmin
	case EventPay:
		allowed = role == RoleBuyer || (role == RoleAdmin && t.FiatToken())
	case EventDispute, EventCancel, EventAbort:
		allowed = role == RoleBuyer || role == RoleSeller || role == RoleSystem
	case EventRelease:
		allowed = role == RoleSeller || t.DisputeResolution != ""
	case EventCancelAutomatically:
		allowed = role == RoleSystem
	case EventResolveForBuyer, EventResolveForSeller:
		allowed = role == RoleAdmin || role == RoleSystem
	}
	if !allowed {
		return fmt.Errorf("%w: %s as %q on trade %s", ErrForbidden, event, role, t.Ref)
	}
	return nil
}

// fire applies event to the trade under compare-and-swap and then runs the
// transition effects in order: notify parties, sync satellites, process
// satellites on release, emit the engine event.
func (s *Service) fire(ctx context.Context, id string, actor Actor, event Event, mutate func(*Trade, time.Time) error) (Trade, error) {
	var (
		out  Trade
		from Status
	)
	err := persist.RetryOnConflict(ctx, casAttempts, func(ctx context.Context) error {
		t, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		out = t
		next, err := machine.Next(t.Status, event)
		if err != nil {
			return err
		}
		if err := authorize(t, actor, event); err != nil {
			return err
		}
		now := s.now()
		from = t.Status
		t.Status = next
		t.StatusChangedAt = now
		if mutate != nil {
			if err := mutate(&t, now); err != nil {
				return err
			}
		}
		updated, err := s.repo.Update(ctx, t)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		s.metrics.Transition("trade", string(event), "rejected")
		return out, err
	}
	s.metrics.Transition("trade", string(event), "applied")
	s.logger.Info("trade transitioned", "trade_id", out.ID, "ref", out.Ref, "event", event,
		"from", from, "to", out.Status)
	s.afterTransition(ctx, out, event)
	return out, nil
}

func (s *Service) afterTransition(ctx context.Context, t Trade, event Event) {
	s.notifyParties(ctx, t)

	for _, link := range s.links(t) {
		if err := link.satellite.SyncWithTradeStatus(ctx, link.id, string(t.Status)); err != nil {
			s.logger.Error("fiat satellite sync failed", "trade_id", t.ID, "satellite_id", link.id,
				"status", t.Status, "error", err)
		}
		if event != EventRelease {
			continue
		}
		if err := link.satellite.ProcessForTrade(ctx, link.id); err != nil {
			s.logger.Error("fiat satellite processing failed", "trade_id", t.ID, "satellite_id", link.id,
				"error", err)
		}
	}

	engine.EmitBestEffort(ctx, s.emitter, s.logger, engine.NewEvent(
		engine.OperationTrade, actionFor(event), t.ID, t.Ref, string(t.Status),
		map[string]any{
			"buyerId":  t.BuyerID,
			"sellerId": t.SellerID,
			"event":    string(event),
		}))
}

func actionFor(event Event) engine.ActionType {
	switch event {
	case EventRelease:
		return engine.ActionComplete
	case EventCancel, EventCancelAutomatically, EventAbort, EventAbortFiat:
		return engine.ActionCancel
	}
	return engine.ActionUpdate
}

type satelliteLink struct {
	id        string
	satellite Satellite
}

func (s *Service) links(t Trade) []satelliteLink {
	var out []satelliteLink
	if t.FiatDepositID != "" && s.satellites.Deposits != nil {
		out = append(out, satelliteLink{id: t.FiatDepositID, satellite: s.satellites.Deposits})
	}
	if t.FiatWithdrawalID != "" && s.satellites.Withdrawals != nil {
		out = append(out, satelliteLink{id: t.FiatWithdrawalID, satellite: s.satellites.Withdrawals})
	}
	return out
}

func (s *Service) notifyParties(ctx context.Context, t Trade) {
	if s.notifier == nil {
		return
	}
	body := fmt.Sprintf("trade %s is now %s", t.Ref, t.Status)
	for _, user := range []string{t.BuyerID, t.SellerID} {
		msg := notification.Message{Kind: notification.KindTradeStatus, Destination: user, Body: body}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.logger.Warn("trade notification failed", "trade_id", t.ID, "user_id", user, "error", err)
		}
	}
}

// RegisterCallbacks routes engine confirmations for trades.
func (s *Service) RegisterCallbacks(inbox *engine.Inbox) {
	inbox.Register(engine.OperationTrade, engine.ActionCreate, s.onCreated)
}

func (s *Service) onCreated(ctx context.Context, ev engine.Event) error {
	t, err := s.repo.GetByRef(ctx, ev.Identifier)
	if err != nil {
		return err
	}
	if isFailure(ev.Status) {
		switch {
		case machine.Can(t.Status, EventCancelAutomatically):
			_, err = s.CancelAutomatically(ctx, t.ID)
		case machine.Can(t.Status, EventAbort):
			_, err = s.Abort(ctx, t.ID, System)
		}
		return err
	}
	if !machine.Can(t.Status, EventConfirm) {
		return nil
	}
	_, err = s.ConfirmLive(ctx, t.ID, System)
	return err
}

func isFailure(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "failure", "rejected", "error":
		return true
	}
	return false
}

func newRef() string {
	return "T" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:11])
}
