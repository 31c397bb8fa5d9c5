package balancelock

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/validation"
)

// Handler exposes the manual lock override for admins.
type Handler struct {
	service *Service
}

// NewHandler constructs a balance lock handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type lockResponse struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Status         string            `json:"status"`
	EngineLockID   string            `json:"engine_lock_id,omitempty"`
	LockedBalances map[string]string `json:"locked_balances"`
	FrozenBalances map[string]string `json:"frozen_balances"`
	LockedAt       *time.Time        `json:"locked_at,omitempty"`
	UnlockedAt     *time.Time        `json:"unlocked_at,omitempty"`
}

// Show returns one lock with its drift, if any.
func (h *Handler) Show(c *fiber.Ctx) error {
	lock, err := h.service.Get(c.UserContext(), c.Params("lockId"))
	if err != nil {
		return statusError(err)
	}
	drift, err := h.service.Drift(c.UserContext(), lock.ID)
	if err != nil {
		return statusError(err)
	}
	items := make([]fiber.Map, 0, len(drift))
	for _, d := range drift {
		items = append(items, fiber.Map{"currency": d.Currency, "recorded": d.Recorded.String(), "ledger": d.Ledger.String()})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"lock": toResponse(lock), "drift": items})
}

// Lock freezes a balance snapshot on behalf of an owner.
func (h *Handler) Lock(c *fiber.Ctx) error {
	var req struct {
		OwnerID        string                     `json:"owner_id"`
		LockedBalances map[string]decimal.Decimal `json:"locked_balances"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	lock, err := h.service.Create(c.UserContext(), CreateInput{OwnerID: req.OwnerID, LockedBalances: req.LockedBalances})
	if err != nil {
		return partialError(c, lock, err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(lock))
}

// Retry freezes what a pending lock still misses.
func (h *Handler) Retry(c *fiber.Ctx) error {
	lock, err := h.service.MarkAsLocked(c.UserContext(), c.Params("lockId"))
	if err != nil {
		return partialError(c, lock, err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(lock))
}

// Release gives a lock's frozen balances back without waiting for the engine.
func (h *Handler) Release(c *fiber.Ctx) error {
	lock, err := h.service.Release(c.UserContext(), c.Params("lockId"))
	if err != nil {
		return statusError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(lock))
}

// partialError reports a failed freeze together with the lock it left
// pending, so the caller can retry or release it.
func partialError(c *fiber.Ctx, lock BalanceLock, err error) error {
	fe := statusError(err)
	if lock.ID == "" {
		return fe
	}
	return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message, "lock": toResponse(lock)})
}

func statusError(err error) *fiber.Error {
	switch {
	case errors.Is(err, persist.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, fsm.ErrInvalidTransition), errors.Is(err, persist.ErrVersionConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, validation.ErrValidation):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientFrozenBalance),
		errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}

func toResponse(l BalanceLock) lockResponse {
	return lockResponse{
		ID:             l.ID,
		OwnerID:        l.OwnerID,
		Status:         string(l.Status),
		EngineLockID:   l.EngineLockID,
		LockedBalances: amountStrings(l.LockedBalances),
		FrozenBalances: amountStrings(l.FrozenBalances),
		LockedAt:       l.LockedAt,
		UnlockedAt:     l.UnlockedAt,
	}
}
