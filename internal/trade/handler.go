package trade

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/middleware"
	"github.com/congo-pay/tradeledger/internal/persist"
	"github.com/congo-pay/tradeledger/internal/validation"
)

// Handler exposes the admin dispute surface.
type Handler struct {
	service *Service
}

// NewHandler constructs a trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type resolveRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=buyer seller"`
	AdminID string `json:"admin_id" validate:"required"`
	Notes   string `json:"notes"`
}

type tradeResponse struct {
	ID                     string     `json:"id"`
	Ref                    string     `json:"ref"`
	Status                 string     `json:"status"`
	BuyerID                string     `json:"buyer_id"`
	SellerID               string     `json:"seller_id"`
	CoinCurrency           string     `json:"coin_currency"`
	CoinAmount             string     `json:"coin_amount"`
	FiatCurrency           string     `json:"fiat_currency"`
	FiatAmount             string     `json:"fiat_amount"`
	DisputeReason          string     `json:"dispute_reason,omitempty"`
	DisputeResolution      string     `json:"dispute_resolution,omitempty"`
	AdminNotes             string     `json:"admin_notes,omitempty"`
	NeedsAdminIntervention bool       `json:"needs_admin_intervention"`
	PaidAt                 *time.Time `json:"paid_at,omitempty"`
	DisputedAt             *time.Time `json:"disputed_at,omitempty"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty"`
}

// Show returns one trade.
func (h *Handler) Show(c *fiber.Ctx) error {
	t, err := h.service.Get(c.UserContext(), c.Params("tradeId"))
	if err != nil {
		return statusError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(t))
}

// Resolve settles a dispute for the buyer or the seller.
func (h *Handler) Resolve(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if adminID, _ := c.Locals(middleware.AdminIDLocal).(string); adminID != "" {
		req.AdminID = adminID
	}
	if err := validation.Struct(req); err != nil {
		return statusError(err)
	}
	resolve := h.service.ResolveForBuyer
	if req.Outcome == "seller" {
		resolve = h.service.ResolveForSeller
	}
	t, err := resolve(c.UserContext(), c.Params("tradeId"), Admin(req.AdminID), req.Notes)
	if err != nil {
		return statusError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(t))
}

func statusError(err error) error {
	switch {
	case errors.Is(err, persist.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, fsm.ErrInvalidTransition), errors.Is(err, persist.ErrVersionConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, validation.ErrValidation):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}

func toResponse(t Trade) tradeResponse {
	return tradeResponse{
		ID:                     t.ID,
		Ref:                    t.Ref,
		Status:                 string(t.Status),
		BuyerID:                t.BuyerID,
		SellerID:               t.SellerID,
		CoinCurrency:           t.CoinCurrency,
		CoinAmount:             t.CoinAmount.String(),
		FiatCurrency:           t.FiatCurrency,
		FiatAmount:             t.FiatAmount.String(),
		DisputeReason:          t.DisputeReason,
		DisputeResolution:      t.DisputeResolution,
		AdminNotes:             t.AdminNotes,
		NeedsAdminIntervention: t.NeedsAdminIntervention,
		PaidAt:                 t.PaidAt,
		DisputedAt:             t.DisputedAt,
		ResolvedAt:             t.ResolvedAt,
	}
}
