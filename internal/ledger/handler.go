package ledger

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the read-only ledger query surface.
type Handler struct {
	ledger Ledger
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(l Ledger) *Handler {
	return &Handler{ledger: l}
}

type balanceResponse struct {
	Currency      string    `json:"currency"`
	NetworkLayer  string    `json:"network_layer,omitempty"`
	Kind          string    `json:"kind"`
	Balance       string    `json:"balance"`
	FrozenBalance string    `json:"frozen_balance"`
	Available     string    `json:"available"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type entryResponse struct {
	ID                    string    `json:"id"`
	Currency              string    `json:"currency"`
	TransactionType       string    `json:"transaction_type"`
	Amount                string    `json:"amount"`
	OperationKind         string    `json:"operation_kind,omitempty"`
	OperationID           string    `json:"operation_id,omitempty"`
	SnapshotBalance       string    `json:"snapshot_balance"`
	SnapshotFrozenBalance string    `json:"snapshot_frozen_balance"`
	CreatedAt             time.Time `json:"created_at"`
}

// Balances lists every account of an owner with its available balance.
func (h *Handler) Balances(c *fiber.Ctx) error {
	ownerID := c.Params("ownerId")
	accounts, err := h.ledger.Accounts(c.UserContext(), ownerID)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]balanceResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, balanceResponse{
			Currency:      a.Currency,
			NetworkLayer:  a.NetworkLayer,
			Kind:          string(a.Kind),
			Balance:       a.Balance.String(),
			FrozenBalance: a.FrozenBalance.String(),
			Available:     a.Available().String(),
			UpdatedAt:     a.UpdatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"owner_id": ownerID, "balances": out})
}

// Entries returns paginated ledger history for an owner.
func (h *Handler) Entries(c *fiber.Ctx) error {
	filter := EntryFilter{
		OwnerID:   c.Params("ownerId"),
		Currency:  c.Query("currency"),
		Type:      TransactionType(c.Query("type")),
		Operation: OperationRef{Kind: OperationKind(c.Query("operation_kind")), ID: c.Query("operation_id")},
	}
	var err error
	if v := c.Query("page"); v != "" {
		if filter.Page, err = strconv.Atoi(v); err != nil {
			return fiber.NewError(http.StatusBadRequest, "page must be a number")
		}
	}
	if v := c.Query("per_page"); v != "" {
		if filter.PerPage, err = strconv.Atoi(v); err != nil {
			return fiber.NewError(http.StatusBadRequest, "per_page must be a number")
		}
	}
	if filter.Operation.Kind != "" && !filter.Operation.Kind.Valid() {
		return fiber.NewError(http.StatusBadRequest, "unknown operation_kind")
	}

	page, err := h.ledger.Entries(c.UserContext(), filter)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]entryResponse, 0, len(page.Entries))
	for _, e := range page.Entries {
		out = append(out, entryResponse{
			ID:                    e.ID,
			Currency:              e.Currency,
			TransactionType:       string(e.Type),
			Amount:                e.Amount.String(),
			OperationKind:         string(e.Operation.Kind),
			OperationID:           e.Operation.ID,
			SnapshotBalance:       e.SnapshotBalance.String(),
			SnapshotFrozenBalance: e.SnapshotFrozenBalance.String(),
			CreatedAt:             e.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"entries":  out,
		"page":     page.Page,
		"per_page": page.PerPage,
		"total":    page.Total,
	})
}
