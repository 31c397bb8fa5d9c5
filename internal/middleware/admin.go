package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	adminTokenHeader = "X-Admin-Token"
	adminIDHeader    = "X-Admin-ID"

	// AdminIDLocal holds the acting admin's id for handlers.
	AdminIDLocal = "admin_id"
)

// AdminToken guards the admin surface with a static shared token. The
// acting admin names themselves in X-Admin-ID. An empty token disables the
// surface entirely.
func AdminToken(token string) fiber.Handler {
	want := []byte(token)
	return func(c *fiber.Ctx) error {
		if len(want) == 0 {
			return fiber.NewError(http.StatusServiceUnavailable, "admin surface disabled")
		}
		got := []byte(c.Get(adminTokenHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid admin token")
		}
		adminID := strings.TrimSpace(c.Get(adminIDHeader))
		if adminID == "" {
			return fiber.NewError(http.StatusBadRequest, "missing "+adminIDHeader+" header")
		}
		c.Locals(AdminIDLocal, adminID)
		return c.Next()
	}
}
