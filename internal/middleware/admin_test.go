package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func adminApp(token string) *fiber.App {
	app := fiber.New()
	app.Get("/admin/ping", AdminToken(token), func(c *fiber.Ctx) error {
		adminID, _ := c.Locals(AdminIDLocal).(string)
		return c.SendString(adminID)
	})
	return app
}

func TestAdminTokenChecks(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		header  string
		adminID string
		want    int
	}{
		{"disabled", "", "anything", "ops-1", fiber.StatusServiceUnavailable},
		{"missing token", "s3cret", "", "ops-1", fiber.StatusUnauthorized},
		{"wrong token", "s3cret", "s3cret!", "ops-1", fiber.StatusUnauthorized},
		{"missing admin id", "s3cret", "s3cret", "", fiber.StatusBadRequest},
		{"ok", "s3cret", "s3cret", "ops-1", fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/admin/ping", nil)
			if tc.header != "" {
				req.Header.Set(adminTokenHeader, tc.header)
			}
			if tc.adminID != "" {
				req.Header.Set(adminIDHeader, tc.adminID)
			}
			resp, err := adminApp(tc.token).Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d got %d", tc.want, resp.StatusCode)
			}
			if tc.want == fiber.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != tc.adminID {
					t.Fatalf("expected admin id %q in locals, got %q", tc.adminID, body)
				}
			}
		})
	}
}
