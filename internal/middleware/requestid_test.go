package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestRequestIDKeepsCallerValue(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	cases := []struct {
		name string
		in   string
		keep bool
	}{
		{"caller supplied", "req-42", true},
		{"missing", "", false},
		{"oversized", strings.Repeat("x", maxRequestIDBytes+1), false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(fiber.MethodGet, "/", nil)
		if tc.in != "" {
			req.Header.Set(requestIDHeader, tc.in)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		got := resp.Header.Get(requestIDHeader)
		resp.Body.Close()
		if got == "" {
			t.Fatalf("%s: no request id echoed", tc.name)
		}
		if (got == tc.in) != tc.keep {
			t.Fatalf("%s: got %q", tc.name, got)
		}
	}
}
