package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/tradeledger/internal/logging"
)

func newReplayCache(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	return cache
}

func post(t *testing.T, app *fiber.App, path, key, body string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(raw), resp.Header.Get("Idempotent-Replay")
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app := fiber.New()
	app.Use(Idempotency(newReplayCache(t), time.Minute, logging.Discard()))
	app.Post("/resolve", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	if status, _, _ := post(t, app, "/resolve", "", "{}"); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestIdempotencyReplaysRecordedResponse(t *testing.T) {
	calls := 0
	app := fiber.New()
	app.Use(Idempotency(newReplayCache(t), time.Minute, logging.Discard()))
	app.Post("/resolve", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": calls})
	})

	status, first, replayed := post(t, app, "/resolve", "abc123", `{"winner":"buyer"}`)
	if status != fiber.StatusCreated || replayed != "" {
		t.Fatalf("first call: status %d replay %q", status, replayed)
	}
	status, second, replayed := post(t, app, "/resolve", "abc123", `{"winner":"buyer"}`)
	if status != fiber.StatusCreated || replayed != "true" {
		t.Fatalf("retry: status %d replay %q", status, replayed)
	}
	if second != first {
		t.Fatalf("expected replayed body %s, got %s", first, second)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestIdempotencyRejectsKeyReuseWithDifferentBody(t *testing.T) {
	app := fiber.New()
	app.Use(Idempotency(newReplayCache(t), time.Minute, nil))
	app.Post("/resolve", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	if status, _, _ := post(t, app, "/resolve", "k", `{"winner":"buyer"}`); status != fiber.StatusOK {
		t.Fatalf("first call: %d", status)
	}
	if status, _, _ := post(t, app, "/resolve", "k", `{"winner":"seller"}`); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
}

func TestIdempotencyKeysAreScopedByPath(t *testing.T) {
	calls := 0
	app := fiber.New()
	app.Use(Idempotency(newReplayCache(t), time.Minute, nil))
	handler := func(c *fiber.Ctx) error {
		calls++
		return c.SendStatus(fiber.StatusCreated)
	}
	app.Post("/a", handler)
	app.Post("/b", handler)

	for _, path := range []string{"/a", "/b", "/a"} {
		if status, _, _ := post(t, app, path, "same-key", ""); status != fiber.StatusCreated {
			t.Fatalf("%s: expected 201, got %d", path, status)
		}
	}
	if calls != 2 {
		t.Fatalf("expected the handler to run once per path, ran %d times", calls)
	}
}

func TestIdempotencyKeysAreScopedByAdmin(t *testing.T) {
	calls := 0
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(AdminIDLocal, c.Get("X-Admin-ID"))
		return c.Next()
	})
	app.Use(Idempotency(newReplayCache(t), time.Minute, nil))
	app.Post("/release", func(c *fiber.Ctx) error {
		calls++
		return c.SendStatus(fiber.StatusOK)
	})

	for _, admin := range []string{"ops-1", "ops-2"} {
		req := httptest.NewRequest(fiber.MethodPost, "/release", nil)
		req.Header.Set(idempotencyKeyHeader, "k")
		req.Header.Set("X-Admin-ID", admin)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: %v", admin, err)
		}
		resp.Body.Close()
	}
	if calls != 2 {
		t.Fatalf("expected one run per admin, got %d", calls)
	}
}

func TestIdempotencyForgetsFailedRequests(t *testing.T) {
	calls := 0
	app := fiber.New()
	app.Use(Idempotency(newReplayCache(t), time.Minute, nil))
	app.Post("/flaky", func(c *fiber.Ctx) error {
		calls++
		if calls == 1 {
			return fiber.NewError(fiber.StatusInternalServerError, "boom")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	for i, want := range []int{fiber.StatusInternalServerError, fiber.StatusOK} {
		if status, _, _ := post(t, app, "/flaky", "retry-me", ""); status != want {
			t.Fatalf("request %d: expected %d got %d", i, want, status)
		}
	}
}
