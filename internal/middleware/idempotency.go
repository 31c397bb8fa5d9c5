package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/tradeledger/internal/logging"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayPrefix         = "admin-replay:"
	replayPending        = "pending"
	replayStoreTimeout   = 2 * time.Second
)

// replay is what a retried admin command gets back.
type replay struct {
	State       string `json:"state"`
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

type replayStore struct {
	cache *redis.Client
	ttl   time.Duration
}

func (s replayStore) load(ctx context.Context, key string) (replay, bool, error) {
	raw, err := s.cache.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return replay{}, false, nil
	}
	if err != nil {
		return replay{}, false, err
	}
	var r replay
	if err := json.Unmarshal(raw, &r); err != nil {
		return replay{}, false, err
	}
	return r, true, nil
}

func (s replayStore) reserve(ctx context.Context, key, fingerprint string) (bool, error) {
	raw, err := json.Marshal(replay{State: replayPending, Fingerprint: fingerprint})
	if err != nil {
		return false, err
	}
	return s.cache.SetNX(ctx, key, raw, s.ttl).Result()
}

func (s replayStore) save(ctx context.Context, key string, r replay) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, raw, s.ttl).Err()
}

func (s replayStore) forget(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), replayStoreTimeout)
	defer cancel()
	s.cache.Del(ctx, key)
}

// Idempotency makes mutating admin commands safe to retry. The first request
// carrying an Idempotency-Key runs; later ones with the same key, actor, method
// and path get the recorded response. Reusing a key with a different body is
// rejected with 422. Responses of 5xx or handler errors are not recorded.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	logger = logging.OrDiscard(logger)
	store := replayStore{cache: cache, ttl: ttl}
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		actor, _ := c.Locals(AdminIDLocal).(string)
		storeKey := replayPrefix + actor + ":" + c.Method() + ":" + c.Path() + ":" + key
		sum := sha256.Sum256(c.Body())
		fingerprint := hex.EncodeToString(sum[:])
		log := logger.With("idempotency_key", key, "path", c.Path())

		ctx, cancel := context.WithTimeout(c.UserContext(), replayStoreTimeout)
		defer cancel()

		prior, found, err := store.load(ctx, storeKey)
		if err != nil {
			log.Error("idempotency lookup failed", "error", err)
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}
		if !found {
			reserved, err := store.reserve(ctx, storeKey, fingerprint)
			if err != nil {
				log.Error("idempotency reservation failed", "error", err)
				return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
			}
			if !reserved {
				return fiber.NewError(fiber.StatusConflict, "request with this Idempotency-Key is in flight")
			}
			return record(c, store, storeKey, fingerprint, log)
		}

		if prior.Fingerprint != fingerprint {
			return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key reused with a different body")
		}
		if prior.State == replayPending {
			return fiber.NewError(fiber.StatusConflict, "request with this Idempotency-Key is in flight")
		}
		if prior.ContentType != "" {
			c.Set(fiber.HeaderContentType, prior.ContentType)
		}
		c.Set("Idempotent-Replay", "true")
		return c.Status(prior.Status).Send(prior.Body)
	}
}

func record(c *fiber.Ctx, store replayStore, storeKey, fingerprint string, log *slog.Logger) error {
	if err := c.Next(); err != nil || c.Response().StatusCode() >= fiber.StatusInternalServerError {
		store.forget(storeKey)
		return err
	}

	resp := c.Response()
	done := replay{
		State:       "done",
		Fingerprint: fingerprint,
		Status:      resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        append([]byte(nil), resp.Body()...),
	}
	ctx, cancel := context.WithTimeout(context.Background(), replayStoreTimeout)
	defer cancel()
	if err := store.save(ctx, storeKey, done); err != nil {
		log.Warn("idempotent response not recorded", "error", err)
		store.forget(storeKey)
	}
	return nil
}
