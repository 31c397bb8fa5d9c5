// Package persist holds the storage conventions shared by every repository:
// not-found and optimistic-concurrency errors, a retry helper for
// compare-and-swap updates, and the Postgres error helpers.
package persist

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a compare-and-swap update observes a
	// version other than the one the caller loaded.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate is returned when a uniqueness constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate record")
)

// RetryOnConflict runs fn until it succeeds, returns an error other than
// ErrVersionConflict, or attempts are exhausted.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return err
}

// NotFound maps pgx.ErrNoRows onto ErrNotFound.
func NotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
