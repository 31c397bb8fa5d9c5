package persist

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryOnConflictRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("update trade: %w", ErrVersionConflict)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := RetryOnConflict(context.Background(), 5, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected single boom call, got %v after %d calls", err, calls)
	}
}

func TestRetryOnConflictExhausts(t *testing.T) {
	err := RetryOnConflict(context.Background(), 2, func(context.Context) error {
		return ErrVersionConflict
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestErrorHelpers(t *testing.T) {
	if !errors.Is(NotFound(pgx.ErrNoRows), ErrNotFound) {
		t.Fatal("expected ErrNotFound mapping")
	}
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected unique violation")
	}
	if IsUniqueViolation(errors.New("other")) {
		t.Fatal("unexpected unique violation")
	}
}
