package balancelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/persist"
)

// Repository persists balance locks. Update is a compare-and-swap on Version.
type Repository interface {
	Create(ctx context.Context, lock BalanceLock) error
	Get(ctx context.Context, id string) (BalanceLock, error)
	Update(ctx context.Context, lock BalanceLock) (BalanceLock, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]BalanceLock, error)
}

// PostgresRepository stores balance locks in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const lockColumns = `id, owner_id, locked_balances, frozen_balances, status, engine_lock_id,
        locked_at, unlocked_at, operation_ids, version, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, lock BalanceLock) error {
	locked, frozen, err := encodeAmounts(lock)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO balance_locks (`+lockColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		lock.ID, lock.OwnerID, locked, frozen, string(lock.Status), lock.EngineLockID,
		lock.LockedAt, lock.UnlockedAt, operationIDs(lock), lock.Version, lock.CreatedAt, lock.UpdatedAt)
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: balance lock %s", persist.ErrDuplicate, lock.ID)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (BalanceLock, error) {
	lock, err := scanLock(r.db.QueryRow(ctx, `SELECT `+lockColumns+` FROM balance_locks WHERE id = $1`, id))
	if err != nil {
		return BalanceLock{}, persist.NotFound(err)
	}
	return lock, nil
}

func (r *PostgresRepository) Update(ctx context.Context, lock BalanceLock) (BalanceLock, error) {
	locked, frozen, err := encodeAmounts(lock)
	if err != nil {
		return BalanceLock{}, err
	}
	lock.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE balance_locks
        SET locked_balances = $3, frozen_balances = $4, status = $5, engine_lock_id = $6,
            locked_at = $7, unlocked_at = $8, operation_ids = $9, version = version + 1, updated_at = $10
        WHERE id = $1 AND version = $2`,
		lock.ID, lock.Version, locked, frozen, string(lock.Status), lock.EngineLockID,
		lock.LockedAt, lock.UnlockedAt, operationIDs(lock), lock.UpdatedAt)
	if err != nil {
		return BalanceLock{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, lock.ID); errors.Is(getErr, persist.ErrNotFound) {
			return BalanceLock{}, getErr
		}
		return BalanceLock{}, persist.ErrVersionConflict
	}
	lock.Version++
	return lock, nil
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]BalanceLock, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := r.db.Query(ctx, `SELECT `+lockColumns+` FROM balance_locks
        WHERE status = ANY($1) ORDER BY updated_at LIMIT $2`, names, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BalanceLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

func operationIDs(lock BalanceLock) []string {
	if lock.OperationIDs == nil {
		return []string{}
	}
	return lock.OperationIDs
}

func encodeAmounts(lock BalanceLock) ([]byte, []byte, error) {
	locked, err := json.Marshal(lock.LockedBalances)
	if err != nil {
		return nil, nil, err
	}
	frozen, err := json.Marshal(lock.FrozenBalances)
	if err != nil {
		return nil, nil, err
	}
	return locked, frozen, nil
}

func scanLock(row pgx.Row) (BalanceLock, error) {
	var (
		lock           BalanceLock
		status         string
		locked, frozen []byte
	)
	if err := row.Scan(&lock.ID, &lock.OwnerID, &locked, &frozen, &status, &lock.EngineLockID,
		&lock.LockedAt, &lock.UnlockedAt, &lock.OperationIDs, &lock.Version, &lock.CreatedAt, &lock.UpdatedAt); err != nil {
		return BalanceLock{}, err
	}
	lock.Status = Status(status)
	lock.LockedBalances = map[string]decimal.Decimal{}
	lock.FrozenBalances = map[string]decimal.Decimal{}
	if err := json.Unmarshal(locked, &lock.LockedBalances); err != nil {
		return BalanceLock{}, fmt.Errorf("decode locked balances: %w", err)
	}
	if err := json.Unmarshal(frozen, &lock.FrozenBalances); err != nil {
		return BalanceLock{}, fmt.Errorf("decode frozen balances: %w", err)
	}
	return lock, nil
}
