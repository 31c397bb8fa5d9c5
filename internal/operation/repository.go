package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/tradeledger/internal/ledger"
	"github.com/congo-pay/tradeledger/internal/persist"
)

// Repository persists operations. Update is a compare-and-swap on Version and
// returns the stored operation with its new version.
type Repository interface {
	Create(ctx context.Context, op Operation) error
	Get(ctx context.Context, id string) (Operation, error)
	Update(ctx context.Context, op Operation) (Operation, error)
}

// PostgresRepository stores operations in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, op Operation) error {
	payload, err := EncodePayload(op.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO operations
        (id, kind, owner_id, status, status_explanation, payload, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, string(op.Kind), op.OwnerID, string(op.Status), op.StatusExplanation, payload, op.Version,
		op.CreatedAt.UTC(), op.UpdatedAt.UTC())
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: operation %s", persist.ErrDuplicate, op.ID)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Operation, error) {
	var (
		op           Operation
		kind, status string
		payload      []byte
	)
	err := r.db.QueryRow(ctx, `SELECT id, kind, owner_id, status, status_explanation, payload, version, created_at, updated_at
        FROM operations WHERE id = $1`, id).
		Scan(&op.ID, &kind, &op.OwnerID, &status, &op.StatusExplanation, &payload, &op.Version, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return Operation{}, persist.NotFound(err)
	}
	op.Kind = ledger.OperationKind(kind)
	op.Status = Status(status)
	if op.Payload, err = DecodePayload(op.Kind, payload); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (r *PostgresRepository) Update(ctx context.Context, op Operation) (Operation, error) {
	payload, err := EncodePayload(op.Payload)
	if err != nil {
		return Operation{}, err
	}
	op.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE operations
        SET status = $3, status_explanation = $4, payload = $5, version = version + 1, updated_at = $6
        WHERE id = $1 AND version = $2`,
		op.ID, op.Version, string(op.Status), op.StatusExplanation, payload, op.UpdatedAt)
	if err != nil {
		return Operation{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, op.ID); errors.Is(getErr, persist.ErrNotFound) {
			return Operation{}, getErr
		}
		return Operation{}, persist.ErrVersionConflict
	}
	op.Version++
	return op, nil
}
