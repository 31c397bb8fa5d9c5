package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/persist"
)

// Repository persists escrows. Update is a compare-and-swap on Version.
type Repository interface {
	Create(ctx context.Context, e Escrow) error
	Get(ctx context.Context, id string) (Escrow, error)
	Update(ctx context.Context, e Escrow) (Escrow, error)
}

// PostgresRepository stores escrows in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const escrowColumns = `id, merchant_id, currency, amount::text, status, status_explanation,
        operation_ids, version, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, e Escrow) error {
	_, err := r.db.Exec(ctx, `INSERT INTO merchant_escrows (id, merchant_id, currency, amount, status,
            status_explanation, operation_ids, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.MerchantID, e.Currency, e.Amount.String(), string(e.Status), e.StatusExplanation,
		e.OperationIDs, e.Version, e.CreatedAt, e.UpdatedAt)
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: escrow %s", persist.ErrDuplicate, e.ID)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Escrow, error) {
	var (
		e              Escrow
		amount, status string
	)
	err := r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM merchant_escrows WHERE id = $1`, id).Scan(
		&e.ID, &e.MerchantID, &e.Currency, &amount, &status, &e.StatusExplanation,
		&e.OperationIDs, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, persist.ErrNotFound
	}
	if err != nil {
		return Escrow{}, err
	}
	e.Status = Status(status)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return Escrow{}, fmt.Errorf("parse escrow amount: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) Update(ctx context.Context, e Escrow) (Escrow, error) {
	e.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE merchant_escrows SET status = $3, status_explanation = $4,
            operation_ids = $5, version = version + 1, updated_at = $6
        WHERE id = $1 AND version = $2`,
		e.ID, e.Version, string(e.Status), e.StatusExplanation, e.OperationIDs, e.UpdatedAt)
	if err != nil {
		return Escrow{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, e.ID); errors.Is(getErr, persist.ErrNotFound) {
			return Escrow{}, getErr
		}
		return Escrow{}, persist.ErrVersionConflict
	}
	e.Version++
	return e, nil
}
