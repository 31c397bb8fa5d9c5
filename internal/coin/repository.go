package coin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/tradeledger/internal/operation"
	"github.com/congo-pay/tradeledger/internal/persist"
)

// Repository persists coin deposits and withdrawals. Updates are a
// compare-and-swap on Version.
type Repository interface {
	CreateDeposit(ctx context.Context, d Deposit) error
	GetDeposit(ctx context.Context, id string) (Deposit, error)
	DepositByTxHash(ctx context.Context, currency, networkLayer, txHash string) (Deposit, error)
	UpdateDeposit(ctx context.Context, d Deposit) (Deposit, error)

	CreateWithdrawal(ctx context.Context, w Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w Withdrawal) (Withdrawal, error)
}

// PostgresRepository stores coin movements in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const depositColumns = `id, owner_id, currency, network_layer, amount::text, tx_hash, operation_id, status,
        version, created_at, updated_at`

func (r *PostgresRepository) CreateDeposit(ctx context.Context, d Deposit) error {
	_, err := r.db.Exec(ctx, `INSERT INTO coin_deposits (id, owner_id, currency, network_layer, amount, tx_hash,
            operation_id, status, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.OwnerID, d.Currency, d.NetworkLayer, d.Amount.String(), d.TxHash,
		d.OperationID, string(d.Status), d.Version, d.CreatedAt, d.UpdatedAt)
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: deposit tx %s", persist.ErrDuplicate, d.TxHash)
	}
	return err
}

func (r *PostgresRepository) GetDeposit(ctx context.Context, id string) (Deposit, error) {
	d, err := scanDeposit(r.db.QueryRow(ctx, `SELECT `+depositColumns+` FROM coin_deposits WHERE id = $1`, id))
	return d, persist.NotFound(err)
}

func (r *PostgresRepository) DepositByTxHash(ctx context.Context, currency, networkLayer, txHash string) (Deposit, error) {
	d, err := scanDeposit(r.db.QueryRow(ctx, `SELECT `+depositColumns+` FROM coin_deposits
        WHERE currency = $1 AND network_layer = $2 AND tx_hash = $3`, currency, networkLayer, txHash))
	return d, persist.NotFound(err)
}

func (r *PostgresRepository) UpdateDeposit(ctx context.Context, d Deposit) (Deposit, error) {
	d.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE coin_deposits SET status = $3, version = version + 1, updated_at = $4
        WHERE id = $1 AND version = $2`, d.ID, d.Version, string(d.Status), d.UpdatedAt)
	if err != nil {
		return Deposit{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetDeposit(ctx, d.ID); errors.Is(getErr, persist.ErrNotFound) {
			return Deposit{}, getErr
		}
		return Deposit{}, persist.ErrVersionConflict
	}
	d.Version++
	return d, nil
}

const withdrawalColumns = `id, owner_id, currency, network_layer, amount::text, fee::text, address, tx_hash,
        operation_id, status, version, created_at, updated_at`

func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, w Withdrawal) error {
	_, err := r.db.Exec(ctx, `INSERT INTO coin_withdrawals (id, owner_id, currency, network_layer, amount, fee,
            address, tx_hash, operation_id, status, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.OwnerID, w.Currency, w.NetworkLayer, w.Amount.String(), w.Fee.String(),
		w.Address, w.TxHash, w.OperationID, string(w.Status), w.Version, w.CreatedAt, w.UpdatedAt)
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: withdrawal %s", persist.ErrDuplicate, w.ID)
	}
	return err
}

func (r *PostgresRepository) GetWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	w, err := scanWithdrawal(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM coin_withdrawals WHERE id = $1`, id))
	return w, persist.NotFound(err)
}

func (r *PostgresRepository) UpdateWithdrawal(ctx context.Context, w Withdrawal) (Withdrawal, error) {
	w.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE coin_withdrawals SET status = $3, tx_hash = $4, version = version + 1, updated_at = $5
        WHERE id = $1 AND version = $2`, w.ID, w.Version, string(w.Status), w.TxHash, w.UpdatedAt)
	if err != nil {
		return Withdrawal{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetWithdrawal(ctx, w.ID); errors.Is(getErr, persist.ErrNotFound) {
			return Withdrawal{}, getErr
		}
		return Withdrawal{}, persist.ErrVersionConflict
	}
	w.Version++
	return w, nil
}

func scanDeposit(row pgx.Row) (Deposit, error) {
	var (
		d              Deposit
		amount, status string
	)
	err := row.Scan(&d.ID, &d.OwnerID, &d.Currency, &d.NetworkLayer, &amount, &d.TxHash, &d.OperationID, &status,
		&d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Deposit{}, err
	}
	d.Status = operation.Status(status)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return Deposit{}, fmt.Errorf("parse deposit amount: %w", err)
	}
	return d, nil
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w                   Withdrawal
		amount, fee, status string
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &w.NetworkLayer, &amount, &fee, &w.Address, &w.TxHash,
		&w.OperationID, &status, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Withdrawal{}, err
	}
	w.Status = operation.Status(status)
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return Withdrawal{}, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	if w.Fee, err = decimal.NewFromString(fee); err != nil {
		return Withdrawal{}, fmt.Errorf("parse withdrawal fee: %w", err)
	}
	return w, nil
}
