package fiat

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

// DepositRepository persists deposits. Update is a compare-and-swap on Version.
type DepositRepository interface {
	Create(ctx context.Context, d Deposit) error
	Get(ctx context.Context, id string) (Deposit, error)
	Update(ctx context.Context, d Deposit) (Deposit, error)
	ListDue(ctx context.Context, status DepositStatus, before time.Time, limit int) ([]Deposit, error)
}

// WithdrawalRepository persists withdrawals. Update is a compare-and-swap on Version.
type WithdrawalRepository interface {
	Create(ctx context.Context, w Withdrawal) error
	Get(ctx context.Context, id string) (Withdrawal, error)
	Update(ctx context.Context, w Withdrawal) (Withdrawal, error)
}

// PostgresDepositRepository stores deposits in PostgreSQL.
type PostgresDepositRepository struct {
	db *pgxpool.Pool
}

// NewPostgresDepositRepository builds a deposit repository backed by PostgreSQL.
func NewPostgresDepositRepository(db *pgxpool.Pool) *PostgresDepositRepository {
	return &PostgresDepositRepository{db: db}
}

const depositColumns = `id, owner_id, currency, amount::text, fee::text, amount_after_fee::text,
        bank_reference, trade_id, operation_id, status, status_changed_at, processed_at,
        version, created_at, updated_at`

func (r *PostgresDepositRepository) Create(ctx context.Context, d Deposit) error {
	_, err := r.db.Exec(ctx, `INSERT INTO fiat_deposits (id, owner_id, currency, amount, fee, amount_after_fee,
            bank_reference, trade_id, operation_id, status, status_changed_at, processed_at,
            version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.OwnerID, d.Currency, d.Amount.String(), d.Fee.String(), d.AmountAfterFee.String(),
		d.BankReference, d.TradeID, d.OperationID, string(d.Status), d.StatusChangedAt, d.ProcessedAt,
		d.Version, d.CreatedAt, d.UpdatedAt)
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: deposit %s", persist.ErrDuplicate, d.ID)
	}
	return err
}

func (r *PostgresDepositRepository) Get(ctx context.Context, id string) (Deposit, error) {
	d, err := scanDeposit(r.db.QueryRow(ctx, `SELECT `+depositColumns+` FROM fiat_deposits WHERE id = $1`, id))
	return d, persist.NotFound(err)
}

func (r *PostgresDepositRepository) Update(ctx context.Context, d Deposit) (Deposit, error) {
	d.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE fiat_deposits SET status = $3, bank_reference = $4, trade_id = $5,
            status_changed_at = $6, processed_at = $7, version = version + 1, updated_at = $8
        WHERE id = $1 AND version = $2`,
		d.ID, d.Version, string(d.Status), d.BankReference, d.TradeID, d.StatusChangedAt, d.ProcessedAt, d.UpdatedAt)
	if err != nil {
		return Deposit{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, d.ID); errors.Is(getErr, persist.ErrNotFound) {
			return Deposit{}, getErr
		}
		return Deposit{}, persist.ErrVersionConflict
	}
	d.Version++
	return d, nil
}

func (r *PostgresDepositRepository) ListDue(ctx context.Context, status DepositStatus, before time.Time, limit int) ([]Deposit, error) {
	rows, err := r.db.Query(ctx, `SELECT `+depositColumns+` FROM fiat_deposits
        WHERE status = $1 AND status_changed_at <= $2
        ORDER BY status_changed_at LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeposit(row pgx.Row) (Deposit, error) {
	var (
		d                     Deposit
		status                string
		amount, fee, afterFee string
	)
	err := row.Scan(&d.ID, &d.OwnerID, &d.Currency, &amount, &fee, &afterFee,
		&d.BankReference, &d.TradeID, &d.OperationID, &status, &d.StatusChangedAt, &d.ProcessedAt,
		&d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Deposit{}, err
	}
	d.Status = DepositStatus(status)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return Deposit{}, fmt.Errorf("parse deposit amount: %w", err)
	}
	if d.Fee, err = decimal.NewFromString(fee); err != nil {
		return Deposit{}, fmt.Errorf("parse deposit fee: %w", err)
	}
	if d.AmountAfterFee, err = decimal.NewFromString(afterFee); err != nil {
		return Deposit{}, fmt.Errorf("parse deposit amount after fee: %w", err)
	}
	return d, nil
}

// PostgresWithdrawalRepository stores withdrawals in PostgreSQL.
type PostgresWithdrawalRepository struct {
	db *pgxpool.Pool
}

// NewPostgresWithdrawalRepository builds a withdrawal repository backed by PostgreSQL.
func NewPostgresWithdrawalRepository(db *pgxpool.Pool) *PostgresWithdrawalRepository {
	return &PostgresWithdrawalRepository{db: db}
}

const withdrawalColumns = `id, owner_id, currency, amount::text, fee::text,
        bank_account_name, bank_account_number, bank_code, trade_id, operation_id, status,
        attempts, bank_reference, last_error, status_changed_at, processed_at,
        version, created_at, updated_at`

func (r *PostgresWithdrawalRepository) Create(ctx context.Context, w Withdrawal) error {
	_, err := r.db.Exec(ctx, `INSERT INTO fiat_withdrawals (id, owner_id, currency, amount, fee,
            bank_account_name, bank_account_number, bank_code, trade_id, operation_id, status,
            attempts, bank_reference, last_error, status_changed_at, processed_at,
            version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		w.ID, w.OwnerID, w.Currency, w.Amount.String(), w.Fee.String(),
		w.Bank.AccountName, w.Bank.AccountNumber, w.Bank.BankCode, w.TradeID, w.OperationID, string(w.Status),
		w.Attempts, w.BankReference, w.LastError, w.StatusChangedAt, w.ProcessedAt,
		w.Version, w.CreatedAt, w.UpdatedAt)
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: withdrawal %s", persist.ErrDuplicate, w.ID)
	}
	return err
}

func (r *PostgresWithdrawalRepository) Get(ctx context.Context, id string) (Withdrawal, error) {
	w, err := scanWithdrawal(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM fiat_withdrawals WHERE id = $1`, id))
	return w, persist.NotFound(err)
}

func (r *PostgresWithdrawalRepository) Update(ctx context.Context, w Withdrawal) (Withdrawal, error) {
	w.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE fiat_withdrawals SET status = $3, attempts = $4, bank_reference = $5,
            last_error = $6, trade_id = $7, status_changed_at = $8, processed_at = $9,
            version = version + 1, updated_at = $10
        WHERE id = $1 AND version = $2`,
		w.ID, w.Version, string(w.Status), w.Attempts, w.BankReference, w.LastError, w.TradeID,
		w.StatusChangedAt, w.ProcessedAt, w.UpdatedAt)
	if err != nil {
		return Withdrawal{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, w.ID); errors.Is(getErr, persist.ErrNotFound) {
			return Withdrawal{}, getErr
		}
		return Withdrawal{}, persist.ErrVersionConflict
	}
	w.Version++
	return w, nil
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w           Withdrawal
		status      string
		amount, fee string
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &amount, &fee,
		&w.Bank.AccountName, &w.Bank.AccountNumber, &w.Bank.BankCode, &w.TradeID, &w.OperationID, &status,
		&w.Attempts, &w.BankReference, &w.LastError, &w.StatusChangedAt, &w.ProcessedAt,
		&w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Withdrawal{}, err
	}
	w.Status = WithdrawalStatus(status)
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return Withdrawal{}, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	if w.Fee, err = decimal.NewFromString(fee); err != nil {
		return Withdrawal{}, fmt.Errorf("parse withdrawal fee: %w", err)
	}
	return w, nil
}
