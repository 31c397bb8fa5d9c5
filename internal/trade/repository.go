package trade

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

// Repository persists trades. Update is a compare-and-swap on Version.
type Repository interface {
	Create(ctx context.Context, t Trade) error
	Get(ctx context.Context, id string) (Trade, error)
	GetByRef(ctx context.Context, ref string) (Trade, error)
	Update(ctx context.Context, t Trade) (Trade, error)
	// ListDue returns trades in status whose deadline clock (see Trade.DueFrom)
	// started at or before before.
	ListDue(ctx context.Context, status Status, before time.Time, limit int) ([]Trade, error)
}

// PostgresRepository stores trades in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const tradeColumns = `id, ref, offer_id, buyer_id, seller_id, coin_currency, fiat_currency,
        coin_amount::text, fiat_amount::text, price::text, fee_ratio::text, coin_trading_fee::text,
        taker_side, fiat_deposit_id, fiat_withdrawal_id, status,
        dispute_reason, dispute_resolution, admin_notes, needs_admin_intervention,
        paid_at, disputed_at, released_at, cancelled_at, resolved_at, status_changed_at,
        version, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, t Trade) error {
	_, err := r.db.Exec(ctx, `INSERT INTO trades (id, ref, offer_id, buyer_id, seller_id, coin_currency, fiat_currency,
            coin_amount, fiat_amount, price, fee_ratio, coin_trading_fee,
            taker_side, fiat_deposit_id, fiat_withdrawal_id, status,
            dispute_reason, dispute_resolution, admin_notes, needs_admin_intervention,
            paid_at, disputed_at, released_at, cancelled_at, resolved_at, status_changed_at,
            version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
                $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		t.ID, t.Ref, t.OfferID, t.BuyerID, t.SellerID, t.CoinCurrency, t.FiatCurrency,
		t.CoinAmount.String(), t.FiatAmount.String(), t.Price.String(), t.FeeRatio.String(), t.CoinTradingFee.String(),
		t.TakerSide, t.FiatDepositID, t.FiatWithdrawalID, string(t.Status),
		t.DisputeReason, t.DisputeResolution, t.AdminNotes, t.NeedsAdminIntervention,
		t.PaidAt, t.DisputedAt, t.ReleasedAt, t.CancelledAt, t.ResolvedAt, t.StatusChangedAt,
		t.Version, t.CreatedAt, t.UpdatedAt)
	if persist.IsUniqueViolation(err) {
		return fmt.Errorf("%w: trade %s", persist.ErrDuplicate, t.Ref)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Trade, error) {
	t, err := scanTrade(r.db.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	return t, persist.NotFound(err)
}

func (r *PostgresRepository) GetByRef(ctx context.Context, ref string) (Trade, error) {
	t, err := scanTrade(r.db.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE ref = $1`, ref))
	return t, persist.NotFound(err)
}

func (r *PostgresRepository) Update(ctx context.Context, t Trade) (Trade, error) {
	t.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE trades SET status = $3,
            dispute_reason = $4, dispute_resolution = $5, admin_notes = $6, needs_admin_intervention = $7,
            paid_at = $8, disputed_at = $9, released_at = $10, cancelled_at = $11, resolved_at = $12,
            status_changed_at = $13, version = version + 1, updated_at = $14
        WHERE id = $1 AND version = $2`,
		t.ID, t.Version, string(t.Status),
		t.DisputeReason, t.DisputeResolution, t.AdminNotes, t.NeedsAdminIntervention,
		t.PaidAt, t.DisputedAt, t.ReleasedAt, t.CancelledAt, t.ResolvedAt,
		t.StatusChangedAt, t.UpdatedAt)
	if err != nil {
		return Trade{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, t.ID); errors.Is(getErr, persist.ErrNotFound) {
			return Trade{}, getErr
		}
		return Trade{}, persist.ErrVersionConflict
	}
	t.Version++
	return t, nil
}

func (r *PostgresRepository) ListDue(ctx context.Context, status Status, before time.Time, limit int) ([]Trade, error) {
	column := dueColumn(status)
	rows, err := r.db.Query(ctx, `SELECT `+tradeColumns+` FROM trades
        WHERE status = $1 AND `+column+` <= $2
        ORDER BY `+column+` LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row pgx.Row) (Trade, error) {
	var (
		t                                     Trade
		status                                string
		coin, fiat, price, feeRatio, tradeFee string
	)
	err := row.Scan(&t.ID, &t.Ref, &t.OfferID, &t.BuyerID, &t.SellerID, &t.CoinCurrency, &t.FiatCurrency,
		&coin, &fiat, &price, &feeRatio, &tradeFee,
		&t.TakerSide, &t.FiatDepositID, &t.FiatWithdrawalID, &status,
		&t.DisputeReason, &t.DisputeResolution, &t.AdminNotes, &t.NeedsAdminIntervention,
		&t.PaidAt, &t.DisputedAt, &t.ReleasedAt, &t.CancelledAt, &t.ResolvedAt, &t.StatusChangedAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Trade{}, err
	}
	t.Status = Status(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&t.CoinAmount, coin}, {&t.FiatAmount, fiat}, {&t.Price, price},
		{&t.FeeRatio, feeRatio}, {&t.CoinTradingFee, tradeFee},
	} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return Trade{}, fmt.Errorf("parse trade amount: %w", err)
		}
	}
	return t, nil
}
