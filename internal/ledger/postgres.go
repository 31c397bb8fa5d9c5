package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger persists accounts and entries in PostgreSQL. Every batch runs
// in one transaction with the touched account rows locked FOR UPDATE, so the
// balance guard and the mutation cannot interleave with another writer.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const accountColumns = `id, owner_id, currency, network_layer, kind,
        balance::text, frozen_balance::text, version, created_at, updated_at`

// EnsureAccount guarantees an account exists for the provided key.
func (l *PostgresLedger) EnsureAccount(ctx context.Context, key AccountKey) (Account, error) {
	if err := key.validate(); err != nil {
		return Account{}, err
	}
	key = key.Normalize()
	if _, err := l.db.Exec(ctx, `INSERT INTO ledger_accounts (id, owner_id, currency, network_layer, kind)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (owner_id, currency, network_layer, kind) DO NOTHING`,
		uuid.NewString(), key.OwnerID, key.Currency, key.NetworkLayer, string(key.Kind)); err != nil {
		return Account{}, err
	}
	return l.Account(ctx, key)
}

// Account loads the account for key.
func (l *PostgresLedger) Account(ctx context.Context, key AccountKey) (Account, error) {
	key = key.Normalize()
	row := l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts
        WHERE owner_id = $1 AND currency = $2 AND network_layer = $3 AND kind = $4`,
		key.OwnerID, key.Currency, key.NetworkLayer, string(key.Kind))
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key.Code())
	}
	return acct, err
}

// Accounts lists every account of an owner.
func (l *PostgresLedger) Accounts(ctx context.Context, ownerID string) ([]Account, error) {
	rows, err := l.db.Query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts
        WHERE owner_id = $1 ORDER BY currency, network_layer, kind`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// Post applies a batch atomically.
func (l *PostgresLedger) Post(ctx context.Context, batch Batch) ([]Entry, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `INSERT INTO ledger_batches (key, operation_kind, operation_id)
        VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`,
		batch.Key, string(batch.Operation.Kind), batch.Operation.ID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return nil, err
		}
		existing, err := l.batchEntries(ctx, batch.Key)
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicateTransaction
	}

	// Lock rows in code order so concurrent batches over the same accounts cannot deadlock.
	byCode := make(map[string]Posting)
	for _, p := range batch.Postings {
		code := p.Account.Code()
		if _, seen := byCode[code]; seen {
			continue
		}
		byCode[code] = p
	}
	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	working := make(map[string]*Account, len(codes))
	for _, code := range codes {
		p := byCode[code]
		acct, err := lockAccount(ctx, tx, p.Account.Normalize(), creates(p))
		if err != nil {
			return nil, err
		}
		working[code] = acct
	}

	now := time.Now().UTC()
	entries := make([]Entry, 0, len(batch.Postings))
	for _, p := range batch.Postings {
		entry, err := apply(working[p.Account.Code()], p)
		if err != nil {
			return nil, err
		}
		entry.ID = uuid.NewString()
		entry.BatchKey = batch.Key
		entry.Operation = batch.Operation
		entry.CreatedAt = now
		entries = append(entries, entry)
	}

	for _, acct := range working {
		if _, err := tx.Exec(ctx, `UPDATE ledger_accounts
            SET balance = $1, frozen_balance = $2, version = version + 1, updated_at = $3
            WHERE id = $4`,
			acct.Balance.String(), acct.FrozenBalance.String(), now, acct.ID); err != nil {
			return nil, err
		}
	}

	for _, e := range entries {
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries
            (id, batch_key, account_id, owner_id, currency, transaction_type, amount,
             operation_kind, operation_id, snapshot_balance, snapshot_frozen_balance, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.BatchKey, e.AccountID, e.OwnerID, e.Currency, string(e.Type), e.Amount.String(),
			string(e.Operation.Kind), e.Operation.ID, e.SnapshotBalance.String(), e.SnapshotFrozenBalance.String(),
			e.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

// Entries returns one page of ledger history, newest first.
func (l *PostgresLedger) Entries(ctx context.Context, filter EntryFilter) (EntryPage, error) {
	filter = filter.normalize()

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.Currency != "" {
		add("currency = $%d", filter.Currency)
	}
	if filter.Type != "" {
		add("transaction_type = $%d", string(filter.Type))
	}
	if filter.Operation.Kind != "" {
		add("operation_kind = $%d", string(filter.Operation.Kind))
	}
	if filter.Operation.ID != "" {
		add("operation_id = $%d", filter.Operation.ID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	page := EntryPage{Page: filter.Page, PerPage: filter.PerPage}
	if err := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`+where, args...).Scan(&page.Total); err != nil {
		return EntryPage{}, err
	}

	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	query := fmt.Sprintf(`SELECT `+entryColumns+` FROM ledger_entries%s
        ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return EntryPage{}, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return EntryPage{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

const entryColumns = `id, batch_key, account_id, owner_id, currency, transaction_type, amount::text,
        operation_kind, operation_id, snapshot_balance::text, snapshot_frozen_balance::text, created_at`

func (l *PostgresLedger) batchEntries(ctx context.Context, key string) ([]Entry, error) {
	rows, err := l.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE batch_key = $1 ORDER BY created_at, id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func lockAccount(ctx context.Context, tx pgx.Tx, key AccountKey, create bool) (*Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM ledger_accounts
        WHERE owner_id = $1 AND currency = $2 AND network_layer = $3 AND kind = $4 FOR UPDATE`
	args := []any{key.OwnerID, key.Currency, key.NetworkLayer, string(key.Kind)}

	acct, err := scanAccount(tx.QueryRow(ctx, query, args...))
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key.Code())
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_accounts (id, owner_id, currency, network_layer, kind)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (owner_id, currency, network_layer, kind) DO NOTHING`,
		uuid.NewString(), key.OwnerID, key.Currency, key.NetworkLayer, string(key.Kind)); err != nil {
		return nil, err
	}
	acct, err = scanAccount(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct            Account
		kind            string
		balance, frozen string
	)
	if err := row.Scan(&acct.ID, &acct.OwnerID, &acct.Currency, &acct.NetworkLayer, &kind,
		&balance, &frozen, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return Account{}, err
	}
	acct.Kind = AccountKind(kind)
	var err error
	if acct.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, fmt.Errorf("parse balance: %w", err)
	}
	if acct.FrozenBalance, err = decimal.NewFromString(frozen); err != nil {
		return Account{}, fmt.Errorf("parse frozen balance: %w", err)
	}
	return acct, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                        Entry
		txType, opKind           string
		amount, snapBal, snapFrz string
	)
	if err := row.Scan(&e.ID, &e.BatchKey, &e.AccountID, &e.OwnerID, &e.Currency, &txType, &amount,
		&opKind, &e.Operation.ID, &snapBal, &snapFrz, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Type = TransactionType(txType)
	e.Operation.Kind = OperationKind(opKind)
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return Entry{}, fmt.Errorf("parse amount: %w", err)
	}
	if e.SnapshotBalance, err = decimal.NewFromString(snapBal); err != nil {
		return Entry{}, fmt.Errorf("parse snapshot balance: %w", err)
	}
	if e.SnapshotFrozenBalance, err = decimal.NewFromString(snapFrz); err != nil {
		return Entry{}, fmt.Errorf("parse snapshot frozen balance: %w", err)
	}
	return e, nil
}
