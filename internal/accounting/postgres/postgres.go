package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
)

// Store implements accounting.Store backed by PostgreSQL. Balance mutations
// take a SELECT ... FOR UPDATE row lock so concurrent debits for the same
// user serialize instead of losing updates.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed store using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id BIGINT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	tokens_balance BIGINT NOT NULL DEFAULT 0,
	tokens_spent BIGINT NOT NULL DEFAULT 0 CHECK(tokens_spent >= 0),
	subscription_tier TEXT NOT NULL DEFAULT '',
	subscription_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id UUID PRIMARY KEY,
	user_id BIGINT NOT NULL,
	operation_type TEXT NOT NULL,
	tokens_amount BIGINT NOT NULL,
	balance_before BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK(balance_after = balance_before + tokens_amount)
);
CREATE INDEX IF NOT EXISTS idx_ledger_user_created ON ledger_entries(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_user_type ON ledger_entries(user_id, operation_type);
CREATE TABLE IF NOT EXISTS payments (
	id BIGSERIAL PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	user_id BIGINT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending','succeeded','canceled','failed','refunded')),
	subscription_tier TEXT NOT NULL DEFAULT '',
	amount_cents BIGINT NOT NULL DEFAULT 0,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, acct accounting.Account) (*accounting.Account, error) {
	if acct.UserID == 0 {
		return nil, errors.New("account requires user id")
	}
	return scanAccount(s.db.QueryRowContext(ctx, `
INSERT INTO accounts(user_id, email, tokens_balance, tokens_spent, subscription_tier, subscription_expires_at)
VALUES($1, $2, $3, $4, $5, $6)
RETURNING user_id, email, tokens_balance, tokens_spent, subscription_tier, subscription_expires_at, created_at, updated_at`,
		acct.UserID, acct.Email, acct.TokensBalance, acct.TokensSpent,
		acct.SubscriptionTier, acct.SubscriptionExpiresAt,
	))
}

// GetAccount returns the account row or nil when absent.
func (s *Store) GetAccount(ctx context.Context, userID int64) (*accounting.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
SELECT user_id, email, tokens_balance, tokens_spent, subscription_tier, subscription_expires_at, created_at, updated_at
FROM accounts WHERE user_id = $1`, userID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*accounting.Account, error) {
	var a accounting.Account
	err := row.Scan(&a.UserID, &a.Email, &a.TokensBalance, &a.TokensSpent,
		&a.SubscriptionTier, &a.SubscriptionExpiresAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// ActivateSubscription sets the tier and expiry on the account.
func (s *Store) ActivateSubscription(ctx context.Context, userID int64, tier string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET subscription_tier = $1, subscription_expires_at = $2, updated_at = NOW()
WHERE user_id = $3`, tier, expiresAt.UTC(), userID)
	if err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}
	return requireRow(res, accounting.ErrAccountNotFound)
}

// CancelSubscription clears the tier and expiry.
func (s *Store) CancelSubscription(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET subscription_tier = '', subscription_expires_at = NULL, updated_at = NOW()
WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return requireRow(res, accounting.ErrAccountNotFound)
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// Mutate applies one balance change and its ledger entry in a single
// transaction, holding a row lock on the account for its duration.
func (s *Store) Mutate(ctx context.Context, userID int64, fn func(acct *accounting.Account) (accounting.BalanceChange, error)) (*accounting.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mutation: %w", err)
	}
	defer tx.Rollback()

	acct, err := scanAccount(tx.QueryRowContext(ctx, `
SELECT user_id, email, tokens_balance, tokens_spent, subscription_tier, subscription_expires_at, created_at, updated_at
FROM accounts WHERE user_id = $1
FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, accounting.ErrAccountNotFound
	}

	change, err := fn(acct)
	if err != nil {
		return nil, err
	}

	entry := accounting.LedgerEntry{
		ID:            uuid.New(),
		UserID:        userID,
		OperationType: change.OperationType,
		TokensAmount:  change.Amount,
		BalanceBefore: acct.TokensBalance,
		BalanceAfter:  acct.TokensBalance + change.Amount,
		Metadata:      change.Metadata,
		CreatedAt:     time.Now().UTC(),
	}

	spent := acct.TokensSpent
	if change.TrackSpent && change.Amount < 0 {
		spent += -change.Amount
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE accounts SET tokens_balance = $1, tokens_spent = $2, updated_at = NOW()
WHERE user_id = $3`, entry.BalanceAfter, spent, userID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(id, user_id, operation_type, tokens_amount, balance_before, balance_after, metadata, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.UserID, entry.OperationType, entry.TokensAmount,
		entry.BalanceBefore, entry.BalanceAfter, entry.Metadata, entry.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mutation: %w", err)
	}
	return &entry, nil
}

// LedgerEntries returns entries newest first, filtered and paginated.
func (s *Store) LedgerEntries(ctx context.Context, userID int64, filter accounting.LedgerFilter) ([]accounting.LedgerEntry, error) {
	if userID == 0 {
		return nil, errors.New("user id required")
	}
	query := `
SELECT id, user_id, operation_type, tokens_amount, balance_before, balance_after, metadata, created_at
FROM ledger_entries WHERE user_id = $1`
	args := []interface{}{userID}
	argIdx := 2
	if filter.OperationType != "" {
		query += fmt.Sprintf(" AND operation_type = $%d", argIdx)
		args = append(args, filter.OperationType)
		argIdx++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.From.UTC())
		argIdx++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, filter.To.UTC())
		argIdx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []accounting.LedgerEntry
	for rows.Next() {
		var e accounting.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.OperationType, &e.TokensAmount,
			&e.BalanceBefore, &e.BalanceAfter, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerTotals aggregates lifetime spend and earn for the user.
func (s *Store) LedgerTotals(ctx context.Context, userID int64) (accounting.LedgerTotals, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN tokens_amount < 0 THEN -tokens_amount ELSE 0 END), 0) AS spent,
	COALESCE(SUM(CASE WHEN tokens_amount > 0 THEN tokens_amount ELSE 0 END), 0) AS earned
FROM ledger_entries WHERE user_id = $1`, userID)

	var t accounting.LedgerTotals
	if err := row.Scan(&t.Spent, &t.Earned); err != nil {
		return accounting.LedgerTotals{}, fmt.Errorf("ledger totals: %w", err)
	}
	return t, nil
}

// PurgeLedgerBefore deletes entries older than cutoff.
func (s *Store) PurgeLedgerBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	return res.RowsAffected()
}

// CreatePayment inserts a payment row, defaulting status to pending.
func (s *Store) CreatePayment(ctx context.Context, p accounting.Payment) (*accounting.Payment, error) {
	if p.ExternalID == "" {
		return nil, errors.New("payment requires external id")
	}
	if p.Status == "" {
		p.Status = accounting.PaymentPending
	}
	return scanPayment(s.db.QueryRowContext(ctx, `
INSERT INTO payments(external_id, user_id, status, subscription_tier, amount_cents, metadata)
VALUES($1, $2, $3, $4, $5, $6)
RETURNING id, external_id, user_id, status, subscription_tier, amount_cents, metadata, created_at, updated_at`,
		p.ExternalID, p.UserID, string(p.Status), p.SubscriptionTier, p.AmountCents, p.Metadata,
	))
}

// GetPayment returns the payment row or nil when absent.
func (s *Store) GetPayment(ctx context.Context, externalID string) (*accounting.Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `
SELECT id, external_id, user_id, status, subscription_tier, amount_cents, metadata, created_at, updated_at
FROM payments WHERE external_id = $1`, externalID))
}

func scanPayment(row rowScanner) (*accounting.Payment, error) {
	var p accounting.Payment
	var status string
	err := row.Scan(&p.ID, &p.ExternalID, &p.UserID, &status, &p.SubscriptionTier,
		&p.AmountCents, &p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Status = accounting.PaymentStatus(status)
	return &p, nil
}

// ClaimPayment transitions the payment atomically via a guarded UPDATE.
func (s *Store) ClaimPayment(ctx context.Context, externalID string, from []accounting.PaymentStatus, to accounting.PaymentStatus) (*accounting.Payment, bool, error) {
	if len(from) == 0 {
		return nil, false, errors.New("claim requires source states")
	}
	placeholders := make([]string, len(from))
	args := []interface{}{string(to), externalID}
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, string(st))
	}
	p, err := scanPayment(s.db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE payments SET status = $1, updated_at = NOW()
WHERE external_id = $2 AND status IN (%s)
RETURNING id, external_id, user_id, status, subscription_tier, amount_cents, metadata, created_at, updated_at`,
		strings.Join(placeholders, ",")), args...))
	if err != nil {
		return nil, false, fmt.Errorf("claim payment: %w", err)
	}
	if p != nil {
		return p, true, nil
	}

	// Not claimable; report the current state for idempotency checks.
	p, err = s.GetPayment(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	if p == nil {
		return nil, false, accounting.ErrPaymentNotFound
	}
	return p, false, nil
}
