package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// PostgreSQL SQLSTATE codes.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

const transactionColumns = `id, seller_id, payment_id, amount_inr, status,
		       is_released_to_seller, escrow_release_at, released_at,
		       created_at, updated_at`

func (p *PostgresStore) RecordSale(ctx context.Context, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Wallet first: transactions.seller_id references it.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO seller_wallets (seller_id, pending_balance, available_balance, updated_at)
		VALUES ($1, $2::NUMERIC(14,2), 0, $3)
		ON CONFLICT (seller_id) DO UPDATE
		SET pending_balance = seller_wallets.pending_balance + EXCLUDED.pending_balance,
		    updated_at = EXCLUDED.updated_at`,
		txn.SellerID, txn.Amount.StringFixed(2), txn.UpdatedAt,
	); err != nil {
		return fmt.Errorf("credit pending balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, seller_id, payment_id, amount_inr, status,
			is_released_to_seller, escrow_release_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(14,2), $5, FALSE, $6, $7, $8)`,
		txn.ID, txn.SellerID, nullString(txn.PaymentID), txn.Amount.StringFixed(2), string(txn.Status),
		txn.EscrowReleaseAt, txn.CreatedAt, txn.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return ErrDuplicateTransaction
		case foreignKeyViolation:
			return fmt.Errorf("%w: unknown payment %s", ErrInvalidSale, txn.PaymentID)
		}
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) GetWallet(ctx context.Context, sellerID string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT seller_id, pending_balance, available_balance, updated_at
		FROM seller_wallets WHERE seller_id = $1`, sellerID,
	).Scan(&w.SellerID, &w.PendingBalance, &w.AvailableBalance, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'SUCCESS'
		  AND is_released_to_seller = FALSE
		  AND escrow_release_at <= $1
		ORDER BY escrow_release_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Release runs the guarded flag update and the wallet move in one database
// transaction. updated_at is left alone: it marks when the sale settled and
// drives the daily reconciliation window.
func (p *PostgresStore) Release(ctx context.Context, id string, at time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sellerID string
		amount   decimal.Decimal
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET is_released_to_seller = TRUE, released_at = $2
		WHERE id = $1
		  AND is_released_to_seller = FALSE
		  AND status = 'SUCCESS'
		  AND escrow_release_at <= $2
		RETURNING seller_id, amount_inr`, id, at,
	).Scan(&sellerID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrTransactionNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("flag transaction released: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE seller_wallets
		SET pending_balance = pending_balance - $2::NUMERIC(14,2),
		    available_balance = available_balance + $2::NUMERIC(14,2),
		    updated_at = $3
		WHERE seller_id = $1`,
		sellerID, amount.StringFixed(2), at)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == checkViolation {
		return false, ErrInsufficientPending
	}
	if err != nil {
		return false, fmt.Errorf("move wallet balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrWalletNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) SumSuccessful(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	var (
		total decimal.Decimal
		count int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_inr), 0), COUNT(*)
		FROM transactions
		WHERE status = 'SUCCESS'
		  AND updated_at >= $1
		  AND updated_at < $2`, from, to,
	).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return total, count, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status     string
		paymentID  sql.NullString
		releasedAt sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.SellerID, &paymentID, &t.Amount, &status,
		&t.IsReleasedToSeller, &t.EscrowReleaseAt, &releasedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = TxStatus(status)
	t.PaymentID = paymentID.String
	if releasedAt.Valid {
		at := releasedAt.Time
		t.ReleasedAt = &at
	}
	return t, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
