package reservation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists reservations in the payment_reservations table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reservation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reservationColumns = `id, idempotency_key, payer_id, item_ids, status,
		       gateway_order_id, total_amount, failure_reason,
		       reserved_at, reserved_until, processed_at`

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, r *Reservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_reservations (
			id, idempotency_key, payer_id, item_ids, status,
			reserved_at, reserved_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.IdempotencyKey, r.PayerID, pq.Array(r.ItemIDs), string(r.Status),
		r.ReservedAt, r.ReservedUntil,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation &&
		pqErr.Constraint == "payment_reservations_idempotency_key_key" {
		return errDuplicateKey
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM payment_reservations WHERE id = $1`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM payment_reservations WHERE idempotency_key = $1`, key)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

func (p *PostgresStore) MarkPending(ctx context.Context, id, gatewayOrderID string, amount decimal.Decimal, at time.Time) (bool, error) {
	return p.guardedUpdate(ctx, id, `
		UPDATE payment_reservations
		SET status = 'PENDING', gateway_order_id = $2, total_amount = $3::NUMERIC(14,2), processed_at = $4
		WHERE id = $1 AND status = 'RESERVED'`,
		id, gatewayOrderID, amount.StringFixed(2), at)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return p.guardedUpdate(ctx, id, `
		UPDATE payment_reservations
		SET status = 'FAILED', failure_reason = $2, processed_at = $3
		WHERE id = $1 AND status = 'RESERVED'`,
		id, reason, at)
}

// guardedUpdate runs a status-guarded UPDATE. Zero rows means either the
// row is missing or its status moved on; a follow-up existence check tells
// the two apart.
func (p *PostgresStore) guardedUpdate(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrReservationNotFound
	}
	return false, nil
}

func (p *PostgresStore) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_reservations
		SET status = 'EXPIRED'
		WHERE status = 'RESERVED' AND reserved_until < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(s scanner) (*Reservation, error) {
	r := &Reservation{}
	var (
		status        string
		itemIDs       pq.StringArray
		orderID       sql.NullString
		totalAmount   decimal.NullDecimal
		failureReason sql.NullString
		processedAt   sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.IdempotencyKey, &r.PayerID, &itemIDs, &status,
		&orderID, &totalAmount, &failureReason,
		&r.ReservedAt, &r.ReservedUntil, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.ItemIDs = []string(itemIDs)
	r.GatewayOrderID = orderID.String
	r.FailureReason = failureReason.String
	if totalAmount.Valid {
		amt := totalAmount.Decimal
		r.TotalAmount = &amt
	}
	if processedAt.Valid {
		at := processedAt.Time
		r.ProcessedAt = &at
	}
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
