// Package reservation turns a client's idempotency key into exactly one
// payment reservation and drives it through the gateway.
//
// Flow:
//  1. Reserve: under a lock derived from the idempotency key, return the
//     existing reservation or insert a RESERVED one with a short TTL.
//  2. Process: open a gateway order for a RESERVED payment and move it to
//     PENDING, or to FAILED when the gateway refuses.
//  3. SweepExpired: an hourly job moves RESERVED rows past their TTL to
//     EXPIRED so abandoned checkouts stop holding items.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidState        = errors.New("reservation is not in a processable state")
	ErrInvalidRequest      = errors.New("invalid reservation request")
	ErrLockUnavailable     = errors.New("reservation lock unavailable")

	// errDuplicateKey is returned by Store.Create when the idempotency key
	// already has a row.
	errDuplicateKey = errors.New("duplicate idempotency key")
)

// StateError reports the status that blocked an operation. It matches
// ErrInvalidState with errors.Is.
type StateError struct {
	PaymentID string
	Current   Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("reservation %s is %s", e.PaymentID, e.Current)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusReserved Status = "RESERVED" // holding items, waiting for Process
	StatusPending  Status = "PENDING"  // gateway order opened, awaiting payment
	StatusFailed   Status = "FAILED"   // gateway refused the order
	StatusExpired  Status = "EXPIRED"  // TTL elapsed before Process
)

// DefaultTTL is how long a reservation holds before the janitor expires it.
const DefaultTTL = 5 * time.Minute

// Reservation is one payment attempt, unique per idempotency key.
type Reservation struct {
	ID             string           `json:"id"`
	IdempotencyKey string           `json:"idempotencyKey"`
	PayerID        string           `json:"payerId"`
	ItemIDs        []string         `json:"itemIds"`
	Status         Status           `json:"status"`
	GatewayOrderID string           `json:"gatewayOrderId,omitempty"`
	TotalAmount    *decimal.Decimal `json:"totalAmount,omitempty"`
	FailureReason  string           `json:"failureReason,omitempty"`
	ReservedAt     time.Time        `json:"reservedAt"`
	ReservedUntil  time.Time        `json:"reservedUntil"`
	ProcessedAt    *time.Time       `json:"processedAt,omitempty"`
}

// ReserveRequest contains the parameters for Reserve.
type ReserveRequest struct {
	IdempotencyKey string   `json:"idempotencyKey"`
	PayerID        string   `json:"payerId"`
	ItemIDs        []string `json:"itemIds"`
}

// ReserveResult tells the caller whether this call created the reservation.
type ReserveResult struct {
	Reserved          bool   `json:"reserved"`
	PaymentID         string `json:"paymentId,omitempty"`
	ExistingPaymentID string `json:"existingPaymentId,omitempty"`
}

// OrderResult is the outcome of Process.
type OrderResult struct {
	PaymentID      string          `json:"paymentId"`
	GatewayOrderID string          `json:"gatewayOrderId"`
	Amount         decimal.Decimal `json:"amount"`
	Status         Status          `json:"status"`
}

// Store persists reservations.
type Store interface {
	// Create inserts a new reservation. It returns errDuplicateKey when the
	// idempotency key is taken.
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error)
	// MarkPending and MarkFailed only move a RESERVED row. They report
	// false, nil when the row was in another state.
	MarkPending(ctx context.Context, id, gatewayOrderID string, amount decimal.Decimal, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	// ExpireBefore moves every RESERVED row whose reserved_until is before
	// now to EXPIRED and returns how many moved.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
}

func cloneReservation(r *Reservation) *Reservation {
	cp := *r
	cp.ItemIDs = append([]string(nil), r.ItemIDs...)
	if r.TotalAmount != nil {
		amt := *r.TotalAmount
		cp.TotalAmount = &amt
	}
	if r.ProcessedAt != nil {
		at := *r.ProcessedAt
		cp.ProcessedAt = &at
	}
	return &cp
}
