// Package paygateway is the boundary to the external payment gateway.
//
// The core uses two calls: CreateOrder opens a gateway-side order for a
// reserved payment, and FetchSettlements reports what the gateway settled in
// a time window for the daily reconciliation. Errors are classified as
// transient (retry later) or invalid request (do not retry).
package paygateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Operation names, used as breaker keys and metric labels.
const (
	OpCreateOrder      = "create_order"
	OpFetchSettlements = "fetch_settlements"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindTransient covers network failures, timeouts, rate limits, 5xx
	// responses and an open circuit. Retrying later may succeed.
	KindTransient Kind = iota + 1
	// KindInvalidRequest covers 4xx responses. The same request will keep
	// failing.
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is returned by every Client implementation.
type Error struct {
	Op   string
	Kind Kind
	Code string // gateway error code, when the gateway sent one
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("paygateway %s: %s (%s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("paygateway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindTransient
}

// IsInvalidRequest reports whether the gateway rejected the request itself.
func IsInvalidRequest(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindInvalidRequest
}

// OrderRequest asks the gateway to open an order.
type OrderRequest struct {
	Amount    decimal.Decimal
	ReceiptID string // also the gateway idempotency key
	PayerID   string
	Metadata  map[string]string
}

// Order is the gateway's view of an opened order.
type Order struct {
	ID        string
	Amount    decimal.Decimal
	Currency  string
	ReceiptID string
	CreatedAt time.Time
}

// Settlement is the gateway's settled total for [From, To).
type Settlement struct {
	Total decimal.Decimal
	Count int
	From  time.Time
	To    time.Time
}

// Client is the payment gateway.
type Client interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	FetchSettlements(ctx context.Context, from, to time.Time) (*Settlement, error)
}

// classifyContext maps a context failure to a transient gateway error.
func classifyContext(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindTransient, Err: err}
	}
	return nil
}
