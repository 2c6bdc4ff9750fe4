// Package reconciliation audits each day's ledger against what the payment
// gateway reports as settled.
//
// Once per day the auditor sums the platform's SUCCESS transactions for the
// previous calendar day, fetches the gateway's settled total for the same
// window, and writes one append-only record. A difference above the
// threshold is a MISMATCH: it raises a CRITICAL alert and opens a ticket.
package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/notemarket/internal/paygateway"
)

var (
	ErrInvalidDate    = errors.New("invalid reconciliation date")
	ErrRecordNotFound = errors.New("reconciliation record not found")

	// errDuplicateDate is returned by Store.Insert when the date already
	// has a record.
	errDuplicateDate = errors.New("reconciliation record already exists for date")
)

// Status is the verdict of one reconciliation.
type Status string

const (
	StatusMatch    Status = "MATCH"
	StatusMismatch Status = "MISMATCH"
)

// DefaultThreshold is the largest absolute INR difference still reported
// as MATCH. It is an operating tolerance, set per deployment with
// RECONCILE_THRESHOLD.
var DefaultThreshold = decimal.NewFromInt(100)

// Record is one day's audit result. Records are never modified.
type Record struct {
	ID               string          `json:"id"`
	Date             string          `json:"date"` // YYYY-MM-DD in the auditor's time zone
	OurTotal         decimal.Decimal `json:"ourTotal"`
	OurCount         int             `json:"ourCount"`
	ExternalTotal    decimal.Decimal `json:"externalTotal"`
	ExternalCount    int             `json:"externalCount"`
	AmountDifference decimal.Decimal `json:"amountDifference"`
	CountDifference  int             `json:"countDifference"`
	Status           Status          `json:"status"`
	Threshold        decimal.Decimal `json:"threshold"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Result is what Reconcile returns. Replayed is set when the date had
// already been reconciled and the stored record is being returned.
type Result struct {
	Record
	Replayed bool `json:"replayed"`
}

// Store persists reconciliation records.
type Store interface {
	// Insert writes a new record. It returns errDuplicateDate if the date
	// is already recorded.
	Insert(ctx context.Context, rec *Record) error
	GetByDate(ctx context.Context, date string) (*Record, error)
	// List returns the most recent records, newest date first.
	List(ctx context.Context, limit int) ([]*Record, error)
}

// LedgerSummer totals the platform's own successful transactions.
type LedgerSummer interface {
	SumSuccessful(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error)
}

// SettlementSource reports what the gateway settled in [from, to).
// paygateway.Client satisfies it.
type SettlementSource interface {
	FetchSettlements(ctx context.Context, from, to time.Time) (*paygateway.Settlement, error)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
