// Package escrow holds seller earnings until they mature, then moves them
// into the seller's spendable balance.
//
// Flow:
//  1. RecordSale: a settled sale is stored as a SUCCESS transaction and its
//     amount is added to the seller's pending balance.
//  2. ReleaseMatured: an hourly job takes a batch of matured, unreleased
//     transactions and releases each one in its own database transaction:
//     the transaction is flagged released (guarded, so it happens at most
//     once) and the amount moves from pending to available.
//
// A seller's pending plus available balance never changes during a
// release; only the split between the two does.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrWalletNotFound       = errors.New("seller wallet not found")
	ErrInvalidSale          = errors.New("invalid sale")
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	ErrInsufficientPending  = errors.New("pending balance is lower than the release amount")
)

// TxStatus is the payment status of a transaction. Only SUCCESS
// transactions take part in escrow.
type TxStatus string

const (
	TxPending  TxStatus = "PENDING"
	TxSuccess  TxStatus = "SUCCESS"
	TxFailed   TxStatus = "FAILED"
	TxRefunded TxStatus = "REFUNDED"
)

const (
	// DefaultHoldPeriod is how long a sale stays in escrow when the caller
	// does not set a release time.
	DefaultHoldPeriod = 7 * 24 * time.Hour

	// DefaultBatchSize bounds one release sweep.
	DefaultBatchSize = 50
)

// Transaction is a completed sale owed to a seller.
type Transaction struct {
	ID                 string          `json:"id"`
	SellerID           string          `json:"sellerId"`
	PaymentID          string          `json:"paymentId,omitempty"`
	Amount             decimal.Decimal `json:"amountInr"`
	Status             TxStatus        `json:"status"`
	IsReleasedToSeller bool            `json:"isReleasedToSeller"`
	EscrowReleaseAt    time.Time       `json:"escrowReleaseAt"`
	ReleasedAt         *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Matured reports whether the transaction may be released at now.
func (t *Transaction) Matured(now time.Time) bool {
	return t.Status == TxSuccess && !t.IsReleasedToSeller && !t.EscrowReleaseAt.After(now)
}

// Wallet is a seller's earnings split into held and spendable funds.
type Wallet struct {
	SellerID         string          `json:"sellerId"`
	PendingBalance   decimal.Decimal `json:"pendingBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Total is pending plus available. Releases never change it.
func (w *Wallet) Total() decimal.Decimal {
	return w.PendingBalance.Add(w.AvailableBalance)
}

// Sale is the input to RecordSale.
type Sale struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"sellerId"`
	PaymentID       string          `json:"paymentId"`
	Amount          decimal.Decimal `json:"amount"`
	EscrowReleaseAt time.Time       `json:"escrowReleaseAt"`
}

// Summary reports one release sweep.
type Summary struct {
	Scanned  int             `json:"scanned"`
	Released int             `json:"released"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
	Amount   decimal.Decimal `json:"amount"`
}

// Store persists transactions and wallets.
type Store interface {
	// RecordSale inserts a SUCCESS transaction and adds its amount to the
	// seller's pending balance, creating the wallet on first sale.
	RecordSale(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetWallet(ctx context.Context, sellerID string) (*Wallet, error)
	// ListMatured returns up to limit matured, unreleased SUCCESS
	// transactions, earliest maturity first.
	ListMatured(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// Release flags one transaction released and moves its amount from
	// pending to available, atomically. It reports false, nil when the
	// transaction is no longer releasable (already released, or not yet
	// matured), in which case nothing changed.
	Release(ctx context.Context, id string, at time.Time) (bool, error)
	// SumSuccessful totals SUCCESS transactions whose updated_at falls in
	// [from, to).
	SumSuccessful(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error)
}

func cloneTransaction(t *Transaction) *Transaction {
	cp := *t
	if t.ReleasedAt != nil {
		at := *t.ReleasedAt
		cp.ReleasedAt = &at
	}
	return &cp
}
