package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/idgen"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/validation"
)

// maxTransactionIDLength matches the transactions.id column.
const maxTransactionIDLength = 64

// Service records settled sales and reads escrow state. The purchase flow
// calls RecordSale once a payment is captured.
type Service struct {
	store  Store
	clock  clock.Clock
	hold   time.Duration
	logger *slog.Logger
}

// NewService creates an escrow service with the default hold period.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		clock:  clock.NewSystem(),
		hold:   DefaultHoldPeriod,
		logger: logging.OrDefault(logger),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithHoldPeriod sets how long new sales stay in escrow by default.
func (s *Service) WithHoldPeriod(d time.Duration) *Service {
	if d >= 0 {
		s.hold = d
	}
	return s
}

// RecordSale stores a SUCCESS transaction for the seller and credits the
// amount to their pending balance.
func (s *Service) RecordSale(ctx context.Context, sale Sale) (*Transaction, error) {
	if errs := validation.Validate(
		validation.Identifier("id", sale.ID),
		validation.MaxLength("id", sale.ID, maxTransactionIDLength),
		validation.Required("sellerId", sale.SellerID),
		validation.Identifier("sellerId", sale.SellerID),
		validation.PositiveAmount("amount", sale.Amount),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSale, errs.Error())
	}
	if sale.PaymentID != "" {
		if _, err := uuid.Parse(sale.PaymentID); err != nil {
			return nil, fmt.Errorf("%w: paymentId must be a UUID", ErrInvalidSale)
		}
	}

	now := s.clock.Now()
	txn := &Transaction{
		ID:              sale.ID,
		SellerID:        sale.SellerID,
		PaymentID:       sale.PaymentID,
		Amount:          sale.Amount,
		Status:          TxSuccess,
		EscrowReleaseAt: sale.EscrowReleaseAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if txn.ID == "" {
		txn.ID = idgen.WithPrefix("txn_")
	}
	if txn.EscrowReleaseAt.IsZero() {
		txn.EscrowReleaseAt = now.Add(s.hold)
	}

	if err := s.store.RecordSale(ctx, txn); err != nil {
		return nil, err
	}
	salesTotal.Inc()
	logging.Enrich(ctx, s.logger).Info("sale recorded",
		"transactionId", txn.ID,
		"sellerId", txn.SellerID,
		"amount", txn.Amount.StringFixed(2),
		"escrowReleaseAt", txn.EscrowReleaseAt,
	)
	return txn, nil
}

// Wallet returns a seller's balances.
func (s *Service) Wallet(ctx context.Context, sellerID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, sellerID)
}

// Transaction returns one transaction.
func (s *Service) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}
