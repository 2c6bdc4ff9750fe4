package paygateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/notemarket/internal/logging"
)

// StripeConfig configures a StripeClient.
type StripeConfig struct {
	SecretKey string
	Currency  string        // ISO code, lower case; default "inr"
	Timeout   time.Duration // per call; default 10s
	// Backends overrides the Stripe API endpoint. Tests point it at an
	// httptest server.
	Backends *stripe.Backends
	Logger   *slog.Logger
}

// StripeClient implements Client with Stripe PaymentIntents. Amounts move
// in the currency's minor unit (paise for INR).
type StripeClient struct {
	api      *client.API
	currency string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStripeClient creates a Stripe-backed gateway client.
func NewStripeClient(cfg StripeConfig) *StripeClient {
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyINR)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &StripeClient{
		api:      client.New(cfg.SecretKey, cfg.Backends),
		currency: cfg.Currency,
		timeout:  cfg.Timeout,
		logger:   logging.OrDefault(cfg.Logger),
	}
}

// CreateOrder creates a PaymentIntent. The receipt id is sent as the Stripe
// idempotency key, so a retried call returns the original intent.
func (c *StripeClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinor(req.Amount)),
		Currency: stripe.String(c.currency),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ReceiptID)
	params.AddMetadata("receipt_id", req.ReceiptID)
	params.AddMetadata("payer_id", req.PayerID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe(OpCreateOrder, err)
	}

	c.logger.Debug("stripe payment intent created", "intentId", pi.ID, "receiptId", req.ReceiptID)
	return &Order{
		ID:        pi.ID,
		Amount:    fromMinor(pi.Amount),
		Currency:  string(pi.Currency),
		ReceiptID: req.ReceiptID,
		CreatedAt: time.Unix(pi.Created, 0).UTC(),
	}, nil
}

// FetchSettlements sums the charge balance transactions created in
// [from, to).
func (c *StripeClient) FetchSettlements(ctx context.Context, from, to time.Time) (*Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.BalanceTransactionListParams{
		Type: stripe.String(string(stripe.BalanceTransactionTypeCharge)),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThan:         to.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	total := decimal.Zero
	count := 0
	it := c.api.BalanceTransactions.List(params)
	for it.Next() {
		bt := it.BalanceTransaction()
		if string(bt.Currency) != c.currency {
			continue
		}
		total = total.Add(fromMinor(bt.Amount))
		count++
	}
	if err := it.Err(); err != nil {
		return nil, classifyStripe(OpFetchSettlements, err)
	}

	return &Settlement{Total: total, Count: count, From: from, To: to}, nil
}

// classifyStripe maps a stripe-go error onto the gateway error taxonomy.
func classifyStripe(op string, err error) error {
	if ce := classifyContext(op, err); ce != nil {
		return ce
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure: no HTTP response at all.
		return &Error{Op: op, Kind: KindTransient, Err: err}
	}

	kind := KindTransient
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode == http.StatusConflict, // idempotent request still in flight
		se.HTTPStatusCode >= 500,
		se.HTTPStatusCode == 0:
		kind = KindTransient
	case se.HTTPStatusCode >= 400:
		kind = KindInvalidRequest
	}
	return &Error{Op: op, Kind: kind, Code: string(se.Code), Err: fmt.Errorf("status %d: %s", se.HTTPStatusCode, se.Msg)}
}

var hundred = decimal.NewFromInt(100)

func toMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func fromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

var _ Client = (*StripeClient)(nil)
