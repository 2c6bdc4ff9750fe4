package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/idgen"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/paygateway"
	"github.com/mbd888/notemarket/internal/traces"
	"github.com/mbd888/notemarket/internal/validation"
)

// statusWriteTimeout bounds the status update that follows a gateway call.
const statusWriteTimeout = 5 * time.Second

// Processor opens gateway orders for reserved payments. It takes no lock:
// the guarded status update in the store decides a race between two
// callers.
type Processor struct {
	store   Store
	gateway paygateway.Client
	clock   clock.Clock
	logger  *slog.Logger
}

// NewProcessor creates an order processor.
func NewProcessor(store Store, gateway paygateway.Client, logger *slog.Logger) *Processor {
	return &Processor{
		store:   store,
		gateway: gateway,
		clock:   clock.NewSystem(),
		logger:  logging.OrDefault(logger),
	}
}

// WithClock replaces the time source.
func (p *Processor) WithClock(c clock.Clock) *Processor {
	p.clock = c
	return p
}

// Process opens the gateway order for paymentID. Calling it again on a
// PENDING payment returns the stored order without contacting the gateway.
func (p *Processor) Process(ctx context.Context, paymentID string, amount decimal.Decimal) (result *OrderResult, err error) {
	ctx = logging.WithPaymentID(ctx, paymentID)
	ctx, span := traces.StartSpan(ctx, "reservation.Process", traces.PaymentID(paymentID), traces.Amount(amount.StringFixed(2)))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()
	logger := logging.Enrich(ctx, p.logger)

	r, err := p.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if r.Status == StatusPending && r.GatewayOrderID != "" {
		processTotal.WithLabelValues("already_pending").Inc()
		return storedResult(r), nil
	}
	if r.Status != StatusReserved {
		processTotal.WithLabelValues("invalid_state").Inc()
		return nil, &StateError{PaymentID: r.ID, Current: r.Status}
	}
	if verr := validation.PositiveAmount("amount", amount)(); verr != nil {
		processTotal.WithLabelValues("invalid_request").Inc()
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidRequest, verr.Field, verr.Message)
	}

	order, gwErr := p.gateway.CreateOrder(ctx, paygateway.OrderRequest{
		Amount:    amount,
		ReceiptID: idgen.Receipt(r.ID),
		PayerID:   r.PayerID,
		Metadata:  map[string]string{"payment_id": r.ID},
	})
	now := p.clock.Now()

	// Once the gateway has answered, its outcome is recorded even if the
	// caller has gone away.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if gwErr != nil {
		processTotal.WithLabelValues("gateway_failed").Inc()
		moved, merr := p.store.MarkFailed(wctx, r.ID, gwErr.Error(), now)
		switch {
		case merr != nil:
			logger.Error("failed to record gateway failure", "error", merr, "gatewayError", gwErr)
		case !moved:
			logger.Warn("reservation left RESERVED state before failure was recorded", "gatewayError", gwErr)
		default:
			logger.Warn("gateway order failed", "error", gwErr, "transient", paygateway.IsTransient(gwErr))
		}
		return nil, fmt.Errorf("create gateway order: %w", gwErr)
	}

	moved, err := p.store.MarkPending(wctx, r.ID, order.ID, amount, now)
	if err != nil {
		processTotal.WithLabelValues("error").Inc()
		// The gateway order exists; a retry reuses it through the receipt id.
		return nil, fmt.Errorf("record gateway order %s: %w", order.ID, err)
	}
	if !moved {
		current, gerr := p.store.Get(wctx, r.ID)
		if gerr != nil {
			return nil, fmt.Errorf("reload reservation: %w", gerr)
		}
		if current.Status == StatusPending && current.GatewayOrderID != "" {
			processTotal.WithLabelValues("already_pending").Inc()
			return storedResult(current), nil
		}
		processTotal.WithLabelValues("invalid_state").Inc()
		return nil, &StateError{PaymentID: current.ID, Current: current.Status}
	}

	processTotal.WithLabelValues("pending").Inc()
	logger.Info("gateway order created", "gatewayOrderId", order.ID, "amount", amount.StringFixed(2))
	return &OrderResult{
		PaymentID:      r.ID,
		GatewayOrderID: order.ID,
		Amount:         amount,
		Status:         StatusPending,
	}, nil
}

func storedResult(r *Reservation) *OrderResult {
	res := &OrderResult{
		PaymentID:      r.ID,
		GatewayOrderID: r.GatewayOrderID,
		Status:         r.Status,
	}
	if r.TotalAmount != nil {
		res.Amount = *r.TotalAmount
	}
	return res
}
