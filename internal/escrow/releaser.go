package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mbd888/notemarket/internal/alerts"
	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/traces"
)

// Alert events raised by the releaser.
const (
	EventReleaseFailed          = "escrow.release_failed"
	EventDoubleReleasePrevented = "escrow.double_release_prevented"
	EventSweepFailed            = "escrow.sweep_failed"
)

// Releaser moves matured escrow into seller balances. Several releasers may
// sweep the same table at once; the guarded update in Store.Release makes
// each transaction release at most once.
type Releaser struct {
	store     Store
	alerter   alerts.Alerter
	clock     clock.Clock
	batchSize int
	logger    *slog.Logger
}

// NewReleaser creates a releaser with the default batch size. A nil alerter
// only logs.
func NewReleaser(store Store, alerter alerts.Alerter, logger *slog.Logger) *Releaser {
	logger = logging.OrDefault(logger)
	if alerter == nil {
		alerter = alerts.NewLogAlerter(logger)
	}
	return &Releaser{
		store:     store,
		alerter:   alerter,
		clock:     clock.NewSystem(),
		batchSize: DefaultBatchSize,
		logger:    logger,
	}
}

// WithClock replaces the time source.
func (r *Releaser) WithClock(c clock.Clock) *Releaser {
	r.clock = c
	return r
}

// WithBatchSize bounds how many transactions one sweep looks at.
func (r *Releaser) WithBatchSize(n int) *Releaser {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// ReleaseMatured releases one batch of matured transactions. A failure on
// one transaction is logged and alerted and the rest of the batch still
// runs. The error return is reserved for failing to load the batch.
func (r *Releaser) ReleaseMatured(ctx context.Context) (sum Summary, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseMatured")
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()
	logger := logging.Enrich(ctx, r.logger)
	sum.Amount = decimal.Zero

	now := r.clock.Now()
	batch, err := r.store.ListMatured(ctx, now, r.batchSize)
	if err != nil {
		r.alerter.Alert(ctx, alerts.SeverityCritical, EventSweepFailed,
			"escrow release sweep could not load matured transactions",
			map[string]any{"error": err.Error()})
		return sum, fmt.Errorf("list matured transactions: %w", err)
	}
	sum.Scanned = len(batch)

	for _, txn := range batch {
		released, err := r.releaseOne(ctx, txn)
		switch {
		case err != nil:
			sum.Failed++
			releaseTotal.WithLabelValues("failed").Inc()
			logger.Error("escrow release failed",
				"transactionId", txn.ID, "sellerId", txn.SellerID, "error", err)
			r.alerter.Alert(ctx, alerts.SeverityWarning, EventReleaseFailed,
				fmt.Sprintf("could not release transaction %s", txn.ID),
				map[string]any{
					"transactionId": txn.ID,
					"sellerId":      txn.SellerID,
					"amount":        txn.Amount.StringFixed(2),
					"error":         err.Error(),
				})
		case !released:
			sum.Skipped++
			releaseTotal.WithLabelValues("skipped").Inc()
			r.reportSkip(ctx, logger, txn)
		default:
			sum.Released++
			sum.Amount = sum.Amount.Add(txn.Amount)
			releaseTotal.WithLabelValues("released").Inc()
			releasedAmount.Add(txn.Amount.InexactFloat64())
			logger.Info("escrow released",
				"transactionId", txn.ID, "sellerId", txn.SellerID, "amount", txn.Amount.StringFixed(2))
		}
	}

	logger.Info("escrow release sweep finished",
		"scanned", sum.Scanned,
		"released", sum.Released,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"amount", sum.Amount.StringFixed(2),
	)
	return sum, nil
}

// releaseOne isolates one item so a panic in a store driver cannot take the
// rest of the batch down.
func (r *Releaser) releaseOne(ctx context.Context, txn *Transaction) (released bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.TransactionID(txn.ID), traces.SellerID(txn.SellerID), traces.Amount(txn.Amount.StringFixed(2)))
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic releasing %s: %v", txn.ID, p)
		}
		traces.RecordError(span, err)
		span.End()
	}()
	return r.store.Release(ctx, txn.ID, r.clock.Now())
}

// reportSkip tells a lost race apart from a transaction that simply was not
// releasable any more. The former is an integrity signal.
func (r *Releaser) reportSkip(ctx context.Context, logger *slog.Logger, txn *Transaction) {
	current, err := r.store.GetTransaction(ctx, txn.ID)
	if err != nil {
		if !errors.Is(err, ErrTransactionNotFound) {
			logger.Warn("could not reload skipped transaction", "transactionId", txn.ID, "error", err)
		}
		return
	}
	if !current.IsReleasedToSeller {
		logger.Info("transaction no longer releasable", "transactionId", txn.ID, "status", current.Status)
		return
	}
	logger.Warn("escrow already released by a concurrent sweep", "transactionId", txn.ID)
	r.alerter.Alert(ctx, alerts.SeverityWarning, EventDoubleReleasePrevented,
		fmt.Sprintf("transaction %s was already released; second release rejected", txn.ID),
		map[string]any{
			"transactionId": txn.ID,
			"sellerId":      txn.SellerID,
			"amount":        txn.Amount.StringFixed(2),
		})
}

// Run adapts ReleaseMatured to the scheduler job signature.
func (r *Releaser) Run(ctx context.Context) error {
	_, err := r.ReleaseMatured(ctx)
	return err
}
