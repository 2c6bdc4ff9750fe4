package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/notemarket/internal/alerts"
	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/idgen"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/paygateway"
	"github.com/mbd888/notemarket/internal/retry"
	"github.com/mbd888/notemarket/internal/traces"
	"github.com/mbd888/notemarket/internal/validation"
)

// Alert events raised by the auditor.
const (
	EventMismatch   = "reconciliation.mismatch"
	EventJobCrashed = "reconciliation.job_crashed"
)

// DefaultLocation is the business day used to cut daily windows.
const DefaultLocation = "Asia/Kolkata"

// settlementRetry retries transient gateway failures. A rejected request
// fails immediately.
var settlementRetry = retry.Policy{
	Attempts:  3,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  5 * time.Second,
	Retryable: func(err error) bool { return !paygateway.IsInvalidRequest(err) },
}

// Auditor runs the daily reconciliation.
type Auditor struct {
	store     Store
	ledger    LedgerSummer
	source    SettlementSource
	alerter   alerts.Alerter
	ticketer  alerts.Ticketer
	clock     clock.Clock
	loc       *time.Location
	threshold decimal.Decimal
	retry     retry.Policy
	logger    *slog.Logger
}

// NewAuditor creates an auditor with the default threshold, the Asia/Kolkata
// business day and the system clock. Nil alerter or ticketer fall back to
// logging.
func NewAuditor(store Store, ledger LedgerSummer, source SettlementSource, alerter alerts.Alerter, ticketer alerts.Ticketer, logger *slog.Logger) *Auditor {
	logger = logging.OrDefault(logger)
	if alerter == nil {
		alerter = alerts.NewLogAlerter(logger)
	}
	if ticketer == nil {
		ticketer = alerts.NewLogTicketer(logger)
	}
	loc, err := time.LoadLocation(DefaultLocation)
	if err != nil {
		loc = time.UTC
	}
	return &Auditor{
		store:     store,
		ledger:    ledger,
		source:    source,
		alerter:   alerter,
		ticketer:  ticketer,
		clock:     clock.NewSystem(),
		loc:       loc,
		threshold: DefaultThreshold,
		retry:     settlementRetry,
		logger:    logger,
	}
}

// WithThreshold sets the MATCH tolerance.
func (a *Auditor) WithThreshold(t decimal.Decimal) *Auditor {
	if !t.IsNegative() {
		a.threshold = t
	}
	return a
}

// WithLocation sets the time zone that defines a calendar day.
func (a *Auditor) WithLocation(loc *time.Location) *Auditor {
	if loc != nil {
		a.loc = loc
	}
	return a
}

// WithClock replaces the time source.
func (a *Auditor) WithClock(c clock.Clock) *Auditor {
	a.clock = c
	return a
}

// WithRetryPolicy replaces the settlement fetch retry policy.
func (a *Auditor) WithRetryPolicy(p retry.Policy) *Auditor {
	a.retry = p
	return a
}

// Window returns the half-open interval covering day in the auditor's
// time zone. It is 23 or 25 hours long across a DST change.
func (a *Auditor) Window(day time.Time) (from, to time.Time) {
	y, m, d := day.In(a.loc).Date()
	from = time.Date(y, m, d, 0, 0, 0, 0, a.loc)
	return from, from.AddDate(0, 0, 1)
}

// ReconcileDate parses a YYYY-MM-DD date and reconciles it.
func (a *Auditor) ReconcileDate(ctx context.Context, date string) (*Result, error) {
	day, verr := validation.ParseDate("date", date, a.loc)
	if verr != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDate, verr.Message)
	}
	return a.Reconcile(ctx, day)
}

// Reconcile audits one calendar day. A day that was already audited returns
// its stored record and raises nothing. Any failure after validation raises
// a CRITICAL job_crashed alert and is returned.
func (a *Auditor) Reconcile(ctx context.Context, day time.Time) (result *Result, err error) {
	from, to := a.Window(day)
	date := from.Format(validation.DateLayout)

	if to.After(a.clock.Now()) {
		return nil, fmt.Errorf("%w: %s has not ended yet", ErrInvalidDate, date)
	}

	ctx = logging.WithJob(ctx, "reconciliation")
	ctx, span := traces.StartSpan(ctx, "reconciliation.Reconcile", traces.ReconDate(date))
	start := time.Now()
	defer func() {
		runDuration.Observe(time.Since(start).Seconds())
		traces.RecordError(span, err)
		span.End()
	}()
	logger := logging.Enrich(ctx, a.logger).With("date", date)

	defer func() {
		if err != nil {
			runsTotal.WithLabelValues("error").Inc()
			logger.Error("reconciliation job crashed", "error", err)
			a.alerter.Alert(ctx, alerts.SeverityCritical, EventJobCrashed,
				fmt.Sprintf("reconciliation for %s did not complete", date),
				map[string]any{"date": date, "error": err.Error()})
		}
	}()

	existing, err := a.store.GetByDate(ctx, date)
	switch {
	case err == nil:
		runsTotal.WithLabelValues("replayed").Inc()
		logger.Info("date already reconciled", "status", existing.Status)
		return &Result{Record: *existing, Replayed: true}, nil
	case !errors.Is(err, ErrRecordNotFound):
		return nil, fmt.Errorf("load existing record: %w", err)
	}

	ourTotal, ourCount, err := a.ledger.SumSuccessful(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("sum ledger transactions: %w", err)
	}

	var settlement *paygateway.Settlement
	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		s, ferr := a.source.FetchSettlements(ctx, from, to)
		if ferr != nil {
			logger.Warn("settlement fetch failed", "error", ferr)
			return ferr
		}
		if s == nil {
			return retry.Permanent(errors.New("settlement source returned no settlement"))
		}
		settlement = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch gateway settlements: %w", err)
	}

	rec := &Record{
		ID:               idgen.New(),
		Date:             date,
		OurTotal:         ourTotal,
		OurCount:         ourCount,
		ExternalTotal:    settlement.Total,
		ExternalCount:    settlement.Count,
		AmountDifference: ourTotal.Sub(settlement.Total).Abs(),
		CountDifference:  absInt(ourCount - settlement.Count),
		Status:           StatusMatch,
		Threshold:        a.threshold,
		CreatedAt:        a.clock.Now(),
	}
	if rec.AmountDifference.GreaterThan(a.threshold) {
		rec.Status = StatusMismatch
	}

	if err := a.store.Insert(ctx, rec); err != nil {
		if !errors.Is(err, errDuplicateDate) {
			return nil, fmt.Errorf("save record: %w", err)
		}
		// Another auditor finished the same day first; its record stands.
		stored, gerr := a.store.GetByDate(ctx, date)
		if gerr != nil {
			return nil, fmt.Errorf("load record after conflict: %w", gerr)
		}
		runsTotal.WithLabelValues("replayed").Inc()
		return &Result{Record: *stored, Replayed: true}, nil
	}

	lastDifference.Set(rec.AmountDifference.InexactFloat64())
	if rec.Status == StatusMismatch {
		runsTotal.WithLabelValues("mismatch").Inc()
		a.reportMismatch(ctx, logger, rec)
	} else {
		runsTotal.WithLabelValues("match").Inc()
		logger.Info("reconciliation matched",
			"ourTotal", rec.OurTotal.StringFixed(2),
			"externalTotal", rec.ExternalTotal.StringFixed(2),
			"difference", rec.AmountDifference.StringFixed(2),
		)
	}
	return &Result{Record: *rec}, nil
}

func (a *Auditor) reportMismatch(ctx context.Context, logger *slog.Logger, rec *Record) {
	meta := map[string]any{
		"date":             rec.Date,
		"ourTotal":         rec.OurTotal.StringFixed(2),
		"ourCount":         rec.OurCount,
		"externalTotal":    rec.ExternalTotal.StringFixed(2),
		"externalCount":    rec.ExternalCount,
		"amountDifference": rec.AmountDifference.StringFixed(2),
		"countDifference":  rec.CountDifference,
		"threshold":        rec.Threshold.StringFixed(2),
		"recordId":         rec.ID,
	}
	logger.Error("reconciliation mismatch",
		"ourTotal", rec.OurTotal.StringFixed(2),
		"externalTotal", rec.ExternalTotal.StringFixed(2),
		"difference", rec.AmountDifference.StringFixed(2),
	)
	a.alerter.Alert(ctx, alerts.SeverityCritical, EventMismatch,
		fmt.Sprintf("ledger and gateway differ by INR %s on %s", rec.AmountDifference.StringFixed(2), rec.Date),
		meta)

	summary := fmt.Sprintf("Reconciliation mismatch on %s: ledger %s vs gateway %s",
		rec.Date, rec.OurTotal.StringFixed(2), rec.ExternalTotal.StringFixed(2))
	if err := a.ticketer.CreateTicket(ctx, summary, meta); err != nil {
		logger.Warn("failed to open reconciliation ticket", "error", err)
	}
}

// RunPreviousDay reconciles yesterday in the auditor's time zone. It is the
// scheduled entry point.
func (a *Auditor) RunPreviousDay(ctx context.Context) error {
	yesterday := a.clock.Now().In(a.loc).AddDate(0, 0, -1)
	_, err := a.Reconcile(ctx, yesterday)
	return err
}

// List returns recent records, newest first.
func (a *Auditor) List(ctx context.Context, limit int) ([]*Record, error) {
	return a.store.List(ctx, limit)
}

// Get returns the record for a YYYY-MM-DD date.
func (a *Auditor) Get(ctx context.Context, date string) (*Record, error) {
	if _, verr := validation.ParseDate("date", date, a.loc); verr != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDate, verr.Message)
	}
	return a.store.GetByDate(ctx, date)
}
