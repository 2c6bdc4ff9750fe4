package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/idgen"
	"github.com/mbd888/notemarket/internal/lock"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/traces"
	"github.com/mbd888/notemarket/internal/validation"
)

// releaseTimeout bounds the unlock call made after Reserve returns.
const releaseTimeout = 5 * time.Second

// Manager creates reservations exactly once per idempotency key, across
// every process that shares the lock provider.
type Manager struct {
	store  Store
	locks  lock.Provider
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager creates a reservation manager with the default TTL and the
// system clock.
func NewManager(store Store, locks lock.Provider, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		locks:  locks,
		clock:  clock.NewSystem(),
		ttl:    DefaultTTL,
		logger: logging.OrDefault(logger),
	}
}

// WithTTL sets how long new reservations hold.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// WithClock replaces the time source.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// Reserve returns the reservation for req.IdempotencyKey, creating it if
// this is the first call with that key. Concurrent calls with one key are
// serialized by the lock; exactly one of them gets Reserved=true.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (result *ReserveResult, err error) {
	if errs := validation.Validate(
		validation.IdempotencyKey("idempotencyKey", req.IdempotencyKey),
		validation.Required("payerId", req.PayerID),
		validation.Identifier("payerId", req.PayerID),
		validation.Identifiers("itemIds", req.ItemIDs),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}

	token := lock.Token(req.IdempotencyKey)
	ctx, span := traces.StartSpan(ctx, "reservation.Reserve", traces.IdempotencyKey(token))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	start := time.Now()
	held, err := m.locks.Acquire(ctx, token)
	lockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		reserveTotal.WithLabelValues("lock_unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	defer func() {
		// A cancelled request must still unlock.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := held.Release(rctx); rerr != nil {
			m.logger.Warn("reservation lock release failed", "lockToken", token, "error", rerr)
		}
	}()

	existing, err := m.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		reserveTotal.WithLabelValues("duplicate").Inc()
		return &ReserveResult{Reserved: false, ExistingPaymentID: existing.ID}, nil
	case !errors.Is(err, ErrReservationNotFound):
		reserveTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup reservation: %w", err)
	}

	now := m.clock.Now()
	r := &Reservation{
		ID:             idgen.New(),
		IdempotencyKey: req.IdempotencyKey,
		PayerID:        req.PayerID,
		ItemIDs:        append([]string(nil), req.ItemIDs...),
		Status:         StatusReserved,
		ReservedAt:     now,
		ReservedUntil:  now.Add(m.ttl),
	}

	if err := m.store.Create(ctx, r); err != nil {
		if errors.Is(err, errDuplicateKey) {
			// Another writer got in without the lock (a different lock
			// backend, or a manual insert). The unique constraint holds.
			existing, gerr := m.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				reserveTotal.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("lookup reservation after conflict: %w", gerr)
			}
			reserveTotal.WithLabelValues("duplicate").Inc()
			return &ReserveResult{Reserved: false, ExistingPaymentID: existing.ID}, nil
		}
		reserveTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	reserveTotal.WithLabelValues("reserved").Inc()
	m.logger.Info("payment reserved",
		"paymentId", r.ID,
		"payerId", r.PayerID,
		"items", len(r.ItemIDs),
		"reservedUntil", r.ReservedUntil,
	)
	return &ReserveResult{Reserved: true, PaymentID: r.ID}, nil
}

// Get returns a reservation by payment id.
func (m *Manager) Get(ctx context.Context, id string) (*Reservation, error) {
	return m.store.Get(ctx, id)
}
