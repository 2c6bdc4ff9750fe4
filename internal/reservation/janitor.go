package reservation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/logging"
)

// Janitor expires reservations whose TTL has passed.
type Janitor struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewJanitor creates a janitor.
func NewJanitor(store Store, logger *slog.Logger) *Janitor {
	return &Janitor{store: store, clock: clock.NewSystem(), logger: logging.OrDefault(logger)}
}

// WithClock replaces the time source.
func (j *Janitor) WithClock(c clock.Clock) *Janitor {
	j.clock = c
	return j
}

// SweepExpired moves every RESERVED reservation past its deadline to
// EXPIRED in one statement and returns how many moved.
func (j *Janitor) SweepExpired(ctx context.Context) (int64, error) {
	n, err := j.store.ExpireBefore(ctx, j.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	expiredTotal.Add(float64(n))
	logging.Enrich(ctx, j.logger).Info("expired stale reservations", "count", n)
	return n, nil
}

// Run adapts SweepExpired to the scheduler job signature.
func (j *Janitor) Run(ctx context.Context) error {
	_, err := j.SweepExpired(ctx)
	return err
}
