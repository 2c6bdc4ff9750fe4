package paygateway

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/notemarket/internal/circuitbreaker"
)

// Breaker wraps a Client with a per-operation circuit breaker. Only
// transient failures count against the circuit; a rejected request says
// nothing about gateway health. While open, calls fail fast with a
// transient error wrapping circuitbreaker.ErrOpen.
type Breaker struct {
	next    Client
	breaker *circuitbreaker.Breaker
}

// NewBreaker wraps next.
func NewBreaker(next Client, cb *circuitbreaker.Breaker) *Breaker {
	return &Breaker{next: next, breaker: cb}
}

func (b *Breaker) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var order *Order
	err := b.do(ctx, OpCreateOrder, func(ctx context.Context) error {
		var err error
		order, err = b.next.CreateOrder(ctx, req)
		return err
	})
	return order, err
}

func (b *Breaker) FetchSettlements(ctx context.Context, from, to time.Time) (*Settlement, error) {
	var s *Settlement
	err := b.do(ctx, OpFetchSettlements, func(ctx context.Context) error {
		var err error
		s, err = b.next.FetchSettlements(ctx, from, to)
		return err
	})
	return s, err
}

func (b *Breaker) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := b.breaker.Do(ctx, op, IsTransient, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &Error{Op: op, Kind: KindTransient, Err: err}
	}
	observeCall(op, err, time.Since(start))
	return err
}

var _ Client = (*Breaker)(nil)
