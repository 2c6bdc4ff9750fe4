package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory reservation store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Reservation
	byKey map[string]string // idempotency key -> id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Reservation),
		byKey: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byKey[r.IdempotencyKey]; taken {
		return errDuplicateKey
	}
	m.byID[r.ID] = cloneReservation(r)
	m.byKey[r.IdempotencyKey] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return cloneReservation(r), nil
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return cloneReservation(m.byID[id]), nil
}

func (m *MemoryStore) MarkPending(_ context.Context, id, gatewayOrderID string, amount decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.Status != StatusReserved {
		return false, nil
	}
	r.Status = StatusPending
	r.GatewayOrderID = gatewayOrderID
	r.TotalAmount = &amount
	r.ProcessedAt = &at
	return true, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.Status != StatusReserved {
		return false, nil
	}
	r.Status = StatusFailed
	r.FailureReason = reason
	r.ProcessedAt = &at
	return true, nil
}

func (m *MemoryStore) ExpireBefore(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.byID {
		if r.Status == StatusReserved && r.ReservedUntil.Before(now) {
			r.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
