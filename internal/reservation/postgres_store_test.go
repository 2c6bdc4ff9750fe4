//go:build integration

package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/idgen"
	"github.com/mbd888/notemarket/internal/lock"
	"github.com/mbd888/notemarket/internal/testutil"
)

func newReservation(key string, now time.Time) *Reservation {
	return &Reservation{
		ID:             idgen.New(),
		IdempotencyKey: key,
		PayerID:        "u1",
		ItemIDs:        []string{"n1", "n2"},
		Status:         StatusReserved,
		ReservedAt:     now,
		ReservedUntil:  now.Add(DefaultTTL),
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := newReservation("pg-k1", now)
	require.NoError(t, store.Create(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, []string{"n1", "n2"}, got.ItemIDs)
	assert.Equal(t, StatusReserved, got.Status)
	assert.Nil(t, got.TotalAmount)
	assert.Nil(t, got.ProcessedAt)
	assert.True(t, got.ReservedUntil.Equal(r.ReservedUntil))

	byKey, err := store.GetByIdempotencyKey(ctx, "pg-k1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, byKey.ID)

	_, err = store.Get(ctx, idgen.New())
	assert.ErrorIs(t, err, ErrReservationNotFound)
	_, err = store.GetByIdempotencyKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestPostgresStore_DuplicateKey(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, newReservation("pg-dup", now)))
	err := store.Create(ctx, newReservation("pg-dup", now))
	assert.ErrorIs(t, err, errDuplicateKey)
}

func TestPostgresStore_GuardedTransitions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := newReservation("pg-guard", now)
	require.NoError(t, store.Create(ctx, r))

	moved, err := store.MarkPending(ctx, r.ID, "pi_123", decimal.RequireFromString("500.00"), now)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = store.MarkPending(ctx, r.ID, "pi_456", decimal.RequireFromString("500.00"), now)
	require.NoError(t, err)
	assert.False(t, moved, "PENDING cannot move to PENDING again")

	moved, err = store.MarkFailed(ctx, r.ID, "late failure", now)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "pi_123", got.GatewayOrderID)
	require.NotNil(t, got.TotalAmount)
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(500)))

	_, err = store.MarkPending(ctx, idgen.New(), "pi", decimal.NewFromInt(1), now)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestPostgresStore_ExpireBefore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	old := newReservation("pg-old", now.Add(-time.Hour))
	fresh := newReservation("pg-fresh", now)
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Create(ctx, fresh))

	n, err := store.ExpireBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, got.Status)
}

// Two managers with separate connection-pinned lock providers behave like
// two server processes sharing one database.
func TestPostgres_ConcurrentReserveAcrossProviders(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	db.SetMaxOpenConns(40)

	managers := []*Manager{
		NewManager(store, lock.NewPostgresProvider(db), nil),
		NewManager(store, lock.NewPostgresProvider(db), nil),
	}

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[string]struct{})
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			res, err := m.Reserve(context.Background(), ReserveRequest{IdempotencyKey: "pg-race", PayerID: "u1", ItemIDs: []string{"n1"}})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Reserved {
				created++
				ids[res.PaymentID] = struct{}{}
			} else {
				ids[res.ExistingPaymentID] = struct{}{}
			}
		}(managers[i%2])
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM payment_reservations WHERE idempotency_key = 'pg-race'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestPostgres_ProcessFlow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	m := NewManager(store, lock.NewPostgresProvider(db), nil)
	res, err := m.Reserve(ctx, ReserveRequest{IdempotencyKey: "pg-flow", PayerID: "u1", ItemIDs: []string{"n1"}})
	require.NoError(t, err)

	gw := &fixedGateway{orderID: "ord_abc"}
	p := NewProcessor(store, gw, nil).WithClock(clock.NewSystem())
	out, err := p.Process(ctx, res.PaymentID, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.Equal(t, "ord_abc", out.GatewayOrderID)

	again, err := p.Process(ctx, res.PaymentID, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.Equal(t, "ord_abc", again.GatewayOrderID)
	assert.True(t, again.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 1, gw.calls())
}
