package paygateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/idgen"
)

// MockClient is an in-memory gateway for development and tests. Orders are
// idempotent on receipt id like the real gateway, and settlements are
// whatever the test recorded.
type MockClient struct {
	mu          sync.Mutex
	clock       clock.Clock
	orders      map[string]*Order // by receipt id
	settlements []settled
	failures    map[string][]error // queued per operation
	calls       map[string]int
}

type settled struct {
	at     time.Time
	amount decimal.Decimal
}

// NewMockClient creates an empty mock gateway. A nil clock uses the system clock.
func NewMockClient(c clock.Clock) *MockClient {
	if c == nil {
		c = clock.NewSystem()
	}
	return &MockClient{
		clock:    c,
		orders:   make(map[string]*Order),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call to op return err. Calls queue up in order.
func (m *MockClient) FailNext(op string, err error) {
	m.mu.Lock()
	m.failures[op] = append(m.failures[op], err)
	m.mu.Unlock()
}

// AddSettlement records a settled charge at the given instant.
func (m *MockClient) AddSettlement(at time.Time, amount decimal.Decimal) {
	m.mu.Lock()
	m.settlements = append(m.settlements, settled{at: at, amount: amount})
	m.mu.Unlock()
}

// Calls returns how many times op was invoked, failures included.
func (m *MockClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockClient) nextFailure(op string) error {
	m.calls[op]++
	q := m.failures[op]
	if len(q) == 0 {
		return nil
	}
	m.failures[op] = q[1:]
	return q[0]
}

// CreateOrder returns the existing order for a known receipt id, otherwise
// opens a new one.
func (m *MockClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyContext(OpCreateOrder, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextFailure(OpCreateOrder); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, &Error{Op: OpCreateOrder, Kind: KindInvalidRequest, Code: "amount_invalid",
			Err: fmt.Errorf("amount must be positive, got %s", req.Amount)}
	}

	if o, ok := m.orders[req.ReceiptID]; ok {
		cp := *o
		return &cp, nil
	}

	o := &Order{
		ID:        idgen.WithPrefix("order_"),
		Amount:    req.Amount,
		Currency:  "inr",
		ReceiptID: req.ReceiptID,
		CreatedAt: m.clock.Now(),
	}
	m.orders[req.ReceiptID] = o
	cp := *o
	return &cp, nil
}

// FetchSettlements sums the recorded settlements in [from, to).
func (m *MockClient) FetchSettlements(ctx context.Context, from, to time.Time) (*Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyContext(OpFetchSettlements, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextFailure(OpFetchSettlements); err != nil {
		return nil, err
	}

	total := decimal.Zero
	count := 0
	for _, s := range m.settlements {
		if !s.at.Before(from) && s.at.Before(to) {
			total = total.Add(s.amount)
			count++
		}
	}
	return &Settlement{Total: total, Count: count, From: from, To: to}, nil
}

var _ Client = (*MockClient)(nil)
