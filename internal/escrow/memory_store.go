package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow store for development and tests. One
// mutex covers transactions and wallets so Release is atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	txns    map[string]*Transaction
	wallets map[string]*Wallet
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:    make(map[string]*Transaction),
		wallets: make(map[string]*Wallet),
	}
}

func (m *MemoryStore) RecordSale(_ context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[txn.ID]; ok {
		return ErrDuplicateTransaction
	}
	w, ok := m.wallets[txn.SellerID]
	if !ok {
		w = &Wallet{SellerID: txn.SellerID}
		m.wallets[txn.SellerID] = w
	}
	w.PendingBalance = w.PendingBalance.Add(txn.Amount)
	w.UpdatedAt = txn.UpdatedAt
	m.txns[txn.ID] = cloneTransaction(txn)
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (m *MemoryStore) GetWallet(_ context.Context, sellerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[sellerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListMatured(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.Matured(now) {
			result = append(result, cloneTransaction(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EscrowReleaseAt.Equal(result[j].EscrowReleaseAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].EscrowReleaseAt.Before(result[j].EscrowReleaseAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Release(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if !t.Matured(at) {
		return false, nil
	}
	w, ok := m.wallets[t.SellerID]
	if !ok {
		return false, ErrWalletNotFound
	}
	if w.PendingBalance.LessThan(t.Amount) {
		return false, ErrInsufficientPending
	}

	t.IsReleasedToSeller = true
	t.ReleasedAt = &at
	w.PendingBalance = w.PendingBalance.Sub(t.Amount)
	w.AvailableBalance = w.AvailableBalance.Add(t.Amount)
	w.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) SumSuccessful(_ context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	count := 0
	for _, t := range m.txns {
		if t.Status == TxSuccess && !t.UpdatedAt.Before(from) && t.UpdatedAt.Before(to) {
			total = total.Add(t.Amount)
			count++
		}
	}
	return total, count, nil
}

var _ Store = (*MemoryStore)(nil)
