package reconciliation

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory record store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byDate map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byDate: make(map[string]*Record)}
}

func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byDate[rec.Date]; ok {
		return errDuplicateDate
	}
	cp := *rec
	m.byDate[rec.Date] = &cp
	return nil
}

func (m *MemoryStore) GetByDate(_ context.Context, date string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byDate[date]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Record, 0, len(m.byDate))
	for _, rec := range m.byDate {
		cp := *rec
		result = append(result, &cp)
	}
	// YYYY-MM-DD sorts lexically.
	sort.Slice(result, func(i, j int) bool { return result[i].Date > result[j].Date })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
