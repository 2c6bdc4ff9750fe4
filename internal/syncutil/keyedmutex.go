// Package syncutil provides in-process locking primitives.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex is a set of channel-based mutexes keyed by a 64-bit token.
// Callers can bail out if their context is cancelled while waiting.
// Entries are reference counted and dropped once no goroutine holds or
// waits on them, so memory is bounded by the number of active keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedEntry)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call; calling it
// more than once is a no-op. On cancellation it returns the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key int64) (func(), error) {
	e := m.ref(key)

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) ref(key int64) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		m.locks = make(map[int64]*keyedEntry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // start unlocked
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key int64, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
