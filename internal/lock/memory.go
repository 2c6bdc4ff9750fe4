package lock

import (
	"context"
	"sync/atomic"

	"github.com/mbd888/notemarket/internal/syncutil"
)

// MemoryProvider is an in-process Provider. It only excludes goroutines in
// the same process and is meant for single-instance deployments and tests.
type MemoryProvider struct {
	mu *syncutil.KeyedMutex
}

// NewMemoryProvider creates an in-process lock provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{mu: syncutil.NewKeyedMutex()}
}

// Acquire blocks until token is free or ctx is done.
func (p *MemoryProvider) Acquire(ctx context.Context, token int64) (Lock, error) {
	unlock, err := p.mu.LockContext(ctx, token)
	if err != nil {
		return nil, err
	}
	return &memoryLock{unlock: unlock}, nil
}

// Held reports how many tokens are currently locked or awaited.
func (p *MemoryProvider) Held() int {
	return p.mu.Len()
}

type memoryLock struct {
	unlock   func()
	released atomic.Bool
}

func (l *memoryLock) Release(_ context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	l.unlock()
	return nil
}

var _ Provider = (*MemoryProvider)(nil)
