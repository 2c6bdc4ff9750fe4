package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_Deterministic(t *testing.T) {
	assert.Equal(t, Token("k1"), Token("k1"))
	assert.NotEqual(t, Token("k1"), Token("k2"))
	assert.NotEqual(t, Token(""), Token(" "))
}

func TestToken_UsesFullSignedRange(t *testing.T) {
	var sawNegative, sawPositive bool
	for i := 0; i < 64 && !(sawNegative && sawPositive); i++ {
		tok := Token(string(rune('a' + i)))
		if tok < 0 {
			sawNegative = true
		} else {
			sawPositive = true
		}
	}
	assert.True(t, sawNegative, "expected some tokens in the negative range")
	assert.True(t, sawPositive, "expected some tokens in the positive range")
}

func TestMemoryProvider_SameTokenSerializes(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(ctx, Token("same"))
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = l.Release(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, p.Held())
}

func TestMemoryProvider_CancelWhileWaiting(t *testing.T) {
	p := NewMemoryProvider()
	held, err := p.Acquire(context.Background(), 9)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, 9)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, held.Release(context.Background()))
	assert.Equal(t, 0, p.Held())
}

func TestMemoryProvider_DoubleRelease(t *testing.T) {
	p := NewMemoryProvider()
	l, err := p.Acquire(context.Background(), 3)
	require.NoError(t, err)

	require.NoError(t, l.Release(context.Background()))
	assert.ErrorIs(t, l.Release(context.Background()), ErrReleased)
}
