// Package lock provides cross-request mutual exclusion keyed by a 64-bit
// token. The PostgreSQL provider coordinates every process sharing one
// database; the in-process provider serves single-instance deployments.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

var (
	// ErrReleased is returned when a lock is released twice.
	ErrReleased = errors.New("lock already released")
	// ErrNotHeld is returned when the backend reports the lock was not held
	// by this session at release time.
	ErrNotHeld = errors.New("lock not held")
)

// Lock is a held lock. Release must be called exactly once.
type Lock interface {
	Release(ctx context.Context) error
}

// Provider acquires locks. Acquire blocks until the lock for token is free
// or ctx is done.
type Provider interface {
	Acquire(ctx context.Context, token int64) (Lock, error)
}

// Token maps a string key to a signed 64-bit lock token: the first eight
// bytes of its SHA-256 digest, big-endian. The same key always yields the
// same token.
func Token(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8])) //nolint:gosec // wraparound into the signed range is intended
}
