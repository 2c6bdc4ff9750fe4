package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync/atomic"
)

// PostgresProvider implements Provider with session-level PostgreSQL
// advisory locks. Each held lock pins one pooled connection, because an
// advisory lock can only be released by the session that took it.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider creates an advisory-lock provider on db.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// Acquire runs pg_advisory_lock on a dedicated connection and blocks until
// the lock is granted. Cancelling ctx aborts the wait.
func (p *PostgresProvider) Acquire(ctx context.Context, token int64) (Lock, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, token); err != nil {
		// The lock may have been granted just as the wait was cancelled.
		// Dropping the session guarantees it is not left behind.
		discard(conn)
		return nil, fmt.Errorf("pg_advisory_lock: %w", err)
	}

	return &pgLock{conn: conn, token: token}, nil
}

type pgLock struct {
	conn     *sql.Conn
	token    int64
	released atomic.Bool
}

// Release unlocks on the owning session and returns the connection to the
// pool. If the unlock statement fails the connection is discarded instead;
// PostgreSQL frees session locks when the session ends.
func (l *pgLock) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrReleased
	}

	var unlocked bool
	err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.token).Scan(&unlocked)
	if err != nil {
		discard(l.conn)
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if !unlocked {
		discard(l.conn)
		return ErrNotHeld
	}
	return l.conn.Close()
}

// discard closes the underlying driver connection rather than returning it
// to the pool.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

var _ Provider = (*PostgresProvider)(nil)
