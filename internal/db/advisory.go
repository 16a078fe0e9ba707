package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// TryAdvisoryLock attempts to acquire a session-level advisory lock on
// key without blocking. The lock is held by the given connection for
// as long as that connection lives — callers doing leader election hold
// a dedicated connection checked out from the pool for this purpose,
// since releasing it back to the pool would implicitly drop the lock.
func TryAdvisoryLock(ctx context.Context, conn *pgx.Conn, key int64) (bool, error) {
	var acquired bool
	err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	return acquired, err
}

// ReleaseAdvisoryLock releases a previously acquired session-level
// advisory lock on key.
func ReleaseAdvisoryLock(ctx context.Context, conn *pgx.Conn, key int64) error {
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}
