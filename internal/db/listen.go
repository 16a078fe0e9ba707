package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AcquireListenConn checks out a dedicated connection from pool and
// issues LISTEN on channel. The returned *pgxpool.Conn must be Released
// by the caller when the listener loop exits; pgx returns a listening
// connection to the pool's idle set cleanly once UNLISTEN is implied by
// Release, so no explicit UNLISTEN is required.
func AcquireListenConn(ctx context.Context, pool *pgxpool.Pool, channel string) (*pgxpool.Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return conn, nil
}
