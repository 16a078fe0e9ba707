package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NodeRepository struct {
	pool *pgxpool.Pool
}

func NewNodeRepository(pool *pgxpool.Pool) *NodeRepository {
	return &NodeRepository{pool: pool}
}

func (r *NodeRepository) Register(ctx context.Context, node *domain.Node) error {
	tags, err := json.Marshal(node.Tags)
	if err != nil {
		return fmt.Errorf("marshal node tags: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO nodes (id, hostname, address, roles, capabilities, status, tags, version, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET hostname = EXCLUDED.hostname, address = EXCLUDED.address, roles = EXCLUDED.roles,
		    capabilities = EXCLUDED.capabilities, status = EXCLUDED.status,
		    tags = EXCLUDED.tags, version = EXCLUDED.version, last_heartbeat = NOW()`,
		node.ID, node.Hostname, node.Address, node.Roles, node.Capabilities, node.Status, tags, node.Version)
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

func (r *NodeRepository) Heartbeat(ctx context.Context, nodeID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE nodes SET last_heartbeat = NOW() WHERE id = $1`, nodeID)
	return err
}

func (r *NodeRepository) UpdateStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE nodes SET status = $2 WHERE id = $1`, nodeID, status)
	return err
}

func (r *NodeRepository) ListActive(ctx context.Context, since time.Time) ([]*domain.Node, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, hostname, address, roles, capabilities, status, tags, version, started_at, last_heartbeat
		FROM nodes
		WHERE status != 'dead' AND last_heartbeat >= $1
		ORDER BY started_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		var n domain.Node
		var tags []byte
		if err := rows.Scan(&n.ID, &n.Hostname, &n.Address, &n.Roles, &n.Capabilities, &n.Status, &tags, &n.Version, &n.StartedAt, &n.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &n.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal node tags: %w", err)
			}
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (r *NodeRepository) MarkDeadStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE nodes SET status = 'dead' WHERE status != 'dead' AND last_heartbeat < $1 RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark dead stale: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dead node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LeaderRepository backs leader election with a dedicated long-lived
// connection per role, since pg_advisory_lock is scoped to the session
// that took it (spec.md §4.2). One connection per role is held for the
// node's entire tenure as leader of that role.
type LeaderRepository struct {
	pool  *pgxpool.Pool
	conns map[domain.LeaderRole]*pgxpool.Conn
}

func NewLeaderRepository(pool *pgxpool.Pool) *LeaderRepository {
	return &LeaderRepository{pool: pool, conns: make(map[domain.LeaderRole]*pgxpool.Conn)}
}

// TryAcquire attempts to become leader for role. It checks out a
// dedicated connection and tries pg_try_advisory_lock on it; if the
// lock can't be acquired, the connection is released immediately so it
// doesn't sit idle in the pool holding nothing.
func (r *LeaderRepository) TryAcquire(ctx context.Context, role domain.LeaderRole, nodeID string, lease time.Duration) (bool, error) {
	if existing, ok := r.conns[role]; ok {
		// Already holding the session lock from a prior call; just
		// refresh the lease bookkeeping row.
		return true, r.upsertLeaseRow(ctx, role, nodeID, lease)
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire leader conn: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, role.LockKey()).Scan(&acquired)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	r.conns[role] = conn
	if err := r.upsertLeaseRow(ctx, role, nodeID, lease); err != nil {
		return true, err
	}
	return true, nil
}

func (r *LeaderRepository) upsertLeaseRow(ctx context.Context, role domain.LeaderRole, nodeID string, lease time.Duration) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO leaders (role, node_id, acquired_at, lease_until)
		VALUES ($1, $2, NOW(), NOW() + $3::interval)
		ON CONFLICT (role) DO UPDATE
		SET node_id = EXCLUDED.node_id, lease_until = EXCLUDED.lease_until`,
		role, nodeID, lease.String())
	return err
}

func (r *LeaderRepository) Renew(ctx context.Context, role domain.LeaderRole, nodeID string, lease time.Duration) error {
	if _, ok := r.conns[role]; !ok {
		return fmt.Errorf("renew leader %s: not currently held by this node", role)
	}
	return r.upsertLeaseRow(ctx, role, nodeID, lease)
}

func (r *LeaderRepository) Release(ctx context.Context, role domain.LeaderRole, nodeID string) error {
	conn, ok := r.conns[role]
	if !ok {
		return nil
	}
	delete(r.conns, role)
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, role.LockKey())
	conn.Release()
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM leaders WHERE role = $1 AND node_id = $2`, role, nodeID)
	return err
}

func (r *LeaderRepository) Current(ctx context.Context, role domain.LeaderRole) (*domain.Leader, error) {
	var l domain.Leader
	l.Role = role
	err := r.pool.QueryRow(ctx,
		`SELECT node_id, acquired_at, lease_until FROM leaders WHERE role = $1`, role).
		Scan(&l.NodeID, &l.AcquiredAt, &l.LeaseUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLeaderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current leader: %w", err)
	}
	return &l, nil
}
