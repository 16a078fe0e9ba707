package repository

import (
	"context"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

// NodeRepository persists cluster membership (spec.md §4.1).
type NodeRepository interface {
	Register(ctx context.Context, node *domain.Node) error
	Heartbeat(ctx context.Context, nodeID string) error
	UpdateStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error
	ListActive(ctx context.Context, since time.Time) ([]*domain.Node, error)

	// MarkDeadStale transitions nodes whose heartbeat is older than
	// cutoff to Dead, returning their IDs — used by the membership
	// sweep to detect crashed peers and release their sessions
	// (spec.md §4.1).
	MarkDeadStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// LeaderRepository backs leader election with PostgreSQL advisory
// locks; the lock itself is authoritative, and the leaders row it also
// writes is bookkeeping for observability (spec.md §4.2).
type LeaderRepository interface {
	TryAcquire(ctx context.Context, role domain.LeaderRole, nodeID string, lease time.Duration) (bool, error)
	Renew(ctx context.Context, role domain.LeaderRole, nodeID string, lease time.Duration) error
	Release(ctx context.Context, role domain.LeaderRole, nodeID string) error
	Current(ctx context.Context, role domain.LeaderRole) (*domain.Leader, error)
}
