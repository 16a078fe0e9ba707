// Package cluster implements cluster membership and leader election
// over PostgreSQL (spec.md §4.1, §4.2): a heartbeat/sweep loop for node
// liveness, and advisory-lock-backed single-leader roles.
package cluster

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
	"github.com/forge-db/forge/internal/repository"
	"github.com/google/uuid"
)

// Membership registers this node, heartbeats it, and sweeps the
// registry for peers that stopped heartbeating.
type Membership struct {
	NodeID string

	repo          repository.NodeRepository
	sessions      repository.SessionRepository
	logger        *slog.Logger
	heartbeatEvery time.Duration
	deadAfter     time.Duration
}

func NewMembership(repo repository.NodeRepository, sessions repository.SessionRepository, logger *slog.Logger, heartbeatEvery, deadAfter time.Duration) *Membership {
	return &Membership{
		NodeID:         uuid.NewString(),
		repo:           repo,
		sessions:       sessions,
		logger:         logger.With("component", "cluster_membership"),
		heartbeatEvery: heartbeatEvery,
		deadAfter:      deadAfter,
	}
}

// Join registers this node as active with the given roles/capabilities.
func (m *Membership) Join(ctx context.Context, roles []domain.Role, capabilities []string, version string) error {
	hostname, _ := os.Hostname()
	node := &domain.Node{
		ID:           m.NodeID,
		Hostname:     hostname,
		Status:       domain.NodeActive,
		Roles:        roles,
		Capabilities: capabilities,
		Tags:         map[string]string{},
		Version:      version,
	}
	m.logger.Info("node joining cluster", "node_id", m.NodeID, "roles", roles)
	return m.repo.Register(ctx, node)
}

// Run heartbeats this node and sweeps for dead peers until ctx is
// canceled. It is one of the errgroup-supervised loops started by the
// composition root (spec.md §4.11).
func (m *Membership) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("membership loop shut down")
			return nil
		case <-ticker.C:
			if err := m.repo.Heartbeat(ctx, m.NodeID); err != nil {
				m.logger.Error("heartbeat failed", "error", err)
			}
			m.sweep(ctx)
		}
	}
}

// sweep marks peers whose heartbeat is older than deadAfter as dead,
// and releases any WebSocket sessions they owned so their subscribers
// can reconnect elsewhere instead of silently stalling (spec.md §4.1).
func (m *Membership) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.deadAfter)
	deadIDs, err := m.repo.MarkDeadStale(ctx, cutoff)
	if err != nil {
		m.logger.Error("mark dead stale nodes failed", "error", err)
		return
	}
	if len(deadIDs) == 0 {
		return
	}
	m.logger.Warn("marked nodes dead", "count", len(deadIDs))

	for _, nodeID := range deadIDs {
		n, err := m.sessions.CloseForNode(ctx, nodeID)
		if err != nil {
			m.logger.Error("close sessions for dead node failed", "node_id", nodeID, "error", err)
			continue
		}
		if n > 0 {
			m.logger.Info("closed sessions owned by dead node", "node_id", nodeID, "sessions", n)
		}
	}

	active, err := m.repo.ListActive(ctx, time.Time{})
	if err != nil {
		m.logger.Error("list active nodes after sweep failed", "error", err)
		return
	}
	metrics.ClusterNodesActive.Set(float64(len(active)))
}

// Leave transitions this node to draining, signaling peers it is
// shutting down intentionally rather than having crashed.
func (m *Membership) Leave(ctx context.Context) error {
	return m.repo.UpdateStatus(ctx, m.NodeID, domain.NodeDraining)
}
