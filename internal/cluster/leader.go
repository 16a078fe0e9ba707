package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
	"github.com/forge-db/forge/internal/repository"
)

// Elector runs a single leader-election loop for one role. Only one
// node in the cluster ever holds the role's advisory lock at a time;
// the loop retries TryAcquire on the same interval whether or not it
// currently holds the lock, since a held lock only needs its lease row
// refreshed (spec.md §4.2, §4.3).
type Elector struct {
	role   domain.LeaderRole
	nodeID string
	repo   repository.LeaderRepository
	logger *slog.Logger
	lease  time.Duration

	isLeader bool
	onGained func(ctx context.Context)
	onLost   func(ctx context.Context)
}

func NewElector(role domain.LeaderRole, nodeID string, repo repository.LeaderRepository, logger *slog.Logger, lease time.Duration) *Elector {
	return &Elector{
		role:   role,
		nodeID: nodeID,
		repo:   repo,
		logger: logger.With("component", "leader_elector", "role", role),
		lease:  lease,
	}
}

// OnGained/OnLost register callbacks invoked on leadership transitions.
// The composition root uses these to start/stop the cron dispatcher and
// other singleton loops without the elector knowing what they are.
func (e *Elector) OnGained(f func(ctx context.Context)) { e.onGained = f }
func (e *Elector) OnLost(f func(ctx context.Context))   { e.onLost = f }

// IsLeader reports whether this node currently holds the role's lock.
func (e *Elector) IsLeader() bool { return e.isLeader }

// Run attempts to acquire (or renew) leadership every lease/3 interval
// until ctx is canceled, then releases the lock if held.
func (e *Elector) Run(ctx context.Context) error {
	interval := e.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	defer func() {
		if e.isLeader {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = e.repo.Release(releaseCtx, e.role, e.nodeID)
		}
	}()

	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	acquired, err := e.repo.TryAcquire(ctx, e.role, e.nodeID, e.lease)
	if err != nil {
		e.logger.Error("leader acquire/renew failed", "error", err)
		if e.isLeader {
			e.isLeader = false
			metrics.ClusterLeaderHeld.WithLabelValues(string(e.role)).Set(0)
			if e.onLost != nil {
				e.onLost(ctx)
			}
		}
		return
	}

	if acquired && !e.isLeader {
		e.isLeader = true
		e.logger.Info("became leader")
		metrics.ClusterLeaderHeld.WithLabelValues(string(e.role)).Set(1)
		if e.onGained != nil {
			e.onGained(ctx)
		}
	} else if !acquired && e.isLeader {
		// Should not happen while we hold the session lock, but handle
		// a dropped connection gracefully.
		e.isLeader = false
		e.logger.Warn("lost leadership")
		metrics.ClusterLeaderHeld.WithLabelValues(string(e.role)).Set(0)
		if e.onLost != nil {
			e.onLost(ctx)
		}
	}
}
