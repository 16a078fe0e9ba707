package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/forge-db/forge/internal/metrics"
	"github.com/forge-db/forge/internal/repository"
)

// Reaper recovers jobs claimed by a worker that stopped heartbeating —
// typically a crashed or killed node — requeuing them if attempts
// remain or dead-lettering them otherwise (spec.md §4.4, §4.1).
type Reaper struct {
	repo             repository.JobRepository
	logger           *slog.Logger
	interval         time.Duration
	heartbeatTimeout time.Duration
}

func NewReaper(repo repository.JobRepository, logger *slog.Logger, interval, heartbeatTimeout time.Duration) *Reaper {
	return &Reaper{
		repo:             repo,
		logger:           logger.With("component", "job_reaper"),
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("job reaper started", "interval", r.interval, "heartbeat_timeout", r.heartbeatTimeout)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job reaper shut down")
			return nil
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	staleCutoff := time.Now().Add(-r.heartbeatTimeout)

	requeued, err := r.repo.RequeueStale(ctx, staleCutoff, 100)
	if err != nil {
		r.logger.Error("requeue stale jobs failed", "error", err)
	} else if requeued > 0 {
		metrics.ReaperRescuedTotal.WithLabelValues("requeued").Add(float64(requeued))
		r.logger.Info("requeued stale jobs", "count", requeued)
	}

	deadLettered, err := r.repo.DeadLetterStale(ctx, staleCutoff, 100)
	if err != nil {
		r.logger.Error("dead-letter stale jobs failed", "error", err)
	} else if deadLettered > 0 {
		metrics.ReaperRescuedTotal.WithLabelValues("dead_lettered").Add(float64(deadLettered))
		r.logger.Warn("dead-lettered stale jobs (max attempts exceeded)", "count", deadLettered)
	}
}
