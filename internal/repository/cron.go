package repository

import (
	"context"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

// CronRepository persists cron run instances; the UNIQUE(cron_name,
// scheduled_time) constraint it relies on is what makes claiming a
// scheduled tick exactly-once across the cluster (spec.md §4.6).
type CronRepository interface {
	// ClaimRun inserts a run row for (cronName, scheduledTime) with
	// ON CONFLICT DO NOTHING and reports whether this node won the race.
	ClaimRun(ctx context.Context, cronName string, scheduledTime time.Time, nodeID string, isCatchUp bool) (run *domain.CronRun, claimed bool, err error)
	Complete(ctx context.Context, runID string, output []byte) error
	Fail(ctx context.Context, runID string, errMsg string) error

	// LastScheduledTime returns the latest scheduled_time recorded for
	// cronName, used to compute the catch-up window on startup. Returns
	// domain.ErrCronNotFound if no run has ever been recorded.
	LastScheduledTime(ctx context.Context, cronName string) (time.Time, error)
	ListRuns(ctx context.Context, cronName string, limit int) ([]*domain.CronRun, error)
}
