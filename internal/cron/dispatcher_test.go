package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/forge-db/forge/internal/cron"
	"github.com/forge-db/forge/internal/domain"
)

type fakeCronRepo struct {
	claimRun          func(ctx context.Context, cronName string, scheduledTime time.Time, nodeID string, isCatchUp bool) (*domain.CronRun, bool, error)
	complete          func(ctx context.Context, runID string, output []byte) error
	fail              func(ctx context.Context, runID, errMsg string) error
	lastScheduledTime func(ctx context.Context, cronName string) (time.Time, error)
}

func (r *fakeCronRepo) ClaimRun(ctx context.Context, cronName string, scheduledTime time.Time, nodeID string, isCatchUp bool) (*domain.CronRun, bool, error) {
	return r.claimRun(ctx, cronName, scheduledTime, nodeID, isCatchUp)
}
func (r *fakeCronRepo) Complete(ctx context.Context, runID string, output []byte) error {
	return r.complete(ctx, runID, output)
}
func (r *fakeCronRepo) Fail(ctx context.Context, runID, errMsg string) error {
	return r.fail(ctx, runID, errMsg)
}
func (r *fakeCronRepo) LastScheduledTime(ctx context.Context, cronName string) (time.Time, error) {
	return r.lastScheduledTime(ctx, cronName)
}
func (r *fakeCronRepo) ListRuns(ctx context.Context, cronName string, limit int) ([]*domain.CronRun, error) {
	return nil, nil
}

func TestRegisterCron_InvalidExpr_ReturnsErrInvalidCronExpr(t *testing.T) {
	d := cron.NewDispatcher(&fakeCronRepo{}, "node-1", slog.Default(), time.Second, nil)

	err := d.RegisterCron(context.Background(), domain.CronInfo{Name: "bad", Expr: "not a cron expr"}, nil)
	if !errors.Is(err, domain.ErrInvalidCronExpr) {
		t.Errorf("want ErrInvalidCronExpr, got %v", err)
	}
}

func TestRegisterCron_InvalidTimezone_ReturnsErrInvalidCronExpr(t *testing.T) {
	d := cron.NewDispatcher(&fakeCronRepo{}, "node-1", slog.Default(), time.Second, nil)

	err := d.RegisterCron(context.Background(), domain.CronInfo{
		Name: "bad-tz", Expr: "0 * * * * *", Timezone: "Not/A_Zone",
	}, nil)
	if !errors.Is(err, domain.ErrInvalidCronExpr) {
		t.Errorf("want ErrInvalidCronExpr, got %v", err)
	}
}

func TestRegisterCron_NeverRunBefore_SkipsCatchUp(t *testing.T) {
	var claimed bool
	repo := &fakeCronRepo{
		lastScheduledTime: func(ctx context.Context, cronName string) (time.Time, error) {
			return time.Time{}, domain.ErrCronNotFound
		},
		claimRun: func(ctx context.Context, cronName string, scheduledTime time.Time, nodeID string, isCatchUp bool) (*domain.CronRun, bool, error) {
			claimed = true
			return &domain.CronRun{ID: "run-1"}, true, nil
		},
	}
	d := cron.NewDispatcher(repo, "node-1", slog.Default(), time.Second, nil)

	err := d.RegisterCron(context.Background(), domain.CronInfo{
		Name: "first-run", Expr: "0 * * * * *", Timezone: "UTC", CatchUp: true, CatchUpMax: 5,
	}, func(ctx context.Context) ([]byte, error) { return nil, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("expected no catch-up run to be claimed for a cron with no prior history")
	}
}

func TestRegisterCron_CatchUp_CapsReplayAtCatchUpMax(t *testing.T) {
	var runCount int
	repo := &fakeCronRepo{
		lastScheduledTime: func(ctx context.Context, cronName string) (time.Time, error) {
			// Last run was an hour ago; with a once-a-minute schedule
			// there are far more than CatchUpMax missed ticks.
			return time.Now().Add(-time.Hour), nil
		},
		claimRun: func(ctx context.Context, cronName string, scheduledTime time.Time, nodeID string, isCatchUp bool) (*domain.CronRun, bool, error) {
			runCount++
			if !isCatchUp {
				t.Error("expected catch-up runs to be marked isCatchUp=true")
			}
			return &domain.CronRun{ID: "run"}, true, nil
		},
		complete: func(ctx context.Context, runID string, output []byte) error { return nil },
	}
	d := cron.NewDispatcher(repo, "node-1", slog.Default(), time.Second, nil)

	err := d.RegisterCron(context.Background(), domain.CronInfo{
		Name: "catch-up-me", Expr: "0 * * * * *", Timezone: "UTC", CatchUp: true, CatchUpMax: 3,
	}, func(ctx context.Context) ([]byte, error) { return nil, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runCount != 3 {
		t.Errorf("runCount = %d, want 3 (capped at CatchUpMax)", runCount)
	}
}
