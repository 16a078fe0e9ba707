package cron

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

type fakeDispatchRepo struct {
	last      time.Time
	claimed   []time.Time
	claimedAt []bool
}

func (r *fakeDispatchRepo) ClaimRun(ctx context.Context, cronName string, scheduledTime time.Time, nodeID string, isCatchUp bool) (*domain.CronRun, bool, error) {
	r.claimed = append(r.claimed, scheduledTime)
	r.claimedAt = append(r.claimedAt, isCatchUp)
	return &domain.CronRun{ID: "run"}, true, nil
}
func (r *fakeDispatchRepo) Complete(ctx context.Context, runID string, output []byte) error { return nil }
func (r *fakeDispatchRepo) Fail(ctx context.Context, runID, errMsg string) error             { return nil }
func (r *fakeDispatchRepo) LastScheduledTime(ctx context.Context, cronName string) (time.Time, error) {
	return r.last, nil
}
func (r *fakeDispatchRepo) ListRuns(ctx context.Context, cronName string, limit int) ([]*domain.CronRun, error) {
	return nil, nil
}

// TestDispatch_NonCatchUp_CollapsesBacklogToMostRecentTick verifies
// that a cron with catch-up disabled whose node was down for many
// scheduled ticks fires exactly once on recovery, for the most recent
// missed tick, instead of replaying one tick per dispatcher interval.
func TestDispatch_NonCatchUp_CollapsesBacklogToMostRecentTick(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	repo := &fakeDispatchRepo{last: now.Add(-30 * time.Minute)}
	d := NewDispatcher(repo, "node-1", slog.Default(), time.Second, nil)

	err := d.RegisterCron(context.Background(), domain.CronInfo{
		Name: "no-catch-up", Expr: "0 * * * * *", Timezone: "UTC", CatchUp: false,
	}, func(ctx context.Context) ([]byte, error) { return nil, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.dispatch(context.Background(), now)

	if len(repo.claimed) != 1 {
		t.Fatalf("claimed %d times, want exactly 1", len(repo.claimed))
	}
	if repo.claimedAt[0] {
		t.Error("expected the collapsed firing to be marked isCatchUp=false")
	}
	want := now.Truncate(time.Minute)
	if !repo.claimed[0].Equal(want) {
		t.Errorf("fired for %v, want the most recent due time %v", repo.claimed[0], want)
	}
}

// TestDispatch_CatchUpEnabled_DoesNotCollapseInDispatch verifies the
// collapsing loop only applies when CatchUp is false: with CatchUp
// enabled, RegisterCron's own catch-up replay is the mechanism for
// draining the backlog, and dispatch simply fires the next single due
// tick as before.
func TestDispatch_CatchUpEnabled_DoesNotCollapseInDispatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	repo := &fakeDispatchRepo{last: now.Add(-30 * time.Minute)}
	d := NewDispatcher(repo, "node-1", slog.Default(), time.Second, nil)

	err := d.RegisterCron(context.Background(), domain.CronInfo{
		Name: "catch-up-on", Expr: "0 * * * * *", Timezone: "UTC", CatchUp: true, CatchUpMax: 1000,
	}, func(ctx context.Context) ([]byte, error) { return nil, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// RegisterCron already drained the backlog via catchUp; reset and
	// push last back again to isolate dispatch's own behavior.
	repo.claimed = nil
	repo.claimedAt = nil
	repo.last = now.Add(-30 * time.Minute)

	d.dispatch(context.Background(), now)

	if len(repo.claimed) != 1 {
		t.Fatalf("claimed %d times, want exactly 1 (dispatch fires only the next due tick)", len(repo.claimed))
	}
	want := now.Add(-29 * time.Minute).Truncate(time.Minute)
	if !repo.claimed[0].Equal(want) {
		t.Errorf("fired for %v, want the single next tick after last %v", repo.claimed[0], want)
	}
}
