package cluster

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

type fakeLeaderRepo struct {
	tryAcquireResult bool
	tryAcquireErr    error
	renewErr         error
	releaseCalled    bool
}

func (r *fakeLeaderRepo) TryAcquire(ctx context.Context, role domain.LeaderRole, nodeID string, lease time.Duration) (bool, error) {
	return r.tryAcquireResult, r.tryAcquireErr
}
func (r *fakeLeaderRepo) Renew(ctx context.Context, role domain.LeaderRole, nodeID string, lease time.Duration) error {
	return r.renewErr
}
func (r *fakeLeaderRepo) Release(ctx context.Context, role domain.LeaderRole, nodeID string) error {
	r.releaseCalled = true
	return nil
}
func (r *fakeLeaderRepo) Current(ctx context.Context, role domain.LeaderRole) (*domain.Leader, error) {
	return nil, nil
}

func TestTick_AcquiresLeadership_FiresOnGained(t *testing.T) {
	repo := &fakeLeaderRepo{tryAcquireResult: true}
	e := NewElector(domain.LeaderRoleScheduler, "node-1", repo, slog.Default(), time.Second)

	var gained bool
	e.OnGained(func(ctx context.Context) { gained = true })
	e.OnLost(func(ctx context.Context) { t.Error("OnLost should not fire when acquiring for the first time") })

	e.tick(context.Background())

	if !gained {
		t.Error("expected OnGained to fire")
	}
	if !e.IsLeader() {
		t.Error("expected IsLeader() to be true after acquiring")
	}
}

func TestTick_AlreadyLeader_RenewalDoesNotRefireOnGained(t *testing.T) {
	repo := &fakeLeaderRepo{tryAcquireResult: true}
	e := NewElector(domain.LeaderRoleScheduler, "node-1", repo, slog.Default(), time.Second)

	var gainedCount int
	e.OnGained(func(ctx context.Context) { gainedCount++ })

	e.tick(context.Background())
	e.tick(context.Background())
	e.tick(context.Background())

	if gainedCount != 1 {
		t.Errorf("OnGained fired %d times, want 1 (only on the initial acquire)", gainedCount)
	}
}

func TestTick_AcquireErrorWhileLeader_FiresOnLost(t *testing.T) {
	repo := &fakeLeaderRepo{tryAcquireResult: true}
	e := NewElector(domain.LeaderRoleScheduler, "node-1", repo, slog.Default(), time.Second)
	e.tick(context.Background()) // become leader first

	var lost bool
	e.OnLost(func(ctx context.Context) { lost = true })

	repo.tryAcquireErr = errors.New("connection reset")
	e.tick(context.Background())

	if !lost {
		t.Error("expected OnLost to fire when renewal fails while holding leadership")
	}
	if e.IsLeader() {
		t.Error("expected IsLeader() to be false after a failed renewal")
	}
}

func TestTick_NeverAcquired_ErrorDoesNotFireOnLost(t *testing.T) {
	repo := &fakeLeaderRepo{tryAcquireErr: errors.New("db down")}
	e := NewElector(domain.LeaderRoleScheduler, "node-1", repo, slog.Default(), time.Second)

	e.OnLost(func(ctx context.Context) { t.Error("OnLost should not fire for a node that was never leader") })
	e.tick(context.Background())
}

func TestTick_LosesRaceToAcquire_StaysNonLeader(t *testing.T) {
	repo := &fakeLeaderRepo{tryAcquireResult: false}
	e := NewElector(domain.LeaderRoleScheduler, "node-1", repo, slog.Default(), time.Second)

	e.tick(context.Background())
	if e.IsLeader() {
		t.Error("expected IsLeader() to be false when TryAcquire returns false")
	}
}

func TestRun_ReleasesLockOnShutdownIfLeader(t *testing.T) {
	repo := &fakeLeaderRepo{tryAcquireResult: true}
	e := NewElector(domain.LeaderRoleScheduler, "node-1", repo, slog.Default(), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if !repo.releaseCalled {
		t.Error("expected Release to be called on shutdown while holding leadership")
	}
}
