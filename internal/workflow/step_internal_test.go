package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

type fakeWorkflowRepo struct {
	steps map[string]*domain.WorkflowStep

	recordStepStartErr error
}

func newFakeWorkflowRepo() *fakeWorkflowRepo {
	return &fakeWorkflowRepo{steps: make(map[string]*domain.WorkflowStep)}
}

func (r *fakeWorkflowRepo) Create(ctx context.Context, workflowName string, version int, input []byte, parentRunID *string) (*domain.WorkflowRun, error) {
	return nil, nil
}
func (r *fakeWorkflowRepo) GetByID(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return nil, nil
}
func (r *fakeWorkflowRepo) Heartbeat(ctx context.Context, runID, nodeID string) error { return nil }
func (r *fakeWorkflowRepo) UpdateStatus(ctx context.Context, runID string, status domain.WorkflowRunStatus, currentStep string) error {
	return nil
}
func (r *fakeWorkflowRepo) Complete(ctx context.Context, runID string, output []byte) error {
	return nil
}
func (r *fakeWorkflowRepo) Fail(ctx context.Context, runID string, errMsg string) error { return nil }
func (r *fakeWorkflowRepo) Compensate(ctx context.Context, runID string, errMsg string) error {
	return nil
}
func (r *fakeWorkflowRepo) ClaimOrphaned(ctx context.Context, staleCutoff time.Time, nodeID string, limit int) ([]*domain.WorkflowRun, error) {
	return nil, nil
}

func (r *fakeWorkflowRepo) GetStep(ctx context.Context, runID, stepName string) (*domain.WorkflowStep, error) {
	s, ok := r.steps[stepName]
	if !ok {
		return nil, domain.ErrWorkflowRunNotFound
	}
	return s, nil
}
func (r *fakeWorkflowRepo) ListSteps(ctx context.Context, runID string) ([]*domain.WorkflowStep, error) {
	return nil, nil
}
func (r *fakeWorkflowRepo) RecordStepStart(ctx context.Context, runID, stepName string) error {
	if r.recordStepStartErr != nil {
		return r.recordStepStartErr
	}
	r.steps[stepName] = &domain.WorkflowStep{StepName: stepName, Status: domain.StepRunning}
	return nil
}
func (r *fakeWorkflowRepo) RecordStepComplete(ctx context.Context, runID, stepName string, result []byte) error {
	r.steps[stepName] = &domain.WorkflowStep{StepName: stepName, Status: domain.StepCompleted, Result: result}
	return nil
}
func (r *fakeWorkflowRepo) RecordStepFailure(ctx context.Context, runID, stepName string, errMsg string) error {
	r.steps[stepName] = &domain.WorkflowStep{StepName: stepName, Status: domain.StepFailed, Error: errMsg}
	return nil
}
func (r *fakeWorkflowRepo) RecordStepCompensated(ctx context.Context, runID, stepName string) error {
	return nil
}
func (r *fakeWorkflowRepo) RecordStepSkipped(ctx context.Context, runID, stepName string) error {
	r.steps[stepName] = &domain.WorkflowStep{StepName: stepName, Status: domain.StepSkipped}
	return nil
}

func newTestWorkflowContext(repo *fakeWorkflowRepo) *WorkflowContext {
	return &WorkflowContext{
		ctx:       context.Background(),
		run:       &domain.WorkflowRun{ID: "run-1"},
		repo:      repo,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
}

func TestAwait_FirstAttempt_RunsAndRecordsCompletion(t *testing.T) {
	repo := newFakeWorkflowRepo()
	wc := newTestWorkflowContext(repo)

	var ran bool
	result, err := wc.Step("reserve").Run(func(ctx context.Context) (json.RawMessage, error) {
		ran = true
		return json.RawMessage(`{"ok":true}`), nil
	}).Await(context.Background())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("expected the step function to run on its first attempt")
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s, want {\"ok\":true}", result)
	}
	if repo.steps["reserve"].Status != domain.StepCompleted {
		t.Errorf("recorded status = %v, want StepCompleted", repo.steps["reserve"].Status)
	}
}

func TestAwait_AlreadyCompleted_ReturnsCachedResultWithoutRerunning(t *testing.T) {
	repo := newFakeWorkflowRepo()
	repo.steps["reserve"] = &domain.WorkflowStep{StepName: "reserve", Status: domain.StepCompleted, Result: json.RawMessage(`{"cached":true}`)}
	wc := newTestWorkflowContext(repo)

	var ran bool
	result, err := wc.Step("reserve").Run(func(ctx context.Context) (json.RawMessage, error) {
		ran = true
		return json.RawMessage(`{"fresh":true}`), nil
	}).Await(context.Background())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("expected a completed step to short-circuit without rerunning")
	}
	if string(result) != `{"cached":true}` {
		t.Errorf("result = %s, want the cached result", result)
	}
}

func TestAwait_AlreadySkipped_ShortCircuitsWithNilResult(t *testing.T) {
	repo := newFakeWorkflowRepo()
	repo.steps["optional-step"] = &domain.WorkflowStep{StepName: "optional-step", Status: domain.StepSkipped}
	wc := newTestWorkflowContext(repo)

	var ran bool
	result, err := wc.Step("optional-step").Optional().Run(func(ctx context.Context) (json.RawMessage, error) {
		ran = true
		return nil, nil
	}).Await(context.Background())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("expected a skipped step to short-circuit without rerunning")
	}
	if result != nil {
		t.Errorf("result = %v, want nil", result)
	}
}

func TestAwait_OptionalStepFails_RecordsSkippedAndReturnsNilError(t *testing.T) {
	repo := newFakeWorkflowRepo()
	wc := newTestWorkflowContext(repo)

	_, err := wc.Step("best-effort").Optional().Run(func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("upstream unavailable")
	}).Await(context.Background())

	if err != nil {
		t.Fatalf("expected an optional step's failure to be swallowed, got %v", err)
	}
	if repo.steps["best-effort"].Status != domain.StepSkipped {
		t.Errorf("recorded status = %v, want StepSkipped", repo.steps["best-effort"].Status)
	}
}

func TestAwait_RequiredStepFails_RecordsFailureAndReturnsError(t *testing.T) {
	repo := newFakeWorkflowRepo()
	wc := newTestWorkflowContext(repo)

	stepErr := errors.New("reservation service down")
	_, err := wc.Step("reserve").Run(func(ctx context.Context) (json.RawMessage, error) {
		return nil, stepErr
	}).Await(context.Background())

	if !errors.Is(err, stepErr) {
		t.Errorf("want wrapped stepErr, got %v", err)
	}
	if repo.steps["reserve"].Status != domain.StepFailed {
		t.Errorf("recorded status = %v, want StepFailed", repo.steps["reserve"].Status)
	}
}

func TestAwait_ConcurrentResumeClaimsStep_ReturnsStartError(t *testing.T) {
	repo := newFakeWorkflowRepo()
	repo.recordStepStartErr = domain.ErrWorkflowStepExists
	wc := newTestWorkflowContext(repo)

	_, err := wc.Step("reserve").Run(func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("step body should not run when RecordStepStart is already claimed")
		return nil, nil
	}).Await(context.Background())

	if !errors.Is(err, domain.ErrWorkflowStepExists) {
		t.Errorf("want ErrWorkflowStepExists, got %v", err)
	}
}

func TestCompensate_RunsPushedCompensationsInReverseOrder(t *testing.T) {
	repo := newFakeWorkflowRepo()
	wc := newTestWorkflowContext(repo)

	var order []string
	wc.pushCompensation("step-a", func(ctx context.Context) error {
		order = append(order, "a")
		return nil
	})
	wc.pushCompensation("step-b", func(ctx context.Context) error {
		order = append(order, "b")
		return nil
	})

	wc.compensate(context.Background())

	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("compensation order = %v, want [b a] (LIFO)", order)
	}
}

func TestCompensate_OneFailureDoesNotStopOthers(t *testing.T) {
	repo := newFakeWorkflowRepo()
	wc := newTestWorkflowContext(repo)

	// LIFO: step-b's compensation runs first and fails; step-a's must
	// still run after it.
	var ranA bool
	wc.pushCompensation("step-a", func(ctx context.Context) error {
		ranA = true
		return nil
	})
	wc.pushCompensation("step-b", func(ctx context.Context) error {
		return errors.New("release failed")
	})

	wc.compensate(context.Background())

	if !ranA {
		t.Error("expected step-a's compensation to still run after step-b's failed")
	}
}
