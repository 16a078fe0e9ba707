package repository

import (
	"context"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

// WorkflowRepository persists workflow runs and their step checkpoints
// (spec.md §4.7).
type WorkflowRepository interface {
	Create(ctx context.Context, workflowName string, version int, input []byte, parentRunID *string) (*domain.WorkflowRun, error)
	GetByID(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	Heartbeat(ctx context.Context, runID, nodeID string) error
	UpdateStatus(ctx context.Context, runID string, status domain.WorkflowRunStatus, currentStep string) error
	Complete(ctx context.Context, runID string, output []byte) error
	Fail(ctx context.Context, runID string, errMsg string) error

	// Compensate marks a run terminally "compensated": every pushed
	// compensation ran successfully after the run's own failure
	// (spec.md §4.7 end-to-end scenario 3).
	Compensate(ctx context.Context, runID string, errMsg string) error

	// ClaimOrphaned finds runs whose node has stopped heartbeating and
	// reassigns them to nodeID, for resumption by that node's engine on
	// its periodic orphan sweep (spec.md §4.7 Resumability).
	ClaimOrphaned(ctx context.Context, staleCutoff time.Time, nodeID string, limit int) ([]*domain.WorkflowRun, error)

	// GetStep returns the recorded checkpoint for (runID, stepName), or
	// domain.ErrWorkflowRunNotFound if the step was never recorded —
	// the low-level is_step_completed/get_step_result primitive.
	GetStep(ctx context.Context, runID, stepName string) (*domain.WorkflowStep, error)
	ListSteps(ctx context.Context, runID string) ([]*domain.WorkflowStep, error)

	// RecordStepStart inserts a running step checkpoint. Returns
	// domain.ErrWorkflowStepExists if (runID, stepName) was already
	// recorded by a concurrent engine instance racing to resume.
	RecordStepStart(ctx context.Context, runID, stepName string) error
	RecordStepComplete(ctx context.Context, runID, stepName string, result []byte) error
	RecordStepFailure(ctx context.Context, runID, stepName string, errMsg string) error
	RecordStepCompensated(ctx context.Context, runID, stepName string) error
	RecordStepSkipped(ctx context.Context, runID, stepName string) error
}
