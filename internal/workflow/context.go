package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/repository"
)

// WorkflowContext is passed to a registered WorkflowFunc. It exposes
// both the fluent checkpoint API (Step) and the low-level primitives
// (IsStepCompleted, GetStepResult, RecordStep*) directly, so a workflow
// can mix the two within the same run (spec.md §4.7).
type WorkflowContext struct {
	ctx    context.Context
	run    *domain.WorkflowRun
	repo   repository.WorkflowRepository
	logger *slog.Logger

	startedAt     time.Time
	compensations []compensationEntry
}

type compensationEntry struct {
	stepName string
	fn       func(context.Context) error
}

// Input returns the workflow run's input payload.
func (wc *WorkflowContext) Input() json.RawMessage { return wc.run.Input }

// RunID returns the ID of the current workflow run.
func (wc *WorkflowContext) RunID() string { return wc.run.ID }

// WorkflowTime returns a deterministic logical clock value: the run's
// start time, held constant across every replay. A workflow function
// that needs "now" for business logic (e.g. stamping a created_at)
// should call this instead of time.Now(), so a resumed replay computes
// the same value the original attempt did (spec.md §4.7 Determinism).
func (wc *WorkflowContext) WorkflowTime() time.Time { return wc.startedAt }

// IsStepCompleted is the low-level checkpoint primitive: true if
// stepName already has a recorded "completed" or "skipped" checkpoint.
func (wc *WorkflowContext) IsStepCompleted(stepName string) bool {
	step, err := wc.repo.GetStep(wc.ctx, wc.run.ID, stepName)
	if err != nil {
		return false
	}
	return step.Status == domain.StepCompleted || step.Status == domain.StepSkipped
}

// GetStepResult returns the recorded result for a completed step.
func (wc *WorkflowContext) GetStepResult(stepName string) (json.RawMessage, bool) {
	step, err := wc.repo.GetStep(wc.ctx, wc.run.ID, stepName)
	if err != nil || step.Status != domain.StepCompleted {
		return nil, false
	}
	return step.Result, true
}

// RecordStepStart, RecordStepComplete, and RecordStepFailure are the
// low-level primitives underlying Step(...).Await(); a workflow that
// needs finer control than the fluent builder provides can call them
// directly (spec.md §4.7).
func (wc *WorkflowContext) RecordStepStart(stepName string) error {
	return wc.repo.RecordStepStart(wc.ctx, wc.run.ID, stepName)
}

func (wc *WorkflowContext) RecordStepComplete(stepName string, result json.RawMessage) error {
	return wc.repo.RecordStepComplete(wc.ctx, wc.run.ID, stepName, result)
}

func (wc *WorkflowContext) RecordStepFailure(stepName string, errMsg string) error {
	return wc.repo.RecordStepFailure(wc.ctx, wc.run.ID, stepName, errMsg)
}

// Step begins the fluent checkpoint builder for a named step.
func (wc *WorkflowContext) Step(name string) *StepBuilder {
	return &StepBuilder{wc: wc, name: name}
}

// pushCompensation records fn to run, in reverse order alongside other
// completed steps' compensations, if a later step fails (spec.md §4.7
// saga-style rollback).
func (wc *WorkflowContext) pushCompensation(stepName string, fn func(context.Context) error) {
	wc.compensations = append(wc.compensations, compensationEntry{stepName: stepName, fn: fn})
}

// compensate runs every pushed compensation in reverse (LIFO) order,
// logging but not aborting on individual compensation failures — a
// failed compensation still needs its siblings to run (spec.md §4.7).
// It reports whether every compensation succeeded, so the caller can
// tell a clean rollback (terminal status "compensated") from one where
// a compensator itself failed (terminal status "failed").
func (wc *WorkflowContext) compensate(ctx context.Context) bool {
	ok := true
	for i := len(wc.compensations) - 1; i >= 0; i-- {
		entry := wc.compensations[i]
		if err := entry.fn(ctx); err != nil {
			wc.logger.Error("compensation failed", "run_id", wc.run.ID, "step", entry.stepName, "error", err)
			ok = false
			continue
		}
		if err := wc.repo.RecordStepCompensated(ctx, wc.run.ID, entry.stepName); err != nil {
			wc.logger.Error("record step compensated failed", "run_id", wc.run.ID, "step", entry.stepName, "error", err)
			ok = false
		}
	}
	return ok
}
