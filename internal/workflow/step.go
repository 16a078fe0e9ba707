package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

// StepFunc performs one step's work and returns its result.
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// CompensateFunc reverses a completed step's effect during rollback.
type CompensateFunc func(ctx context.Context) error

// StepBuilder is the fluent checkpoint API: ctx.Step(name).Run(f).
// Compensate(c).Timeout(d).Optional().Await() (spec.md §4.7).
type StepBuilder struct {
	wc         *WorkflowContext
	name       string
	run        StepFunc
	compensate CompensateFunc
	timeout    time.Duration
	optional   bool
}

func (b *StepBuilder) Run(f StepFunc) *StepBuilder {
	b.run = f
	return b
}

func (b *StepBuilder) Compensate(f CompensateFunc) *StepBuilder {
	b.compensate = f
	return b
}

func (b *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	b.timeout = d
	return b
}

// Optional marks the step as non-fatal: if it errors, the workflow
// records it skipped and continues rather than failing the run.
func (b *StepBuilder) Optional() *StepBuilder {
	b.optional = true
	return b
}

// Await executes the step, or returns its cached result if this run
// already completed it on a prior attempt — the mechanism that makes
// resuming a workflow from a crash safe to replay from the top
// (spec.md §4.7 Resumability).
func (b *StepBuilder) Await(ctx context.Context) (json.RawMessage, error) {
	if result, ok := b.wc.GetStepResult(b.name); ok {
		return result, nil
	}
	// A prior attempt may have recorded "running" or "skipped" without
	// completing; skipped short-circuits here, running falls through to
	// a fresh attempt (the crashed attempt never finished it).
	if step, err := b.wc.repo.GetStep(ctx, b.wc.run.ID, b.name); err == nil && step.Status == domain.StepSkipped {
		return nil, nil
	}

	if err := b.wc.RecordStepStart(b.name); err != nil {
		// ErrWorkflowStepExists means a concurrent resume already
		// claimed this step; let that attempt own it, and fail this
		// one's step so the caller's workflow function aborts cleanly
		// into compensation rather than racing on the same side effect.
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if b.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	result, err := b.run(runCtx)
	if err != nil {
		if b.optional {
			_ = b.wc.repo.RecordStepSkipped(ctx, b.wc.run.ID, b.name)
			return nil, nil
		}
		_ = b.wc.RecordStepFailure(b.name, err.Error())
		return nil, err
	}

	if err := b.wc.RecordStepComplete(b.name, result); err != nil {
		return nil, err
	}
	if b.compensate != nil {
		b.wc.pushCompensation(b.name, b.compensate)
	}
	return result, nil
}
