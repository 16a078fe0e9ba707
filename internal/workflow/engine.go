// Package workflow implements the durable workflow engine (spec.md
// §4.7): named, versioned workflows whose step checkpoints are
// recorded one row at a time so a crash mid-run resumes from the last
// completed step instead of restarting it, with saga-style reverse-
// order compensation on failure.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/forgeerr"
	"github.com/forge-db/forge/internal/metrics"
	"github.com/forge-db/forge/internal/progress"
	"github.com/forge-db/forge/internal/registry"
	"github.com/forge-db/forge/internal/repository"
)

// WorkflowFunc is a registered workflow's business logic. It is called
// once per attempt (original or resumed); idempotent step checkpoints
// are what make replaying the whole function safe.
type WorkflowFunc func(wc *WorkflowContext) (json.RawMessage, error)

type workflowReg struct {
	info domain.WorkflowInfo
	fn   WorkflowFunc
}

// Engine drives workflow runs: starting new ones, resuming orphaned
// ones, and recording status transitions and compensation.
type Engine struct {
	repo     repository.WorkflowRepository
	nodeID   string
	logger   *slog.Logger
	progress *progress.Bus
	regs     *registry.Registry[*workflowReg]

	resumeInterval time.Duration
	staleAfter     time.Duration
}

func NewEngine(repo repository.WorkflowRepository, nodeID string, logger *slog.Logger, bus *progress.Bus, resumeInterval, staleAfter time.Duration) *Engine {
	return &Engine{
		repo:           repo,
		nodeID:         nodeID,
		logger:         logger.With("component", "workflow_engine"),
		progress:       bus,
		regs:           registry.New[*workflowReg](),
		resumeInterval: resumeInterval,
		staleAfter:     staleAfter,
	}
}

// Register adds the workflow definition for info.Name. Only one
// definition per name can be registered (a duplicate name panics);
// runs record info.Version when they start, but a resumed run executes
// the definition currently registered under its name, whatever that
// definition's version.
func (e *Engine) Register(info domain.WorkflowInfo, fn WorkflowFunc) {
	e.regs.Register(info.Name, &workflowReg{info: info, fn: fn})
}

// Start creates a new run and executes it in a background goroutine,
// returning the run ID immediately so the caller isn't blocked for the
// workflow's full duration.
func (e *Engine) Start(ctx context.Context, name string, input json.RawMessage, parentRunID *string) (string, error) {
	reg, ok := e.regs.Lookup(name)
	if !ok {
		return "", forgeerr.Wrap(forgeerr.KindValidation, "workflow not registered", domain.ErrWorkflowNameUnknown)
	}

	run, err := e.repo.Create(ctx, name, reg.info.Version, input, parentRunID)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.KindTransient, "create workflow run", err)
	}

	go e.execute(context.Background(), reg, run)
	return run.ID, nil
}

// Get returns the current state of a run.
func (e *Engine) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	run, err := e.repo.GetByID(ctx, runID)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindNotFound, "get workflow run", err)
	}
	return run, nil
}

// Run periodically claims runs orphaned by a dead node and resumes
// them — the engine side of spec.md §4.7 Resumability.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.resumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.resumeOrphaned(ctx)
		}
	}
}

func (e *Engine) resumeOrphaned(ctx context.Context) {
	cutoff := time.Now().Add(-e.staleAfter)
	runs, err := e.repo.ClaimOrphaned(ctx, cutoff, e.nodeID, 20)
	if err != nil {
		e.logger.Error("claim orphaned workflow runs failed", "error", err)
		return
	}
	for _, run := range runs {
		reg, ok := e.regs.Lookup(run.WorkflowName)
		if !ok {
			e.logger.Error("orphaned run references unregistered workflow", "run_id", run.ID, "workflow_name", run.WorkflowName)
			continue
		}
		e.logger.Info("resuming orphaned workflow run", "run_id", run.ID, "workflow_name", run.WorkflowName)
		go e.execute(context.Background(), reg, run)
	}
}

func (e *Engine) execute(ctx context.Context, reg *workflowReg, run *domain.WorkflowRun) {
	runCtx := ctx
	var cancel context.CancelFunc
	if reg.info.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, reg.info.Timeout)
		defer cancel()
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go e.heartbeat(heartbeatCtx, run.ID)

	if err := e.repo.UpdateStatus(runCtx, run.ID, domain.WorkflowRunning, run.CurrentStep); err != nil {
		e.logger.Error("mark workflow running failed", "run_id", run.ID, "error", err)
	}
	e.progress.PublishWorkflow(run.ID, string(domain.WorkflowRunning), run.CurrentStep)

	wc := &WorkflowContext{
		ctx:       runCtx,
		run:       run,
		repo:      e.repo,
		logger:    e.logger,
		startedAt: run.StartedAt,
	}

	output, err := reg.fn(wc)
	if err != nil {
		e.logger.Error("workflow run failed, compensating", "run_id", run.ID, "workflow_name", run.WorkflowName, "error", err)
		_ = e.repo.UpdateStatus(ctx, run.ID, domain.WorkflowCompensating, run.CurrentStep)
		e.progress.PublishWorkflow(run.ID, string(domain.WorkflowCompensating), run.CurrentStep)

		compensated := wc.compensate(context.Background())
		metrics.WorkflowCompensationsTotal.WithLabelValues(run.WorkflowName).Add(float64(len(wc.compensations)))

		if !compensated {
			if ferr := e.repo.Fail(ctx, run.ID, err.Error()); ferr != nil {
				e.logger.Error("mark workflow failed failed", "run_id", run.ID, "error", ferr)
			}
			metrics.WorkflowRunsTotal.WithLabelValues(run.WorkflowName, "failed").Inc()
			e.progress.PublishWorkflow(run.ID, string(domain.WorkflowFailed), run.CurrentStep)
			return
		}

		// Every compensator succeeded: the run unwound cleanly, so its
		// terminal state is "compensated", not "failed" (spec.md §4.7,
		// end-to-end scenario 3).
		if cerr := e.repo.Compensate(ctx, run.ID, err.Error()); cerr != nil {
			e.logger.Error("mark workflow compensated failed", "run_id", run.ID, "error", cerr)
		}
		metrics.WorkflowRunsTotal.WithLabelValues(run.WorkflowName, "compensated").Inc()
		e.progress.PublishWorkflow(run.ID, string(domain.WorkflowCompensated), run.CurrentStep)
		return
	}

	if cerr := e.repo.Complete(ctx, run.ID, output); cerr != nil {
		e.logger.Error("mark workflow complete failed", "run_id", run.ID, "error", cerr)
	}
	metrics.WorkflowRunsTotal.WithLabelValues(run.WorkflowName, "completed").Inc()
	e.progress.PublishWorkflow(run.ID, string(domain.WorkflowCompleted), run.CurrentStep)
}

func (e *Engine) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.repo.Heartbeat(ctx, runID, e.nodeID); err != nil {
				e.logger.Warn("workflow heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}
