package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type WorkflowRepository struct {
	pool *pgxpool.Pool
}

func NewWorkflowRepository(pool *pgxpool.Pool) *WorkflowRepository {
	return &WorkflowRepository{pool: pool}
}

const workflowRunColumns = `id, workflow_name, version, input, output, status, current_step,
	parent_run_id, started_at, completed_at, error, node_id, last_heartbeat`

func (r *WorkflowRepository) Create(ctx context.Context, workflowName string, version int, input []byte, parentRunID *string) (*domain.WorkflowRun, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO workflow_runs (workflow_name, version, input, status, started_at, parent_run_id)
		VALUES ($1, $2, $3, 'created', NOW(), $4)
		RETURNING id`, workflowName, version, input, parentRunID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *WorkflowRepository) GetByID(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workflowRunColumns+` FROM workflow_runs WHERE id = $1`, runID)
	return scanWorkflowRun(row)
}

func (r *WorkflowRepository) Heartbeat(ctx context.Context, runID, nodeID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE workflow_runs SET last_heartbeat = NOW(), node_id = $2 WHERE id = $1`, runID, nodeID)
	return err
}

func (r *WorkflowRepository) UpdateStatus(ctx context.Context, runID string, status domain.WorkflowRunStatus, currentStep string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = $2, current_step = $3 WHERE id = $1`, runID, status, currentStep)
	return err
}

func (r *WorkflowRepository) Complete(ctx context.Context, runID string, output []byte) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = 'completed', output = $2, completed_at = NOW() WHERE id = $1`,
		runID, output)
	return err
}

func (r *WorkflowRepository) Fail(ctx context.Context, runID string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = 'failed', error = $2, completed_at = NOW() WHERE id = $1`,
		runID, errMsg)
	return err
}

func (r *WorkflowRepository) Compensate(ctx context.Context, runID string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = 'compensated', error = $2, completed_at = NOW() WHERE id = $1`,
		runID, errMsg)
	return err
}

// ClaimOrphaned reassigns runs whose owning node stopped heartbeating
// to nodeID, so this node's engine resumes them from their last
// completed checkpoint (spec.md §4.7 Resumability).
func (r *WorkflowRepository) ClaimOrphaned(ctx context.Context, staleCutoff time.Time, nodeID string, limit int) ([]*domain.WorkflowRun, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE workflow_runs
		SET    node_id = $1, last_heartbeat = NOW()
		WHERE id IN (
			SELECT id FROM workflow_runs
			WHERE  status IN ('running', 'compensating')
			  AND  last_heartbeat < $2
			ORDER BY last_heartbeat ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+workflowRunColumns, nodeID, staleCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim orphaned workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *WorkflowRepository) GetStep(ctx context.Context, runID, stepName string) (*domain.WorkflowStep, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT workflow_run_id, step_name, status, result, error, started_at, completed_at
		FROM workflow_steps WHERE workflow_run_id = $1 AND step_name = $2`, runID, stepName)
	return scanWorkflowStep(row)
}

func (r *WorkflowRepository) ListSteps(ctx context.Context, runID string) ([]*domain.WorkflowStep, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT workflow_run_id, step_name, status, result, error, started_at, completed_at
		FROM workflow_steps WHERE workflow_run_id = $1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.WorkflowStep
	for rows.Next() {
		s, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// RecordStepStart enforces the UNIQUE(workflow_run_id, step_name)
// invariant: a concurrent resume racing to start the same step loses
// this insert and sees ErrWorkflowStepExists (spec.md §3).
func (r *WorkflowRepository) RecordStepStart(ctx context.Context, runID, stepName string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workflow_steps (workflow_run_id, step_name, status, started_at)
		VALUES ($1, $2, 'running', NOW())`, runID, stepName)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrWorkflowStepExists
		}
		return fmt.Errorf("record step start: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) RecordStepComplete(ctx context.Context, runID, stepName string, result []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workflow_steps SET status = 'completed', result = $3, completed_at = NOW()
		WHERE workflow_run_id = $1 AND step_name = $2`, runID, stepName, result)
	return err
}

func (r *WorkflowRepository) RecordStepFailure(ctx context.Context, runID, stepName string, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workflow_steps SET status = 'failed', error = $3, completed_at = NOW()
		WHERE workflow_run_id = $1 AND step_name = $2`, runID, stepName, errMsg)
	return err
}

func (r *WorkflowRepository) RecordStepCompensated(ctx context.Context, runID, stepName string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workflow_steps SET status = 'compensated' WHERE workflow_run_id = $1 AND step_name = $2`,
		runID, stepName)
	return err
}

func (r *WorkflowRepository) RecordStepSkipped(ctx context.Context, runID, stepName string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workflow_steps (workflow_run_id, step_name, status, started_at, completed_at)
		VALUES ($1, $2, 'skipped', NOW(), NOW())
		ON CONFLICT (workflow_run_id, step_name) DO NOTHING`, runID, stepName)
	return err
}

func scanWorkflowRun(row rowScanner) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := row.Scan(
		&run.ID, &run.WorkflowName, &run.Version, &run.Input, &run.Output, &run.Status, &run.CurrentStep,
		&run.ParentRunID, &run.StartedAt, &run.CompletedAt, &run.Error, &run.NodeID, &run.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWorkflowRunNotFound
		}
		return nil, fmt.Errorf("scan workflow run: %w", err)
	}
	return &run, nil
}

func scanWorkflowStep(row rowScanner) (*domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	err := row.Scan(&s.WorkflowRunID, &s.StepName, &s.Status, &s.Result, &s.Error, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWorkflowRunNotFound
		}
		return nil, fmt.Errorf("scan workflow step: %w", err)
	}
	return &s, nil
}
