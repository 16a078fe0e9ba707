package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CronRepository struct {
	pool *pgxpool.Pool
}

func NewCronRepository(pool *pgxpool.Pool) *CronRepository {
	return &CronRepository{pool: pool}
}

const cronRunColumns = `id, cron_name, scheduled_time, status, node_id, started_at, completed_at, error, is_catch_up, output`

// ClaimRun races every node against the UNIQUE(cron_name, scheduled_time)
// constraint; ON CONFLICT DO NOTHING means exactly one node's insert
// succeeds and claimed is true for exactly that one (spec.md §4.6).
func (r *CronRepository) ClaimRun(ctx context.Context, cronName string, scheduledTime time.Time, nodeID string, isCatchUp bool) (*domain.CronRun, bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO cron_runs (cron_name, scheduled_time, status, node_id, started_at, is_catch_up)
		VALUES ($1, $2, 'running', $3, NOW(), $4)
		ON CONFLICT (cron_name, scheduled_time) DO NOTHING
		RETURNING id`, cronName, scheduledTime, nodeID, isCatchUp).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim cron run: %w", err)
	}

	row := r.pool.QueryRow(ctx, `SELECT `+cronRunColumns+` FROM cron_runs WHERE id = $1`, id)
	run, err := scanCronRun(row)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func (r *CronRepository) Complete(ctx context.Context, runID string, output []byte) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE cron_runs SET status = 'completed', completed_at = NOW(), output = $2 WHERE id = $1`,
		runID, output)
	return err
}

func (r *CronRepository) Fail(ctx context.Context, runID string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE cron_runs SET status = 'failed', completed_at = NOW(), error = $2 WHERE id = $1`,
		runID, errMsg)
	return err
}

func (r *CronRepository) LastScheduledTime(ctx context.Context, cronName string) (time.Time, error) {
	var t time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT scheduled_time FROM cron_runs WHERE cron_name = $1 ORDER BY scheduled_time DESC LIMIT 1`,
		cronName).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, domain.ErrCronNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last scheduled time: %w", err)
	}
	return t, nil
}

func (r *CronRepository) ListRuns(ctx context.Context, cronName string, limit int) ([]*domain.CronRun, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+cronRunColumns+` FROM cron_runs WHERE cron_name = $1 ORDER BY scheduled_time DESC LIMIT $2`,
		cronName, limit)
	if err != nil {
		return nil, fmt.Errorf("list cron runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.CronRun
	for rows.Next() {
		run, err := scanCronRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanCronRun(row rowScanner) (*domain.CronRun, error) {
	var run domain.CronRun
	var output json.RawMessage
	err := row.Scan(
		&run.ID, &run.CronName, &run.ScheduledTime, &run.Status, &run.NodeID,
		&run.StartedAt, &run.CompletedAt, &run.Error, &run.IsCatchUp, &output,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCronNotFound
		}
		return nil, fmt.Errorf("scan cron run: %w", err)
	}
	run.Output = output
	return &run, nil
}
