package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, job_type, input, output, status, priority, attempts, max_attempts,
	last_error, progress_percent, progress_message, worker_capability, worker_id,
	idempotency_key, queue, tags, backoff, base_backoff_ms, max_backoff_ms,
	timeout_seconds, scheduled_at, created_at, claimed_at, started_at,
	completed_at, failed_at, last_heartbeat`

func (r *JobRepository) Enqueue(ctx context.Context, jobType string, input []byte, opts domain.EnqueueOptions) (string, bool, error) {
	priority := opts.Priority
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	backoff := opts.Backoff
	if backoff == "" {
		backoff = domain.BackoffExponential
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff == 0 {
		baseBackoff = 30 * time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = time.Hour
	}
	scheduledAt := time.Now().Add(opts.Delay)

	var idempotencyKey *string
	if opts.IdempotencyKey != "" {
		idempotencyKey = &opts.IdempotencyKey
	}
	var workerCapability *string
	if opts.WorkerCapability != "" {
		workerCapability = &opts.WorkerCapability
	}
	queue := opts.Queue
	if queue == "" {
		queue = "default"
	}

	query := `
		INSERT INTO jobs (
			job_type, input, status, priority, max_attempts, backoff,
			base_backoff_ms, max_backoff_ms, timeout_seconds, scheduled_at,
			idempotency_key, worker_capability, queue, tags
		) VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`

	var id string
	err := r.pool.QueryRow(ctx, query,
		jobType, input, priority, maxAttempts, backoff,
		baseBackoff.Milliseconds(), maxBackoff.Milliseconds(), opts.TimeoutSeconds, scheduledAt,
		idempotencyKey, workerCapability, queue, opts.Tags,
	).Scan(&id)

	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}

	// ON CONFLICT DO NOTHING suppressed the insert: the idempotency key
	// already exists. Look up the existing job instead of erroring.
	if idempotencyKey == nil {
		return "", false, fmt.Errorf("enqueue job: no rows returned without idempotency key")
	}
	err = r.pool.QueryRow(ctx, `SELECT id FROM jobs WHERE idempotency_key = $1`, *idempotencyKey).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("lookup existing job for idempotency key: %w", err)
	}
	return id, false, nil
}

func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	var args []any
	where := []string{"1=1"}

	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.Queue != "" {
		args = append(args, input.Queue)
		where = append(where, fmt.Sprintf("queue = $%d", len(args)))
	}
	if input.JobType != "" {
		args = append(args, input.JobType)
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(scheduled_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY scheduled_at DESC, id DESC LIMIT $%d`,
		jobColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Claim atomically selects up to limit due jobs matching the worker's
// capabilities, highest priority first, oldest scheduled next
// (spec.md §4.4). FOR UPDATE SKIP LOCKED lets concurrent workers claim
// disjoint batches without blocking on each other. Claim only moves a
// job to 'claimed'; the caller must follow up with Start once it
// actually begins running the handler, so a crash between claim and
// start leaves the job recoverably stuck in 'claimed' rather than
// silently 'running' (spec.md §4.4, §3 invariants).
func (r *JobRepository) Claim(ctx context.Context, workerID string, capabilities []string, limit int) ([]*domain.Job, error) {
	query := `
		UPDATE jobs
		SET    status         = 'claimed',
		       claimed_at     = NOW(),
		       worker_id      = $1,
		       last_heartbeat = NOW(),
		       attempts       = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status       = 'pending'
			  AND  scheduled_at <= NOW()
			  AND  (worker_capability IS NULL OR worker_capability = ANY($2))
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.pool.Query(ctx, query, workerID, capabilities, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Start transitions a claimed job to running, right before its
// handler is invoked. Scoped to status = 'claimed' so a job the reaper
// already reclaimed (because its worker crashed between Claim and
// Start) can't be started twice.
func (r *JobRepository) Start(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running', started_at = NOW(), last_heartbeat = NOW()
		WHERE id = $1 AND status = 'claimed'`, jobID)
	return err
}

func (r *JobRepository) Heartbeat(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET last_heartbeat = NOW() WHERE id = $1 AND status = 'running'`, jobID)
	return err
}

// UpdateProgress also stamps last_heartbeat: the worker heartbeats
// automatically on every progress event, not only on the dedicated
// heartbeat ticker (spec.md §4.4).
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID string, percent int, message string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET progress_percent = $2, progress_message = $3, last_heartbeat = NOW() WHERE id = $1`,
		jobID, percent, message)
	return err
}

func (r *JobRepository) Complete(ctx context.Context, jobID string, output []byte) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', output = $2, completed_at = NOW(), progress_percent = 100
		WHERE id = $1`, jobID, output)
	return err
}

func (r *JobRepository) Fail(ctx context.Context, jobID string, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, failed_at = NOW() WHERE id = $1`,
		jobID, lastError)
	return err
}

// Retry reschedules jobID back to pending at retryAt. The caller (the
// worker pool) has already computed retryAt from the job's backoff
// strategy (spec.md §4.4).
func (r *JobRepository) Retry(ctx context.Context, jobID string, lastError string, retryAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs
		SET    status         = 'pending',
		       last_error     = $2,
		       scheduled_at   = $3,
		       claimed_at     = NULL,
		       started_at     = NULL,
		       worker_id      = NULL,
		       last_heartbeat = NULL
		WHERE id = $1`, jobID, lastError, retryAt)
	return err
}

func (r *JobRepository) DeadLetter(ctx context.Context, jobID string, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'dead_letter', last_error = $2, failed_at = NOW() WHERE id = $1`,
		jobID, lastError)
	return err
}

// RequeueStale also reclaims jobs stuck in 'claimed' (a worker crashed
// between Claim and Start): claimed_at stands in for last_heartbeat
// since a claimed-but-not-started job never got one (spec.md §4.4).
func (r *JobRepository) RequeueStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status          = 'pending',
		       last_error      = 'worker heartbeat timeout',
		       claimed_at      = NULL,
		       started_at      = NULL,
		       worker_id       = NULL,
		       last_heartbeat  = NULL
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status IN ('running', 'claimed')
			  AND  COALESCE(last_heartbeat, claimed_at) < $1
			  AND  attempts        < max_attempts
			ORDER BY COALESCE(last_heartbeat, claimed_at) ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, staleCutoff, limit)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) DeadLetterStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET    status     = 'dead_letter',
		       last_error = 'worker heartbeat timeout: max attempts exceeded',
		       failed_at  = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE  status IN ('running', 'claimed')
			  AND  COALESCE(last_heartbeat, claimed_at) < $1
			  AND  attempts        >= max_attempts
			ORDER BY COALESCE(last_heartbeat, claimed_at) ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, staleCutoff, limit)
	return int(tag.RowsAffected()), err
}

func (r *JobRepository) Cancel(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = 'canceled', failed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'claimed', 'running')`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var baseBackoffMs, maxBackoffMs int64
	err := row.Scan(
		&j.ID, &j.JobType, &j.Input, &j.Output, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &j.ProgressPercent, &j.ProgressMessage, &j.WorkerCapability, &j.WorkerID,
		&j.IdempotencyKey, &j.Queue, &j.Tags, &j.Backoff, &baseBackoffMs, &maxBackoffMs,
		&j.TimeoutSeconds, &j.ScheduledAt, &j.CreatedAt, &j.ClaimedAt, &j.StartedAt,
		&j.CompletedAt, &j.FailedAt, &j.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.BaseBackoff = time.Duration(baseBackoffMs) * time.Millisecond
	j.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
