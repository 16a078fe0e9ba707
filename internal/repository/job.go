// Package repository declares the storage-backed interfaces each
// component depends on, so postgres implementations stay swappable
// behind an interface boundary and usecases/components can be tested
// against a fake.
package repository

import (
	"context"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

// ListJobsInput paginates a job listing by (scheduled_at, id) cursor.
type ListJobsInput struct {
	Status     domain.JobStatus
	Queue      string
	JobType    string
	CursorTime *time.Time
	CursorID   string
	Limit      int
}

// JobRepository persists the durable job queue (spec.md §4.4).
type JobRepository interface {
	// Enqueue inserts a new job. If opts carries an IdempotencyKey that
	// already exists, it returns the existing job's ID and false,
	// rather than an error — enqueue is idempotent by design.
	Enqueue(ctx context.Context, jobType string, input []byte, opts domain.EnqueueOptions) (id string, created bool, err error)
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)

	// Claim atomically selects up to limit pending, due, capability-matching
	// jobs for workerID using FOR UPDATE SKIP LOCKED, ordered by priority
	// DESC then scheduled_at ASC (spec.md §4.4).
	Claim(ctx context.Context, workerID string, capabilities []string, limit int) ([]*domain.Job, error)

	// Start transitions a claimed job to running, right before its
	// handler begins executing (spec.md §4.4).
	Start(ctx context.Context, jobID string) error
	Heartbeat(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, percent int, message string) error
	Complete(ctx context.Context, jobID string, output []byte) error
	Fail(ctx context.Context, jobID string, lastError string) error
	Retry(ctx context.Context, jobID string, lastError string, retryAt time.Time) error
	DeadLetter(ctx context.Context, jobID string, lastError string) error

	// Reaper methods — recover jobs whose worker stopped heartbeating.
	RequeueStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error)
	DeadLetterStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error)

	// Cancel moves a pending, claimed or running job to failed. Returns
	// domain.ErrJobNotFound if no job in one of those states has jobID.
	Cancel(ctx context.Context, jobID string) error
}
