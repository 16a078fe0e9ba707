// Package queue implements the durable job queue and its worker pool
// (spec.md §4.4): idempotent enqueue, SKIP LOCKED claiming, progress
// reporting, and backoff-driven retry up to dead-letter.
package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/forgeerr"
	"github.com/forge-db/forge/internal/progress"
	"github.com/forge-db/forge/internal/registry"
	"github.com/forge-db/forge/internal/repository"
)

// JobContext is passed to a JobHandler, giving it access to the job's
// input and a way to report progress without depending on the
// repository directly.
type JobContext struct {
	Job      *domain.Job
	queue    *Queue
	progress *progress.Bus
}

// ReportProgress persists and broadcasts progress for this job's
// subscribers (spec.md §4.9 job subscriptions).
func (jc *JobContext) ReportProgress(ctx context.Context, percent int, message string) error {
	if err := jc.queue.repo.UpdateProgress(ctx, jc.Job.ID, percent, message); err != nil {
		return forgeerr.Wrap(forgeerr.KindTransient, "update job progress", err)
	}
	jc.progress.PublishJob(jc.Job.ID, percent, message)
	return nil
}

// JobHandler executes one job and returns its output, or an error that
// triggers retry or dead-lettering per the job's backoff policy.
type JobHandler func(ctx context.Context, jc *JobContext) ([]byte, error)

// Queue is the facade over JobRepository used by producers (enqueue,
// cancel, inspect) and by the Pool (claim, complete, fail).
type Queue struct {
	repo     repository.JobRepository
	handlers *registry.Registry[JobHandler]
	progress *progress.Bus
}

func New(repo repository.JobRepository, handlers *registry.Registry[JobHandler], bus *progress.Bus) *Queue {
	return &Queue{repo: repo, handlers: handlers, progress: bus}
}

// Enqueue validates jobType is registered, then inserts the job.
// Enqueue is idempotent: reusing an IdempotencyKey returns the
// existing job's ID rather than erroring (spec.md §4.4).
func (q *Queue) Enqueue(ctx context.Context, jobType string, input []byte, opts domain.EnqueueOptions) (string, error) {
	if _, ok := q.handlers.Lookup(jobType); !ok {
		return "", forgeerr.Wrap(forgeerr.KindValidation, fmt.Sprintf("job type %q not registered", jobType), domain.ErrJobTypeUnknown)
	}
	id, _, err := q.repo.Enqueue(ctx, jobType, input, opts)
	if err != nil {
		return "", forgeerr.Wrap(forgeerr.KindTransient, "enqueue job", err)
	}
	return id, nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := q.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindNotFound, "get job", err)
	}
	return job, nil
}

func (q *Queue) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	jobs, err := q.repo.List(ctx, input)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindTransient, "list jobs", err)
	}
	return jobs, nil
}

func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	if err := q.repo.Cancel(ctx, jobID); err != nil {
		if err == domain.ErrJobNotFound {
			return forgeerr.Wrap(forgeerr.KindNotFound, "cancel job", err)
		}
		return forgeerr.Wrap(forgeerr.KindTransient, "cancel job", err)
	}
	return nil
}

// nextRetryDelay implements the three backoff formulas of spec.md §4.4,
// with +-10% jitter to avoid synchronized retry storms across a batch
// that failed together.
func nextRetryDelay(strategy domain.BackoffStrategy, base, max time.Duration, attempt int) time.Duration {
	var delay time.Duration
	switch strategy {
	case domain.BackoffLinear:
		delay = base * time.Duration(attempt)
	case domain.BackoffExponential:
		raw := float64(base) * math.Pow(2, float64(attempt-1))
		delay = time.Duration(math.Min(raw, float64(max)))
	default: // fixed
		delay = base
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
	return delay + jitter
}
