package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/forge-db/forge/internal/ctxlog"
	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Pool polls for claimable jobs and runs them with bounded concurrency.
// Claiming, heartbeating, and retry scheduling follow the same shape as
// the teacher's scheduler.Worker, generalized to per-job-type handler
// dispatch and capability-scoped claiming.
type Pool struct {
	id           string
	queue        *Queue
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	capabilities []string
	sem          *semaphore.Weighted
}

func NewPool(queue *Queue, logger *slog.Logger, nodeID string, pollInterval time.Duration, maxConcurrent, batchSize int, capabilities []string) *Pool {
	hostname, _ := os.Hostname()
	return &Pool{
		id:           fmt.Sprintf("%s-%s", hostname, nodeID),
		queue:        queue,
		logger:       logger.With("component", "worker_pool"),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		capabilities: capabilities,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Run polls on a ticker until ctx is canceled. It is meant to be
// supervised by an errgroup alongside the cluster loops and cron
// dispatcher (spec.md §4.11 composition root).
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Info("worker pool started", "worker_id", p.id, "capabilities", p.capabilities)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker pool shut down")
			return nil
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *Pool) processBatch(ctx context.Context) {
	jobs, err := p.queue.repo.Claim(ctx, p.id, p.capabilities, p.batchSize)
	if err != nil {
		p.logger.Error("claim batch failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	p.logger.Debug("claimed jobs", "count", len(jobs))

	for _, job := range jobs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return // context canceled while waiting for a slot
		}
		metrics.JobsInFlight.Inc()
		go func(j *domain.Job) {
			defer p.sem.Release(1)
			defer metrics.JobsInFlight.Dec()
			p.runJob(ctx, j)
		}(job)
	}
}

func (p *Pool) runJob(ctx context.Context, job *domain.Job) {
	jobCtx := ctxlog.WithNodeID(ctx, p.id)

	if err := p.queue.repo.Start(jobCtx, job.ID); err != nil {
		p.logger.Error("mark job running failed", "job_id", job.ID, "error", err)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go p.heartbeat(heartbeatCtx, job.ID)

	handler, ok := p.queue.handlers.Lookup(job.JobType)
	if !ok {
		p.logger.Error("no handler registered for job type", "job_type", job.JobType, "job_id", job.ID)
		p.fail(jobCtx, job, fmt.Sprintf("job type %q is not registered on this node", job.JobType))
		return
	}

	runCtx := jobCtx
	var cancelTimeout context.CancelFunc
	if job.TimeoutSeconds > 0 {
		runCtx, cancelTimeout = context.WithTimeout(jobCtx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancelTimeout()
	}

	start := time.Now()
	output, err := handler(runCtx, &JobContext{Job: job, queue: p.queue, progress: p.queue.progress})
	duration := time.Since(start)

	if err == nil {
		if cerr := p.queue.repo.Complete(jobCtx, job.ID, output); cerr != nil {
			p.logger.Error("mark job complete failed", "job_id", job.ID, "error", cerr)
		}
		metrics.JobExecutionDuration.WithLabelValues(job.JobType, "completed").Observe(duration.Seconds())
		metrics.JobsCompletedTotal.WithLabelValues(job.JobType, "completed").Inc()
		return
	}

	metrics.JobExecutionDuration.WithLabelValues(job.JobType, "failed").Observe(duration.Seconds())
	p.fail(jobCtx, job, err.Error())
}

func (p *Pool) fail(ctx context.Context, job *domain.Job, errMsg string) {
	if job.Attempts < job.MaxAttempts {
		retryAt := time.Now().Add(nextRetryDelay(job.Backoff, job.BaseBackoff, job.MaxBackoff, job.Attempts))
		if err := p.queue.repo.Retry(ctx, job.ID, errMsg, retryAt); err != nil {
			p.logger.Error("reschedule job failed", "job_id", job.ID, "error", err)
		}
		metrics.JobsCompletedTotal.WithLabelValues(job.JobType, "retry").Inc()
		p.logger.Warn("job failed, retrying", "job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "retry_at", retryAt)
		return
	}
	if err := p.queue.repo.DeadLetter(ctx, job.ID, errMsg); err != nil {
		p.logger.Error("dead-letter job failed", "job_id", job.ID, "error", err)
	}
	metrics.JobsCompletedTotal.WithLabelValues(job.JobType, "dead_letter").Inc()
	p.logger.Error("job dead-lettered", "job_id", job.ID, "error", errMsg)
}

func (p *Pool) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.repo.Heartbeat(ctx, jobID); err != nil {
				p.logger.Warn("job heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
