package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrDuplicateJob   = errors.New("job with this idempotency key already exists")
	ErrJobTypeUnknown = errors.New("job type is not registered")
)

// JobStatus is the lifecycle state of a queued unit of work (spec.md §3).
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobClaimed    JobStatus = "claimed"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobRetry      JobStatus = "retry" // display-only sub-state of pending, see spec.md §4.4
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// BackoffStrategy selects the retry delay formula (spec.md §4.4).
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Job is one unit of deferred work.
type Job struct {
	ID               string
	JobType          string
	Input            json.RawMessage
	Output           json.RawMessage
	Status           JobStatus
	Priority         int
	Attempts         int
	MaxAttempts      int
	LastError        string
	ProgressPercent  int
	ProgressMessage  string
	WorkerCapability *string
	WorkerID         *string
	IdempotencyKey   *string
	Queue            string
	Tags             []string
	Backoff          BackoffStrategy
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	TimeoutSeconds   int
	ScheduledAt      time.Time
	CreatedAt        time.Time
	ClaimedAt        *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	LastHeartbeat    *time.Time
}

// Progress reports the running fraction and human-readable status of a job.
type Progress struct {
	JobID   string
	Percent int
	Message string
}

// EnqueueOptions controls non-default enqueue behavior (spec.md §4.4).
type EnqueueOptions struct {
	Priority         int
	Delay            time.Duration
	MaxAttempts      int
	IdempotencyKey   string
	WorkerCapability string
	Queue            string
	Tags             []string
	Backoff          BackoffStrategy
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	TimeoutSeconds   int
}
