package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrWorkflowRunNotFound  = errors.New("workflow run not found")
	ErrWorkflowNameUnknown  = errors.New("workflow name is not registered")
	ErrWorkflowStepExists   = errors.New("workflow step already recorded")
	ErrWorkflowNotCancelable = errors.New("workflow run is not in a cancelable state")
)

// WorkflowRunStatus is the lifecycle state of one workflow invocation (spec.md §3).
type WorkflowRunStatus string

const (
	WorkflowCreated      WorkflowRunStatus = "created"
	WorkflowRunning      WorkflowRunStatus = "running"
	WorkflowWaiting      WorkflowRunStatus = "waiting"
	WorkflowCompleted    WorkflowRunStatus = "completed"
	WorkflowCompensating WorkflowRunStatus = "compensating"
	WorkflowCompensated  WorkflowRunStatus = "compensated"
	WorkflowFailed       WorkflowRunStatus = "failed"
)

// WorkflowRun is one invocation of a registered workflow.
type WorkflowRun struct {
	ID           string
	WorkflowName string
	Version      int
	Input        json.RawMessage
	Output       json.RawMessage
	Status       WorkflowRunStatus
	CurrentStep  string
	ParentRunID  *string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Error        string
	NodeID       string
	LastHeartbeat *time.Time
}

// WorkflowStepStatus is the lifecycle state of one step checkpoint.
type WorkflowStepStatus string

const (
	StepPending     WorkflowStepStatus = "pending"
	StepRunning     WorkflowStepStatus = "running"
	StepCompleted   WorkflowStepStatus = "completed"
	StepFailed      WorkflowStepStatus = "failed"
	StepCompensated WorkflowStepStatus = "compensated"
	StepSkipped     WorkflowStepStatus = "skipped"
)

// WorkflowStep is one checkpoint recorded at most once per
// (workflow_run_id, step_name) pair (spec.md §3 invariant).
type WorkflowStep struct {
	WorkflowRunID string
	StepName      string
	Status        WorkflowStepStatus
	Result        json.RawMessage
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// WorkflowInfo is the static registration metadata for a workflow,
// including its monotonic version (spec.md §4.7 Versioning).
type WorkflowInfo struct {
	Name    string
	Version int
	Timeout time.Duration
}
