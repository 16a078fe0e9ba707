package reactor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
)

// Replayer re-executes a query subscription's function and reports its
// new result, read set, and result fingerprint. The Forge composition
// root wires this to the FunctionRegistry invocation path (spec.md §4.9,
// §6.4).
type Replayer func(ctx context.Context, sub *domain.Subscription) (result json.RawMessage, readSet domain.ReadSet, fingerprint string, err error)

// JobFetcher returns the current row for a Job subscription's target,
// the durable fallback snapshot pushed when a jobs row changes
// (spec.md §4.9 rule 1, §4.10).
type JobFetcher func(ctx context.Context, jobID string) (*domain.Job, error)

// WorkflowFetcher is JobFetcher's workflow_runs counterpart
// (spec.md §4.9 rule 2).
type WorkflowFetcher func(ctx context.Context, runID string) (*domain.WorkflowRun, error)

// Notifier delivers a replayed result or job/workflow snapshot to the
// session that owns the subscription, typically over WebSocket.
type Notifier interface {
	NotifyData(sessionID, clientSubID string, result json.RawMessage)
	NotifyJobUpdate(sessionID, clientSubID string, job *domain.Job)
	NotifyWorkflowUpdate(sessionID, clientSubID string, run *domain.WorkflowRun)
}

// Reactor connects the change listener to the subscription manager:
// for every change, it finds conservatively-invalidated subscriptions,
// debounces rapid-fire changes per subscription, and pushes. Query
// subscriptions replay their function; Job/Workflow subscriptions push
// a fresh row snapshot — this is the durable fallback that still
// delivers progress even when the in-process progress.Bus fast path
// never reaches the subscribing node (spec.md §4.9, §4.10).
type Reactor struct {
	listener      *Listener
	manager       *SubscriptionManager
	replay        Replayer
	jobFetch      JobFetcher
	workflowFetch WorkflowFetcher
	notifier      Notifier
	logger        *slog.Logger

	debounce    time.Duration
	maxDebounce time.Duration

	mu      sync.Mutex
	pending map[string]*debounceEntry
}

type debounceEntry struct {
	timer     *time.Timer
	firstDue  time.Time
	change    domain.Change
}

func NewReactor(listener *Listener, manager *SubscriptionManager, replay Replayer, jobFetch JobFetcher, workflowFetch WorkflowFetcher, notifier Notifier, logger *slog.Logger, debounce, maxDebounce time.Duration) *Reactor {
	return &Reactor{
		listener:      listener,
		manager:       manager,
		replay:        replay,
		jobFetch:      jobFetch,
		workflowFetch: workflowFetch,
		notifier:      notifier,
		logger:        logger.With("component", "reactor"),
		debounce:      debounce,
		maxDebounce:   maxDebounce,
		pending:       make(map[string]*debounceEntry),
	}
}

// Run consumes changes from the listener and schedules debounced
// replays until ctx is canceled.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-r.listener.Changes():
			if !ok {
				return nil
			}
			r.handleChange(ctx, change)
		}
	}
}

func (r *Reactor) handleChange(ctx context.Context, change domain.Change) {
	for _, sub := range r.manager.MatchChange(change) {
		r.scheduleReplay(ctx, sub, change)
	}
}

// scheduleReplay coalesces bursts of changes to the same subscription
// within r.debounce, capped so a subscription under continuous write
// pressure still replays at least every r.maxDebounce (spec.md §4.9).
func (r *Reactor) scheduleReplay(ctx context.Context, sub *domain.Subscription, change domain.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, scheduled := r.pending[sub.SubscriptionID]
	now := time.Now()

	if scheduled {
		existing.change = change
		remaining := r.debounce
		if existing.firstDue.Add(r.maxDebounce).Before(now.Add(r.debounce)) {
			remaining = time.Until(existing.firstDue.Add(r.maxDebounce))
			if remaining < 0 {
				remaining = 0
			}
		}
		existing.timer.Reset(remaining)
		return
	}

	entry := &debounceEntry{firstDue: now, change: change}
	entry.timer = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		delete(r.pending, sub.SubscriptionID)
		r.mu.Unlock()
		r.doReplay(ctx, sub.SubscriptionID)
	})
	r.pending[sub.SubscriptionID] = entry
}

func (r *Reactor) doReplay(ctx context.Context, subscriptionID string) {
	sub, ok := r.manager.Get(subscriptionID)
	if !ok {
		return // unsubscribed before the debounce timer fired
	}

	switch sub.Kind {
	case domain.SubKindJob:
		r.pushJob(ctx, sub)
	case domain.SubKindWorkflow:
		r.pushWorkflow(ctx, sub)
	default:
		r.pushQuery(ctx, sub)
	}
}

func (r *Reactor) pushQuery(ctx context.Context, sub *domain.Subscription) {
	start := time.Now()
	result, readSet, fingerprint, err := r.replay(ctx, sub)
	metrics.SubscriptionReplayDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("subscription replay failed", "subscription_id", sub.SubscriptionID, "error", err)
		return
	}

	if fingerprint == sub.LastResultFingerprint {
		r.manager.UpdateReadSet(sub.SubscriptionID, readSet, fingerprint)
		return // result unchanged: no need to push to the client
	}

	r.manager.UpdateReadSet(sub.SubscriptionID, readSet, fingerprint)
	r.notifier.NotifyData(sub.SessionID, sub.ClientSubID, result)
}

// pushJob pushes the current jobs row for a Job subscription. This is
// the durable fallback (spec.md §4.10): it runs on a forge_changes
// notification for the job's row, so progress can reach a client whose
// session lives on a different node than the one running the job, even
// though the progress.Bus fast path never crosses node boundaries. The
// bundled migration installs no trigger on the jobs table, so such a
// notification arrives only if something else emits it.
func (r *Reactor) pushJob(ctx context.Context, sub *domain.Subscription) {
	job, err := r.jobFetch(ctx, sub.TargetID)
	if err != nil {
		r.logger.Error("job snapshot fetch failed", "subscription_id", sub.SubscriptionID, "job_id", sub.TargetID, "error", err)
		return
	}
	r.notifier.NotifyJobUpdate(sub.SessionID, sub.ClientSubID, job)
}

// pushWorkflow is pushJob's workflow_runs counterpart.
func (r *Reactor) pushWorkflow(ctx context.Context, sub *domain.Subscription) {
	run, err := r.workflowFetch(ctx, sub.TargetID)
	if err != nil {
		r.logger.Error("workflow snapshot fetch failed", "subscription_id", sub.SubscriptionID, "run_id", sub.TargetID, "error", err)
		return
	}
	r.notifier.NotifyWorkflowUpdate(sub.SessionID, sub.ClientSubID, run)
}
