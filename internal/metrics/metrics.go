package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job queue

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job creation to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of one job handler invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job_type", "status"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "worker_jobs_in_flight",
		Help:      "Number of jobs currently claimed by this node's worker pool.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished, by job type and outcome.",
	}, []string{"job_type", "outcome"})

	ReaperRescuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "worker_reaper_rescued_total",
		Help:      "Total stale jobs handled by the worker heartbeat reaper.",
	}, []string{"action"})

	// Cron

	CronRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "cron_runs_total",
		Help:      "Total cron executions claimed and run, by cron name and outcome.",
	}, []string{"cron_name", "outcome"})

	CronRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "cron_run_duration_seconds",
		Help:      "Duration of one cron handler invocation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"cron_name"})

	// Workflow

	WorkflowRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "workflow_runs_total",
		Help:      "Total workflow runs finished, by workflow name and outcome.",
	}, []string{"workflow_name", "outcome"})

	WorkflowStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "workflow_steps_total",
		Help:      "Total workflow step checkpoints recorded, by status.",
	}, []string{"workflow_name", "status"})

	WorkflowCompensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "workflow_compensations_total",
		Help:      "Total compensating actions run during workflow rollback.",
	}, []string{"workflow_name"})

	// Cluster

	ClusterLeaderHeld = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "cluster_leader_held",
		Help:      "Whether this node currently holds the leader advisory lock for a role. 1 = held.",
	}, []string{"role"})

	ClusterNodesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "cluster_nodes_active",
		Help:      "Number of nodes this node's registry sweep last observed as active.",
	})

	// Reactivity

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "subscriptions_active",
		Help:      "Number of live query/job/workflow subscriptions held on this node.",
	})

	ChangeNotifyLagTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "change_notify_lagged_total",
		Help:      "Total times the in-process change broadcast buffer overflowed, triggering conservative over-invalidation.",
	})

	SubscriptionReplayDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "subscription_replay_duration_seconds",
		Help:      "Time to recompute and re-fingerprint one query subscription after an invalidating change.",
		Buckets:   prometheus.DefBuckets,
	})

	// WebSocket / HTTP

	WSConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "ws_connections_active",
		Help:      "Number of live WebSocket sessions on this node.",
	})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})

	// Process lifecycle

	NodeStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "node_start_time_seconds",
		Help:      "Unix timestamp when this node started.",
	})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobExecutionDuration,
		JobsInFlight,
		JobsCompletedTotal,
		ReaperRescuedTotal,
		CronRunsTotal,
		CronRunDuration,
		WorkflowRunsTotal,
		WorkflowStepsTotal,
		WorkflowCompensationsTotal,
		ClusterLeaderHeld,
		ClusterNodesActive,
		SubscriptionsActive,
		ChangeNotifyLagTotal,
		SubscriptionReplayDuration,
		WSConnectionsActive,
		HTTPRequestDuration,
		HTTPRequestsTotal,
		NodeStartTime,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
