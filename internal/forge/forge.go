// Package forge is the composition root: it wires the database pool,
// repositories, and every component (cluster membership, leader
// election, job queue, cron dispatcher, workflow engine, reactor, and
// WebSocket hub) into one supervised process (spec.md §4.11).
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/forge-db/forge/config"
	"github.com/forge-db/forge/internal/cluster"
	"github.com/forge-db/forge/internal/cron"
	"github.com/forge-db/forge/internal/db"
	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/function"
	"github.com/forge-db/forge/internal/health"
	"github.com/forge-db/forge/internal/infrastructure/postgres"
	"github.com/forge-db/forge/internal/metrics"
	"github.com/forge-db/forge/internal/progress"
	"github.com/forge-db/forge/internal/queue"
	"github.com/forge-db/forge/internal/reactor"
	"github.com/forge-db/forge/internal/registry"
	"github.com/forge-db/forge/internal/workflow"
	"github.com/forge-db/forge/internal/wsconn"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	slogGin "github.com/samber/slog-gin"
	"golang.org/x/sync/errgroup"
)

// CronRegistration pairs a cron's static metadata with its handler, for
// Builder.Crons.
type CronRegistration struct {
	Info    domain.CronInfo
	Handler cron.Handler
}

// WorkflowDefinition pairs a workflow's static metadata with its
// business logic, for Builder.Workflows.
type WorkflowDefinition struct {
	Info domain.WorkflowInfo
	Fn   workflow.WorkflowFunc
}

// Builder collects every registration cmd/forge wants wired in before
// New assembles the running node.
type Builder struct {
	Jobs      *registry.Registry[queue.JobHandler]
	Crons     []CronRegistration
	Workflows []WorkflowDefinition
	Functions map[string]function.Handler
}

func NewBuilder() *Builder {
	return &Builder{
		Jobs:      registry.New[queue.JobHandler](),
		Functions: make(map[string]function.Handler),
	}
}

// Forge is one running node: all components this node's configured
// roles require, plus the HTTP surface that exposes health, metrics,
// and the WebSocket endpoint.
type Forge struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool

	Membership *cluster.Membership
	Queue      *queue.Queue
	Engine     *workflow.Engine
	Router     *function.Router

	electors     []*cluster.Elector
	reaper       *queue.Reaper
	workerPool   *queue.Pool
	cronDispatch *cron.Dispatcher
	listener     *reactor.Listener
	reactorLoop  *reactor.Reactor
	hub          *wsconn.Hub
	httpServer   *http.Server
	metricsSrv   *http.Server
}

// New builds every component; it connects to the database but starts
// no background loop. Call Run to start the supervised loops.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, b *Builder) (*Forge, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Migrate(ctx, pool, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	nodeRepo := postgres.NewNodeRepository(pool)
	leaderRepo := postgres.NewLeaderRepository(pool)
	jobRepo := postgres.NewJobRepository(pool)
	cronRepo := postgres.NewCronRepository(pool)
	workflowRepo := postgres.NewWorkflowRepository(pool)
	sessionRepo := postgres.NewSessionRepository(pool)

	bus := progress.NewBus()
	jobQueue := queue.New(jobRepo, b.Jobs, bus)
	membership := cluster.NewMembership(nodeRepo, sessionRepo, logger, cfg.Cluster.HeartbeatInterval, cfg.Cluster.DeadThreshold)

	engine := workflow.NewEngine(workflowRepo, membership.NodeID, logger, bus, cfg.Worker.PollInterval, cfg.Worker.StaleThreshold)
	for _, def := range b.Workflows {
		engine.Register(def.Info, def.Fn)
	}

	router := function.NewRouter()
	for name, h := range b.Functions {
		router.Register(name, h)
	}

	subs := reactor.NewSubscriptionManager()
	listener := reactor.NewListener(pool, logger, 1024)
	hub := wsconn.NewHub(membership.NodeID, logger, sessionRepo, subs, bus,
		func(fn string, args json.RawMessage) (json.RawMessage, []string, error) {
			res, err := router.Invoke(ctx, function.RequestEnvelope{FunctionName: fn, Args: args})
			if err != nil {
				return nil, nil, err
			}
			return res.Data, res.Tables, nil
		})

	replay := func(ctx context.Context, sub *domain.Subscription) (json.RawMessage, domain.ReadSet, string, error) {
		res, err := router.Invoke(ctx, function.RequestEnvelope{FunctionName: sub.FunctionName, Args: sub.Args})
		if err != nil {
			return nil, domain.ReadSet{}, "", err
		}
		rs := domain.NewReadSet()
		for _, t := range res.Tables {
			rs.Tables[t] = struct{}{}
		}
		fingerprint := fmt.Sprintf("%x", res.Data)
		return res.Data, rs, fingerprint, nil
	}
	jobFetch := func(ctx context.Context, jobID string) (*domain.Job, error) {
		return jobRepo.GetByID(ctx, jobID)
	}
	workflowFetch := func(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
		return workflowRepo.GetByID(ctx, runID)
	}
	reactorLoop := reactor.NewReactor(listener, subs, replay, jobFetch, workflowFetch, hub, logger,
		time.Duration(cfg.Reactivity.DebounceMS)*time.Millisecond,
		time.Duration(cfg.Reactivity.MaxDebounceMS)*time.Millisecond)

	reaper := queue.NewReaper(jobRepo, logger, cfg.Worker.PollInterval*5, cfg.Worker.StaleThreshold)
	workerPool := queue.NewPool(jobQueue, logger, membership.NodeID, cfg.Worker.PollInterval, cfg.Worker.MaxConcurrent, cfg.Worker.BatchSize, cfg.Worker.Capabilities)
	cronDispatch := cron.NewDispatcher(cronRepo, membership.NodeID, logger, cfg.Cron.TickInterval, newCronRegistry(b.Crons))

	schedulerElector := cluster.NewElector(domain.LeaderRoleScheduler, membership.NodeID, leaderRepo, logger, cfg.Cluster.LeaderLease)

	f := &Forge{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		Membership:   membership,
		Queue:        jobQueue,
		Engine:       engine,
		Router:       router,
		electors:     []*cluster.Elector{schedulerElector},
		reaper:       reaper,
		workerPool:   workerPool,
		cronDispatch: cronDispatch,
		listener:     listener,
		reactorLoop:  reactorLoop,
		hub:          hub,
	}

	for _, cd := range b.Crons {
		if err := cronDispatch.RegisterCron(ctx, cd.Info, cd.Handler); err != nil {
			return nil, fmt.Errorf("register cron %q: %w", cd.Info.Name, err)
		}
	}

	f.buildHTTP()
	return f, nil
}

func newCronRegistry(regs []CronRegistration) *registry.Registry[cron.Handler] {
	r := registry.New[cron.Handler]()
	for _, cd := range regs {
		r.Register(cd.Info.Name, cd.Handler)
	}
	return r
}

func (f *Forge) buildHTTP() {
	checker := health.NewChecker(f.pool, f.logger, prometheus.DefaultRegisterer)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(slogGin.New(f.logger))
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, checker.Liveness(c.Request.Context()))
	})
	router.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})
	router.GET("/ws", gin.WrapF(f.hub.ServeHTTP))

	f.httpServer = &http.Server{Addr: ":" + f.cfg.Port, Handler: router}
	f.metricsSrv = metrics.NewServer(":" + f.cfg.MetricsPort)
}

// Run starts every supervised loop this node's configured roles need
// and blocks until ctx is canceled or any loop returns an error
// (spec.md §4.11). It mirrors the teacher's Worker/Reaper/Dispatcher
// goroutine-per-loop shape, generalized to errgroup supervision so one
// loop's fatal error brings down the whole node cleanly.
func (f *Forge) Run(ctx context.Context) error {
	metrics.Register()
	metrics.NodeStartTime.SetToCurrentTime()

	var roles []domain.Role
	if f.cfg.HasRole("gateway") {
		roles = append(roles, domain.RoleGateway)
	}
	if f.cfg.HasRole("function") {
		roles = append(roles, domain.RoleFunction)
	}
	if f.cfg.HasRole("worker") {
		roles = append(roles, domain.RoleWorker)
	}
	if f.cfg.HasRole("scheduler") {
		roles = append(roles, domain.RoleScheduler)
	}

	if err := f.Membership.Join(ctx, roles, f.cfg.Worker.Capabilities, "dev"); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return f.Membership.Run(gctx) })
	g.Go(func() error { return f.listener.Run(gctx) })
	g.Go(func() error { return f.reactorLoop.Run(gctx) })
	g.Go(func() error { return f.Engine.Run(gctx) })

	if f.cfg.HasRole("worker") {
		g.Go(func() error { return f.workerPool.Run(gctx) })
		g.Go(func() error { return f.reaper.Run(gctx) })
	}

	if f.cfg.HasRole("scheduler") {
		// The cron dispatcher only ever runs on whichever node currently
		// holds the scheduler leader lock; OnGained/OnLost start and stop
		// its loop via a child context scoped to one leadership term.
		var dispatchCancel context.CancelFunc
		schedulerLeader := f.electors[0]
		schedulerLeader.OnGained(func(leaderCtx context.Context) {
			f.logger.Info("this node is now the scheduler leader")
			var dispatchCtx context.Context
			dispatchCtx, dispatchCancel = context.WithCancel(gctx)
			g.Go(func() error {
				if err := f.cronDispatch.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		})
		schedulerLeader.OnLost(func(leaderCtx context.Context) {
			f.logger.Info("this node lost the scheduler leader role")
			if dispatchCancel != nil {
				dispatchCancel()
			}
		})

		for _, elector := range f.electors {
			elector := elector
			g.Go(func() error { return elector.Run(gctx) })
		}
	}

	g.Go(func() error {
		f.logger.Info("http server listening", "addr", f.httpServer.Addr)
		if err := f.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		f.logger.Info("metrics server listening", "addr", f.metricsSrv.Addr)
		if err := f.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.httpServer.Shutdown(shutdownCtx)
		_ = f.metricsSrv.Shutdown(shutdownCtx)
		_ = f.Membership.Leave(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// Shutdown gracefully closes the database pool after Run's errgroup
// returns.
func (f *Forge) Shutdown() {
	f.pool.Close()
}
