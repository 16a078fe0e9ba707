// forge runs one node of the cluster. Every node runs this same
// binary; which loops it actually starts is controlled by NODE_ROLES
// (config.Config.HasRole), not by a separate binary per role.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forge-db/forge/config"
	"github.com/forge-db/forge/internal/ctxlog"
	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/forge"
	"github.com/forge-db/forge/internal/function"
	"github.com/forge-db/forge/internal/queue"
	"github.com/forge-db/forge/internal/workflow"
	"github.com/lmittmann/tint"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := forge.NewBuilder()
	registerDemoJob(builder)
	registerDemoCron(builder)
	registerDemoWorkflow(builder)
	registerDemoFunction(builder)

	node, err := forge.New(ctx, cfg, logger, builder)
	if err != nil {
		log.Fatalf("forge: %v", err)
	}
	defer node.Shutdown()

	logger.Info("forge node starting", "roles", cfg.NodeRoles, "env", cfg.Env)
	if err := node.Run(ctx); err != nil {
		logger.Error("forge node exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("forge node shut down cleanly")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}

// registerDemoJob wires a minimal job type so a freshly started cluster
// has something to claim and run: it sleeps briefly, reports progress,
// and echoes its input back as output.
func registerDemoJob(b *forge.Builder) {
	b.Jobs.Register("demo.echo", func(ctx context.Context, jc *queue.JobContext) ([]byte, error) {
		_ = jc.ReportProgress(ctx, 50, "echoing input")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		_ = jc.ReportProgress(ctx, 100, "done")
		return jc.Job.Input, nil
	})
}

// registerDemoCron wires a cron that records a heartbeat row every
// minute, exercising the exactly-once claim and catch-up path.
func registerDemoCron(b *forge.Builder) {
	b.Crons = append(b.Crons, forge.CronRegistration{
		Info: domain.CronInfo{
			Name:       "demo.heartbeat",
			Expr:       "0 * * * * *",
			Timezone:   "UTC",
			CatchUp:    true,
			CatchUpMax: 5,
			Timeout:    10 * time.Second,
		},
		Handler: func(ctx context.Context) ([]byte, error) {
			return json.Marshal(map[string]string{"ticked_at": time.Now().UTC().Format(time.RFC3339)})
		},
	})
}

// registerDemoWorkflow wires a two-step saga with a compensation, so a
// fresh cluster demonstrates checkpointing and rollback end to end.
func registerDemoWorkflow(b *forge.Builder) {
	b.Workflows = append(b.Workflows, forge.WorkflowDefinition{
		Info: domain.WorkflowInfo{Name: "demo.onboarding", Version: 1, Timeout: 30 * time.Second},
		Fn: func(wc *workflow.WorkflowContext) (json.RawMessage, error) {
			_, err := wc.Step("reserve_slot").
				Run(func(ctx context.Context) (json.RawMessage, error) {
					return json.Marshal(map[string]bool{"reserved": true})
				}).
				Compensate(func(ctx context.Context) error {
					return nil // release the reservation
				}).
				Await(context.Background())
			if err != nil {
				return nil, fmt.Errorf("reserve slot: %w", err)
			}

			result, err := wc.Step("send_welcome").
				Run(func(ctx context.Context) (json.RawMessage, error) {
					return json.Marshal(map[string]string{"welcomed_at": wc.WorkflowTime().Format(time.RFC3339)})
				}).
				Await(context.Background())
			if err != nil {
				return nil, fmt.Errorf("send welcome: %w", err)
			}
			return result, nil
		},
	})
}

// registerDemoFunction wires a trivial function so a gateway (or the WS
// `subscribe` client message) has something callable to exercise the
// request envelope contract and the reactor's query-subscription path.
func registerDemoFunction(b *forge.Builder) {
	b.Functions["ping"] = func(ctx context.Context, req function.RequestEnvelope) (*function.Result, error) {
		data, _ := json.Marshal(map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)})
		return &function.Result{Data: data}, nil
	}
}
