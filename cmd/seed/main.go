// seed enqueues a batch of demo.echo jobs against a running cluster's
// database, so the worker pool, retry path, and WebSocket job
// subscription have something to exercise end to end. It talks to the
// database directly rather than through a node (there is no HTTP
// job-creation endpoint here — that belongs to the Gateway/Function
// Router, which is out of scope for this repo).
// Run: go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/forge-db/forge/internal/db"
	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/infrastructure/postgres"
)

type jobSpec struct {
	key         string
	message     string
	priority    int
	maxAttempts int
	backoff     domain.BackoffStrategy
	delay       time.Duration
}

var jobs = []jobSpec{
	// Happy path
	{"seed-001", "hello from seed", 0, 3, domain.BackoffExponential, 0},
	{"seed-002", "hello from seed", 0, 3, domain.BackoffExponential, 0},
	{"seed-003", "high priority", 10, 3, domain.BackoffExponential, 0},

	// Scheduled into the future
	{"seed-004", "scheduled in 1 minute", 0, 3, domain.BackoffExponential, time.Minute},
	{"seed-005", "scheduled in 5 minutes", 0, 3, domain.BackoffLinear, 5 * time.Minute},

	// Low retry budget, for exercising dead-lettering in a handler that's
	// been temporarily made to fail
	{"seed-006", "low retry budget", 0, 1, domain.BackoffFixed, 0},
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	pool, err := db.NewPool(ctx, dbURL, 5)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	jobRepo := postgres.NewJobRepository(pool)

	var created, reused int
	var jobIDs []string

	for _, spec := range jobs {
		input, err := json.Marshal(map[string]string{"message": spec.message})
		if err != nil {
			log.Fatalf("marshal input for %s: %v", spec.key, err)
		}

		id, wasCreated, err := jobRepo.Enqueue(ctx, "demo.echo", input, domain.EnqueueOptions{
			Priority:       spec.priority,
			Delay:          spec.delay,
			MaxAttempts:    spec.maxAttempts,
			IdempotencyKey: spec.key,
			Backoff:        spec.backoff,
		})
		if err != nil {
			log.Fatalf("enqueue %s: %v", spec.key, err)
		}
		if wasCreated {
			created++
		} else {
			reused++
		}
		jobIDs = append(jobIDs, id)
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Jobs enqueued: %d new, %d already existed (idempotency key reused)\n", created, reused)
	fmt.Println()
	fmt.Println("  Job IDs:")
	for i, id := range jobIDs {
		fmt.Printf("    %-10s %s\n", jobs[i].key, id)
	}
	fmt.Println()
	fmt.Println("How to watch them run:")
	fmt.Println()
	fmt.Println("  Connect a WebSocket client to ws://localhost:8080/ws and send:")
	fmt.Println(`    {"type":"subscribe_job","sub_id":"1","job_id":"<JOB_ID>"}`)
	fmt.Println()
	fmt.Println("  Or poll node /readyz and the forge_job_* metrics on the metrics port")
	fmt.Println("  while `go run ./cmd/forge` has at least one worker-role node running.")
}
