package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/forgeerr"
	"github.com/forge-db/forge/internal/progress"
	"github.com/forge-db/forge/internal/queue"
	"github.com/forge-db/forge/internal/registry"
	"github.com/forge-db/forge/internal/repository"
)

type fakeJobRepo struct {
	repository.JobRepository
	enqueue func(ctx context.Context, jobType string, input []byte, opts domain.EnqueueOptions) (string, bool, error)
}

func (r *fakeJobRepo) Enqueue(ctx context.Context, jobType string, input []byte, opts domain.EnqueueOptions) (string, bool, error) {
	return r.enqueue(ctx, jobType, input, opts)
}

func newQueue(repo repository.JobRepository) *queue.Queue {
	handlers := registry.New[queue.JobHandler]()
	handlers.Register("demo.echo", func(ctx context.Context, jc *queue.JobContext) ([]byte, error) {
		return jc.Job.Input, nil
	})
	return queue.New(repo, handlers, progress.NewBus())
}

func TestEnqueue_UnregisteredJobType_ReturnsValidationError(t *testing.T) {
	q := newQueue(&fakeJobRepo{})

	_, err := q.Enqueue(context.Background(), "not.registered", []byte(`{}`), domain.EnqueueOptions{})
	if err == nil {
		t.Fatal("expected an error for an unregistered job type")
	}
	if got := forgeerr.KindOf(err); got != forgeerr.KindValidation {
		t.Errorf("KindOf(err) = %q, want %q", got, forgeerr.KindValidation)
	}
}

func TestEnqueue_RegisteredJobType_ReturnsRepoID(t *testing.T) {
	repo := &fakeJobRepo{
		enqueue: func(ctx context.Context, jobType string, input []byte, opts domain.EnqueueOptions) (string, bool, error) {
			return "job-123", true, nil
		},
	}
	q := newQueue(repo)

	id, err := q.Enqueue(context.Background(), "demo.echo", []byte(`{}`), domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "job-123" {
		t.Errorf("id = %q, want %q", id, "job-123")
	}
}

func TestEnqueue_RepoError_WrappedAsTransient(t *testing.T) {
	repoErr := errors.New("connection reset")
	repo := &fakeJobRepo{
		enqueue: func(ctx context.Context, jobType string, input []byte, opts domain.EnqueueOptions) (string, bool, error) {
			return "", false, repoErr
		},
	}
	q := newQueue(repo)

	_, err := q.Enqueue(context.Background(), "demo.echo", []byte(`{}`), domain.EnqueueOptions{})
	if !errors.Is(err, repoErr) {
		t.Errorf("want wrapped repoErr, got %v", err)
	}
	if got := forgeerr.KindOf(err); got != forgeerr.KindTransient {
		t.Errorf("KindOf(err) = %q, want %q", got, forgeerr.KindTransient)
	}
}

func TestCancel_NotFound_ReturnsNotFoundKind(t *testing.T) {
	q := newQueue(&cancelRepo{err: domain.ErrJobNotFound})

	err := q.Cancel(context.Background(), "missing")
	if got := forgeerr.KindOf(err); got != forgeerr.KindNotFound {
		t.Errorf("KindOf(err) = %q, want %q", got, forgeerr.KindNotFound)
	}
}

type cancelRepo struct {
	repository.JobRepository
	err error
}

func (r *cancelRepo) Cancel(ctx context.Context, jobID string) error {
	return r.err
}
