// Package queue is a small in-process job runtime that drives the lock
// hooks: BeforeEnqueue when a job is submitted and Around when a worker
// runs it. Jobs are served in FIFO order.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-joblock/v1/errors"
	"github.com/mirkobrombin/go-joblock/v1/lock"
)

// Handler performs a job.
type Handler func(ctx context.Context, args ...any) error

// Job is a queued unit of work.
type Job struct {
	ID         string
	Name       string
	Args       []any
	EnqueuedAt time.Time
}

type registration struct {
	lock    *lock.Lock
	handler Handler
}

// Queue holds registered job types and pending jobs.
type Queue struct {
	backend  adapter.Backend
	lockOpts []lock.Option
	logger   *slog.Logger

	mu      sync.Mutex
	jobs    map[string]registration
	pending *list.List
	wake    chan struct{}
	closed  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLockOptions applies opts to the lock of every registered job, before
// the options given to Register.
func WithLockOptions(opts ...lock.Option) Option {
	return func(q *Queue) {
		q.lockOpts = append(q.lockOpts, opts...)
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New returns a Queue whose job locks live in backend unless a job
// overrides it with lock.WithBackend.
func New(backend adapter.Backend, opts ...Option) *Queue {
	q := &Queue{
		backend: backend,
		logger:  slog.Default(),
		jobs:    make(map[string]registration),
		pending: list.New(),
		wake:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register declares the job called name and returns its lock. Registering a
// name again replaces the previous handler and lock.
func (q *Queue) Register(name string, h Handler, opts ...lock.Option) *lock.Lock {
	all := make([]lock.Option, 0, len(q.lockOpts)+len(opts))
	all = append(all, q.lockOpts...)
	all = append(all, opts...)
	l := lock.New(name, q.backend, all...)

	q.mu.Lock()
	q.jobs[name] = registration{lock: l, handler: h}
	q.mu.Unlock()
	return l
}

// Lock returns the lock of a registered job.
func (q *Queue) Lock(name string) (*lock.Lock, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.jobs[name]
	return r.lock, ok
}

// Enqueue submits a job. It returns false without an error when the job is
// a loner that is already queued or running.
func (q *Queue) Enqueue(ctx context.Context, name string, args ...any) (string, bool, error) {
	q.mu.Lock()
	r, ok := q.jobs[name]
	closed := q.closed
	q.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("%w: %s", lockerrors.ErrUnknownJob, name)
	}
	if closed {
		return "", false, lockerrors.ErrQueueClosed
	}

	admitted, err := r.lock.BeforeEnqueue(ctx, args...)
	if err != nil || !admitted {
		return "", false, err
	}

	job := &Job{ID: uuid.NewString(), Name: name, Args: args, EnqueuedAt: time.Now()}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		// the loner key was taken for a job that will never run
		if r.lock.Loner() {
			_ = r.lock.ReleaseLoner(context.WithoutCancel(ctx), args...)
		}
		return "", false, lockerrors.ErrQueueClosed
	}
	q.pending.PushBack(job)
	q.broadcast()
	q.mu.Unlock()
	return job.ID, true, nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Process runs the oldest pending job under its lock. It returns false when
// nothing was pending. A job skipped because its lock is held counts as
// processed.
func (q *Queue) Process(ctx context.Context) (bool, error) {
	q.mu.Lock()
	front := q.pending.Front()
	if front == nil {
		q.mu.Unlock()
		return false, nil
	}
	job := q.pending.Remove(front).(*Job)
	r := q.jobs[job.Name]
	q.mu.Unlock()

	err := r.lock.Around(ctx, func(ctx context.Context) error {
		return r.handler(ctx, job.Args...)
	}, job.Args...)
	if err != nil {
		return true, fmt.Errorf("job %s (%s): %w", job.ID, job.Name, err)
	}
	return true, nil
}

// Work runs concurrency workers until ctx is done or the queue is closed and
// drained. Job failures are logged and do not stop the workers.
func (q *Queue) Work(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error {
			return q.work(ctx, worker)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (q *Queue) work(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.mu.Lock()
		wake := q.wake
		q.mu.Unlock()

		processed, err := q.Process(ctx)
		if err != nil {
			q.logger.Error("joblock: job failed", "worker", worker, "error", err)
		}
		if processed {
			continue
		}

		q.mu.Lock()
		drained := q.closed && q.pending.Len() == 0
		q.mu.Unlock()
		if drained {
			return nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects further jobs. Workers return once the pending jobs are done.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// broadcast wakes every idle worker. q.mu must be held.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
