package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrQueueClosed indicates the queue has been stopped.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueFull indicates the buffer cannot accept more jobs.
	ErrQueueFull = errors.New("queue is full")
)

// Job is a unit of background work. Once dequeued it runs to completion.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded FIFO consumed by a pool of workers.
type Queue struct {
	jobs    chan Job
	logger  *slog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool
}

// Option defines functional options for configuring Queue.
type Option func(*Queue)

// WithLogger sets the logger used for job failures.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a queue holding at most size pending jobs.
func New(size int, opts ...Option) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		jobs:   make(chan Job, size),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches workers goroutines. ctx is handed to every job; cancelling it
// does not stop the workers, Stop does.
func (q *Queue) Start(ctx context.Context, workers int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	if workers <= 0 {
		workers = 1
	}
	q.logger.Info("Starting action queue", "workers", workers, "queue_size", cap(q.jobs))
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Enqueue adds a job without blocking.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Stop closes the queue and waits for workers to finish the pending jobs.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		// nobody will consume what is left
		for range q.jobs {
		}
	}
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.logger.Debug("Worker starting job", "worker_id", id, "job", job.Name)
		if err := q.run(ctx, job); err != nil {
			q.logger.Error("Job failed", "worker_id", id, "job", job.Name, "error", err)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job.Run(ctx)
}
