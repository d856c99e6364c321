package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Handler processes a task that came due.
type Handler func(ctx context.Context, task Task) error

// Runner polls a Registry and hands due tasks to a Handler.
type Runner struct {
	registry Registry
	handler  Handler
	clock    Clock
	interval time.Duration
	batch    int
	retry    time.Duration
	logger   *slog.Logger
}

// RunnerOption defines functional options for configuring Runner.
type RunnerOption func(*Runner)

// WithClock replaces the wall clock.
func WithClock(clock Clock) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// WithPollInterval sets how often the registry is polled. Default 1s.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize caps the tasks handled per poll. Default 100.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithRetryDelay sets how far a failed delete-after-run task is postponed. Default 30s.
func WithRetryDelay(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.retry = d
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

func NewRunner(registry Registry, handler Handler, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		handler:  handler,
		clock:    NewRealClock(),
		interval: time.Second,
		batch:    100,
		retry:    30 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Timer runner started", "poll_interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Timer runner stopping due to context cancel")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("Error polling scheduled tasks", "error", err)
			}
		}
	}
}

// RunOnce handles every task due at the clock's current time and returns how
// many were handed to the handler. Delete-after-run tasks are removed before
// the handler runs so a handler may schedule a task under the same name. When
// the handler fails such a task is put back one retry delay later, unless the
// handler or anyone else has scheduled that name in the meantime.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	tasks, err := r.registry.Due(ctx, r.clock.Now(), r.batch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, task := range tasks {
		if task.DeleteAfterRun {
			if err := r.registry.Delete(ctx, task.Name); err != nil {
				r.logger.Error("Failed to delete scheduled task", "task", task.Name, "error", err)
				continue
			}
		}
		handled++
		if err := r.handler(ctx, task); err != nil {
			r.logger.Error("Scheduled task failed", "task", task.Name, "error", err)
			if task.DeleteAfterRun {
				r.reschedule(ctx, task)
			}
		}
	}
	return handled, nil
}

func (r *Runner) reschedule(ctx context.Context, task Task) {
	_, err := r.registry.Get(ctx, task.Name)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrTaskNotFound) {
		r.logger.Error("Failed to look up scheduled task", "task", task.Name, "error", err)
		return
	}
	task.NextRun = r.clock.Now().Add(r.retry)
	if err := r.registry.Create(ctx, task); err != nil {
		r.logger.Error("Failed to reschedule task", "task", task.Name, "error", err)
		return
	}
	r.logger.Warn("Scheduled task postponed", "task", task.Name, "next_run", task.NextRun)
}
