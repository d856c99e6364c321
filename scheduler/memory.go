package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tasks: make(map[string]Task)}
}

func (r *MemoryRegistry) Create(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Name == "" {
		return errors.New("task name is required")
	}
	task.Payload = copyPayload(task.Payload)
	r.mu.Lock()
	r.tasks[task.Name] = task
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.tasks, name)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, name string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	if !ok {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "name=%s", name)
	}
	task.Payload = copyPayload(task.Payload)
	return task, nil
}

func (r *MemoryRegistry) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	due := make([]Task, 0)
	for _, task := range r.tasks {
		if !task.NextRun.After(now) {
			task.Payload = copyPayload(task.Payload)
			due = append(due, task)
		}
	}
	r.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].Name < due[j].Name
		}
		return due[i].NextRun.Before(due[j].NextRun)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Len returns the number of stored tasks.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func copyPayload(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
