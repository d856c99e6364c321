package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrTaskNotFound is returned by Registry.Get for unknown task names.
var ErrTaskNotFound = errors.New("scheduled task not found")

// Task is a named one-shot callback with an opaque payload.
type Task struct {
	Name           string            `json:"name"`
	Payload        map[string]string `json:"payload,omitempty"`
	NextRun        time.Time         `json:"next_run"`
	DeleteAfterRun bool              `json:"delete_after_run"`
	SiteID         uint64            `json:"site_id"`
	UserID         uint64            `json:"user_id"`
}

// Registry stores scheduled tasks by name.
type Registry interface {
	// Create stores the task, replacing any task with the same name.
	Create(ctx context.Context, task Task) error

	// Delete removes the named task. Deleting a missing task is not an error.
	Delete(ctx context.Context, name string) error

	// Get returns the named task or ErrTaskNotFound.
	Get(ctx context.Context, name string) (Task, error)

	// Due returns at most limit tasks whose NextRun is not after now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
}
