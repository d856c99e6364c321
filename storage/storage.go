package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/songzhibin97/stepflow/types"
)

// Storage persists workflow graphs, action definitions and state objects.
type Storage interface {
	// SaveWorkflow saves a workflow graph.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// GetWorkflow retrieves a workflow graph by ID.
	GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error)

	// SaveActionDefinition saves an action definition.
	SaveActionDefinition(ctx context.Context, def types.ActionDefinition) error

	// GetActionDefinition retrieves an action definition by ID.
	GetActionDefinition(ctx context.Context, id uint64) (types.ActionDefinition, error)

	// SaveState creates or updates a state object.
	SaveState(ctx context.Context, st types.StateObject) error

	// GetState retrieves a state object by ID.
	GetState(ctx context.Context, id uint64) (types.StateObject, error)

	// GetStateByGUID retrieves a state object by GUID.
	GetStateByGUID(ctx context.Context, guid string) (types.StateObject, error)

	// DeleteState removes a state object. Deleting a missing state is not an error.
	DeleteState(ctx context.Context, id uint64) error
}

// Errors
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrActionNotFound   = errors.New("action definition not found")
	ErrStateNotFound    = errors.New("state not found")
)

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrActionNotFound) ||
		errors.Is(err, ErrStateNotFound)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
