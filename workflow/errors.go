package workflow

import (
	"github.com/pkg/errors"
)

// Fatal configuration errors. They abort the call and are returned unchanged.
var (
	ErrStateRequired     = errors.New("state object is required")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrStepNotInWorkflow = errors.New("step does not belong to the workflow")
)

var (
	// ErrStateBusy is returned when another invocation holds the same state object.
	ErrStateBusy = errors.New("state object is busy")
	// ErrActionNotRegistered marks an action key with no registered implementation.
	ErrActionNotRegistered = errors.New("action not registered")
)

// IsFatal reports whether err is a fatal configuration error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStateRequired) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrStepNotInWorkflow)
}

// busyError reports lock contention as ErrStateBusy while keeping the lock error as its cause.
type busyError struct {
	key   string
	cause error
}

func (e *busyError) Error() string {
	return ErrStateBusy.Error() + " (" + e.key + "): " + e.cause.Error()
}

func (e *busyError) Is(target error) bool { return target == ErrStateBusy }

func (e *busyError) Unwrap() error { return e.cause }
