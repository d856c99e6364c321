package workflow

import (
	"context"

	"github.com/songzhibin97/stepflow/types"
)

// ActionArgs is the short-lived bundle handed through the action pipeline.
// An action may set StopProcessing or replace Info; setting Info to nil tells
// the engine the object was deleted.
type ActionArgs struct {
	Info         types.InfoObject
	State        *types.StateObject
	User         types.User
	Workflow     *types.Workflow
	InitialStep  *types.Step
	ActionStep   *types.Step
	OriginalStep *types.Step
	Definition   types.ActionDefinition
	Comment      string

	StopProcessing bool
}

// Action is a pluggable executable bound to action steps by ActionDefinition.Key.
type Action interface {
	Execute(ctx context.Context, args *ActionArgs) error
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, args *ActionArgs) error

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, args *ActionArgs) error {
	return f(ctx, args)
}

// PermissionChecker decides whether user may take a branch of step.
type PermissionChecker interface {
	CanApprove(ctx context.Context, user types.User, step *types.Step, sp types.SourcePoint, siteID uint64) bool
}

// PermissionFunc is a function adapter for PermissionChecker.
type PermissionFunc func(ctx context.Context, user types.User, step *types.Step, sp types.SourcePoint, siteID uint64) bool

func (f PermissionFunc) CanApprove(ctx context.Context, user types.User, step *types.Step, sp types.SourcePoint, siteID uint64) bool {
	return f(ctx, user, step, sp, siteID)
}

// AllowAll grants every branch.
var AllowAll = PermissionFunc(func(context.Context, types.User, *types.Step, types.SourcePoint, uint64) bool {
	return true
})

// InfoLoader resolves the info object of a state when the engine is entered
// without one, as happens when a timer fires.
type InfoLoader func(ctx context.Context, state types.StateObject) (types.InfoObject, error)

// stateInfo is the InfoObject used when no InfoLoader is configured.
type stateInfo struct {
	objectID string
	siteID   uint64
}

func (s stateInfo) ObjectID() string    { return s.objectID }
func (s stateInfo) SiteID() uint64      { return s.siteID }
func (s stateInfo) DisplayName() string { return s.objectID }

func defaultInfoLoader(_ context.Context, state types.StateObject) (types.InfoObject, error) {
	return stateInfo{objectID: state.ObjectID, siteID: state.SiteID}, nil
}
