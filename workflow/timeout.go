package workflow

import (
	"context"

	"github.com/pkg/errors"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/lock"
	"github.com/songzhibin97/stepflow/scheduler"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/types"
)

// Payload keys of a timeout task.
const (
	PayloadStateGUID  = "state_guid"
	PayloadStepGUID   = "step_guid"
	PayloadTargetGUID = "target_step_guid"
)

// TimeoutTaskName is the name of the single timer a state object may own.
func TimeoutTaskName(stateGUID string) string {
	return "Timeout.Wait." + stateGUID
}

// timeoutTarget resolves where a timeout on step leads: the explicit target,
// or the end step of the transition bound to the step's timeout source point.
func timeoutTarget(wf *types.Workflow, step *types.Step) (*types.Step, error) {
	if guid := step.Timeout.TargetStepGUID; guid != "" {
		target, ok := wf.StepByGUID(guid)
		if !ok {
			return nil, errors.Wrapf(ErrStepNotInWorkflow, "timeout target %s of step %d", guid, step.ID)
		}
		return target, nil
	}
	sp, ok := step.TimeoutSourcePoint()
	if !ok {
		return nil, errors.Wrapf(ErrStepNotFound, "step %d has a timeout but neither a target nor a timeout source point", step.ID)
	}
	ts := wf.TransitionsFrom(step.ID, sp.GUID, "")
	if len(ts) == 0 {
		return nil, errors.Wrapf(ErrStepNotFound, "timeout source point %s of step %d has no transition", sp.GUID, step.ID)
	}
	target, ok := wf.StepByID(ts[0].EndStepID)
	if !ok {
		return nil, errors.Wrapf(ErrStepNotInWorkflow, "step %d", ts[0].EndStepID)
	}
	return target, nil
}

// Rearm replaces the state object's timer. When previous is set any existing
// timer is deleted; when next declares a timeout a one-shot delete-after-run
// task is created. Creating replaces a task of the same name, so calling Rearm
// twice leaves one task.
func (e *Engine) Rearm(ctx context.Context, state *types.StateObject, wf *types.Workflow, previous, next *types.Step, user types.User) error {
	if state == nil {
		return ErrStateRequired
	}
	name := TimeoutTaskName(state.GUID)
	if previous != nil {
		if err := e.registry.Delete(ctx, name); err != nil {
			return errors.WithMessagef(err, "cancel timeout of state %d", state.ID)
		}
	}
	if next == nil || !next.HasTimeout() {
		return nil
	}
	if wf == nil {
		return errors.Wrapf(ErrWorkflowNotFound, "step %d declares a timeout", next.ID)
	}

	interval, err := scheduler.ParseInterval(next.Timeout.Interval)
	if err != nil {
		return errors.WithMessagef(err, "timeout of step %d", next.ID)
	}
	target, err := timeoutTarget(wf, next)
	if err != nil {
		return err
	}

	task := scheduler.Task{
		Name: name,
		Payload: map[string]string{
			PayloadStateGUID:  state.GUID,
			PayloadStepGUID:   next.GUID,
			PayloadTargetGUID: target.GUID,
		},
		NextRun:        interval.Next(e.clock.Now()),
		DeleteAfterRun: true,
		SiteID:         state.SiteID,
		UserID:         user.ID,
	}
	if err := e.registry.Create(ctx, task); err != nil {
		return errors.WithMessagef(err, "schedule timeout of state %d", state.ID)
	}

	e.logger.DebugContext(ctx, "Timeout scheduled", append(stateAttrs(state, next), "task", name, "next_run", task.NextRun)...)
	ev := e.auditEvent(events.TypeTimeoutScheduled, "Rearm", "timeout_scheduled", "timeout scheduled", state, user, next)
	ev.Data["task"] = name
	ev.Data["next_run"] = task.NextRun
	ev.Data["target_step_id"] = target.ID
	e.emit(ctx, ev)
	return nil
}

// HandleTimeout is the timer entry point: it moves the state object named in
// the task to the timeout target. The state is read under its lock, waiting up
// to TimerLockWait for a holder to finish. Timers for deleted state objects or
// for a step the state already left are ignored.
func (e *Engine) HandleTimeout(ctx context.Context, task scheduler.Task) error {
	stateGUID := task.Payload[PayloadStateGUID]
	key := lockKeyFor(&types.StateObject{GUID: stateGUID})
	err := lock.Synchronized(ctx, e.locker, key, e.cfg.LockTTL, e.cfg.TimerLockWait, continuationPoll, func(ctx context.Context) error {
		return e.fireTimeout(ctx, task, stateGUID)
	})
	if errors.Is(err, lock.LockFailedTimeOutError) {
		return &busyError{key: key, cause: err}
	}
	return err
}

func (e *Engine) fireTimeout(ctx context.Context, task scheduler.Task, stateGUID string) error {
	state, err := e.storage.GetStateByGUID(ctx, stateGUID)
	if storage.IsNotFound(err) {
		e.logger.InfoContext(ctx, "Timeout for a removed state object", "task", task.Name)
		return nil
	}
	if err != nil {
		return err
	}

	wf, err := e.GetWorkflow(ctx, state.WorkflowID)
	if err != nil {
		return err
	}
	current, ok := wf.StepByID(state.CurrentStepID)
	if !ok {
		return errors.Wrapf(ErrStepNotInWorkflow, "state %d is at step %d", state.ID, state.CurrentStepID)
	}
	if state.Finished || current.GUID != task.Payload[PayloadStepGUID] {
		e.logger.InfoContext(ctx, "Stale timeout ignored", append(stateAttrs(&state, current), "task", task.Name)...)
		return nil
	}
	target, ok := wf.StepByGUID(task.Payload[PayloadTargetGUID])
	if !ok {
		return errors.Wrapf(ErrStepNotInWorkflow, "timeout target %s", task.Payload[PayloadTargetGUID])
	}

	info, err := e.infoLoader(ctx, state)
	if err != nil {
		return errors.WithMessagef(err, "load info object of state %d", state.ID)
	}

	_, err = e.MoveToSpecificStep(ctx, Move{
		Info:           info,
		State:          &state,
		User:           types.User{ID: task.UserID},
		From:           current,
		To:             target,
		Comment:        "timeout",
		TransitionType: types.TransitionAutomatic,
		HandleActions:  true,
	})
	return err
}

// NewTimerRunner returns a scheduler runner that feeds due timeouts to HandleTimeout.
func (e *Engine) NewTimerRunner(opts ...scheduler.RunnerOption) *scheduler.Runner {
	base := []scheduler.RunnerOption{
		scheduler.WithClock(e.clock),
		scheduler.WithPollInterval(e.cfg.TimerPollInterval),
		scheduler.WithRetryDelay(e.cfg.TimerRetryDelay),
		scheduler.WithLogger(e.logger),
	}
	return scheduler.NewRunner(e.registry, e.HandleTimeout, append(base, opts...)...)
}
