package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/lock"
	"github.com/songzhibin97/stepflow/queue"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/types"
)

// continuationPoll is how often a queued continuation or a due timeout retries the state lock.
const continuationPoll = 50 * time.Millisecond

// ProcessActions executes args.ActionStep and keeps executing and advancing
// while single automatic transitions lead to further action steps. The state's
// ActionStatus is RUNNING meanwhile and always cleared afterwards unless the
// action deleted the info object. With asynchronous actions enabled the call
// marks the state RUNNING, queues the work and returns OutcomeQueued.
func (e *Engine) ProcessActions(ctx context.Context, args *ActionArgs) (Result, error) {
	if args == nil || args.State == nil {
		return Result{}, ErrStateRequired
	}
	if args.ActionStep == nil {
		return Result{}, errors.Wrap(ErrStepNotFound, "action step is required")
	}
	wf := args.Workflow
	if wf == nil {
		var err error
		if wf, err = e.GetWorkflow(ctx, args.State.WorkflowID); err != nil {
			return Result{}, err
		}
		args.Workflow = wf
	}
	step, ok := wf.StepByID(args.ActionStep.ID)
	if !ok {
		return Result{}, errors.Wrapf(ErrStepNotInWorkflow, "step %d, workflow %d", args.ActionStep.ID, wf.ID)
	}
	args.ActionStep = step
	ctx, guard := withGuard(ctx, e.cfg.MaxHops)

	var res Result
	err := e.synchronized(ctx, args.State, func(ctx context.Context) error {
		var err error
		res, err = e.processActions(ctx, args)
		return err
	})
	res.Hops = guard.Hops()
	return res, err
}

func (e *Engine) processActions(ctx context.Context, args *ActionArgs) (Result, error) {
	if e.cfg.AsyncActions && e.queue != nil && !isSynchronous(ctx) && !isContinuation(ctx) {
		return e.enqueueActions(ctx, args)
	}
	return e.runActions(ctx, args)
}

// enqueueActions marks the state RUNNING and hands the rest to the queue.
// The continuation reloads the state and takes the lock on its own.
func (e *Engine) enqueueActions(ctx context.Context, args *ActionArgs) (Result, error) {
	state := args.State
	if err := e.setActionStatus(ctx, state, types.ActionStatusRunning); err != nil {
		return Result{Step: args.ActionStep}, err
	}

	cont := *args
	cont.State = nil
	stateID := state.ID
	key := lockKeyFor(state)
	job := queue.Job{
		Name: "ProcessActions:" + state.GUID,
		Run: func(ctx context.Context) error {
			return e.runContinuation(ctx, cont, stateID, key)
		},
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.warn(ctx, "ProcessActions", "queue_unavailable", "action queue unavailable, running inline: "+err.Error(), state, args.User, args.ActionStep)
		return e.runActions(ctx, args)
	}

	e.logger.DebugContext(ctx, "Actions queued", stateAttrs(state, args.ActionStep)...)
	return Result{Step: args.ActionStep, Outcome: OutcomeQueued}, nil
}

func (e *Engine) runContinuation(ctx context.Context, args ActionArgs, stateID uint64, key string) error {
	ctx, _ = withGuard(asContinuation(ctx), e.cfg.MaxHops)
	err := lock.Synchronized(ctx, e.locker, key, e.cfg.LockTTL, e.cfg.LockTTL, continuationPoll, func(ctx context.Context) error {
		st, err := e.storage.GetState(ctx, stateID)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		args.State = &st
		res, err := e.runActions(ctx, &args)
		e.logger.DebugContext(ctx, "Queued actions finished", append(stateAttrs(&st, res.Step), "outcome", res.Outcome.String())...)
		return err
	})
	if errors.Is(err, lock.LockFailedTimeOutError) {
		// the continuation never ran, the RUNNING marker must not outlive it
		e.clearStaleStatus(stateID)
	}
	return err
}

func (e *Engine) clearStaleStatus(stateID uint64) {
	ctx := context.Background()
	st, err := e.storage.GetState(ctx, stateID)
	if err != nil {
		return
	}
	if err := e.setActionStatus(ctx, &st, types.ActionStatusNone); err != nil {
		e.logger.Error("Failed to clear action status", "state_id", stateID, "error", err)
	}
}

// runActions is the execute-and-advance loop.
func (e *Engine) runActions(ctx context.Context, args *ActionArgs) (res Result, err error) {
	_, guard := withGuard(ctx, e.cfg.MaxHops)
	state := args.State
	wf := args.Workflow
	lastStep := args.InitialStep
	current := args.ActionStep

	if err := e.setActionStatus(ctx, state, types.ActionStatusRunning); err != nil {
		return Result{Step: current}, err
	}
	defer func() {
		if args.Info == nil {
			return
		}
		if cerr := e.setActionStatus(context.WithoutCancel(ctx), args.State, types.ActionStatusNone); cerr != nil {
			e.logger.ErrorContext(ctx, "Failed to clear action status", append(stateAttrs(args.State, current), "error", cerr)...)
			if err == nil {
				err = cerr
			}
		}
	}()

	for current.IsAction() && !sameStep(current, lastStep) {
		if guard.Exhausted() {
			e.cycleLimit(ctx, "ProcessActions", state, args.User, current, guard)
			return Result{Step: current, Outcome: OutcomeSoftStop}, nil
		}

		args.ActionStep = current
		if e.invoke(ctx, args) == OutcomeRecoverable {
			return Result{Step: current, Outcome: OutcomeRecoverable}, nil
		}
		if args.Info == nil || args.StopProcessing {
			return Result{Step: current, Outcome: OutcomeOK}, nil
		}

		winners := e.EvaluateTransitions(ctx, wf, current, args.User, state.SiteID,
			Bindings(state, args.User, wf, current), types.TransitionAutomatic)
		if len(winners) > 1 {
			e.warn(ctx, "ProcessActions", "ambiguous_transitions", "more than one automatic transition won", state, args.User, current)
			return Result{Step: current, Outcome: OutcomeSoftStop}, nil
		}
		if len(winners) == 0 {
			break
		}
		next, ok := wf.StepByID(winners[0].EndStepID)
		if !ok {
			return Result{Step: current}, errors.Wrapf(ErrStepNotInWorkflow, "transition %d ends at step %d", winners[0].ID, winners[0].EndStepID)
		}

		lastStep = current
		guard.Hop()
		moved, err := e.moveToStep(ctx, wf, Move{
			Info:           args.Info,
			State:          state,
			User:           args.User,
			Comment:        args.Comment,
			TransitionType: types.TransitionAutomatic,
		}, lastStep, next)
		if err != nil {
			return Result{Step: current}, err
		}
		current = moved.Step
		if current == nil || current.IsWait() {
			break
		}
	}
	if guard.Exhausted() {
		e.cycleLimit(ctx, "ProcessActions", state, args.User, current, guard)
	}
	return Result{Step: current, Outcome: OutcomeOK}, nil
}

func sameStep(a, b *types.Step) bool {
	return a != nil && b != nil && a.ID == b.ID
}

func (e *Engine) setActionStatus(ctx context.Context, state *types.StateObject, status string) error {
	state.ActionStatus = status
	return e.saveState(ctx, state)
}

// Invoke runs the action bound to args.ActionStep. A missing definition or
// implementation, an error after the retries or a panic yields
// OutcomeRecoverable; a disabled definition is skipped.
func (e *Engine) Invoke(ctx context.Context, args *ActionArgs) (*ActionArgs, Outcome) {
	return args, e.invoke(ctx, args)
}

func (e *Engine) invoke(ctx context.Context, args *ActionArgs) Outcome {
	step, state := args.ActionStep, args.State
	if step.ActionID == 0 {
		e.logger.DebugContext(ctx, "No action bound", stateAttrs(state, step)...)
		return OutcomeOK
	}

	def, err := e.storage.GetActionDefinition(ctx, step.ActionID)
	if err != nil {
		e.fail(ctx, "Invoke", "action_definition_missing", err, state, args.User, step)
		return OutcomeRecoverable
	}
	if !def.Enabled {
		e.logger.InfoContext(ctx, "Action disabled, skipped", append(stateAttrs(state, step), "action", def.Key)...)
		return OutcomeOK
	}
	action, ok := e.action(def.Key)
	if !ok {
		e.fail(ctx, "Invoke", "action_not_registered", errors.Wrapf(ErrActionNotRegistered, "key=%s", def.Key), state, args.User, step)
		return OutcomeRecoverable
	}

	args.Definition = def
	if err := e.executeActionWithRetry(ctx, action, args, def); err != nil {
		e.fail(ctx, "Invoke", "action_failed", errors.WithMessagef(err, "action %s on step %d", def.Key, step.ID), state, args.User, step)
		return OutcomeRecoverable
	}

	e.logger.InfoContext(ctx, "Action executed", append(stateAttrs(state, step), "action", def.Key)...)
	ev := e.auditEvent(events.TypeActionExecuted, "Invoke", "action_executed", def.Key, state, args.User, step)
	ev.Data["action_id"] = def.ID
	e.emit(ctx, ev)
	return OutcomeOK
}

type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("action panicked: %v", p.value)
}

// executeActionWithRetry runs the action up to 1+MaxRetries times, waiting
// RetryDelaySec between attempts. Panics are not retried.
func (e *Engine) executeActionWithRetry(ctx context.Context, action Action, args *ActionArgs, def types.ActionDefinition) error {
	retryDelay := time.Duration(def.RetryDelaySec) * time.Second

	var lastErr error
	for i := 0; i <= def.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := safeExecute(ctx, action, args)
		if err == nil {
			return nil
		}
		var p *panicError
		if errors.As(err, &p) {
			e.logger.ErrorContext(ctx, "Action panic", "action", def.Key, "stack", string(p.stack))
			return err
		}
		lastErr = err
		if i < def.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return errors.WithMessagef(lastErr, "failed after %d retries", def.MaxRetries)
}

func safeExecute(ctx context.Context, action Action, args *ActionArgs) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return action.Execute(ctx, args)
}
