package workflow

import (
	"context"

	"github.com/pkg/errors"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/types"
)

// Move describes a caller-directed step change.
type Move struct {
	Info  types.InfoObject
	State *types.StateObject
	User  types.User
	// From is the step being left. Nil means the state's current step, if any.
	From           *types.Step
	To             *types.Step
	Comment        string
	TransitionType types.TransitionType
	// HandleActions runs ProcessActions when To is an action step.
	HandleActions bool
}

// resolveMove loads the workflow of the move and swaps the caller's steps for
// the workflow's own copies.
func (e *Engine) resolveMove(ctx context.Context, m Move) (*types.Workflow, *types.Step, *types.Step, error) {
	if m.State == nil {
		return nil, nil, nil, ErrStateRequired
	}
	if m.To == nil {
		return nil, nil, nil, errors.Wrap(ErrStepNotFound, "target step is required")
	}
	wf, err := e.GetWorkflow(ctx, m.State.WorkflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	to, ok := wf.StepByID(m.To.ID)
	if !ok {
		return nil, nil, nil, errors.Wrapf(ErrStepNotInWorkflow, "step %d, workflow %d", m.To.ID, wf.ID)
	}
	from, err := e.resolveCurrent(wf, m.State, m.From)
	if err != nil {
		return nil, nil, nil, err
	}
	return wf, from, to, nil
}

// resolveCurrent returns the workflow's copy of step, defaulting to the state's
// current step. A state that has not entered the workflow yet has none.
func (e *Engine) resolveCurrent(wf *types.Workflow, state *types.StateObject, step *types.Step) (*types.Step, error) {
	id := state.CurrentStepID
	if step != nil {
		id = step.ID
	}
	if id == 0 {
		return nil, nil
	}
	current, ok := wf.StepByID(id)
	if !ok {
		return nil, errors.Wrapf(ErrStepNotInWorkflow, "step %d, workflow %d", id, wf.ID)
	}
	return current, nil
}

// MoveToStep moves the state object to m.To, re-arms its timer and, when
// m.HandleActions is set and m.To is an action step, processes actions.
func (e *Engine) MoveToStep(ctx context.Context, m Move) (Result, error) {
	wf, from, to, err := e.resolveMove(ctx, m)
	if err != nil {
		return Result{}, err
	}
	ctx, guard := withGuard(ctx, e.cfg.MaxHops)

	var res Result
	err = e.synchronized(ctx, m.State, func(ctx context.Context) error {
		var err error
		res, err = e.moveToStep(ctx, wf, m, from, to)
		return err
	})
	res.Hops = guard.Hops()
	return res, err
}

// MoveToSpecificStep moves to m.To and then keeps advancing automatically, so
// the resulting step may differ from the one requested.
func (e *Engine) MoveToSpecificStep(ctx context.Context, m Move) (Result, error) {
	wf, from, to, err := e.resolveMove(ctx, m)
	if err != nil {
		return Result{}, err
	}
	ctx, guard := withGuard(ctx, e.cfg.MaxHops)

	var res Result
	err = e.synchronized(ctx, m.State, func(ctx context.Context) error {
		var err error
		res, err = e.moveToStep(ctx, wf, m, from, to)
		if err != nil || res.Outcome != OutcomeOK {
			return err
		}
		if res.Step.IsAction() || res.Step.IsWait() || res.Step.IsTerminal() {
			return nil
		}
		res, err = e.moveStep(ctx, wf, m.Info, m.State, m.User, res.Step, m.Comment)
		return err
	})
	res.Hops = guard.Hops()
	return res, err
}

// MoveStep advances the state object from current along single winning
// automatic transitions. It stops at a wait, terminal or action step, at a
// step without exactly one winner, or when the hop ceiling is reached. A nil
// current means the state's current step.
func (e *Engine) MoveStep(ctx context.Context, info types.InfoObject, state *types.StateObject, user types.User, current *types.Step, comment string) (Result, error) {
	if state == nil {
		return Result{}, ErrStateRequired
	}
	wf, err := e.GetWorkflow(ctx, state.WorkflowID)
	if err != nil {
		return Result{}, err
	}
	step, err := e.resolveCurrent(wf, state, current)
	if err != nil {
		return Result{}, err
	}
	if step == nil {
		return Result{}, errors.Wrapf(ErrStepNotFound, "state %d has no current step", state.ID)
	}
	ctx, guard := withGuard(ctx, e.cfg.MaxHops)

	var res Result
	err = e.synchronized(ctx, state, func(ctx context.Context) error {
		var err error
		res, err = e.moveStep(ctx, wf, info, state, user, step, comment)
		return err
	})
	res.Hops = guard.Hops()
	return res, err
}

func (e *Engine) moveStep(ctx context.Context, wf *types.Workflow, info types.InfoObject, state *types.StateObject, user types.User, current *types.Step, comment string) (Result, error) {
	_, guard := withGuard(ctx, e.cfg.MaxHops)
	for {
		if current.IsWait() || current.IsTerminal() {
			return Result{Step: current, Outcome: OutcomeOK}, nil
		}
		if guard.Exhausted() {
			e.cycleLimit(ctx, "MoveStep", state, user, current, guard)
			return Result{Step: current, Outcome: OutcomeSoftStop}, nil
		}

		winners := e.EvaluateTransitions(ctx, wf, current, user, state.SiteID,
			Bindings(state, user, wf, current), types.TransitionAutomatic)
		if len(winners) == 0 {
			return Result{Step: current, Outcome: OutcomeOK}, nil
		}
		if len(winners) > 1 {
			e.warn(ctx, "MoveStep", "ambiguous_transitions", "more than one automatic transition won", state, user, current)
			return Result{Step: current, Outcome: OutcomeSoftStop}, nil
		}
		next, ok := wf.StepByID(winners[0].EndStepID)
		if !ok {
			return Result{Step: current}, errors.Wrapf(ErrStepNotInWorkflow, "transition %d ends at step %d", winners[0].ID, winners[0].EndStepID)
		}

		guard.Hop()
		res, err := e.moveToStep(ctx, wf, Move{
			Info:           info,
			State:          state,
			User:           user,
			Comment:        comment,
			TransitionType: types.TransitionAutomatic,
			HandleActions:  true,
		}, current, next)
		if err != nil || next.IsAction() || res.Outcome != OutcomeOK {
			return res, err
		}
		current = res.Step
	}
}

// moveToStep persists the step change and re-arms the timer. The caller holds the lock.
func (e *Engine) moveToStep(ctx context.Context, wf *types.Workflow, m Move, from, to *types.Step) (Result, error) {
	state := m.State
	state.CurrentStepID = to.ID
	state.StepChangedAt = e.now()
	state.Finished = to.IsTerminal()
	if err := e.saveState(ctx, state); err != nil {
		return Result{Step: from}, err
	}

	e.logger.InfoContext(ctx, "Step changed", append(stateAttrs(state, to), "from", from.String(), "transition_type", m.TransitionType)...)
	ev := e.auditEvent(events.TypeStepChanged, "MoveToStep", "step_changed", m.Comment, state, m.User, to)
	if from != nil {
		ev.Data["from_step_id"] = from.ID
	}
	ev.Data["transition_type"] = string(m.TransitionType)
	e.emit(ctx, ev)

	if err := e.Rearm(ctx, state, wf, from, to, m.User); err != nil {
		return Result{Step: to}, err
	}
	e.sendNotification(ctx, wf, m, to)

	if m.HandleActions && to.IsAction() {
		return e.processActions(ctx, &ActionArgs{
			Info:         m.Info,
			State:        state,
			User:         m.User,
			Workflow:     wf,
			InitialStep:  from,
			ActionStep:   to,
			OriginalStep: from,
			Comment:      m.Comment,
		})
	}
	return Result{Step: to, Outcome: OutcomeOK}, nil
}

func (e *Engine) sendNotification(ctx context.Context, wf *types.Workflow, m Move, to *types.Step) {
	if e.notifier == nil || to.Notification == nil {
		return
	}
	bindings := map[string]interface{}{
		"Workflow": wf.Name,
		"Step":     to.Name,
		"User":     m.User.Name,
		"Comment":  m.Comment,
	}
	if to.DisplayName != "" {
		bindings["Step"] = to.DisplayName
	}
	if m.Info != nil {
		bindings["Object"] = m.Info.DisplayName()
		bindings["ObjectID"] = m.Info.ObjectID()
	}
	if err := e.notifier.Notify(ctx, *to.Notification, bindings); err != nil {
		e.warn(ctx, "MoveToStep", "notification_failed", err.Error(), m.State, m.User, to)
	}
}

// cycleLimit reports the hop ceiling once per call chain.
func (e *Engine) cycleLimit(ctx context.Context, source string, state *types.StateObject, user types.User, step *types.Step, guard *CycleGuard) {
	if guard.shouldWarn() {
		e.warn(ctx, source, "cycle_limit", "maximum number of automatic hops reached", state, user, step)
	}
}
