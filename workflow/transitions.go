package workflow

import (
	"context"

	"github.com/songzhibin97/stepflow/types"
)

// Names under which engine values are exposed to condition expressions.
const (
	BindingUser     = "User"
	BindingWorkflow = "Workflow"
	BindingStep     = "Step"
	BindingNextStep = "NextStep"
	BindingAction   = "Action"
)

// Bindings builds the condition bindings for step: the state's context values
// plus the acting user, the workflow and the current step.
func Bindings(state *types.StateObject, user types.User, wf *types.Workflow, step *types.Step) map[string]interface{} {
	b := make(map[string]interface{}, len(state.Context)+3)
	for k, v := range state.Context {
		b[k] = v
	}
	b[BindingUser] = user
	if wf != nil {
		b[BindingWorkflow] = *wf
	}
	if step != nil {
		b[BindingStep] = *step
	}
	return b
}

// winner is a matched transition together with the source point it leaves from.
type winner struct {
	transition types.Transition
	point      types.SourcePoint
}

// EvaluateTransitions returns the winning transitions leaving step. filter
// restricts the transition lookup; an empty filter matches every type.
// Conditions see bindings plus the candidate end step as NextStep. A condition
// that fails to evaluate counts as false.
func (e *Engine) EvaluateTransitions(ctx context.Context, wf *types.Workflow, step *types.Step, user types.User, siteID uint64, bindings map[string]interface{}, filter types.TransitionType) []types.Transition {
	env := make(map[string]interface{}, len(bindings)+1)
	for k, v := range bindings {
		env[k] = v
	}

	var winners []winner
	if !step.AllowBranch {
		winners = e.evaluateSingle(ctx, wf, step, env, filter)
	} else {
		winners = e.evaluateBranches(ctx, wf, step, user, siteID, env, filter)
	}

	out := make([]types.Transition, 0, len(winners))
	for _, w := range winners {
		out = append(out, w.transition)
	}

	if len(out) == 0 && filter == "" && !step.IsTerminal() && !step.IsWait() {
		e.warn(ctx, "EvaluateTransitions", "missing_connection", "missing connection",
			&types.StateObject{WorkflowID: wf.ID, SiteID: siteID}, user, step)
	}
	return out
}

func (e *Engine) evaluateSingle(ctx context.Context, wf *types.Workflow, step *types.Step, env map[string]interface{}, filter types.TransitionType) []winner {
	points := step.SourcePointsExcept(types.SourcePointTimeout)
	if len(points) == 0 {
		// no decision point: the step's only transition, if it has exactly one; the
		// type filter still narrows the lookup
		var candidates []types.Transition
		for _, t := range wf.TransitionsFrom(step.ID, "", filter) {
			if !isTimeoutTransition(step, t) {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) != 1 {
			return nil
		}
		return []winner{{transition: candidates[0]}}
	}

	sp := points[0]
	ts := wf.TransitionsFrom(step.ID, sp.GUID, filter)
	if len(ts) == 0 {
		return nil
	}
	if sp.Condition != "" && !e.conditionHolds(ctx, wf, step, sp, ts[0], env) {
		return nil
	}
	return []winner{{transition: ts[0], point: sp}}
}

func (e *Engine) evaluateBranches(ctx context.Context, wf *types.Workflow, step *types.Step, user types.User, siteID uint64, env map[string]interface{}, filter types.TransitionType) []winner {
	var winners []winner
	for _, sp := range step.SourcePointsExcept(types.SourcePointTimeout) {
		ts := wf.TransitionsFrom(step.ID, sp.GUID, filter)
		if len(ts) == 0 {
			continue
		}
		if !e.permissions.CanApprove(ctx, user, step, sp, siteID) {
			continue
		}
		if sp.Condition != "" && !e.conditionHolds(ctx, wf, step, sp, ts[0], env) {
			continue
		}
		winners = append(winners, winner{transition: ts[0], point: sp})
		if step.HasSingleWinTransition {
			return winners
		}
	}

	// Else only wins when no case did. Only the two-winner case is resolved.
	if len(winners) == 2 {
		switch {
		case winners[0].point.Type == types.SourcePointElse && winners[1].point.Type != types.SourcePointElse:
			winners = winners[1:]
		case winners[1].point.Type == types.SourcePointElse && winners[0].point.Type != types.SourcePointElse:
			winners = winners[:1]
		}
	}
	return winners
}

func (e *Engine) conditionHolds(ctx context.Context, wf *types.Workflow, step *types.Step, sp types.SourcePoint, t types.Transition, env map[string]interface{}) bool {
	if next, ok := wf.StepByID(t.EndStepID); ok {
		env[BindingNextStep] = *next
	} else {
		delete(env, BindingNextStep)
	}
	ok, err := e.evaluator.Evaluate(sp.Condition, env)
	if err != nil {
		e.logger.WarnContext(ctx, "Condition evaluation failed",
			"workflow_id", wf.ID, "step_id", step.ID, "source_point", sp.GUID, "condition", sp.Condition, "error", err)
		return false
	}
	return ok
}

func isTimeoutTransition(step *types.Step, t types.Transition) bool {
	if t.SourcePointGUID == "" {
		return false
	}
	sp, ok := step.TimeoutSourcePoint()
	return ok && sp.GUID == t.SourcePointGUID
}
