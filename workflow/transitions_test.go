package workflow

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/rules"
	"github.com/songzhibin97/stepflow/types"
)

type countingEvaluator struct {
	rules.Evaluator
	calls int32
}

func (c *countingEvaluator) Evaluate(expression string, bindings map[string]interface{}) (bool, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.Evaluator.Evaluate(expression, bindings)
}

// approvalWorkflow branches on amount: step 1 has a case and an else point.
func approvalWorkflow() types.Workflow {
	return newWorkflow(2,
		[]types.Step{
			branchStep(1, types.StepTypeMultichoice,
				point("big", types.SourcePointCase, "amount > 100"),
				point("other", types.SourcePointElse, ""),
			),
			newStep(2, types.StepTypeWait),
			newStep(3, types.StepTypeWait),
		},
		link(1, 1, 2, "big"),
		link(2, 1, 3, "other"),
	)
}

func evaluate(t *testing.T, f *fixture, wfID, stepID uint64, state *types.StateObject, user types.User) []types.Transition {
	t.Helper()
	wf, err := f.engine.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	step, ok := wf.StepByID(stepID)
	require.True(t, ok)
	return f.engine.EvaluateTransitions(context.Background(), wf, step, user, state.SiteID,
		Bindings(state, user, wf, step), types.TransitionAutomatic)
}

func TestEvaluateTransitionsElseTieBreak(t *testing.T) {
	f := newFixture(t)
	f.register(t, approvalWorkflow())

	tests := []struct {
		name   string
		amount int
		want   uint64
	}{
		{"case and else both win", 500, 2},
		{"only else wins", 50, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := f.newState(t, 2, 1, map[string]interface{}{"amount": tt.amount})
			winners := evaluate(t, f, 2, 1, state, testUser)
			require.Len(t, winners, 1)
			assert.Equal(t, tt.want, winners[0].EndStepID)
		})
	}
}

func TestEvaluateTransitionsFirstWin(t *testing.T) {
	counter := &countingEvaluator{Evaluator: rules.NewExprEvaluator()}
	f := newFixtureWithEvaluator(t, counter)

	first := branchStep(1, types.StepTypeMultichoiceFirstWin,
		point("a", types.SourcePointCase, "true"),
		point("b", types.SourcePointCase, "true"),
		point("c", types.SourcePointCase, "true"),
	)
	first.HasSingleWinTransition = true
	f.register(t, newWorkflow(3,
		[]types.Step{first, newStep(2, types.StepTypeWait), newStep(3, types.StepTypeWait), newStep(4, types.StepTypeWait)},
		link(1, 1, 2, "a"), link(2, 1, 3, "b"), link(3, 1, 4, "c"),
	))

	state := f.newState(t, 3, 1, nil)
	winners := evaluate(t, f, 3, 1, state, testUser)
	require.Len(t, winners, 1)
	assert.Equal(t, uint64(2), winners[0].EndStepID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&counter.calls))
}

func TestEvaluateTransitionsPermissions(t *testing.T) {
	deny := PermissionFunc(func(_ context.Context, user types.User, _ *types.Step, sp types.SourcePoint, _ uint64) bool {
		return !(sp.GUID == "big" && user.ID == testUser.ID)
	})
	f := newFixture(t, WithPermissionChecker(deny))
	f.register(t, approvalWorkflow())

	state := f.newState(t, 2, 1, map[string]interface{}{"amount": 500})
	winners := evaluate(t, f, 2, 1, state, testUser)
	require.Len(t, winners, 1)
	assert.Equal(t, uint64(3), winners[0].EndStepID)

	winners = evaluate(t, f, 2, 1, state, types.User{ID: 99})
	require.Len(t, winners, 1)
	assert.Equal(t, uint64(2), winners[0].EndStepID)
}

func TestEvaluateTransitionsConditions(t *testing.T) {
	f := newFixture(t)
	f.register(t, newWorkflow(5,
		[]types.Step{
			newStep(1, types.StepTypeStandard, point("p1", types.SourcePointStandard, "Score >>> 1")),
			newStep(2, types.StepTypeStandard, point("p2", types.SourcePointStandard, "NextStep.Name == 'step3' && User.Name == 'alice'")),
			newStep(3, types.StepTypeStandard),
			newStep(4, types.StepTypeWait),
		},
		link(1, 1, 2, "p1"),
		link(2, 2, 3, "p2"),
		link(3, 3, 4, ""),
	))
	state := f.newState(t, 5, 1, map[string]interface{}{"Score": 3})

	t.Run("Evaluation error counts as false", func(t *testing.T) {
		assert.Empty(t, evaluate(t, f, 5, 1, state, testUser))
	})

	t.Run("NextStep and User are bound", func(t *testing.T) {
		winners := evaluate(t, f, 5, 2, state, testUser)
		require.Len(t, winners, 1)
		assert.Empty(t, evaluate(t, f, 5, 2, state, types.User{ID: 1, Name: "bob"}))
	})

	t.Run("Step without source points takes its only transition", func(t *testing.T) {
		winners := evaluate(t, f, 5, 3, state, testUser)
		require.Len(t, winners, 1)
		assert.Equal(t, uint64(4), winners[0].EndStepID)
	})

	t.Run("Filter applies to the lookup", func(t *testing.T) {
		wf, err := f.engine.GetWorkflow(context.Background(), 5)
		require.NoError(t, err)
		step, _ := wf.StepByID(3)
		got := f.engine.EvaluateTransitions(context.Background(), wf, step, testUser, 1, Bindings(state, testUser, wf, step), types.TransitionManual)
		assert.Empty(t, got)
	})
}

func TestEvaluateTransitionsAmbiguous(t *testing.T) {
	f := newFixture(t)
	f.register(t, newWorkflow(6,
		[]types.Step{
			branchStep(1, types.StepTypeMultichoice,
				point("a", types.SourcePointCase, "true"),
				point("b", types.SourcePointCase, "true"),
			),
			newStep(2, types.StepTypeWait),
			newStep(3, types.StepTypeWait),
		},
		link(1, 1, 2, "a"), link(2, 1, 3, "b"),
	))
	warnings := f.record("warning")
	state := f.newState(t, 6, 1, nil)

	assert.Len(t, evaluate(t, f, 6, 1, state, testUser), 2)

	res, err := f.engine.MoveStep(context.Background(), testDoc, state, testUser, nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSoftStop, res.Outcome)
	assert.Equal(t, uint64(1), res.Step.ID)
	assert.Equal(t, 0, res.Hops)

	f.flush()
	assert.Len(t, warnings.withCode("ambiguous_transitions"), 1)
}

func TestEvaluateTransitionsTwoCasesAndElse(t *testing.T) {
	f := newFixture(t)
	f.register(t, newWorkflow(7,
		[]types.Step{
			branchStep(1, types.StepTypeMultichoice,
				point("c1", types.SourcePointCase, "Score > 10"),
				point("c2", types.SourcePointCase, "Score <= 10"),
				point("else", types.SourcePointElse, ""),
			),
			newStep(2, types.StepTypeWait),
			newStep(3, types.StepTypeWait),
			newStep(4, types.StepTypeWait),
		},
		link(1, 1, 2, "c1"), link(2, 1, 3, "c2"), link(3, 1, 4, "else"),
	))

	state := f.newState(t, 7, 1, map[string]interface{}{"Score": 5})
	winners := evaluate(t, f, 7, 1, state, testUser)
	require.Len(t, winners, 1)
	assert.Equal(t, uint64(2), winners[0].ID)
	assert.Equal(t, uint64(3), winners[0].EndStepID)
}

func TestEvaluateTransitionsMissingConnection(t *testing.T) {
	f := newFixture(t)
	f.register(t, newWorkflow(8,
		[]types.Step{
			newStep(1, types.StepTypeStandard),
			newStep(2, types.StepTypeWait),
			newStep(3, types.StepTypeFinished),
		},
	))
	warnings := f.record(events.TypeWarning)
	wf, err := f.engine.GetWorkflow(context.Background(), 8)
	require.NoError(t, err)
	state := f.newState(t, 8, 1, nil)

	for _, id := range []uint64{1, 2, 3} {
		step, _ := wf.StepByID(id)
		assert.Empty(t, f.engine.EvaluateTransitions(context.Background(), wf, step, testUser, 9, Bindings(state, testUser, wf, step), ""))
	}
	standard, _ := wf.StepByID(1)
	assert.Empty(t, f.engine.EvaluateTransitions(context.Background(), wf, standard, testUser, 9, Bindings(state, testUser, wf, standard), types.TransitionAutomatic))

	f.flush()
	missing := warnings.withCode("missing_connection")
	require.Len(t, missing, 1, "only an unfiltered lookup on a step that should lead somewhere")
	assert.Equal(t, "EvaluateTransitions", missing[0].Source)
	assert.Equal(t, testUser.ID, missing[0].UserID)
	assert.Equal(t, uint64(9), missing[0].SiteID)
	assert.Equal(t, uint64(8), missing[0].Data["workflow_id"])
	assert.Equal(t, uint64(1), missing[0].Data["step_id"])
}
