package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/stepflow/types"
)

// Helper function to create a sample workflow
func newWorkflow(id uint64) types.Workflow {
	return types.Workflow{
		ID:   id,
		Name: "Test Workflow",
		Type: types.WorkflowTypeApproval,
		Steps: []types.Step{
			{ID: 1, GUID: "step-1", Type: types.StepTypeStart, SourcePoints: []types.SourcePoint{{GUID: "sp-1"}}},
			{ID: 2, GUID: "step-2", Type: types.StepTypeFinished},
		},
		Transitions: []types.Transition{
			{ID: 1, StartStepID: 1, EndStepID: 2, SourcePointGUID: "sp-1", Type: types.TransitionAutomatic},
		},
	}
}

// Helper function to create a sample state
func newState(id uint64, finished bool) types.StateObject {
	now := time.Now().UnixMilli()
	return types.StateObject{
		ID:            id,
		GUID:          fmt.Sprintf("state-%d", id),
		WorkflowID:    1,
		CurrentStepID: 1,
		ObjectID:      "doc-1",
		SiteID:        3,
		Finished:      finished,
		Context:       map[string]interface{}{"key": "value"},
		StepChangedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// runStorageContract exercises the behaviour every Storage implementation shares.
func runStorageContract(t *testing.T, store Storage) {
	ctx := context.Background()

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		wf := newWorkflow(1)
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, wf, got)

		_, err = store.GetWorkflow(ctx, 999)
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		assert.True(t, IsNotFound(err))
	})

	t.Run("SaveAndGetActionDefinition", func(t *testing.T) {
		def := types.ActionDefinition{ID: 7, Name: "archive", Key: "docs.Archive", Enabled: true, MaxRetries: 2}
		require.NoError(t, store.SaveActionDefinition(ctx, def))

		got, err := store.GetActionDefinition(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetActionDefinition(ctx, 8)
		assert.ErrorIs(t, err, ErrActionNotFound)
	})

	t.Run("StateLifecycle", func(t *testing.T) {
		st := newState(11, false)
		require.NoError(t, store.SaveState(ctx, st))

		got, err := store.GetState(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, st.GUID, got.GUID)
		assert.Equal(t, st.CurrentStepID, got.CurrentStepID)
		assert.Equal(t, "value", got.Context["key"])

		st.CurrentStepID = 2
		st.ActionStatus = types.ActionStatusRunning
		require.NoError(t, store.SaveState(ctx, st))

		byGUID, err := store.GetStateByGUID(ctx, st.GUID)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), byGUID.CurrentStepID)
		assert.Equal(t, types.ActionStatusRunning, byGUID.ActionStatus)

		require.NoError(t, store.DeleteState(ctx, 11))
		_, err = store.GetState(ctx, 11)
		assert.ErrorIs(t, err, ErrStateNotFound)
		_, err = store.GetStateByGUID(ctx, st.GUID)
		assert.ErrorIs(t, err, ErrStateNotFound)

		assert.NoError(t, store.DeleteState(ctx, 11))
	})
}
