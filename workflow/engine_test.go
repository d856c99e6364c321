package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/rules"
	"github.com/songzhibin97/stepflow/scheduler"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/types"
)

// mockGenerator is a simple ID generator for testing.
type mockGenerator struct {
	id uint64
}

func (g *mockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

type testInfo struct {
	id string
}

func (i testInfo) ObjectID() string    { return i.id }
func (i testInfo) SiteID() uint64      { return 1 }
func (i testInfo) DisplayName() string { return "Document " + i.id }

var (
	testUser = types.User{ID: 7, Name: "alice"}
	testDoc  = testInfo{id: "doc-1"}
)

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStorage
	registry *scheduler.MemoryRegistry
	clock    *scheduler.FakeClock
	bus      *events.EventBus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWithEvaluator(t, nil, opts...)
}

func newFixtureWithEvaluator(t *testing.T, evaluator rules.Evaluator, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStorage(),
		registry: scheduler.NewMemoryRegistry(),
		clock:    scheduler.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		bus:      events.NewEventBus(),
	}
	base := []Option{WithScheduler(f.registry), WithClock(f.clock), WithEventBus(f.bus)}
	e, err := NewEngine(&mockGenerator{}, f.store, evaluator, append(base, opts...)...)
	require.NoError(t, err)
	f.engine = e
	t.Cleanup(func() {
		_ = e.Stop(context.Background())
		f.bus.Stop()
	})
	return f
}

func (f *fixture) register(t *testing.T, wf types.Workflow) {
	t.Helper()
	require.NoError(t, f.engine.RegisterWorkflow(context.Background(), wf))
}

func (f *fixture) defineAction(t *testing.T, id uint64, key string, action Action) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.engine.RegisterActionDefinition(ctx, types.ActionDefinition{ID: id, Name: key, Key: key, Enabled: true}))
	if action != nil {
		require.NoError(t, f.engine.RegisterAction(ctx, key, action))
	}
}

// newState stores a state object sitting at stepID.
func (f *fixture) newState(t *testing.T, workflowID, stepID uint64, stateContext map[string]interface{}) *types.StateObject {
	t.Helper()
	id, err := f.engine.generate.NextID()
	require.NoError(t, err)
	st := &types.StateObject{
		ID:            id,
		GUID:          uuid.NewString(),
		WorkflowID:    workflowID,
		CurrentStepID: stepID,
		ObjectID:      testDoc.ObjectID(),
		SiteID:        testDoc.SiteID(),
		Context:       stateContext,
	}
	require.NoError(t, f.store.SaveState(context.Background(), *st))
	return st
}

func (f *fixture) stored(t *testing.T, id uint64) types.StateObject {
	t.Helper()
	st, err := f.store.GetState(context.Background(), id)
	require.NoError(t, err)
	return st
}

// record collects events of eventType. flush must be called before reading.
func (f *fixture) record(eventType string) *recorder {
	r := &recorder{}
	f.bus.SubscribeFunc(eventType, r.handle)
	return r
}

// flush delivers every queued event.
func (f *fixture) flush() {
	f.bus.Stop()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) withCode(code string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Code == code {
			out = append(out, ev)
		}
	}
	return out
}

func newStep(id uint64, typ types.StepType, points ...types.SourcePoint) types.Step {
	return types.Step{
		ID:           id,
		GUID:         fmt.Sprintf("step-%d", id),
		Name:         fmt.Sprintf("step%d", id),
		Type:         typ,
		SourcePoints: points,
	}
}

func branchStep(id uint64, typ types.StepType, points ...types.SourcePoint) types.Step {
	s := newStep(id, typ, points...)
	s.AllowBranch = true
	return s
}

func point(guid string, typ types.SourcePointType, condition string) types.SourcePoint {
	return types.SourcePoint{GUID: guid, Label: guid, Type: typ, Condition: condition}
}

func link(id, from, to uint64, pointGUID string) types.Transition {
	return types.Transition{ID: id, StartStepID: from, EndStepID: to, SourcePointGUID: pointGUID, Type: types.TransitionAutomatic}
}

func newWorkflow(id uint64, steps []types.Step, transitions ...types.Transition) types.Workflow {
	return types.Workflow{
		ID:          id,
		Name:        fmt.Sprintf("workflow-%d", id),
		Type:        types.WorkflowTypeBasic,
		Steps:       steps,
		Transitions: transitions,
	}
}

// linearWorkflow is start(1) -> standard(2) -> finished(3).
func linearWorkflow() types.Workflow {
	return newWorkflow(1,
		[]types.Step{
			newStep(1, types.StepTypeStart, point("p1", types.SourcePointStandard, "")),
			newStep(2, types.StepTypeStandard, point("p2", types.SourcePointStandard, "")),
			newStep(3, types.StepTypeFinished),
		},
		link(1, 1, 2, "p1"),
		link(2, 2, 3, "p2"),
	)
}

func TestNewEngine(t *testing.T) {
	e, err := NewEngine(&mockGenerator{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(), e.Config())
	assert.NoError(t, e.Stop(context.Background()))

	_, err = NewEngine(nil, nil, nil)
	assert.EqualError(t, err, "generator is required")

	cfg := DefaultEngineConfig()
	cfg.MaxHops = 0
	_, err = NewEngine(&mockGenerator{}, nil, nil, WithConfig(cfg))
	assert.ErrorContains(t, err, "invalid engine config")
}

func TestEngineConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultEngineConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"zero max hops", func(c *EngineConfig) { c.MaxHops = 0 }},
		{"zero queue size", func(c *EngineConfig) { c.QueueSize = 0 }},
		{"zero workers", func(c *EngineConfig) { c.Workers = 0 }},
		{"zero lock ttl", func(c *EngineConfig) { c.LockTTL = 0 }},
		{"negative poll interval", func(c *EngineConfig) { c.TimerPollInterval = -time.Second }},
		{"zero timer lock wait", func(c *EngineConfig) { c.TimerLockWait = 0 }},
		{"zero timer retry delay", func(c *EngineConfig) { c.TimerRetryDelay = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRegisterWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	wf := linearWorkflow()
	require.NoError(t, f.engine.RegisterWorkflow(ctx, wf))

	got, err := f.engine.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.GUID)
	for _, s := range got.Steps {
		assert.Equal(t, wf.ID, s.WorkflowID)
	}
	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, got.GUID, stored.GUID)

	t.Run("Invalid graph", func(t *testing.T) {
		bad := linearWorkflow()
		bad.ID = 2
		bad.Transitions = append(bad.Transitions, link(9, 1, 42, ""))
		assert.ErrorIs(t, f.engine.RegisterWorkflow(ctx, bad), types.ErrInvalidGraph)
	})

	t.Run("Invalid timeout interval", func(t *testing.T) {
		bad := linearWorkflow()
		bad.ID = 3
		bad.Steps[1].Timeout = &types.Timeout{Interval: "fortnight;1", TargetStepGUID: "step-3"}
		assert.ErrorIs(t, f.engine.RegisterWorkflow(ctx, bad), types.ErrInvalidGraph)
	})

	t.Run("Timeout without target", func(t *testing.T) {
		bad := linearWorkflow()
		bad.ID = 4
		bad.Steps[1].Timeout = &types.Timeout{Interval: "hour;1"}
		assert.ErrorIs(t, f.engine.RegisterWorkflow(ctx, bad), types.ErrInvalidGraph)
	})
}

func TestGetWorkflowFromStorage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	wf := linearWorkflow()
	wf.ID = 11
	require.NoError(t, f.store.SaveWorkflow(ctx, wf))

	got, err := f.engine.GetWorkflow(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, wf.Name, got.Name)

	_, err = f.engine.GetWorkflow(ctx, 12)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.True(t, IsFatal(err))
}

func TestRegisterActionDefinition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.Error(t, f.engine.RegisterActionDefinition(ctx, types.ActionDefinition{ID: 1}))
	assert.Error(t, f.engine.RegisterActionDefinition(ctx, types.ActionDefinition{ID: 1, Key: "k", MaxRetries: -1}))
	require.NoError(t, f.engine.RegisterActionDefinition(ctx, types.ActionDefinition{ID: 1, Key: "k", Enabled: true}))

	def, err := f.store.GetActionDefinition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "k", def.Key)

	assert.Error(t, f.engine.RegisterAction(ctx, "", ActionFunc(func(context.Context, *ActionArgs) error { return nil })))
	assert.Error(t, f.engine.RegisterAction(ctx, "k", nil))
}

func TestStartProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, linearWorkflow())

	state, res, err := f.engine.StartProcess(ctx, 1, testDoc, testUser, map[string]interface{}{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, uint64(3), res.Step.ID)
	assert.Equal(t, 2, res.Hops)
	assert.NotEmpty(t, state.GUID)
	assert.True(t, state.Finished)

	stored := f.stored(t, state.ID)
	assert.Equal(t, uint64(3), stored.CurrentStepID)
	assert.Equal(t, "doc-1", stored.ObjectID)
	assert.Equal(t, 10, stored.Context["amount"])

	_, _, err = f.engine.StartProcess(ctx, 99, testDoc, testUser, nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, _, err = f.engine.StartProcess(ctx, 1, nil, testUser, nil)
	assert.Error(t, err)
}

func TestRemoveProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, timeoutWorkflow())

	state, res, err := f.engine.StartProcess(ctx, 4, testDoc, testUser, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Step.ID)
	require.Equal(t, 1, f.registry.Len())

	require.NoError(t, f.engine.RemoveProcess(ctx, state.ID))
	assert.Equal(t, 0, f.registry.Len())
	_, err = f.store.GetState(ctx, state.ID)
	assert.True(t, storage.IsNotFound(err))

	// removing twice is fine
	assert.NoError(t, f.engine.RemoveProcess(ctx, state.ID))
}

func TestStateBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, linearWorkflow())
	state := f.newState(t, 1, 2, nil)

	err := f.engine.locker.NonBlockingSynchronized(ctx, lockKeyFor(state), time.Minute, func(context.Context) error {
		_, err := f.engine.MoveStep(context.Background(), testDoc, state, testUser, nil, "")
		return err
	})
	assert.ErrorIs(t, err, ErrStateBusy)
	assert.Equal(t, uint64(2), f.stored(t, state.ID).CurrentStepID)

	// the holder itself re-enters
	err = f.engine.locker.NonBlockingSynchronized(ctx, lockKeyFor(state), time.Minute, func(ctx context.Context) error {
		_, err := f.engine.MoveStep(ctx, testDoc, state, testUser, nil, "")
		return err
	})
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), f.stored(t, state.ID).CurrentStepID)
}

func TestEventsCarryAuditFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, linearWorkflow())
	rec := f.record(events.TypeStepChanged)

	state, _, err := f.engine.StartProcess(ctx, 1, testDoc, testUser, nil)
	require.NoError(t, err)
	f.flush()

	changed := rec.withCode("step_changed")
	require.Len(t, changed, 3)
	last := changed[2]
	assert.Equal(t, state.ID, last.StateID)
	assert.Equal(t, testUser.ID, last.UserID)
	assert.Equal(t, uint64(1), last.SiteID)
	assert.Equal(t, uint64(3), last.Data["step_id"])
	assert.Equal(t, uint64(2), last.Data["from_step_id"])
	assert.False(t, last.Time.IsZero())
}
