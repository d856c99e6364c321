package workflow

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/lock"
	"github.com/songzhibin97/stepflow/notify"
	"github.com/songzhibin97/stepflow/queue"
	"github.com/songzhibin97/stepflow/rules"
	"github.com/songzhibin97/stepflow/scheduler"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/types"
)

// Engine moves state objects through workflow graphs.
type Engine struct {
	cfg         EngineConfig
	storage     storage.Storage
	evaluator   rules.Evaluator
	registry    scheduler.Registry
	permissions PermissionChecker
	notifier    notify.Notifier
	eventBus    *events.EventBus
	queue       *queue.Queue
	locker      lock.Locker
	clock       scheduler.Clock
	infoLoader  InfoLoader
	logger      *slog.Logger
	generate    generator.Generator

	ownsBus   bool
	ownsQueue bool

	workflows map[uint64]types.Workflow
	actions   map[string]Action
	mu        sync.RWMutex
}

// Option defines functional options for configuring Engine.
type Option func(*Engine)

func WithConfig(cfg EngineConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithScheduler sets the registry timeouts are armed in.
func WithScheduler(registry scheduler.Registry) Option {
	return func(e *Engine) { e.registry = registry }
}

func WithPermissionChecker(p PermissionChecker) Option {
	return func(e *Engine) { e.permissions = p }
}

// WithNotifier enables step notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEventBus publishes audit events on bus. The caller keeps ownership.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithQueue injects the action queue. The caller starts and stops it.
func WithQueue(q *queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithClock(c scheduler.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithInfoLoader(l InfoLoader) Option {
	return func(e *Engine) { e.infoLoader = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine. store and evaluator default to in-memory storage
// and the expr evaluator.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &Engine{
		cfg:       DefaultEngineConfig(),
		storage:   store,
		evaluator: evaluator,
		generate:  generate,
		workflows: make(map[uint64]types.Workflow),
		actions:   make(map[string]Action),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	if e.registry == nil {
		e.registry = scheduler.NewMemoryRegistry()
	}
	if e.permissions == nil {
		e.permissions = AllowAll
	}
	if e.locker == nil {
		e.locker = lock.NewLocalLocker()
	}
	if e.clock == nil {
		e.clock = scheduler.NewRealClock()
	}
	if e.infoLoader == nil {
		e.infoLoader = defaultInfoLoader
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus()
		e.ownsBus = true
	}
	if e.cfg.AsyncActions && e.queue == nil {
		e.queue = queue.New(e.cfg.QueueSize, queue.WithLogger(e.logger))
		e.queue.Start(context.Background(), e.cfg.Workers)
		e.ownsQueue = true
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// RegisterAction registers the implementation for an action key.
func (e *Engine) RegisterAction(ctx context.Context, key string, action Action) error {
	if key == "" || action == nil {
		return errors.New("key and action are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[key] = action
	return nil
}

// RegisterActionDefinition validates and persists an action definition.
func (e *Engine) RegisterActionDefinition(ctx context.Context, def types.ActionDefinition) error {
	if err := validate.Struct(def); err != nil {
		return errors.WithMessagef(err, "invalid action definition %d", def.ID)
	}
	return e.storage.SaveActionDefinition(ctx, def)
}

// RegisterWorkflow validates and persists a workflow graph. Timeout intervals
// and targets are checked here so a timer never fails to arm later.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf types.Workflow) error {
	if wf.GUID == "" {
		wf.GUID = uuid.NewString()
	}
	for i := range wf.Steps {
		wf.Steps[i].WorkflowID = wf.ID
	}
	for i := range wf.Transitions {
		wf.Transitions[i].WorkflowID = wf.ID
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if !step.HasTimeout() {
			continue
		}
		if _, err := scheduler.ParseInterval(step.Timeout.Interval); err != nil {
			return errors.Wrap(types.ErrInvalidGraph, err.Error())
		}
		if _, err := timeoutTarget(&wf, step); err != nil {
			return errors.Wrap(types.ErrInvalidGraph, err.Error())
		}
	}

	if err := e.storage.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	return nil
}

// GetWorkflow retrieves a workflow by ID, checking the cache first.
func (e *Engine) GetWorkflow(ctx context.Context, id uint64) (*types.Workflow, error) {
	e.mu.RLock()
	wf, ok := e.workflows[id]
	e.mu.RUnlock()
	if ok {
		return &wf, nil
	}

	wf, err := e.storage.GetWorkflow(ctx, id)
	if storage.IsNotFound(err) {
		return nil, errors.Wrapf(ErrWorkflowNotFound, "id=%d", id)
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	return &wf, nil
}

// GetState retrieves a state object by ID.
func (e *Engine) GetState(ctx context.Context, id uint64) (*types.StateObject, error) {
	st, err := e.storage.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// StartProcess creates a state object for info at the start step of the
// workflow and advances it as far as automatic transitions allow.
func (e *Engine) StartProcess(ctx context.Context, workflowID uint64, info types.InfoObject, user types.User, initial map[string]interface{}) (*types.StateObject, Result, error) {
	if info == nil {
		return nil, Result{}, errors.New("info object is required")
	}
	wf, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, Result{}, err
	}
	start, ok := wf.StartStep()
	if !ok {
		return nil, Result{}, errors.Wrapf(ErrStepNotFound, "workflow %d has no start step", workflowID)
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, Result{}, errors.WithMessage(err, "failed to generate ID")
	}
	stateContext := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		stateContext[k] = v
	}
	now := e.clock.Now().UnixMilli()
	state := &types.StateObject{
		ID:         id,
		GUID:       uuid.NewString(),
		WorkflowID: wf.ID,
		ObjectID:   info.ObjectID(),
		SiteID:     info.SiteID(),
		Context:    stateContext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	res, err := e.MoveToSpecificStep(ctx, Move{
		Info:           info,
		State:          state,
		User:           user,
		To:             start,
		Comment:        "process started",
		TransitionType: types.TransitionAutomatic,
		HandleActions:  true,
	})
	return state, res, err
}

// RemoveProcess deletes a state object together with its pending timeout.
func (e *Engine) RemoveProcess(ctx context.Context, stateID uint64) error {
	state, err := e.storage.GetState(ctx, stateID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.synchronized(ctx, &state, func(ctx context.Context) error {
		if err := e.registry.Delete(ctx, TimeoutTaskName(state.GUID)); err != nil {
			return err
		}
		return e.storage.DeleteState(ctx, stateID)
	})
}

// Stop releases what the engine created itself: the action queue, after
// draining it, and the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ownsQueue {
		e.queue.Stop()
	}
	if e.ownsBus {
		e.eventBus.Stop()
	}
	return nil
}

func lockKeyFor(state *types.StateObject) string {
	if state.GUID != "" {
		return "state:" + state.GUID
	}
	return "state:" + strconv.FormatUint(state.ID, 10)
}

// synchronized runs f holding the state object's lock.
func (e *Engine) synchronized(ctx context.Context, state *types.StateObject, f func(context.Context) error) error {
	key := lockKeyFor(state)
	ran := false
	err := e.locker.NonBlockingSynchronized(ctx, key, e.cfg.LockTTL, func(ctx context.Context) error {
		ran = true
		return f(ctx)
	})
	if !ran && errors.Is(err, lock.LockFailedError) {
		return &busyError{key: key, cause: err}
	}
	return err
}

func (e *Engine) action(key string) (Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[key]
	return a, ok
}

func (e *Engine) now() int64 {
	return e.clock.Now().UnixMilli()
}

// saveState stamps UpdatedAt and persists the state object.
func (e *Engine) saveState(ctx context.Context, state *types.StateObject) error {
	state.UpdatedAt = e.now()
	if err := e.storage.SaveState(ctx, *state); err != nil {
		return errors.WithMessagef(err, "save state %d", state.ID)
	}
	return nil
}

// stateAttrs returns the common log attributes of a state object.
func stateAttrs(state *types.StateObject, step *types.Step) []any {
	attrs := []any{"state_id", state.ID, "workflow_id", state.WorkflowID}
	if step != nil {
		attrs = append(attrs, "step_id", step.ID, "step", step.String())
	}
	return attrs
}

// emit publishes an audit event. Nobody listening is not an error.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), ev)
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("Event not published", "type", ev.Type, "code", ev.Code, "error", err)
	}
}

// warn logs a warning and records it as an audit event.
func (e *Engine) warn(ctx context.Context, source, code, msg string, state *types.StateObject, user types.User, step *types.Step) {
	e.logger.WarnContext(ctx, msg, append(stateAttrs(state, step), "source", source, "code", code)...)
	e.emit(ctx, e.auditEvent(events.TypeWarning, source, code, msg, state, user, step))
}

// fail logs an error and records it as an audit event.
func (e *Engine) fail(ctx context.Context, source, code string, err error, state *types.StateObject, user types.User, step *types.Step) {
	e.logger.ErrorContext(ctx, "Workflow error", append(stateAttrs(state, step), "source", source, "code", code, "error", err)...)
	e.emit(ctx, e.auditEvent(events.TypeError, source, code, err.Error(), state, user, step))
}

func (e *Engine) auditEvent(eventType, source, code, msg string, state *types.StateObject, user types.User, step *types.Step) events.Event {
	ev := events.Event{
		Type:    eventType,
		Source:  source,
		Code:    code,
		Message: msg,
		StateID: state.ID,
		UserID:  user.ID,
		SiteID:  state.SiteID,
		Data:    map[string]interface{}{"workflow_id": state.WorkflowID},
	}
	if step != nil {
		ev.Data["step_id"] = step.ID
	}
	return ev
}
