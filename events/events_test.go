package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(TypeStepChanged, &mockHandler{})

	eb.mu.RLock()
	handlers, ok := eb.handlers[TypeStepChanged]
	eb.mu.RUnlock()

	require.True(t, ok)
	assert.Len(t, handlers, 1)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler1 := &mockHandler{}
	handler2 := &mockHandler{}
	eb.Subscribe(TypeWarning, handler1)
	eb.Subscribe(TypeWarning, handler2)

	assert.True(t, eb.Unsubscribe(TypeWarning, handler1))
	eb.mu.RLock()
	assert.Len(t, eb.handlers[TypeWarning], 1)
	eb.mu.RUnlock()

	assert.False(t, eb.Unsubscribe(TypeWarning, &mockHandler{}))
	assert.False(t, eb.Unsubscribe("unknown", handler2))
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	received := make(chan Event, 1)
	eb.Subscribe(TypeStepChanged, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			received <- event
			return nil
		},
	})

	err := eb.Publish(context.Background(), Event{
		Type:    TypeStepChanged,
		Source:  "MoveToStep",
		StateID: 123,
		Data:    map[string]interface{}{"step_id": 2},
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, uint64(123), event.StateID)
		assert.Equal(t, "MoveToStep", event.Source)
		assert.False(t, event.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}

func TestEventBus_AllEvents(t *testing.T) {
	eb := NewEventBus()

	var mu sync.Mutex
	var seen []string
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
		return nil
	})

	assert.True(t, eb.HasSubscribers(TypeError))
	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeError}))
	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeTimeoutScheduled}))

	// Stop delivers what is already queued.
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{TypeError, TypeTimeoutScheduled}, seen)
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(TypeError, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})
	eb.Subscribe(TypeError, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			panic("handler blew up")
		},
	})

	errs := eb.PublishSync(context.Background(), Event{Type: TypeError, StateID: 123})
	require.Len(t, errs, 2)
	var messages []string
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	assert.ElementsMatch(t, []string{"test error", "handler panic: handler blew up"}, messages)
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: "unknown_event"})
	assert.ErrorIs(t, err, ErrNoHandler)

	errs := eb.PublishSync(context.Background(), Event{Type: "unknown_event"})
	assert.Equal(t, []error{ErrNoHandler}, errs)
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: TypeWarning})
	assert.ErrorIs(t, err, ErrBusClosed)

	errs := eb.PublishSync(context.Background(), Event{Type: TypeWarning})
	assert.Equal(t, []error{ErrBusClosed}, errs)
}

func TestEventBus_ChannelFull(t *testing.T) {
	block := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer func() {
		close(block)
		eb.Stop()
	}()

	started := make(chan struct{}, 1)
	eb.SubscribeFunc(TypeWarning, func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeWarning}))
	<-started
	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeWarning}))
	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: TypeWarning}), ErrChannelFull)
}

func TestEventBus_HasSubscribers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	assert.False(t, eb.HasSubscribers(TypeWarning))

	handler := &mockHandler{}
	eb.Subscribe(TypeWarning, handler)
	assert.True(t, eb.HasSubscribers(TypeWarning))

	eb.Unsubscribe(TypeWarning, handler)
	assert.False(t, eb.HasSubscribers(TypeWarning))
}

func TestEventBus_WithOptions(t *testing.T) {
	errCh := make(chan error, 1)
	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(func(event Event, err error) { errCh <- err }),
	)
	defer eb.Stop()

	assert.Equal(t, 200, cap(eb.eventCh))

	eb.Subscribe(TypeWarning, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})
	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeWarning}))

	select {
	case err := <-errCh:
		assert.EqualError(t, err, "test error")
	case <-time.After(time.Second):
		t.Fatal("custom error handler was not called")
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(TypeWarning, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Type: TypeWarning})
	assert.ErrorIs(t, err, context.Canceled)
}

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}
