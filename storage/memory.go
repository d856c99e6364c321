package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/songzhibin97/stepflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	workflows map[uint64]types.Workflow
	actions   map[uint64]types.ActionDefinition
	states    map[uint64]types.StateObject
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[uint64]types.Workflow),
		actions:   make(map[uint64]types.ActionDefinition),
		states:    make(map[uint64]types.StateObject),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, errors.Wrapf(errNotFound, "id=%d", id)
		}
		return item, nil
	})
}

// putItem is a standalone generic helper function.
func putItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return putItem(ctx, &s.mu, s.workflows, wf.ID, wf)
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	return getItem(ctx, &s.mu, s.workflows, id, ErrWorkflowNotFound)
}

// SaveActionDefinition saves an action definition to memory.
func (s *MemoryStorage) SaveActionDefinition(ctx context.Context, def types.ActionDefinition) error {
	return putItem(ctx, &s.mu, s.actions, def.ID, def)
}

// GetActionDefinition retrieves an action definition from memory.
func (s *MemoryStorage) GetActionDefinition(ctx context.Context, id uint64) (types.ActionDefinition, error) {
	return getItem(ctx, &s.mu, s.actions, id, ErrActionNotFound)
}

// SaveState saves a state object to memory. The context map is copied so
// later mutations by the caller are not visible through the store.
func (s *MemoryStorage) SaveState(ctx context.Context, st types.StateObject) error {
	st.Context = copyContext(st.Context)
	return putItem(ctx, &s.mu, s.states, st.ID, st)
}

// GetState retrieves a state object from memory.
func (s *MemoryStorage) GetState(ctx context.Context, id uint64) (types.StateObject, error) {
	st, err := getItem(ctx, &s.mu, s.states, id, ErrStateNotFound)
	if err != nil {
		return st, err
	}
	st.Context = copyContext(st.Context)
	return st, nil
}

// GetStateByGUID retrieves a state object by GUID.
func (s *MemoryStorage) GetStateByGUID(ctx context.Context, guid string) (types.StateObject, error) {
	return withContext(ctx, func() (types.StateObject, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, st := range s.states {
			if st.GUID == guid {
				st.Context = copyContext(st.Context)
				return st, nil
			}
		}
		return types.StateObject{}, errors.Wrapf(ErrStateNotFound, "guid=%s", guid)
	})
}

// DeleteState removes a state object from memory.
func (s *MemoryStorage) DeleteState(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.states, id)
		return nil
	})
}

// ClearFinished removes finished states.
func (s *MemoryStorage) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, st := range s.states {
			if st.Finished {
				delete(s.states, id)
			}
		}
		return nil
	})
}

func copyContext(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
