package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/songzhibin97/stepflow/types"
)

var stateColumns = []string{
	"id", "guid", "workflow_id", "current_step_id", "object_id", "site_id",
	"action_status", "finished", "context", "step_changed_at", "created_at", "updated_at",
}

// SQLStorage is a database/sql implementation of the Storage interface.
// Graphs and action definitions are stored as JSON documents; state objects
// are stored column by column. The schema comes from the embedded migrations.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
}

// Ensure SQLStorage implements Storage.
var _ Storage = (*SQLStorage)(nil)

// NewSQLStorage wraps an open database of the given dialect.
func NewSQLStorage(db *sql.DB, dialect Dialect) (*SQLStorage, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if !dialect.Valid() {
		return nil, errors.Errorf("unsupported dialect %q", dialect)
	}
	return &SQLStorage{db: db, dialect: dialect}, nil
}

func (s *SQLStorage) saveDocument(ctx context.Context, table string, id uint64, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s %d", table, id)
	}
	query := s.dialect.Upsert(table, "id", []string{"id", "body"})
	if _, err := s.db.ExecContext(ctx, query, id, string(body)); err != nil {
		return errors.Wrapf(err, "failed to save %s %d", table, id)
	}
	return nil
}

func loadDocument[T any](ctx context.Context, s *SQLStorage, table string, id uint64, errNotFound error) (T, error) {
	var zero T
	var body string
	query := s.dialect.Rebind("SELECT body FROM " + table + " WHERE id = ?")
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, errors.Wrapf(errNotFound, "id=%d", id)
	}
	if err != nil {
		return zero, errors.Wrapf(err, "failed to load %s %d", table, id)
	}
	var out T
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return zero, errors.Wrapf(err, "failed to unmarshal %s %d", table, id)
	}
	return out, nil
}

// SaveWorkflow saves a workflow graph.
func (s *SQLStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return s.saveDocument(ctx, "workflows", wf.ID, wf)
}

// GetWorkflow retrieves a workflow graph.
func (s *SQLStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	return loadDocument[types.Workflow](ctx, s, "workflows", id, ErrWorkflowNotFound)
}

// SaveActionDefinition saves an action definition.
func (s *SQLStorage) SaveActionDefinition(ctx context.Context, def types.ActionDefinition) error {
	return s.saveDocument(ctx, "action_definitions", def.ID, def)
}

// GetActionDefinition retrieves an action definition.
func (s *SQLStorage) GetActionDefinition(ctx context.Context, id uint64) (types.ActionDefinition, error) {
	return loadDocument[types.ActionDefinition](ctx, s, "action_definitions", id, ErrActionNotFound)
}

// SaveState creates or updates a state object.
func (s *SQLStorage) SaveState(ctx context.Context, st types.StateObject) error {
	var stateContext []byte
	if st.Context != nil {
		var err error
		if stateContext, err = json.Marshal(st.Context); err != nil {
			return errors.Wrapf(err, "failed to marshal context of state %d", st.ID)
		}
	}
	query := s.dialect.Upsert("workflow_states", "id", stateColumns)
	_, err := s.db.ExecContext(ctx, query,
		st.ID,
		st.GUID,
		st.WorkflowID,
		st.CurrentStepID,
		st.ObjectID,
		st.SiteID,
		st.ActionStatus,
		st.Finished,
		string(stateContext),
		st.StepChangedAt,
		st.CreatedAt,
		st.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save state %d", st.ID)
	}
	return nil
}

func (s *SQLStorage) queryState(ctx context.Context, where string, arg interface{}) (types.StateObject, error) {
	var (
		st           types.StateObject
		stateContext sql.NullString
	)
	query := s.dialect.Rebind(`
		SELECT id, guid, workflow_id, current_step_id, object_id, site_id,
		       action_status, finished, context, step_changed_at, created_at, updated_at
		FROM workflow_states WHERE ` + where + ` = ?`)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&st.ID,
		&st.GUID,
		&st.WorkflowID,
		&st.CurrentStepID,
		&st.ObjectID,
		&st.SiteID,
		&st.ActionStatus,
		&st.Finished,
		&stateContext,
		&st.StepChangedAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StateObject{}, errors.Wrapf(ErrStateNotFound, "%s=%v", where, arg)
	}
	if err != nil {
		return types.StateObject{}, errors.Wrapf(err, "failed to load state %s=%v", where, arg)
	}
	if stateContext.Valid && stateContext.String != "" {
		if err := json.Unmarshal([]byte(stateContext.String), &st.Context); err != nil {
			return types.StateObject{}, errors.Wrapf(err, "failed to unmarshal context of state %d", st.ID)
		}
	}
	return st, nil
}

// GetState retrieves a state object by ID.
func (s *SQLStorage) GetState(ctx context.Context, id uint64) (types.StateObject, error) {
	return s.queryState(ctx, "id", id)
}

// GetStateByGUID retrieves a state object by GUID.
func (s *SQLStorage) GetStateByGUID(ctx context.Context, guid string) (types.StateObject, error) {
	return s.queryState(ctx, "guid", guid)
}

// DeleteState removes a state object.
func (s *SQLStorage) DeleteState(ctx context.Context, id uint64) error {
	query := s.dialect.Rebind("DELETE FROM workflow_states WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return errors.Wrapf(err, "failed to delete state %d", id)
	}
	return nil
}

// DB exposes the underlying handle so other stores can share it.
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured dialect.
func (s *SQLStorage) Dialect() Dialect {
	return s.dialect
}
