package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/songzhibin97/stepflow/storage"
)

var taskColumns = []string{"name", "payload", "next_run", "delete_after_run", "site_id", "user_id"}

// SQLRegistry stores tasks in the scheduled_tasks table created by the
// storage migrations.
type SQLRegistry struct {
	db      *sql.DB
	dialect storage.Dialect
}

var _ Registry = (*SQLRegistry)(nil)

func NewSQLRegistry(db *sql.DB, dialect storage.Dialect) (*SQLRegistry, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if !dialect.Valid() {
		return nil, errors.Errorf("unsupported dialect %q", dialect)
	}
	return &SQLRegistry{db: db, dialect: dialect}, nil
}

func (r *SQLRegistry) Create(ctx context.Context, task Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	var payload []byte
	if task.Payload != nil {
		var err error
		if payload, err = json.Marshal(task.Payload); err != nil {
			return errors.Wrapf(err, "failed to marshal payload of task %s", task.Name)
		}
	}
	query := r.dialect.Upsert("scheduled_tasks", "name", taskColumns)
	_, err := r.db.ExecContext(ctx, query,
		task.Name,
		string(payload),
		task.NextRun.UnixNano(),
		task.DeleteAfterRun,
		task.SiteID,
		task.UserID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create task %s", task.Name)
	}
	return nil
}

func (r *SQLRegistry) Delete(ctx context.Context, name string) error {
	query := r.dialect.Rebind("DELETE FROM scheduled_tasks WHERE name = ?")
	if _, err := r.db.ExecContext(ctx, query, name); err != nil {
		return errors.Wrapf(err, "failed to delete task %s", name)
	}
	return nil
}

func (r *SQLRegistry) Get(ctx context.Context, name string) (Task, error) {
	query := r.dialect.Rebind(
		"SELECT name, payload, next_run, delete_after_run, site_id, user_id FROM scheduled_tasks WHERE name = ?")
	task, err := scanTask(r.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "name=%s", name)
	}
	if err != nil {
		return Task{}, errors.Wrapf(err, "failed to get task %s", name)
	}
	return task, nil
}

func (r *SQLRegistry) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	query := "SELECT name, payload, next_run, delete_after_run, site_id, user_id FROM scheduled_tasks " +
		"WHERE next_run <= ? ORDER BY next_run, name"
	args := []interface{}{now.UnixNano()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due tasks")
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan due task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task    Task
		payload sql.NullString
		nextRun int64
	)
	if err := row.Scan(&task.Name, &payload, &nextRun, &task.DeleteAfterRun, &task.SiteID, &task.UserID); err != nil {
		return Task{}, err
	}
	task.NextRun = time.Unix(0, nextRun)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return Task{}, errors.Wrapf(err, "failed to unmarshal payload of task %s", task.Name)
		}
	}
	return task, nil
}
