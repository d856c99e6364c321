package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const (
	taskPrefix = "stepflow:task:"
	dueKey     = "stepflow:tasks:due"
)

// RedisRegistry keeps tasks as JSON strings and orders them in a sorted set
// scored by the next run time in milliseconds.
type RedisRegistry struct {
	client redis.Cmdable
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(client redis.Cmdable) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Create(ctx context.Context, task Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal task %s", task.Name)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, taskPrefix+task.Name, data, 0)
	pipe.ZAdd(ctx, dueKey, &redis.Z{Score: float64(task.NextRun.UnixMilli()), Member: task.Name})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to create task %s", task.Name)
	}
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context, name string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, taskPrefix+name)
	pipe.ZRem(ctx, dueKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to delete task %s", name)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, name string) (Task, error) {
	data, err := r.client.Get(ctx, taskPrefix+name).Bytes()
	if err == redis.Nil {
		return Task{}, errors.Wrapf(ErrTaskNotFound, "name=%s", name)
	} else if err != nil {
		return Task{}, errors.Wrapf(err, "failed to get task %s", name)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, errors.Wrapf(err, "failed to unmarshal task %s", name)
	}
	return task, nil
}

func (r *RedisRegistry) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	names, err := r.client.ZRangeByScore(ctx, dueKey, by).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due tasks")
	}
	if len(names) == 0 {
		return nil, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = taskPrefix + name
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load due tasks")
	}

	tasks := make([]Task, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// the index outlived its task, drop the dangling member
			r.client.ZRem(ctx, dueKey, names[i])
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal task %s", names[i])
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
