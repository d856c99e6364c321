package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/songzhibin97/stepflow/types"
)

const (
	workflowPrefix  = "stepflow:workflow:"
	actionPrefix    = "stepflow:action:"
	statePrefix     = "stepflow:state:"
	stateGUIDPrefix = "stepflow:state_guid:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient opens and pings a client configured from opts.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "failed to connect to Redis")
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// saveToRedis saves a value to Redis with the given key prefix and ID.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal %s%d", prefix, id)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return errors.Wrapf(err, "failed to set %s in Redis", key)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix string, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, errors.Wrapf(errNotFound, "key=%s", key)
		} else if err != nil {
			return zero, errors.Wrapf(err, "failed to get %s from Redis", key)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, errors.Wrapf(err, "failed to unmarshal %s", key)
		}
		return result, nil
	})
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return s.saveToRedis(ctx, workflowPrefix, wf.ID, wf)
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	return getFromRedis[types.Workflow](ctx, s.client, workflowPrefix, id, ErrWorkflowNotFound)
}

// SaveActionDefinition saves an action definition to Redis.
func (s *RedisStorage) SaveActionDefinition(ctx context.Context, def types.ActionDefinition) error {
	return s.saveToRedis(ctx, actionPrefix, def.ID, def)
}

// GetActionDefinition retrieves an action definition from Redis.
func (s *RedisStorage) GetActionDefinition(ctx context.Context, id uint64) (types.ActionDefinition, error) {
	return getFromRedis[types.ActionDefinition](ctx, s.client, actionPrefix, id, ErrActionNotFound)
}

// SaveState saves a state object and its GUID index in one pipeline.
func (s *RedisStorage) SaveState(ctx context.Context, st types.StateObject) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(st)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal state %d", st.ID)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, fmt.Sprintf("%s%d", statePrefix, st.ID), data, 0)
		if st.GUID != "" {
			pipe.Set(ctx, stateGUIDPrefix+st.GUID, st.ID, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrapf(err, "failed to save state %d", st.ID)
		}
		return nil
	})
}

// GetState retrieves a state object from Redis.
func (s *RedisStorage) GetState(ctx context.Context, id uint64) (types.StateObject, error) {
	return getFromRedis[types.StateObject](ctx, s.client, statePrefix, id, ErrStateNotFound)
}

// GetStateByGUID resolves the GUID index and loads the state.
func (s *RedisStorage) GetStateByGUID(ctx context.Context, guid string) (types.StateObject, error) {
	id, err := s.client.Get(ctx, stateGUIDPrefix+guid).Uint64()
	if err == redis.Nil {
		return types.StateObject{}, errors.Wrapf(ErrStateNotFound, "guid=%s", guid)
	} else if err != nil {
		return types.StateObject{}, errors.Wrapf(err, "failed to resolve state guid %s", guid)
	}
	return s.GetState(ctx, id)
}

// DeleteState removes a state object and its GUID index.
func (s *RedisStorage) DeleteState(ctx context.Context, id uint64) error {
	st, err := s.GetState(ctx, id)
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf("%s%d", statePrefix, id))
	if st.GUID != "" {
		pipe.Del(ctx, stateGUIDPrefix+st.GUID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to delete state %d", id)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
