package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client, prefix: "stepflow:lock:"}
}

func (d *RedisLocker) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if Held(ctx, key) {
		return f(ctx)
	}

	value := newLockValue()
	isLock, err := d.client.SetNX(ctx, d.prefix+key, value, ttl).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[RedisLocker.NonBlockingSynchronized], err:%v", err)
	}
	if !isLock {
		return errors.WithMessage(LockFailedError, "[RedisLocker.NonBlockingSynchronized] has been locked")
	}
	defer d.releaseKey(key, value)

	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *RedisLocker) releaseKey(key, value string) {
	// ctx may already be cancelled, the release must still reach Redis
	reply, err := d.client.Eval(context.Background(), delCommand, []string{d.prefix + key}, value).Int64()
	if err != nil {
		slog.Error("Release lock failed", "key", key, "error", err)
		return
	}
	if reply != 1 {
		slog.Warn("Lock expired before release", "key", key)
	}
}
