package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	LockFailedError        = errors.New("lock failed")
	LockFailedTimeOutError = errors.New("wait time out")
)

// Locker provides mutual exclusion keyed by string.
type Locker interface {
	// NonBlockingSynchronized runs f while holding key. If the key is held
	// elsewhere it returns LockFailedError immediately. A ctx that already
	// holds key re-enters without locking again. The lock expires after ttl
	// even if f has not returned.
	NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error
}

type lockKey string

// Held reports whether ctx was produced by a Locker holding key.
func Held(ctx context.Context, key string) bool {
	_, ok := ctx.Value(lockKey(key)).(string)
	return ok
}

// Synchronized is the blocking form of NonBlockingSynchronized: it retries every
// poll until the key is acquired, wait elapses or ctx is done.
func Synchronized(ctx context.Context, l Locker, key string, ttl, wait, poll time.Duration, f func(context.Context) error) error {
	deadline := time.Now().Add(wait)
	for {
		acquired := false
		err := l.NonBlockingSynchronized(ctx, key, ttl, func(ctx context.Context) error {
			acquired = true
			return f(ctx)
		})
		if acquired || !errors.Is(err, LockFailedError) {
			return err
		}
		if time.Now().Add(poll).After(deadline) {
			return errors.WithMessagef(LockFailedTimeOutError, "key=%s", key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func newLockValue() string {
	return uuid.NewString()
}
