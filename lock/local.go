package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localLockInfo
	now   func() time.Time
}

type localLockInfo struct {
	value    string // identifies the holder
	expireAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]localLockInfo),
		now:   time.Now,
	}
}

func (l *LocalLocker) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if Held(ctx, key) {
		return f(ctx)
	}

	value := newLockValue()
	if !l.acquire(key, value, ttl) {
		return errors.WithMessage(LockFailedError, "[LocalLocker.NonBlockingSynchronized] has been locked")
	}
	defer l.release(key, value)

	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *LocalLocker) acquire(key, value string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if info, ok := l.locks[key]; ok && now.Before(info.expireAt) {
		return false
	}
	l.locks[key] = localLockInfo{value: value, expireAt: now.Add(ttl)}
	return true
}

func (l *LocalLocker) release(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// an expired lock may already belong to someone else
	if info, ok := l.locks[key]; ok && info.value == value {
		delete(l.locks, key)
	}
}
