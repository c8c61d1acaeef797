package securestore

import (
	"context"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a writer waits for a key.
const DefaultLockTimeout = 5 * time.Second

// UnlockFunc releases a key lock.
type UnlockFunc func()

// KeyLocker serialises writers per logical key. An entry lives only while
// someone holds or waits for its key.
type KeyLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyLocker creates a locker. A non-positive timeout means
// DefaultLockTimeout.
func NewKeyLocker(timeout time.Duration) *KeyLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &KeyLocker{
		timeout: timeout,
		locks:   make(map[string]*keyLock),
	}
}

// Lock acquires the lock for key, failing with ErrLocked after the
// timeout or with the context error on cancellation.
func (l *KeyLocker) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	l.mu.Lock()
	entry, exists := l.locks[key]
	if !exists {
		entry = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.sem
				l.release(key, entry)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, entry)
		return nil, ctx.Err()
	case <-timer.C:
		l.release(key, entry)
		return nil, ErrLocked
	}
}

func (l *KeyLocker) release(key string, entry *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
