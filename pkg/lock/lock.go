package lock

import (
	"context"
	"sync"
)

// Locker serializes operations on a named resource. Callers block until the
// lock is acquired or the context is cancelled; locks for distinct keys do
// not contend with each other.
type Locker interface {
	AcquireLock(ctx context.Context, key string) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}

// KeyedLocker is an in-process Locker backed by one channel-based mutex per
// key. Entries are created on first use and kept for the process lifetime;
// the key space (VM ids, snapshot ids) is small and bounded in practice.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{
		locks: make(map[string]chan struct{}),
	}
}

func (l *KeyedLocker) AcquireLock(ctx context.Context, key string) (Lock, error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return &keyedLock{ch: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type keyedLock struct {
	ch       chan struct{}
	released sync.Once
}

func (l *keyedLock) Release() error {
	l.released.Do(func() { <-l.ch })
	return nil
}
