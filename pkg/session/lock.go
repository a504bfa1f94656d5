package session

import (
	"context"
	"sync"
)

// Locker serializes work on one session. The returned unlock func is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process per-key lock that grants waiters in arrival
// order.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	waiters []chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, held := l.locks[key]
	if !held {
		l.locks[key] = &keyLock{}
		l.mu.Unlock()
		return l.unlocker(key), nil
	}

	ch := make(chan struct{})
	kl.waiters = append(kl.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.unlocker(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range kl.waiters {
			if w == ch {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// Ownership was handed over while we were giving up.
		l.release(key)
		return nil, ctx.Err()
	}
}

// Held reports whether key is currently locked.
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok
}

func (l *LocalLocker) unlocker(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		return
	}
	if len(kl.waiters) == 0 {
		delete(l.locks, key)
		return
	}
	next := kl.waiters[0]
	kl.waiters = kl.waiters[1:]
	close(next)
}
