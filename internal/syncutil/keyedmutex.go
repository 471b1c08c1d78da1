// Package syncutil provides locking primitives keyed by string.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one channel-based mutex per key. Keys never share a
// lock, so callers working on different keys proceed fully in parallel.
// A key's entry is dropped once no goroutine holds or waits for it, which
// bounds memory by the number of keys in flight rather than keys ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type keyLock struct {
	ch   chan struct{}
	refs int // holders + waiters; guarded by KeyedMutex.mu
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call exactly once.
// On cancellation it returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
