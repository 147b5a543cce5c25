package ledger

import (
	"context"
	"sync"
)

// keyedMutex hands out one lock per key and forgets it once nobody holds or
// waits on it. Waiters give up when their context ends.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

// refMutex is held while its one-slot channel is full.
type refMutex struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{ch: make(chan struct{}, 1)}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	select {
	case m.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, m)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-m.ch
			k.release(key, m)
		})
	}, nil
}

func (k *keyedMutex) release(key string, m *refMutex) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
