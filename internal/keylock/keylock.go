// Package keylock serializes work per string key without a lock that spans
// unrelated keys.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Mutex is a set of mutexes addressed by key. Entries are created on first
// use and dropped once no goroutine holds or waits for them.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Mutex.
func New() *Mutex {
	return &Mutex{entries: make(map[string]*entry)}
}

// Lock blocks until the key is held or ctx is done. The returned function
// releases the key and is safe to call more than once.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.drop(key, e)
		})
	}, nil
}

func (m *Mutex) drop(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
