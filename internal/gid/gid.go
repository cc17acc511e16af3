// Package gid retrieves the calling goroutine's runtime-assigned id and
// provides a small goroutine-keyed registry on top of it. Several go-coros
// packages need "thread-local" style state (the fiber currently executing on
// this goroutine, the hook-enabled flag for this goroutine) and the runtime
// exposes no such primitive directly, so everything is keyed off this id
// instead.
package gid

import (
	"runtime"
	"sync"
)

// Current returns the calling goroutine's id, parsed out of the runtime's
// stack dump header ("goroutine 123 [running]: ...").
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Map is a goroutine-keyed value store, the shape hook.Enabled and the
// fiber package's "current fiber" lookup both need: a value that is set once
// at the top of a goroutine's life and read many times from deep call stacks
// within that same goroutine, without threading a parameter through every
// call.
type Map[V any] struct {
	mu sync.RWMutex
	m  map[uint64]V
}

// NewMap constructs an empty Map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{m: make(map[uint64]V)}
}

// Get returns the value associated with the calling goroutine, if any.
func (m *Map[V]) Get() (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[Current()]
	return v, ok
}

// Set associates val with the calling goroutine.
func (m *Map[V]) Set(val V) {
	id := Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[id] = val
}

// Delete removes any value associated with the calling goroutine.
func (m *Map[V]) Delete() {
	id := Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, id)
}
