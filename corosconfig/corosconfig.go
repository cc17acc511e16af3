// Package corosconfig is a small YAML-backed registry of named, typed,
// defaulted runtime variables — the configuration surface §6 calls for
// (fiber.stack_size is read directly by the core) plus the handful of
// reactor/timer/hook tunables the domain stack below it needs.
package corosconfig

import (
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys registered by default. Components read their values through a
// Registry, passing these constants as the keys; a caller can register
// additional keys of its own alongside them via Set.
const (
	KeyFiberStackSize      = "fiber.stack_size"
	KeyReactorMaxEvents    = "reactor.max_events"
	KeyReactorIdlePollCap  = "reactor.idle_poll_cap_ms"
	KeyTimerRolloverMs     = "timer.rollover_ms"
	KeyHookDefaultTimeout  = "hook.default_timeout_ms"
)

// Registry holds typed, defaulted configuration values, with optional
// change notification.
type Registry struct {
	mu        sync.RWMutex
	values    map[string]int64
	defaults  map[string]int64
	listeners map[string][]func(int64)
}

// New constructs a Registry pre-populated with this runtime's defaults.
func New() *Registry {
	r := &Registry{
		values:    make(map[string]int64),
		defaults:  make(map[string]int64),
		listeners: make(map[string][]func(int64)),
	}
	r.registerDefault(KeyFiberStackSize, 1<<20)
	r.registerDefault(KeyReactorMaxEvents, 64)
	r.registerDefault(KeyReactorIdlePollCap, 1000)
	r.registerDefault(KeyTimerRolloverMs, 60*60*1000)
	r.registerDefault(KeyHookDefaultTimeout, -1)
	return r
}

func (r *Registry) registerDefault(key string, def int64) {
	r.defaults[key] = def
	r.values[key] = def
}

// Get returns key's current value, or ok=false if key was never
// registered (via New's defaults or a prior Set/Load).
func (r *Registry) Get(key string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// MustGet is Get, panicking if key is unregistered — intended for the
// handful of call sites reading a key this runtime always defines.
func (r *Registry) MustGet(key string) int64 {
	v, ok := r.Get(key)
	if !ok {
		panic(fmt.Sprintf("corosconfig: unregistered key %q", key))
	}
	return v
}

// Set updates key's value (registering it if new) and notifies any
// OnChange listeners registered for it.
func (r *Registry) Set(key string, value int64) {
	r.mu.Lock()
	r.values[key] = value
	cbs := append([]func(int64){}, r.listeners[key]...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(value)
	}
}

// OnChange registers cb to run whenever key is subsequently Set (directly
// or via Load).
func (r *Registry) OnChange(key string, cb func(value int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[key] = append(r.listeners[key], cb)
}

// document is the YAML shape Load/Dump read and write: a flat map from
// dotted key to integer value, e.g. "fiber.stack_size: 262144".
type document map[string]int64

// Load reads a YAML document from r and Sets every key it contains,
// leaving keys the document omits at their previous values.
func (r *Registry) Load(src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("corosconfig: read: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("corosconfig: unmarshal: %w", err)
	}
	for k, v := range doc {
		r.Set(k, v)
	}
	return nil
}

// Dump marshals the registry's current values as a YAML document the
// same shape Load expects, sorted by key via yaml.v3's map-marshalling.
func (r *Registry) Dump() ([]byte, error) {
	r.mu.RLock()
	doc := make(document, len(r.values))
	for k, v := range r.values {
		doc[k] = v
	}
	r.mu.RUnlock()
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("corosconfig: marshal: %w", err)
	}
	return out, nil
}
