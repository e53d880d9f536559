package stats

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alvmarrod/statweaver/internal/signals"
)

var (
	ErrKeyNotFound       = errors.New("stat key not found")
	ErrSessionClosed     = errors.New("stats session closed")
	ErrIncompatibleValue = errors.New("incompatible stat value")
)

// Backend is the storage strategy behind a Collector.
type Backend interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	// Delete removes key and returns the removed value, or ErrKeyNotFound.
	Delete(key string) (any, error)
	// Keys returns every key, sorted.
	Keys() []string
	Len() int
	Clear()
}

// snapshotter is implemented by backends that can copy themselves atomically.
type snapshotter interface {
	Snapshot() signals.Snapshot
}

func snapshotOf(b Backend) signals.Snapshot {
	if s, ok := b.(snapshotter); ok {
		return s.Snapshot()
	}
	keys := b.Keys()
	snap := make(signals.Snapshot, len(keys))
	for _, k := range keys {
		if v, ok := b.Get(k); ok {
			snap[k] = v
		}
	}
	return snap
}

// MemoryBackend keeps stats in a map. It is safe for concurrent use.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryBackend creates a backend seeded with a copy of initial.
func NewMemoryBackend(initial map[string]any) *MemoryBackend {
	m := &MemoryBackend{values: make(map[string]any, len(initial))}
	for k, v := range initial {
		m.values[k] = v
	}
	return m
}

func (m *MemoryBackend) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryBackend) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *MemoryBackend) Delete(key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	delete(m.values, key)
	return v, nil
}

func (m *MemoryBackend) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func (m *MemoryBackend) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]any)
}

// Snapshot returns a copy of all values.
func (m *MemoryBackend) Snapshot() signals.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := make(signals.Snapshot, len(m.values))
	for k, v := range m.values {
		snap[k] = v
	}
	return snap
}
