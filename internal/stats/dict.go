package stats

import (
	"github.com/alvmarrod/statweaver/internal/dispatch"
	"github.com/alvmarrod/statweaver/internal/signals"
)

// SignallingDict wraps a Backend and emits a raw mapping signal for every
// write and delete, so no change to the underlying store goes unobserved.
type SignallingDict struct {
	spider string
	bus    *dispatch.Bus
	inner  Backend
}

// NewSignallingDict wraps inner. Values already in inner are not announced.
func NewSignallingDict(spider string, bus *dispatch.Bus, inner Backend) *SignallingDict {
	if inner == nil {
		inner = NewMemoryBackend(nil)
	}
	return &SignallingDict{spider: spider, bus: bus, inner: inner}
}

func (d *SignallingDict) Get(key string) (any, bool) {
	return d.inner.Get(key)
}

// Set announces the write, then performs it.
func (d *SignallingDict) Set(key string, value any) {
	d.bus.Emit(signals.KeySetEvent{Spider: d.spider, Key: key, Value: value})
	d.inner.Set(key, value)
}

// Delete removes key first and announces the removed value afterwards.
// A missing key fails with ErrKeyNotFound and emits nothing.
func (d *SignallingDict) Delete(key string) (any, error) {
	value, err := d.inner.Delete(key)
	if err != nil {
		return nil, err
	}
	d.bus.Emit(signals.KeyDeletedEvent{Spider: d.spider, Key: key, Value: value})
	return value, nil
}

func (d *SignallingDict) Keys() []string {
	return d.inner.Keys()
}

func (d *SignallingDict) Len() int {
	return d.inner.Len()
}

// Clear deletes keys one at a time in sorted order.
func (d *SignallingDict) Clear() {
	for _, key := range d.inner.Keys() {
		_, _ = d.Delete(key)
	}
}

func (d *SignallingDict) Snapshot() signals.Snapshot {
	return snapshotOf(d.inner)
}
