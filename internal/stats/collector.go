// Package stats holds the per-session stats store. Every operation on a
// Collector first announces its intent on the session's bus and only then
// touches the backend, so subscribers still see the old value while they run.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/alvmarrod/statweaver/internal/dispatch"
	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/sirupsen/logrus"
)

// Collector is the instrumented stats store of one session.
//
// Mutating operations are serialized, so the signals of one session form a
// single ordered sequence. Reads do not take that lock: a handler may call
// GetValue, GetStats or Closed, but calling a mutating method from inside a
// handler of the same Collector deadlocks.
type Collector struct {
	spider  string
	bus     *dispatch.Bus
	backend Backend
	log     logrus.FieldLogger
	dump    bool

	mu     sync.Mutex
	closed atomic.Bool
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithDumpOnClose logs the final stats when the session closes.
func WithDumpOnClose(log logrus.FieldLogger) CollectorOption {
	return func(c *Collector) {
		c.dump = true
		if log != nil {
			c.log = log
		}
	}
}

// NewCollector creates a Collector for spider. A nil bus or backend is
// replaced by an empty one.
func NewCollector(spider string, bus *dispatch.Bus, backend Backend, opts ...CollectorOption) *Collector {
	if bus == nil {
		bus = dispatch.New()
	}
	if backend == nil {
		backend = NewMemoryBackend(nil)
	}
	c := &Collector{
		spider:  spider,
		bus:     bus,
		backend: backend,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spider returns the correlation token this collector belongs to.
func (c *Collector) Spider() string {
	return c.spider
}

// GetValue returns the value at key, or def when it is absent.
func (c *Collector) GetValue(key string, def any) any {
	if v, ok := c.backend.Get(key); ok {
		return v
	}
	return def
}

// GetStats returns a copy of every stat.
func (c *Collector) GetStats() signals.Snapshot {
	return snapshotOf(c.backend)
}

// SetValue overwrites key with value.
func (c *Collector) SetValue(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrSessionClosed
	}

	c.bus.Emit(signals.ValueSetEvent{Spider: c.spider, Key: key, Value: value, Stats: c.GetStats()})
	c.backend.Set(key, value)
	return nil
}

// IncValue adds count to key, treating an absent key as start.
func (c *Collector) IncValue(key string, count, start any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrSessionClosed
	}

	if _, err := c.increased(key, count, start); err != nil {
		return err
	}

	c.bus.Emit(signals.ValueIncreasedEvent{
		Spider: c.spider,
		Key:    key,
		Count:  count,
		Start:  start,
		Stats:  c.GetStats(),
	})

	// Fold against whatever is stored once the handlers are done.
	next, err := c.increased(key, count, start)
	if err != nil {
		return err
	}
	c.backend.Set(key, next)
	return nil
}

func (c *Collector) increased(key string, count, start any) (any, error) {
	current, ok := c.backend.Get(key)
	if !ok {
		current = start
	}
	return add(current, count)
}

// Inc is IncValue with count 1 and start 0.
func (c *Collector) Inc(key string) error {
	return c.IncValue(key, 1, 0)
}

// MaxValue keeps the larger of the stored value and value.
func (c *Collector) MaxValue(key string, value any) error {
	return c.extreme(key, value, 1)
}

// MinValue keeps the smaller of the stored value and value. An absent key
// adopts value.
func (c *Collector) MinValue(key string, value any) error {
	return c.extreme(key, value, -1)
}

func (c *Collector) extreme(key string, value any, want int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrSessionClosed
	}

	if _, err := c.extremum(key, value, want); err != nil {
		return err
	}

	var ev signals.Event
	if want > 0 {
		ev = signals.ValueMaxedEvent{Spider: c.spider, Key: key, Value: value, Stats: c.GetStats()}
	} else {
		ev = signals.ValueMinnedEvent{Spider: c.spider, Key: key, Value: value, Stats: c.GetStats()}
	}
	c.bus.Emit(ev)

	next, err := c.extremum(key, value, want)
	if err != nil {
		return err
	}
	c.backend.Set(key, next)
	return nil
}

// extremum picks between the stored value and value. An absent key adopts
// value.
func (c *Collector) extremum(key string, value any, want int) (any, error) {
	current, ok := c.backend.Get(key)
	if !ok {
		if _, err := compare(value, value); err != nil {
			return nil, err
		}
		return value, nil
	}
	order, err := compare(current, value)
	if err != nil {
		return nil, err
	}
	if order == want || order == 0 {
		return current, nil
	}
	return value, nil
}

// ClearStats removes every stat.
func (c *Collector) ClearStats() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrSessionClosed
	}

	c.bus.Emit(signals.StatsClearedEvent{Spider: c.spider, Stats: c.GetStats()})
	c.backend.Clear()
	return nil
}

// SetStats replaces all stats with values: a clear followed by one set per
// key in sorted order.
func (c *Collector) SetStats(values signals.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrSessionClosed
	}

	c.bus.Emit(signals.StatsClearedEvent{Spider: c.spider, Stats: c.GetStats()})
	c.backend.Clear()
	for _, key := range values.Keys() {
		c.bus.Emit(signals.ValueSetEvent{Spider: c.spider, Key: key, Value: values[key], Stats: c.GetStats()})
		c.backend.Set(key, values[key])
	}
	return nil
}

// CloseSession announces the final stats and seals the collector. Later
// mutations fail with ErrSessionClosed, so the returned snapshot is final.
func (c *Collector) CloseSession(reason string) (signals.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrSessionClosed
	}

	final := c.GetStats()
	c.bus.Emit(signals.SessionClosedEvent{Spider: c.spider, Reason: reason, Stats: final.Clone()})
	c.closed.Store(true)

	if c.dump {
		c.dumpStats(final)
	}
	return final, nil
}

// Closed reports whether CloseSession has run.
func (c *Collector) Closed() bool {
	return c.closed.Load()
}

func (c *Collector) dumpStats(final signals.Snapshot) {
	fields := make(logrus.Fields, len(final)+1)
	for k, v := range final {
		fields[k] = v
	}
	fields["spider"] = c.spider
	c.log.WithFields(fields).Info("Dumping stats")
}
