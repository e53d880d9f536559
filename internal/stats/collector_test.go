package stats

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alvmarrod/statweaver/internal/dispatch"
	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *dispatch.Bus) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	bus := dispatch.New(dispatch.WithLogger(logger))
	return NewCollector("example.com", bus, nil), bus
}

type recorder struct {
	events []signals.Event
}

func (r *recorder) record(bus *dispatch.Bus, sigs ...signals.Signal) {
	for _, sig := range sigs {
		_, _ = bus.Subscribe(sig, "recorder", func(ev signals.Event) error {
			r.events = append(r.events, ev)
			return nil
		})
	}
}

func TestFoldSemantics(t *testing.T) {
	c, _ := newTestCollector(t)

	require.NoError(t, c.SetValue("set", "a"))
	require.NoError(t, c.SetValue("set", "b"))

	require.NoError(t, c.IncValue("sum", 2, 10))
	require.NoError(t, c.IncValue("sum", 3, 100))
	require.NoError(t, c.Inc("sum"))

	for _, v := range []int{4, 9, 2, 9, 7} {
		require.NoError(t, c.MaxValue("max", v))
		require.NoError(t, c.MinValue("min", v))
	}

	assert.Equal(t, "b", c.GetValue("set", nil))
	assert.Equal(t, int64(16), c.GetValue("sum", nil))
	assert.Equal(t, 9, c.GetValue("max", nil))
	assert.Equal(t, 2, c.GetValue("min", nil))
	assert.Equal(t, "fallback", c.GetValue("missing", "fallback"))
}

func TestIncValueTypes(t *testing.T) {
	tests := []struct {
		name  string
		count any
		start any
		want  any
	}{
		{"ints widen to int64", int32(3), 0, int64(3)},
		{"float count", 0.5, 1, 1.5},
		{"float start", 2, 0.25, 2.25},
		{"durations", time.Second, time.Duration(0), time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector(t)
			require.NoError(t, c.IncValue("k", tt.count, tt.start))
			assert.Equal(t, tt.want, c.GetValue("k", nil))
		})
	}
}

func TestIncompatibleValuesRejectedBeforeEmit(t *testing.T) {
	c, bus := newTestCollector(t)
	rec := &recorder{}
	rec.record(bus, signals.ValueIncreased, signals.ValueMaxed, signals.ValueMinned)

	require.NoError(t, c.SetValue("name", "crawler"))

	assert.ErrorIs(t, c.IncValue("name", 1, 0), ErrIncompatibleValue)
	assert.ErrorIs(t, c.IncValue("new", time.Second, 0), ErrIncompatibleValue)
	assert.ErrorIs(t, c.MaxValue("name", 3), ErrIncompatibleValue)
	assert.ErrorIs(t, c.MinValue("fresh", struct{}{}), ErrIncompatibleValue)

	assert.Empty(t, rec.events)
	assert.Equal(t, "crawler", c.GetValue("name", nil))
}

func TestMaxMinTimes(t *testing.T) {
	c, _ := newTestCollector(t)
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	require.NoError(t, c.MaxValue("last_seen", early))
	require.NoError(t, c.MaxValue("last_seen", late))
	require.NoError(t, c.MinValue("first_seen", late))
	require.NoError(t, c.MinValue("first_seen", early))

	assert.Equal(t, late, c.GetValue("last_seen", nil))
	assert.Equal(t, early, c.GetValue("first_seen", nil))
}

func TestEmitBeforeMutate(t *testing.T) {
	c, bus := newTestCollector(t)

	var (
		got      signals.ValueIncreasedEvent
		inside   any
		present  bool
		snapshot signals.Snapshot
	)
	_, err := dispatch.On(bus, "observer", func(e signals.ValueIncreasedEvent) error {
		got = e
		inside, present = c.backend.Get("hits")
		snapshot = e.Stats
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.IncValue("hits", 5, 0))

	assert.Equal(t, "hits", got.Key)
	assert.Equal(t, 5, got.Count)
	assert.Equal(t, 0, got.Start)
	assert.Equal(t, "example.com", got.Spider)
	assert.False(t, present, "store changed before subscriber ran: %v", inside)
	assert.NotContains(t, snapshot, "hits")
	assert.Equal(t, int64(5), c.GetValue("hits", nil))
}

func TestMaxMinSeeOldValue(t *testing.T) {
	c, bus := newTestCollector(t)
	require.NoError(t, c.SetValue("depth", 3))

	var seen []any
	_, _ = dispatch.On(bus, "max", func(e signals.ValueMaxedEvent) error {
		seen = append(seen, c.GetValue("depth", nil), e.Value)
		return nil
	})
	_, _ = dispatch.On(bus, "min", func(e signals.ValueMinnedEvent) error {
		seen = append(seen, c.GetValue("depth", nil), e.Value)
		return nil
	})

	require.NoError(t, c.MaxValue("depth", 7))
	require.NoError(t, c.MinValue("depth", 1))

	assert.Equal(t, []any{3, 7, 7, 1}, seen)
	assert.Equal(t, 1, c.GetValue("depth", nil))
}

func TestErrorIsolation(t *testing.T) {
	c, bus := newTestCollector(t)

	_, _ = bus.Subscribe(signals.ValueSet, "failing", func(signals.Event) error {
		return errors.New("subscriber down")
	})
	var values []any
	_, _ = dispatch.On(bus, "healthy", func(e signals.ValueSetEvent) error {
		values = append(values, e.Value)
		return nil
	})

	for i := 1; i <= 3; i++ {
		require.NoError(t, c.SetValue("k", i))
		assert.Equal(t, i, c.GetValue("k", nil))
	}
	assert.Equal(t, []any{1, 2, 3}, values)
}

func TestPanickingSubscriberDoesNotAbortMutation(t *testing.T) {
	c, bus := newTestCollector(t)
	_, _ = bus.Subscribe(signals.ValueIncreased, "panics", func(signals.Event) error {
		panic("bad subscriber")
	})

	require.NoError(t, c.IncValue("k", 1, 0))
	assert.Equal(t, int64(1), c.GetValue("k", nil))
}

func TestClearStatsIdempotent(t *testing.T) {
	c, bus := newTestCollector(t)
	rec := &recorder{}
	rec.record(bus, signals.StatsCleared)

	require.NoError(t, c.ClearStats())
	assert.Len(t, rec.events, 1)
	assert.Empty(t, c.GetStats())

	require.NoError(t, c.SetValue("a", 1))
	require.NoError(t, c.ClearStats())
	require.Len(t, rec.events, 2)
	assert.Equal(t, signals.Snapshot{"a": 1}, rec.events[1].(signals.StatsClearedEvent).Stats)
	assert.Empty(t, c.GetStats())
}

func TestSetStats(t *testing.T) {
	c, bus := newTestCollector(t)
	require.NoError(t, c.SetValue("old", 1))

	rec := &recorder{}
	rec.record(bus, signals.StatsCleared, signals.ValueSet)

	require.NoError(t, c.SetStats(signals.Snapshot{"b": 2, "a": 1}))

	require.Len(t, rec.events, 3)
	assert.Equal(t, signals.StatsCleared, rec.events[0].Signal())
	assert.Equal(t, "a", rec.events[1].(signals.ValueSetEvent).Key)
	assert.Equal(t, "b", rec.events[2].(signals.ValueSetEvent).Key)
	assert.Equal(t, signals.Snapshot{"a": 1, "b": 2}, c.GetStats())
}

func TestCloseSessionSnapshotIntegrity(t *testing.T) {
	c, bus := newTestCollector(t)

	var closed signals.SessionClosedEvent
	_, _ = dispatch.On(bus, "closer", func(e signals.SessionClosedEvent) error {
		closed = e
		return nil
	})

	require.NoError(t, c.SetValue("a", 1))
	require.NoError(t, c.IncValue("b", 2, 0))

	final, err := c.CloseSession(signals.ReasonFinished)
	require.NoError(t, err)
	assert.True(t, c.Closed())

	assert.Equal(t, signals.ReasonFinished, closed.Reason)
	assert.Equal(t, signals.Snapshot{"a": 1, "b": int64(2)}, closed.Stats)
	assert.Equal(t, closed.Stats, final)

	assert.ErrorIs(t, c.SetValue("a", 99), ErrSessionClosed)
	assert.ErrorIs(t, c.IncValue("b", 1, 0), ErrSessionClosed)
	assert.ErrorIs(t, c.MaxValue("a", 5), ErrSessionClosed)
	assert.ErrorIs(t, c.MinValue("a", 0), ErrSessionClosed)
	assert.ErrorIs(t, c.ClearStats(), ErrSessionClosed)
	assert.ErrorIs(t, c.SetStats(nil), ErrSessionClosed)
	_, err = c.CloseSession(signals.ReasonFinished)
	assert.ErrorIs(t, err, ErrSessionClosed)

	final["a"] = 42
	assert.Equal(t, 1, closed.Stats["a"])
	assert.Equal(t, 1, c.GetValue("a", nil))
}

func TestDumpOnClose(t *testing.T) {
	logger, hook := test.NewNullLogger()
	c := NewCollector("example.com", dispatch.New(dispatch.WithLogger(logger)), nil, WithDumpOnClose(logger))
	require.NoError(t, c.SetValue("item_scraped_count", 3))

	_, err := c.CloseSession(signals.ReasonFinished)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Dumping stats", entry.Message)
	assert.Equal(t, 3, entry.Data["item_scraped_count"])
	assert.Equal(t, "example.com", entry.Data["spider"])
}

func TestLayeredSignals(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := dispatch.New(dispatch.WithLogger(logger))
	c := NewCollector("s", bus, NewSignallingDict("s", bus, nil))

	var order []string
	for _, sig := range []signals.Signal{signals.ValueIncreased, signals.KeySet} {
		_, _ = bus.Subscribe(sig, "order", func(ev signals.Event) error {
			order = append(order, ev.Signal().String())
			return nil
		})
	}

	require.NoError(t, c.IncValue("hits", 1, 0))
	assert.Equal(t, []string{"value_increased", "key_set"}, order)
}

func TestConcurrentOpsAreSerialized(t *testing.T) {
	logger, _ := test.NewNullLogger()
	bus := dispatch.New(dispatch.WithLogger(logger))
	c := NewCollector("s", bus, NewSignallingDict("s", bus, nil))

	var seen []any
	keySets := 0
	_, _ = dispatch.On(bus, "inc", func(e signals.ValueIncreasedEvent) error {
		seen = append(seen, e.Stats["k"])
		return nil
	})
	_, _ = dispatch.On(bus, "raw", func(signals.KeySetEvent) error {
		keySets++
		return nil
	})

	const workers, rounds = 50, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				assert.NoError(t, c.Inc("k"))
				assert.NoError(t, c.MaxValue("m", i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers*rounds), c.GetValue("k", nil))
	assert.Equal(t, rounds-1, c.GetValue("m", nil))
	assert.Equal(t, 2*workers*rounds, keySets)

	// Every increment saw the result of the one before it.
	require.Len(t, seen, workers*rounds)
	assert.Nil(t, seen[0])
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, int64(i), seen[i])
	}
}

func TestCloseSubscribersGetOwnSnapshot(t *testing.T) {
	c, bus := newTestCollector(t)
	_, _ = dispatch.On(bus, "vandal", func(e signals.SessionClosedEvent) error {
		delete(e.Stats, "a")
		e.Stats["injected"] = true
		return nil
	})
	var stored signals.Snapshot
	_, _ = dispatch.On(bus, "storage", func(e signals.SessionClosedEvent) error {
		stored = e.Stats
		return nil
	})

	require.NoError(t, c.SetValue("a", 1))
	final, err := c.CloseSession(signals.ReasonFinished)
	require.NoError(t, err)

	assert.Equal(t, signals.Snapshot{"a": 1}, final)
	assert.Equal(t, signals.Snapshot{"a": 1}, stored)
}

func TestClosedReadableFromHandler(t *testing.T) {
	c, bus := newTestCollector(t)
	var during bool
	_, _ = dispatch.On(bus, "closer", func(signals.SessionClosedEvent) error {
		during = c.Closed()
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.CloseSession(signals.ReasonFinished)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Closed blocked inside a session_closed handler")
	}
	assert.False(t, during)
	assert.True(t, c.Closed())
}

func TestFoldUsesValueStoredAfterHandlers(t *testing.T) {
	c, bus := newTestCollector(t)
	require.NoError(t, c.SetValue("hits", 1))
	require.NoError(t, c.SetValue("peak", 1))

	_, _ = dispatch.On(bus, "rewrite", func(signals.ValueIncreasedEvent) error {
		c.backend.Set("hits", int64(10))
		return nil
	})
	_, _ = dispatch.On(bus, "rewrite", func(signals.ValueMaxedEvent) error {
		c.backend.Set("peak", 50)
		return nil
	})

	require.NoError(t, c.IncValue("hits", 1, 0))
	require.NoError(t, c.MaxValue("peak", 20))
	assert.Equal(t, int64(11), c.GetValue("hits", nil))
	assert.Equal(t, 50, c.GetValue("peak", nil))
}

func TestIncValueOverflowWidensToFloat(t *testing.T) {
	c, _ := newTestCollector(t)
	require.NoError(t, c.SetValue("k", int64(math.MaxInt64)))
	require.NoError(t, c.IncValue("k", 1, 0))
	assert.Equal(t, math.Exp2(63), c.GetValue("k", nil))
}
