package session

import (
	"testing"
	"time"

	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/stats"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycle struct {
	subscriber.Base
	session *Session
	opened  []string
	sets    []string
	keySets []string
	closed  []signals.SessionClosedEvent
}

func (l *lifecycle) SessionOpened(e signals.SessionOpenedEvent) error {
	l.opened = append(l.opened, e.Spider)
	return nil
}

func (l *lifecycle) ValueSet(e signals.ValueSetEvent) error {
	l.sets = append(l.sets, e.Key)
	return nil
}

func (l *lifecycle) KeySet(e signals.KeySetEvent) error {
	l.keySets = append(l.keySets, e.Key)
	return nil
}

func (l *lifecycle) SessionClosed(e signals.SessionClosedEvent) error {
	l.closed = append(l.closed, e)
	return nil
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, map[string]*lifecycle) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m := NewManager(append([]Option{WithLogger(logger)}, opts...)...)
	subs := make(map[string]*lifecycle)
	m.AddSubscriber("lifecycle", func(s *Session) subscriber.Subscriber {
		l := &lifecycle{session: s}
		subs[s.Spider] = l
		return l
	})
	return m, subs
}

func TestSessionLifecycle(t *testing.T) {
	m, subs := newTestManager(t)

	s, err := m.SessionOpened("example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, []string{"example.com"}, m.Open())

	l := subs["example.com"]
	require.NotNil(t, l)
	assert.Same(t, s, l.session)
	assert.Equal(t, []string{"example.com"}, l.opened)

	require.NoError(t, m.SetValue("example.com", "a", 1))
	require.NoError(t, m.Inc("example.com", "b"))
	require.NoError(t, m.MaxValue("example.com", "c", 3))
	require.NoError(t, m.MinValue("example.com", "d", 4))

	final, err := m.SessionClosed("example.com", signals.ReasonFinished)
	require.NoError(t, err)
	want := signals.Snapshot{"a": 1, "b": int64(1), "c": 3, "d": 4}
	assert.Equal(t, want, final)

	require.Len(t, l.closed, 1)
	assert.Equal(t, signals.ReasonFinished, l.closed[0].Reason)
	assert.Equal(t, want, l.closed[0].Stats)

	assert.Empty(t, m.Open())
	kept, ok := m.Finished("example.com")
	assert.True(t, ok)
	assert.Equal(t, want, kept)

	assert.ErrorIs(t, m.SetValue("example.com", "a", 2), ErrUnknownSession)
	assert.ErrorIs(t, s.Stats.SetValue("a", 2), stats.ErrSessionClosed)
	for _, sig := range signals.All() {
		assert.Equal(t, 0, s.Bus.Len(sig), "signal %s still bound", sig)
	}
}

func TestDuplicateAndUnknownSessions(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.SessionOpened("a")
	require.NoError(t, err)
	_, err = m.SessionOpened("a")
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = m.SessionClosed("b", signals.ReasonFinished)
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, err = m.Stats("b")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, "def", m.GetValue("b", "k", "def"))
}

func TestSessionsAreIsolated(t *testing.T) {
	m, subs := newTestManager(t)
	_, err := m.SessionOpened("a")
	require.NoError(t, err)
	_, err = m.SessionOpened("b")
	require.NoError(t, err)

	require.NoError(t, m.SetValue("a", "only_a", 1))
	require.NoError(t, m.SetValue("b", "only_b", 2))

	assert.Equal(t, []string{"only_a"}, subs["a"].sets)
	assert.Equal(t, []string{"only_b"}, subs["b"].sets)

	statsA, err := m.Stats("a")
	require.NoError(t, err)
	assert.Equal(t, signals.Snapshot{"only_a": 1}, statsA)

	// Ambiguous with two sessions open.
	assert.ErrorIs(t, m.SetValue("", "k", 1), ErrUnknownSession)
}

func TestEmptyTokenSelectsSingleSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.SessionOpened("only")
	require.NoError(t, err)

	require.NoError(t, m.IncValue("", "k", 2, 0))
	assert.Equal(t, int64(2), m.GetValue("only", "k", nil))

	require.NoError(t, m.ClearStats(""))
	assert.Nil(t, m.GetValue("only", "k", nil))
}

func TestCoreStats(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	m, _ := newTestManager(t, WithCoreStats(), WithClock(clock))
	_, err := m.SessionOpened("example.com")
	require.NoError(t, err)
	assert.Equal(t, start, m.GetValue("example.com", "start_time", nil))

	now = start.Add(90 * time.Second)
	final, err := m.SessionClosed("example.com", "queue_empty")
	require.NoError(t, err)

	assert.Equal(t, start, final["start_time"])
	assert.Equal(t, now, final["finish_time"])
	assert.Equal(t, "queue_empty", final["finish_reason"])
	assert.Equal(t, 90.0, final["elapsed_time_seconds"])
}

func TestSignallingBackend(t *testing.T) {
	m, subs := newTestManager(t, WithSignallingBackend())
	_, err := m.SessionOpened("example.com")
	require.NoError(t, err)

	require.NoError(t, m.Inc("example.com", "hits"))
	assert.Equal(t, []string{"hits"}, subs["example.com"].keySets)
}

func TestCloseAll(t *testing.T) {
	m, subs := newTestManager(t)
	for _, spider := range []string{"b", "a"} {
		_, err := m.SessionOpened(spider)
		require.NoError(t, err)
	}

	require.NoError(t, m.CloseAll(signals.ReasonShutdown))
	assert.Empty(t, m.Open())
	assert.Equal(t, signals.ReasonShutdown, subs["a"].closed[0].Reason)
	assert.Equal(t, signals.ReasonShutdown, subs["b"].closed[0].Reason)
}

func TestReopenAfterClose(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.SessionOpened("a")
	require.NoError(t, err)
	require.NoError(t, m.SetValue("a", "k", 1))
	_, err = m.SessionClosed("a", signals.ReasonFinished)
	require.NoError(t, err)

	_, err = m.SessionOpened("a")
	require.NoError(t, err)
	_, ok := m.Finished("a")
	assert.False(t, ok)
	assert.Nil(t, m.GetValue("a", "k", nil))
}
