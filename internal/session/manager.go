// Package session scopes a stats store and its bus to one crawl run. The
// Manager is what the host runtime talks to: it opens and closes sessions and
// routes stats operations to the right one by correlation token.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alvmarrod/statweaver/internal/dispatch"
	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/stats"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already open")
)

// Session is the lifetime of one instrumented run.
type Session struct {
	ID       string
	Spider   string
	OpenedAt time.Time
	Bus      *dispatch.Bus
	Stats    *stats.Collector

	subs []dispatch.Subscription
}

// Factory builds the subscriber instance a session should notify.
type Factory func(*Session) subscriber.Subscriber

// BackendFactory builds the storage strategy for a new session.
type BackendFactory func(spider string, bus *dispatch.Bus) stats.Backend

type namedFactory struct {
	name    string
	factory Factory
}

// Manager owns every open session of the process.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	finished  map[string]signals.Snapshot
	factories []namedFactory

	log        logrus.FieldLogger
	newBackend BackendFactory
	coreStats  bool
	dumpStats  bool
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithBackend(f BackendFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.newBackend = f
		}
	}
}

// WithSignallingBackend stores stats in a SignallingDict, so raw key_set and
// key_deleted signals fire in addition to the collector signals.
func WithSignallingBackend() Option {
	return WithBackend(func(spider string, bus *dispatch.Bus) stats.Backend {
		return stats.NewSignallingDict(spider, bus, stats.NewMemoryBackend(nil))
	})
}

// WithCoreStats records start_time, finish_time, finish_reason and
// elapsed_time_seconds for every session.
func WithCoreStats() Option {
	return func(m *Manager) {
		m.coreStats = true
	}
}

// WithDumpStats logs the final stats of each session when it closes.
func WithDumpStats() Option {
	return func(m *Manager) {
		m.dumpStats = true
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager with no open sessions.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		finished: make(map[string]signals.Snapshot),
		log:      logrus.StandardLogger(),
		newBackend: func(string, *dispatch.Bus) stats.Backend {
			return stats.NewMemoryBackend(nil)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSubscriber registers a factory invoked for every session opened after
// this call.
func (m *Manager) AddSubscriber(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = append(m.factories, namedFactory{name: name, factory: f})
}

// SessionOpened creates the session for spider, binds the subscribers and
// announces the start.
func (m *Manager) SessionOpened(spider string) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[spider]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, spider)
	}

	log := m.log.WithField("spider", spider)
	bus := dispatch.New(dispatch.WithLogger(log))
	var collectorOpts []stats.CollectorOption
	if m.dumpStats {
		collectorOpts = append(collectorOpts, stats.WithDumpOnClose(log))
	}

	s := &Session{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Spider:   spider,
		OpenedAt: m.now(),
		Bus:      bus,
		Stats:    stats.NewCollector(spider, bus, m.newBackend(spider, bus), collectorOpts...),
	}

	for _, nf := range m.factories {
		sub := nf.factory(s)
		if sub == nil {
			continue
		}
		subs, err := subscriber.Register(bus, nf.name, sub)
		if err != nil {
			m.mu.Unlock()
			subscriber.Unregister(bus, s.subs)
			return nil, err
		}
		s.subs = append(s.subs, subs...)
	}
	m.sessions[spider] = s
	delete(m.finished, spider)
	m.mu.Unlock()

	log.WithField("session_id", s.ID).Info("Session opened")
	bus.Emit(signals.SessionOpenedEvent{Spider: spider})

	if m.coreStats {
		if err := s.Stats.SetValue("start_time", s.OpenedAt); err != nil {
			return s, err
		}
	}
	return s, nil
}

// SessionClosed closes the stats of spider, keeps the final snapshot for
// Finished and tears the session down.
func (m *Manager) SessionClosed(spider, reason string) (signals.Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[spider]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, spider)
	}
	delete(m.sessions, spider)
	m.mu.Unlock()

	if m.coreStats {
		finished := m.now()
		_ = s.Stats.SetValue("finish_time", finished)
		_ = s.Stats.SetValue("finish_reason", reason)
		_ = s.Stats.SetValue("elapsed_time_seconds", finished.Sub(s.OpenedAt).Seconds())
	}

	final, err := s.Stats.CloseSession(reason)
	subscriber.Unregister(s.Bus, s.subs)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.finished[spider] = final
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"spider":     spider,
		"session_id": s.ID,
		"reason":     reason,
		"stats":      len(final),
	}).Info("Session closed")
	return final.Clone(), nil
}

// CloseAll closes every open session with reason.
func (m *Manager) CloseAll(reason string) error {
	var errs []error
	for _, spider := range m.Open() {
		if _, err := m.SessionClosed(spider, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open returns the tokens of open sessions, sorted.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for spider := range m.sessions {
		out = append(out, spider)
	}
	sort.Strings(out)
	return out
}

// Get returns the open session for spider.
func (m *Manager) Get(spider string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolve(spider)
}

// Finished returns the final stats of a closed session.
func (m *Manager) Finished(spider string) (signals.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.finished[spider]
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

// resolve maps a token to its session. An empty token selects the only open
// session, if there is exactly one.
func (m *Manager) resolve(spider string) (*Session, error) {
	if spider == "" && len(m.sessions) == 1 {
		for _, s := range m.sessions {
			return s, nil
		}
	}
	s, ok := m.sessions[spider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, spider)
	}
	return s, nil
}

func (m *Manager) collector(spider string) (*stats.Collector, error) {
	s, err := m.Get(spider)
	if err != nil {
		return nil, err
	}
	return s.Stats, nil
}
