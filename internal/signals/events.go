package signals

import "sort"

// Termination reasons passed to SessionClosed by the host runtime. Any other
// string is passed through untouched.
const (
	ReasonFinished  = "finished"  // work ran out
	ReasonCancelled = "cancelled" // stopped on request
	ReasonShutdown  = "shutdown"  // process exiting without a graceful stop
	ReasonError     = "error"
)

// Snapshot is a point-in-time copy of a session's stats. It never aliases the
// live store, so subscribers may keep it after their handler returns.
type Snapshot map[string]any

// Clone returns a shallow copy; stat values are scalars.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the snapshot keys sorted.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Event is the payload delivered with a signal.
type Event interface {
	Signal() Signal
	// Session returns the correlation token of the owning session.
	Session() string
}

type SessionOpenedEvent struct {
	Spider string
}

func (SessionOpenedEvent) Signal() Signal    { return SessionOpened }
func (e SessionOpenedEvent) Session() string { return e.Spider }

type ValueSetEvent struct {
	Spider string
	Key    string
	Value  any
	Stats  Snapshot
}

func (ValueSetEvent) Signal() Signal    { return ValueSet }
func (e ValueSetEvent) Session() string { return e.Spider }

// ValueIncreasedEvent carries the requested delta, not the resulting value.
type ValueIncreasedEvent struct {
	Spider string
	Key    string
	Count  any
	Start  any
	Stats  Snapshot
}

func (ValueIncreasedEvent) Signal() Signal    { return ValueIncreased }
func (e ValueIncreasedEvent) Session() string { return e.Spider }

type ValueMaxedEvent struct {
	Spider string
	Key    string
	Value  any
	Stats  Snapshot
}

func (ValueMaxedEvent) Signal() Signal    { return ValueMaxed }
func (e ValueMaxedEvent) Session() string { return e.Spider }

type ValueMinnedEvent struct {
	Spider string
	Key    string
	Value  any
	Stats  Snapshot
}

func (ValueMinnedEvent) Signal() Signal    { return ValueMinned }
func (e ValueMinnedEvent) Session() string { return e.Spider }

type StatsClearedEvent struct {
	Spider string
	Stats  Snapshot
}

func (StatsClearedEvent) Signal() Signal    { return StatsCleared }
func (e StatsClearedEvent) Session() string { return e.Spider }

// SessionClosedEvent carries the final stats. Handlers must not assume the
// store is still writable once they receive it.
type SessionClosedEvent struct {
	Spider string
	Reason string
	Stats  Snapshot
}

func (SessionClosedEvent) Signal() Signal    { return SessionClosed }
func (e SessionClosedEvent) Session() string { return e.Spider }

type KeySetEvent struct {
	Spider string
	Key    string
	Value  any
}

func (KeySetEvent) Signal() Signal    { return KeySet }
func (e KeySetEvent) Session() string { return e.Spider }

// KeyDeletedEvent carries the value that was removed.
type KeyDeletedEvent struct {
	Spider string
	Key    string
	Value  any
}

func (KeyDeletedEvent) Signal() Signal    { return KeyDeleted }
func (e KeyDeletedEvent) Session() string { return e.Spider }

// Detach returns ev with its own copy of any stats snapshot, so a handler
// that mutates the map it received cannot change what the next one sees.
func Detach(ev Event) Event {
	switch e := ev.(type) {
	case ValueSetEvent:
		e.Stats = e.Stats.detach()
		return e
	case ValueIncreasedEvent:
		e.Stats = e.Stats.detach()
		return e
	case ValueMaxedEvent:
		e.Stats = e.Stats.detach()
		return e
	case ValueMinnedEvent:
		e.Stats = e.Stats.detach()
		return e
	case StatsClearedEvent:
		e.Stats = e.Stats.detach()
		return e
	case SessionClosedEvent:
		e.Stats = e.Stats.detach()
		return e
	}
	return ev
}

func (s Snapshot) detach() Snapshot {
	if s == nil {
		return nil
	}
	return s.Clone()
}
