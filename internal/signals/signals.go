// Package signals defines the fixed catalogue of stats signals and the typed
// payload carried by each one.
package signals

// Signal identifies one kind of observable event. Signals are compared by
// identity: each predeclared value wraps its own pointer, so two signals never
// collide even when their payloads look alike. The zero Signal is invalid and
// code outside this package cannot build a new one.
type Signal struct {
	def *definition
}

type definition struct {
	name string
}

func newSignal(name string) Signal {
	return Signal{def: &definition{name: name}}
}

// Collector signals describe the intent of a stats operation.
var (
	ValueSet       = newSignal("value_set")
	ValueIncreased = newSignal("value_increased")
	ValueMaxed     = newSignal("value_maxed")
	ValueMinned    = newSignal("value_minned")
	StatsCleared   = newSignal("stats_cleared")
	SessionClosed  = newSignal("session_closed")
)

// Raw mapping signals describe a change to the underlying key/value store.
var (
	KeySet     = newSignal("key_set")
	KeyDeleted = newSignal("key_deleted")
)

// SessionOpened is emitted by the host when a new session starts.
var SessionOpened = newSignal("session_opened")

var catalogue = []Signal{
	SessionOpened,
	ValueSet,
	ValueIncreased,
	ValueMaxed,
	ValueMinned,
	StatsCleared,
	SessionClosed,
	KeySet,
	KeyDeleted,
}

// All returns every known signal in a stable order.
func All() []Signal {
	out := make([]Signal, len(catalogue))
	copy(out, catalogue)
	return out
}

// Valid reports whether s is one of the predeclared signals.
func (s Signal) Valid() bool {
	return s.def != nil
}

func (s Signal) String() string {
	if s.def == nil {
		return "invalid"
	}
	return s.def.name
}
