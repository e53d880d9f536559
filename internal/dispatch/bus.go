// Package dispatch delivers stats signals to registered handlers.
//
// Delivery is synchronous and ordered: Emit runs every handler subscribed to
// the event's signal, in registration order, before returning. Each handler
// gets its own copy of the stats snapshot. A handler that fails or panics is
// logged and skipped; it never stops delivery to the handlers after it and
// never surfaces as an error to the emitter.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidSignal         = errors.New("invalid signal")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrPayloadMismatch       = errors.New("payload does not match handler")
)

// Handler reacts to one delivered event.
type Handler func(signals.Event) error

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	Signal signals.Signal
	Name   string
	id     uint64
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Failure records one handler that did not complete.
type Failure struct {
	Subscriber string
	Signal     signals.Signal
	Err        error
	Panicked   bool
}

// Bus maps signals to ordered handler lists.
type Bus struct {
	mu          sync.RWMutex
	subs        map[signals.Signal][]subscription
	nextID      uint64
	uniqueNames bool
	log         logrus.FieldLogger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithUniqueNames rejects a second subscription under the same name for the
// same signal.
func WithUniqueNames() Option {
	return func(b *Bus) {
		b.uniqueNames = true
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[signals.Signal][]subscription),
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for sig. name identifies the subscriber in logs.
func (b *Bus) Subscribe(sig signals.Signal, name string, handler Handler) (Subscription, error) {
	if !sig.Valid() {
		return Subscription{}, ErrInvalidSignal
	}
	if handler == nil {
		return Subscription{}, fmt.Errorf("nil handler for %s", sig)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.uniqueNames {
		for _, s := range b.subs[sig] {
			if s.name == name {
				return Subscription{}, fmt.Errorf("%w: %q on %s", ErrDuplicateSubscription, name, sig)
			}
		}
	}

	b.nextID++
	b.subs[sig] = append(b.subs[sig], subscription{id: b.nextID, name: name, handler: handler})
	return Subscription{Signal: sig, Name: name, id: b.nextID}, nil
}

// On subscribes a handler typed on a concrete event struct. The signal is
// taken from E itself, so the payload shape is checked at compile time.
func On[E signals.Event](b *Bus, name string, fn func(E) error) (Subscription, error) {
	var zero E
	return b.Subscribe(zero.Signal(), name, func(ev signals.Event) error {
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("%w: got %T", ErrPayloadMismatch, ev)
		}
		return fn(e)
	})
}

// Unsubscribe removes a handler. Removing an unknown subscription is a no-op.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.Signal]
	for i, sub := range list {
		if sub.id == s.id {
			// Copy so an in-flight Emit keeps iterating its own slice.
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.subs[s.Signal] = next
			return
		}
	}
}

// Len returns the number of handlers subscribed to sig.
func (b *Bus) Len(sig signals.Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sig])
}

// Emit delivers ev to every handler of its signal and returns the failures,
// if any. Callers are free to ignore the result.
func (b *Bus) Emit(ev signals.Event) []Failure {
	if ev == nil {
		return nil
	}
	sig := ev.Signal()

	b.mu.RLock()
	list := b.subs[sig]
	b.mu.RUnlock()

	var failures []Failure
	for _, sub := range list {
		if f := b.deliver(sig, sub, ev); f != nil {
			failures = append(failures, *f)
		}
	}
	return failures
}

func (b *Bus) deliver(sig signals.Signal, sub subscription, ev signals.Event) (failure *Failure) {
	defer func() {
		if r := recover(); r != nil {
			failure = &Failure{
				Subscriber: sub.name,
				Signal:     sig,
				Err:        fmt.Errorf("panic: %v", r),
				Panicked:   true,
			}
			b.report(failure, ev)
		}
	}()

	if err := sub.handler(signals.Detach(ev)); err != nil {
		failure = &Failure{Subscriber: sub.name, Signal: sig, Err: err}
		b.report(failure, ev)
	}
	return failure
}

func (b *Bus) report(f *Failure, ev signals.Event) {
	kind := "error"
	if f.Panicked {
		kind = "panic"
	}
	b.log.WithFields(logrus.Fields{
		"signal":     f.Signal.String(),
		"subscriber": f.Subscriber,
		"spider":     ev.Session(),
		"kind":       kind,
	}).Errorf("Error caught on signal handler: %v", f.Err)
}
