// Package subscriber defines the handler set a stats observer implements and
// binds it to a session's bus.
package subscriber

import (
	"fmt"

	"github.com/alvmarrod/statweaver/internal/dispatch"
	"github.com/alvmarrod/statweaver/internal/signals"
)

// Subscriber has one handler per signal. Embed Base to get no-op defaults and
// override only what you need.
type Subscriber interface {
	SessionOpened(signals.SessionOpenedEvent) error
	ValueSet(signals.ValueSetEvent) error
	ValueIncreased(signals.ValueIncreasedEvent) error
	ValueMaxed(signals.ValueMaxedEvent) error
	ValueMinned(signals.ValueMinnedEvent) error
	StatsCleared(signals.StatsClearedEvent) error
	// SessionClosed receives the final stats. The store may already be gone
	// when it returns.
	SessionClosed(signals.SessionClosedEvent) error
	KeySet(signals.KeySetEvent) error
	KeyDeleted(signals.KeyDeletedEvent) error
}

// Base ignores every signal.
type Base struct{}

func (Base) SessionOpened(signals.SessionOpenedEvent) error   { return nil }
func (Base) ValueSet(signals.ValueSetEvent) error             { return nil }
func (Base) ValueIncreased(signals.ValueIncreasedEvent) error { return nil }
func (Base) ValueMaxed(signals.ValueMaxedEvent) error         { return nil }
func (Base) ValueMinned(signals.ValueMinnedEvent) error       { return nil }
func (Base) StatsCleared(signals.StatsClearedEvent) error     { return nil }
func (Base) SessionClosed(signals.SessionClosedEvent) error   { return nil }
func (Base) KeySet(signals.KeySetEvent) error                 { return nil }
func (Base) KeyDeleted(signals.KeyDeletedEvent) error         { return nil }

var _ Subscriber = Base{}

// Register binds every handler of sub to bus under name. On error the
// handlers registered so far are removed again.
func Register(bus *dispatch.Bus, name string, sub Subscriber) ([]dispatch.Subscription, error) {
	binders := []func() (dispatch.Subscription, error){
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.SessionOpened) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.ValueSet) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.ValueIncreased) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.ValueMaxed) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.ValueMinned) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.StatsCleared) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.SessionClosed) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.KeySet) },
		func() (dispatch.Subscription, error) { return dispatch.On(bus, name, sub.KeyDeleted) },
	}

	subs := make([]dispatch.Subscription, 0, len(binders))
	for _, bind := range binders {
		s, err := bind()
		if err != nil {
			Unregister(bus, subs)
			return nil, fmt.Errorf("failed to register subscriber %q: %w", name, err)
		}
		subs = append(subs, s)
	}
	return subs, nil
}

// Unregister removes subscriptions returned by Register.
func Unregister(bus *dispatch.Bus, subs []dispatch.Subscription) {
	for _, s := range subs {
		bus.Unsubscribe(s)
	}
}
