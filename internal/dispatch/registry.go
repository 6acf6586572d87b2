// Package dispatch maps event types to listener sets and fans events out to them.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/keyrent/internal/observability"
	"github.com/coachpo/keyrent/internal/telemetry"
)

var logger = observability.Named("dispatch")

// Event is a single inbound message delivered to listeners.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// Listener receives events for the type it subscribed to.
type Listener func(Event)

type subscription struct {
	listener Listener
	active   atomic.Bool
}

// Registry fans events out to the listeners subscribed to their type.
//
// Listeners for one type run synchronously, in registration order, on the
// goroutine calling Notify. A listener may subscribe or unsubscribe anyone,
// itself included, while being invoked; an unsubscribed listener is never
// called again, even later within the same Notify.
type Registry struct {
	mu   sync.Mutex
	subs map[string][]*subscription

	notifications metric.Int64Counter
	failures      metric.Int64Counter
	active        metric.Int64UpDownCounter
}

// Option configures a Registry.
type Option func(*Registry)

// WithMeter overrides the meter used for registry metrics.
func WithMeter(meter metric.Meter) Option {
	return func(r *Registry) {
		if meter != nil {
			r.instrument(meter)
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{subs: make(map[string][]*subscription)}
	r.instrument(telemetry.Meter("dispatch"))
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) instrument(meter metric.Meter) {
	r.notifications, _ = meter.Int64Counter("dispatch.notifications",
		metric.WithDescription("Number of events fanned out to listeners"),
		metric.WithUnit("{event}"))
	r.failures, _ = meter.Int64Counter("dispatch.listener.failures",
		metric.WithDescription("Number of listener invocations that panicked"),
		metric.WithUnit("{invocation}"))
	r.active, _ = meter.Int64UpDownCounter("dispatch.subscriptions",
		metric.WithDescription("Number of live listener subscriptions"),
		metric.WithUnit("{subscription}"))
}

// Subscribe registers listener under eventType and returns a function removing exactly this registration.
// Subscribing the same listener twice results in double delivery.
func (r *Registry) Subscribe(eventType string, listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	sub := &subscription{listener: listener}
	sub.active.Store(true)

	r.mu.Lock()
	r.subs[eventType] = append(r.subs[eventType], sub)
	r.mu.Unlock()
	r.addActive(eventType, 1)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(eventType, sub) })
	}
}

// SubscribeToMany registers every listener in listeners and returns one combined unsubscribe.
func (r *Registry) SubscribeToMany(listeners map[string]Listener) func() {
	unsubs := make([]func(), 0, len(listeners))
	for eventType, listener := range listeners {
		unsubs = append(unsubs, r.Subscribe(eventType, listener))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (r *Registry) remove(eventType string, target *subscription) {
	if !target.active.CompareAndSwap(true, false) {
		return
	}
	r.mu.Lock()
	list := r.subs[eventType]
	for i, sub := range list {
		if sub != target {
			continue
		}
		// copy-on-write keeps snapshots handed to Notify intact
		next := make([]*subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, eventType)
		} else {
			r.subs[eventType] = next
		}
		break
	}
	r.mu.Unlock()
	r.addActive(eventType, -1)
}

// Notify delivers evt to every listener currently subscribed to eventType.
// A panicking listener is logged and does not prevent delivery to the others.
func (r *Registry) Notify(eventType string, evt Event) {
	r.mu.Lock()
	snapshot := r.subs[eventType]
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	if evt.Type == "" {
		evt.Type = eventType
	}
	ctx := context.Background()
	if r.notifications != nil {
		r.notifications.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(eventType)...))
	}

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		listener := sub.listener
		if recovered := panics.Try(func() { listener(evt) }); recovered != nil {
			logger.Error("dispatch listener panicked",
				observability.F("event_type", eventType),
				observability.F("panic", recovered.String()))
			if r.failures != nil {
				r.failures.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(eventType)...))
			}
		}
	}
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	old := r.subs
	r.subs = make(map[string][]*subscription)
	r.mu.Unlock()

	for eventType, list := range old {
		for _, sub := range list {
			sub.active.Store(false)
		}
		r.addActive(eventType, -int64(len(list)))
	}
}

// Types returns the event types that currently have at least one listener, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.subs))
	for eventType := range r.subs {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of listeners subscribed to eventType.
func (r *Registry) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[eventType])
}

// Counts returns listener counts keyed by event type.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.subs))
	for eventType, list := range r.subs {
		out[eventType] = len(list)
	}
	return out
}

func (r *Registry) addActive(eventType string, delta int64) {
	if r.active == nil || delta == 0 {
		return
	}
	r.active.Add(context.Background(), delta, metric.WithAttributes(telemetry.EventAttributes(eventType)...))
}
