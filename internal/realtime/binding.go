package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/coachpo/keyrent/internal/dispatch"
	"github.com/coachpo/keyrent/internal/observability"
)

// TokenSource supplies the auth token presented on connect.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Snapshot is the observable state of a Binding.
type Snapshot struct {
	Connected   bool
	LastMessage *dispatch.Event
}

// Binding ties a set of event interests to a client for the lifetime of one consumer.
type Binding struct {
	client *Client
	tokens TokenSource

	mu        sync.Mutex
	interests []string
	handler   dispatch.Listener
	unsubs    []func()
	removeObs func()
	connected bool
	last      *dispatch.Event

	changes chan Snapshot
}

// NewBinding constructs an unmounted binding. A nil client selects Default().
func NewBinding(client *Client, tokens TokenSource) *Binding {
	if client == nil {
		client = Default()
	}
	return &Binding{
		client:    client,
		tokens:    tokens,
		connected: client.IsConnected(),
		changes:   make(chan Snapshot, 1),
	}
}

// Mount subscribes handler to every interest and connects with the stored token.
// Subscriptions stay in place when the connect fails.
func (b *Binding) Mount(ctx context.Context, interests []string, handler dispatch.Listener) error {
	b.mu.Lock()
	if b.removeObs == nil {
		b.removeObs = b.client.OnStateChange(b.setConnected)
	}
	b.connected = b.client.IsConnected()
	b.mu.Unlock()

	b.resubscribe(interests, handler)
	return b.connect(ctx)
}

// Update swaps the interest set. A changed set tears every previous
// subscription down before subscribing again; an unchanged set only swaps the handler.
func (b *Binding) Update(ctx context.Context, interests []string, handler dispatch.Listener) error {
	b.mu.Lock()
	same := b.unsubs != nil && slices.Equal(b.interests, interests)
	if same {
		b.handler = handler
	}
	b.mu.Unlock()

	if !same {
		b.resubscribe(interests, handler)
	}
	if b.client.IsConnected() {
		return nil
	}
	return b.connect(ctx)
}

// Unmount removes every subscription made by this binding. Safe to call repeatedly.
func (b *Binding) Unmount() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.interests = nil
	b.handler = nil
	removeObs := b.removeObs
	b.removeObs = nil
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if removeObs != nil {
		removeObs()
	}
}

func (b *Binding) resubscribe(interests []string, handler dispatch.Listener) {
	b.mu.Lock()
	old := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, unsub := range old {
		unsub()
	}

	next := make([]func(), 0, len(interests))
	for _, eventType := range interests {
		next = append(next, b.client.Subscribe(eventType, b.deliver))
	}

	b.mu.Lock()
	b.interests = slices.Clone(interests)
	b.handler = handler
	b.unsubs = next
	b.mu.Unlock()
}

func (b *Binding) deliver(evt dispatch.Event) {
	b.mu.Lock()
	handler := b.handler
	last := evt
	b.last = &last
	b.mu.Unlock()

	if handler != nil {
		handler(evt)
	}
	b.publish()
}

func (b *Binding) connect(ctx context.Context) error {
	var token string
	if b.tokens != nil {
		t, err := b.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("binding: read token: %w", err)
		}
		token = t
	}
	if err := b.client.Connect(ctx, token); err != nil {
		logger.Error("binding connect failed", observability.F("error", err))
		return err
	}
	return nil
}

func (b *Binding) setConnected(connected bool) {
	b.mu.Lock()
	changed := b.connected != connected
	b.connected = connected
	b.mu.Unlock()
	if changed {
		b.publish()
	}
}

func (b *Binding) publish() {
	snap := b.Snapshot()
	select {
	case <-b.changes:
	default:
	}
	select {
	case b.changes <- snap:
	default:
	}
}

// Snapshot returns the current state.
func (b *Binding) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{Connected: b.connected}
	if b.last != nil {
		last := *b.last
		snap.LastMessage = &last
	}
	return snap
}

// Changes delivers the latest snapshot after each state change; intermediate snapshots may be dropped.
func (b *Binding) Changes() <-chan Snapshot { return b.changes }

// IsConnected reports the connection state last observed by the binding.
func (b *Binding) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// LastMessage returns the most recent event delivered to this binding.
func (b *Binding) LastMessage() (dispatch.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return dispatch.Event{}, false
	}
	return *b.last, true
}

// RequestData forwards to the client.
func (b *Binding) RequestData(resourceKind string, params any) bool {
	return b.client.RequestData(resourceKind, params)
}

// SendMessage forwards to the client.
func (b *Binding) SendMessage(eventType string, data any) bool {
	return b.client.Send(eventType, data)
}
