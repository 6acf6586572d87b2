// Package realtime maintains the authenticated realtime connection and routes inbound frames to listeners.
package realtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/dispatch"
	"github.com/coachpo/keyrent/internal/observability"
	"github.com/coachpo/keyrent/internal/telemetry"
)

var logger = observability.Named("realtime")

// Config controls connection and reconnect behaviour.
type Config struct {
	Endpoint             string
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	ReconnectMultiplier  float64
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	RequestTimeout       time.Duration
}

// DefaultConfig returns the stock connection settings.
func DefaultConfig() Config {
	return Config{
		Endpoint:             "ws://localhost:8080/ws",
		ReconnectInterval:    2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		ReconnectMultiplier:  1.5,
		MaxReconnectAttempts: 5,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		RequestTimeout:       15 * time.Second,
	}
}

func (c Config) normalise() Config {
	def := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = c.ReconnectInterval
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = def.ReconnectMultiplier
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}

// Scheduler runs f once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides the connection dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithRegistry shares an existing listener registry.
func WithRegistry(r *dispatch.Registry) Option {
	return func(c *Client) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithScheduler overrides how reconnect attempts are scheduled.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) {
		if s != nil {
			c.after = s
		}
	}
}

// WithClock overrides the clock used to stamp outbound frames.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMeter overrides the meter used for connection metrics.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		if meter != nil {
			c.meter = meter
		}
	}
}

// Client owns at most one live connection and routes its frames through a dispatch registry.
type Client struct {
	cfg      Config
	dialer   Dialer
	registry *dispatch.Registry
	after    Scheduler
	now      func() time.Time
	meter    metric.Meter

	flight singleflight.Group

	mu        sync.Mutex
	conn      Conn
	gen       uint64
	token     string
	attempts  int
	backoff   *backoff.ExponentialBackOff
	stopRetry func() bool
	closing   bool
	life      context.Context
	cancel    context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan dispatch.Event

	observersMu sync.Mutex
	observers   map[uint64]func(bool)
	nextObs     uint64

	connects     metric.Int64Counter
	reconnects   metric.Int64Counter
	framesIn     metric.Int64Counter
	framesOut    metric.Int64Counter
	sendFailures metric.Int64Counter
	connectDur   metric.Float64Histogram
}

// NewClient constructs a disconnected client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg.normalise(),
		dialer:    WebSocketDialer{},
		after:     afterFunc,
		now:       time.Now,
		meter:     telemetry.Meter("realtime"),
		pending:   make(map[string]chan dispatch.Event),
		observers: make(map[uint64]func(bool)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.registry == nil {
		c.registry = dispatch.NewRegistry()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInterval
	bo.MaxInterval = c.cfg.MaxReconnectInterval
	bo.Multiplier = c.cfg.ReconnectMultiplier
	bo.RandomizationFactor = 0
	bo.Reset()
	c.backoff = bo
	c.instrument()
	return c
}

func (c *Client) instrument() {
	c.connects, _ = c.meter.Int64Counter("realtime.connects",
		metric.WithDescription("Connection attempts by outcome"),
		metric.WithUnit("{attempt}"))
	c.reconnects, _ = c.meter.Int64Counter("realtime.reconnects",
		metric.WithDescription("Reconnect scheduling decisions"),
		metric.WithUnit("{attempt}"))
	c.framesIn, _ = c.meter.Int64Counter("realtime.frames.in",
		metric.WithDescription("Inbound frames"),
		metric.WithUnit("{frame}"))
	c.framesOut, _ = c.meter.Int64Counter("realtime.frames.out",
		metric.WithDescription("Outbound frames"),
		metric.WithUnit("{frame}"))
	c.sendFailures, _ = c.meter.Int64Counter("realtime.send.failures",
		metric.WithDescription("Outbound frames that could not be sent"),
		metric.WithUnit("{frame}"))
	c.connectDur, _ = c.meter.Float64Histogram("realtime.connect.duration",
		metric.WithDescription("Time spent establishing a connection"),
		metric.WithUnit("ms"))
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Registry exposes the listener registry backing this client.
func (c *Client) Registry() *dispatch.Registry { return c.registry }

// Connect opens the connection if it is not already open. Concurrent callers
// share a single in-flight dial. Cancelling ctx abandons only this caller's wait.
func (c *Client) Connect(ctx context.Context, token string) error {
	if c.IsConnected() {
		return nil
	}
	c.mu.Lock()
	c.closing = false
	if c.life == nil {
		c.life, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()
	return c.connect(ctx, token)
}

func (c *Client) connect(ctx context.Context, token string) error {
	ch := c.flight.DoChan("connect", func() (any, error) {
		return nil, c.dial(token)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(token string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.closing || c.life == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	life := c.life
	c.token = token
	c.mu.Unlock()

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(life, c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.cfg.Endpoint, token)
	cancel()
	c.connectDur.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	if err != nil {
		c.connects.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.OperationResultAttributes("connect", "error")...))
		logger.Error("realtime connect failed",
			observability.F("endpoint", c.cfg.Endpoint),
			observability.F("error", err))
		return errs.New("realtime", errs.CodeNetwork,
			errs.WithMessage("connect failed"),
			errs.WithField("endpoint", c.cfg.Endpoint),
			errs.WithCause(err))
	}

	c.mu.Lock()
	if c.closing || life.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()

	c.connects.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OperationResultAttributes("connect", "ok")...))
	logger.Info("realtime connected", observability.F("endpoint", c.cfg.Endpoint))
	c.emitState(true)

	go c.readLoop(life, conn, gen)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		c.framesIn.Add(context.Background(), 1)

		evt, err := DecodeFrame(raw)
		if err != nil {
			logger.Error("realtime frame dropped", observability.F("error", err))
			continue
		}
		if evt.RequestID != "" {
			c.resolvePending(evt)
		}
		c.registry.Notify(evt.Type, evt)
	}
}

func (c *Client) handleClose(conn Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closing := c.closing
	c.mu.Unlock()

	_ = conn.Close()
	c.emitState(false)
	if closing || errors.Is(cause, context.Canceled) {
		return
	}
	logger.Info("realtime connection lost", observability.F("error", cause))
	c.handleReconnect()
}

// handleReconnect schedules the next attempt or gives up once attempts are exhausted.
func (c *Client) handleReconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.reconnects.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.ConnectionStateExhausted)...))
		logger.Error("realtime reconnect attempts exhausted",
			observability.F("attempts", attempts))
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := c.backoff.NextBackOff()
	token := c.token
	c.stopRetry = c.after(delay, func() { c.retry(token) })
	c.mu.Unlock()

	c.reconnects.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.ConnectionStateReconnecting)...))
	logger.Info("realtime reconnect scheduled",
		observability.F("attempt", attempt),
		observability.F("delay", delay.String()))
}

func (c *Client) retry(token string) {
	c.mu.Lock()
	c.stopRetry = nil
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	if err := c.connect(context.Background(), token); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.handleReconnect()
	}
}

// Disconnect closes the connection, cancels any pending reconnect, drops every
// listener and fails outstanding requests. Safe to call repeatedly. The
// reconnect attempt count is kept until the next successful open.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
	cancel := c.cancel
	c.life, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
		c.emitState(false)
		logger.Info("realtime disconnected", observability.F("endpoint", c.cfg.Endpoint))
	}
	c.registry.Clear()
	c.failPending()
}

// IsConnected reports whether a connection is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ReconnectAttempts returns the number of reconnects attempted since the last successful connect.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Send writes a frame of the given type. It reports false when disconnected or when the write fails.
func (c *Client) Send(eventType string, data any) bool {
	return c.send(eventType, data, "") == nil
}

// RequestData asks the server for a resource without waiting for the reply.
func (c *Client) RequestData(resourceKind string, params any) bool {
	return c.Send(DataRequestType, DataRequest{ResourceKind: resourceKind, Params: params})
}

// AskForData sends a data_request tagged with a fresh request id and waits for
// the inbound frame carrying the same id.
func (c *Client) AskForData(ctx context.Context, resourceKind string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan dispatch.Event, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(DataRequestType, DataRequest{ResourceKind: resourceKind, Params: params}, id); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case evt, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return evt.Data, nil
	case <-waitCtx.Done():
		return nil, errs.New("realtime", errs.CodeTimeout,
			errs.WithMessage("no response to data request"),
			errs.WithField("resource_kind", resourceKind),
			errs.WithField("request_id", id),
			errs.WithCause(waitCtx.Err()))
	}
}

func (c *Client) send(eventType string, data any, requestID string) error {
	c.mu.Lock()
	conn := c.conn
	life := c.life
	c.mu.Unlock()
	if conn == nil || life == nil {
		c.recordSendFailure(eventType, "not_connected")
		return ErrNotConnected
	}

	payload, err := EncodeFrame(eventType, data, c.now(), requestID)
	if err != nil {
		c.recordSendFailure(eventType, "encode")
		logger.Error("realtime encode failed",
			observability.F("event_type", eventType),
			observability.F("error", err))
		return errs.New("realtime", errs.CodeInvalid, errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(life, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, payload); err != nil {
		c.recordSendFailure(eventType, "write")
		logger.Error("realtime write failed",
			observability.F("event_type", eventType),
			observability.F("error", err))
		return errs.New("realtime", errs.CodeNetwork, errs.WithCause(err))
	}
	c.framesOut.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.EventAttributes(eventType)...))
	return nil
}

func (c *Client) recordSendFailure(eventType, reason string) {
	attrs := append(telemetry.EventAttributes(eventType), telemetry.AttrReason.String(reason))
	c.sendFailures.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (c *Client) resolvePending(evt dispatch.Event) {
	c.pendingMu.Lock()
	ch, ok := c.pending[evt.RequestID]
	if ok {
		delete(c.pending, evt.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- evt
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Subscribe registers a listener for one event type.
func (c *Client) Subscribe(eventType string, listener dispatch.Listener) func() {
	return c.registry.Subscribe(eventType, listener)
}

// SubscribeToMany registers several listeners and returns one combined unsubscribe.
func (c *Client) SubscribeToMany(listeners map[string]dispatch.Listener) func() {
	return c.registry.SubscribeToMany(listeners)
}

// OnStateChange registers an observer invoked with true on connect and false on close.
func (c *Client) OnStateChange(fn func(connected bool)) func() {
	if fn == nil {
		return func() {}
	}
	c.observersMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.observersMu.Unlock()
	return func() {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
}

func (c *Client) emitState(connected bool) {
	c.observersMu.Lock()
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	fns := make([]func(bool), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.observersMu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the process-wide client, creating it from DefaultConfig on first use.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		defaultClient = NewClient(DefaultConfig())
	}
	return defaultClient
}

// SetDefault replaces the process-wide client.
func SetDefault(c *Client) {
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
}
