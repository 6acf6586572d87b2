// Package poller repeatedly checks a resource's status until it settles or times out.
package poller

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/keyrent/internal/observability"
	"github.com/coachpo/keyrent/internal/telemetry"
)

var logger = observability.Named("poller")

// Canonical statuses shared by every status source.
const (
	StatusCreated    = "created"
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusConfirming = "confirming"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
	StatusCanceled   = "canceled"
	// StatusTimeout is never returned by a fetcher; the session reports it once when it gives up.
	StatusTimeout = "timeout"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 30 * time.Minute
)

// IsTerminal reports whether status ends a polling session.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// Report is a single observation of a resource's status.
type Report struct {
	ResourceID string         `json:"resourceId"`
	Status     string         `json:"status"`
	Fields     map[string]any `json:"fields,omitempty"`
	CheckedAt  time.Time      `json:"checkedAt"`
}

// StatusFetcher retrieves the current status of a resource.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, resourceID string) (Report, error)
}

// FetcherFunc adapts a function to StatusFetcher.
type FetcherFunc func(ctx context.Context, resourceID string) (Report, error)

// FetchStatus implements StatusFetcher.
func (f FetcherFunc) FetchStatus(ctx context.Context, resourceID string) (Report, error) {
	return f(ctx, resourceID)
}

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateStopped State = "stopped"
)

type options struct {
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time
}

// Option customises a single session.
type Option func(*options)

// WithInterval sets the delay between checks.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTimeout sets how long the session may run before reporting a timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock overrides the clock used to measure elapsed time.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// Poller groups sessions and bounds their aggregate fetch rate.
type Poller struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	sessions map[*Session]struct{}

	fetches   metric.Int64Counter
	changes   metric.Int64Counter
	fetchTime metric.Float64Histogram
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithRateLimit bounds fetches across all sessions.
func WithRateLimit(limit rate.Limit, burst int) PollerOption {
	return func(p *Poller) {
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMeter overrides the meter used for poller metrics.
func WithMeter(meter metric.Meter) PollerOption {
	return func(p *Poller) {
		if meter != nil {
			p.instrument(meter)
		}
	}
}

// New constructs a Poller. Fetch rate is unbounded unless WithRateLimit is supplied.
func New(opts ...PollerOption) *Poller {
	p := &Poller{
		limiter:  rate.NewLimiter(rate.Inf, 1),
		sessions: make(map[*Session]struct{}),
	}
	p.instrument(telemetry.Meter("poller"))
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Poller) instrument(meter metric.Meter) {
	p.fetches, _ = meter.Int64Counter("poller.fetches",
		metric.WithDescription("Status fetches by outcome"),
		metric.WithUnit("{fetch}"))
	p.changes, _ = meter.Int64Counter("poller.status.changes",
		metric.WithDescription("Status changes delivered to callers"),
		metric.WithUnit("{change}"))
	p.fetchTime, _ = meter.Float64Histogram("poller.fetch.duration",
		metric.WithDescription("Status fetch latency"),
		metric.WithUnit("ms"))
}

var defaultPoller = New()

// Start polls resourceID on the package-level Poller.
func Start(ctx context.Context, resourceID string, fetcher StatusFetcher, onStatusChange func(Report), opts ...Option) *Session {
	return defaultPoller.Start(ctx, resourceID, fetcher, onStatusChange, opts...)
}

// Start begins polling resourceID. The first check runs immediately and
// onStatusChange fires only when the status differs from the previous one.
// The session stops on a terminal status, on timeout, on Stop or when ctx ends.
func (p *Poller) Start(ctx context.Context, resourceID string, fetcher StatusFetcher, onStatusChange func(Report), opts ...Option) *Session {
	o := options{interval: DefaultInterval, timeout: DefaultTimeout, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		poller:     p,
		resourceID: resourceID,
		fetcher:    fetcher,
		onChange:   onStatusChange,
		opts:       o,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  o.clock(),
		state:      StateIdle,
	}
	if fetcher == nil || strings.TrimSpace(resourceID) == "" {
		s.state = StateStopped
		s.stopped.Store(true)
		cancel()
		close(s.done)
		return s
	}

	p.mu.Lock()
	p.sessions[s] = struct{}{}
	p.mu.Unlock()

	s.setState(StatePolling)
	go s.run(runCtx)
	return s
}

// Active returns the sessions that are still polling, oldest first.
func (p *Poller) Active() []*Session {
	p.mu.Lock()
	out := make([]*Session, 0, len(p.sessions))
	for s := range p.sessions {
		out = append(out, s)
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b *Session) int { return a.startedAt.Compare(b.startedAt) })
	return out
}

// StopAll stops every live session and waits for them to exit.
func (p *Poller) StopAll() {
	for _, s := range p.Active() {
		s.Stop()
	}
}

func (p *Poller) forget(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s)
	p.mu.Unlock()
}

// Session is one resource being polled.
type Session struct {
	poller     *Poller
	resourceID string
	fetcher    StatusFetcher
	onChange   func(Report)
	opts       options
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time

	stopOnce   sync.Once
	stopped    atomic.Bool
	delivering atomic.Bool

	mu         sync.Mutex
	state      State
	lastStatus string
}

// ResourceID returns the polled resource.
func (s *Session) ResourceID() string { return s.resourceID }

// StartedAt returns when the session began.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastStatus returns the most recently delivered status, or "" before the first delivery.
func (s *Session) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Done is closed once the polling loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop halts polling. It is idempotent, and once it returns no further fetch or
// callback starts. Called from inside the session's own callback it does not wait.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
	if s.delivering.Load() {
		return
	}
	<-s.done
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.setState(StateStopped)
		s.poller.forget(s)
		close(s.done)
	}()

	if !s.check(ctx) {
		return
	}
	ticker := time.NewTicker(s.opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.check(ctx) {
				return
			}
		}
	}
}

// check runs one poll cycle and reports whether polling should continue.
func (s *Session) check(ctx context.Context) bool {
	if s.stopped.Load() || ctx.Err() != nil {
		return false
	}
	now := s.opts.clock()
	if now.Sub(s.startedAt) > s.opts.timeout {
		s.stopped.Store(true)
		logger.Info("poll timed out",
			observability.F("resource_id", s.resourceID),
			observability.F("timeout", s.opts.timeout.String()))
		s.deliver(Report{ResourceID: s.resourceID, Status: StatusTimeout, CheckedAt: now})
		return false
	}

	if err := s.poller.limiter.Wait(ctx); err != nil {
		return false
	}
	start := time.Now()
	report, err := s.fetcher.FetchStatus(ctx, s.resourceID)
	s.poller.fetchTime.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	if err != nil {
		if s.stopped.Load() || errors.Is(err, context.Canceled) {
			return false
		}
		s.poller.fetches.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.OperationResultAttributes("fetch_status", "error")...))
		logger.Error("poll fetch failed",
			observability.F("resource_id", s.resourceID),
			observability.F("error", err))
		return true
	}
	s.poller.fetches.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OperationResultAttributes("fetch_status", "ok")...))
	if s.stopped.Load() || ctx.Err() != nil {
		return false
	}
	if report.ResourceID == "" {
		report.ResourceID = s.resourceID
	}
	if report.CheckedAt.IsZero() {
		report.CheckedAt = s.opts.clock()
	}

	s.mu.Lock()
	changed := report.Status != s.lastStatus
	s.mu.Unlock()
	if changed {
		s.deliver(report)
	}
	if IsTerminal(report.Status) {
		s.stopped.Store(true)
		return false
	}
	return !s.stopped.Load()
}

func (s *Session) deliver(report Report) {
	s.mu.Lock()
	s.lastStatus = report.Status
	s.mu.Unlock()
	s.poller.changes.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.PaymentAttributes("", report.Status)...))
	if s.onChange == nil {
		return
	}
	s.delivering.Store(true)
	defer s.delivering.Store(false)
	if recovered := panics.Try(func() { s.onChange(report) }); recovered != nil {
		logger.Error("poll status callback panicked",
			observability.F("resource_id", s.resourceID),
			observability.F("status", report.Status),
			observability.F("panic", recovered.String()))
	}
}
