package payment

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/observability"
	"github.com/coachpo/keyrent/internal/poller"
	"github.com/coachpo/keyrent/internal/telemetry"
)

var logger = observability.Named("payment")

// Step is a stage of the payment step machine.
type Step string

const (
	StepNone       Step = ""
	StepCreated    Step = poller.StatusCreated
	StepPending    Step = poller.StatusPending
	StepApproved   Step = poller.StatusApproved
	StepConfirming Step = poller.StatusConfirming
	StepCompleted  Step = poller.StatusCompleted
	StepFailed     Step = poller.StatusFailed
	StepExpired    Step = poller.StatusExpired
	StepCanceled   Step = poller.StatusCanceled
	StepTimeout    Step = poller.StatusTimeout
)

// Terminal reports whether the step ends the flow.
func (s Step) Terminal() bool {
	return s == StepTimeout || poller.IsTerminal(string(s))
}

func (s Step) rank() int {
	switch s {
	case StepCreated:
		return 1
	case StepPending:
		return 2
	case StepApproved:
		return 3
	case StepConfirming:
		return 4
	case StepCompleted, StepFailed, StepExpired, StepCanceled, StepTimeout:
		return 5
	}
	return 0
}

// Message returns the text shown to the buyer for the step.
func (s Step) Message() string {
	switch s {
	case StepCreated:
		return "Payment created."
	case StepPending:
		return "Waiting for payment."
	case StepApproved:
		return "Payment approved, capturing funds."
	case StepConfirming:
		return "Payment received, waiting for confirmation."
	case StepCompleted:
		return "Payment completed."
	case StepFailed:
		return "Payment failed. Please try again or choose another method."
	case StepExpired:
		return "Payment expired before it was confirmed."
	case StepCanceled:
		return "Payment was canceled."
	case StepTimeout:
		return "Payment confirmation took too long. Check your payment history before trying again."
	}
	return ""
}

// Update describes one step transition.
type Update struct {
	Method   Method
	ChargeID string
	Previous Step
	Step     Step
	Message  string
	Report   poller.Report
	Err      error
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithPollOptions forwards options to every poll session the flow starts.
func WithPollOptions(opts ...poller.Option) FlowOption {
	return func(f *Flow) {
		f.pollOpts = append(f.pollOpts, opts...)
	}
}

// WithFlowMeter overrides the meter used for flow metrics.
func WithFlowMeter(meter metric.Meter) FlowOption {
	return func(f *Flow) {
		if meter != nil {
			f.meter = meter
		}
	}
}

// Flow drives one payment from creation to a terminal step.
type Flow struct {
	providers map[Method]Provider
	poller    *poller.Poller
	pollOpts  []poller.Option
	meter     metric.Meter
	outcomes  metric.Int64Counter

	mu       sync.Mutex
	method   Method
	charge   Charge
	step     Step
	session  *poller.Session
	cancel   context.CancelFunc
	onUpdate func(Update)
	ctx      context.Context
}

// NewFlow constructs a flow over the given providers. A nil poller uses a fresh one.
func NewFlow(p *poller.Poller, providers []Provider, opts ...FlowOption) *Flow {
	if p == nil {
		p = poller.New()
	}
	f := &Flow{
		providers: make(map[Method]Provider, len(providers)),
		poller:    p,
		meter:     telemetry.Meter("payment"),
	}
	for _, prov := range providers {
		if prov != nil {
			f.providers[prov.Method()] = prov
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.outcomes, _ = f.meter.Int64Counter("payment.outcomes",
		metric.WithDescription("Payment flows reaching a terminal step"),
		metric.WithUnit("{payment}"))
	return f
}

// Provider returns the provider registered for method.
func (f *Flow) Provider(method Method) (Provider, error) {
	prov, ok := f.providers[method]
	if !ok {
		return nil, errs.New("payment", errs.CodeInvalid,
			errs.WithMessage("no provider for method"),
			errs.WithField("method", string(method)))
	}
	return prov, nil
}

// Start creates a charge for order and follows it until a terminal step.
// onUpdate receives every step transition, starting with the created charge.
func (f *Flow) Start(ctx context.Context, method Method, order Order, onUpdate func(Update)) (Charge, error) {
	if err := order.Validate(); err != nil {
		return Charge{}, err
	}
	prov, err := f.Provider(method)
	if err != nil {
		return Charge{}, err
	}
	charge, err := prov.Create(ctx, order)
	if err != nil {
		return Charge{}, err
	}
	if charge.ID == "" {
		return Charge{}, errs.New("payment", errs.CodeProvider,
			errs.WithMessage("provider returned a charge without id"),
			errs.WithField("method", string(method)))
	}
	if charge.Status == "" {
		charge.Status = poller.StatusCreated
	}
	if charge.CreatedAt.IsZero() {
		charge.CreatedAt = time.Now().UTC()
	}
	logger.Info("payment created",
		observability.F("method", string(method)),
		observability.F("charge_id", charge.ID),
		observability.F("rental_id", order.RentalID))

	f.begin(ctx, method, charge, StepNone, onUpdate)
	f.advance(Step(charge.Status), poller.Report{ResourceID: charge.ID, Status: charge.Status}, nil)
	if !f.Step().Terminal() {
		f.follow(prov, charge.ID)
	}
	return charge, nil
}

// Resume follows an existing charge from step, as after returning from a provider redirect.
func (f *Flow) Resume(ctx context.Context, method Method, chargeID string, step Step, onUpdate func(Update)) error {
	prov, err := f.Provider(method)
	if err != nil {
		return err
	}
	if err := requireID(method, chargeID); err != nil {
		return err
	}
	if step == StepNone {
		step = StepCreated
	}
	f.begin(ctx, method, Charge{ID: chargeID, Method: method, Status: string(step)}, step, onUpdate)
	if step.Terminal() {
		return nil
	}
	f.follow(prov, chargeID)
	return nil
}

func (f *Flow) begin(ctx context.Context, method Method, charge Charge, step Step, onUpdate func(Update)) {
	f.stopSession()
	if ctx == nil {
		ctx = context.Background()
	}
	f.mu.Lock()
	f.method = method
	f.charge = charge
	f.step = step
	f.onUpdate = onUpdate
	f.ctx = ctx
	f.session = nil
	f.cancel = nil
	f.mu.Unlock()
}

func (f *Flow) follow(prov Provider, chargeID string) {
	f.mu.Lock()
	ctx, cancel := context.WithCancel(f.ctx)
	f.cancel = cancel
	f.mu.Unlock()
	session := f.poller.Start(ctx, chargeID, prov, func(rep poller.Report) {
		f.advance(Step(rep.Status), rep, nil)
		if Step(rep.Status) == StepApproved && f.Step() == StepApproved {
			f.capture(prov, chargeID)
		}
	}, f.pollOpts...)

	f.mu.Lock()
	f.session = session
	f.mu.Unlock()
}

func (f *Flow) capture(prov Provider, chargeID string) {
	capturer, ok := prov.(Capturer)
	if !ok {
		return
	}
	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()

	captured, err := capturer.Capture(ctx, chargeID)
	if err != nil {
		logger.Error("payment capture failed",
			observability.F("charge_id", chargeID),
			observability.F("error", err))
		f.advance(StepFailed, poller.Report{ResourceID: chargeID, Status: poller.StatusFailed}, err)
		f.stopSession()
		return
	}
	if Step(captured.Status).Terminal() {
		f.advance(Step(captured.Status), poller.Report{
			ResourceID: chargeID,
			Status:     captured.Status,
			Fields:     map[string]any{"rawStatus": captured.RawStatus},
		}, nil)
		f.stopSession()
	}
}

// advance moves the step machine forward. Transitions backwards or out of a terminal step are ignored.
func (f *Flow) advance(next Step, rep poller.Report, cause error) {
	f.mu.Lock()
	prev := f.step
	if prev.Terminal() || next.rank() <= prev.rank() {
		f.mu.Unlock()
		if next != prev {
			logger.Debug("payment step ignored",
				observability.F("from", string(prev)),
				observability.F("to", string(next)))
		}
		return
	}
	f.step = next
	f.charge.Status = string(next)
	method := f.method
	chargeID := f.charge.ID
	onUpdate := f.onUpdate
	f.mu.Unlock()

	if next.Terminal() {
		f.outcomes.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.PaymentAttributes(string(method), string(next))...))
		logger.Info("payment finished",
			observability.F("method", string(method)),
			observability.F("charge_id", chargeID),
			observability.F("step", string(next)))
	}
	if onUpdate != nil {
		onUpdate(Update{
			Method:   method,
			ChargeID: chargeID,
			Previous: prev,
			Step:     next,
			Message:  next.Message(),
			Report:   rep,
			Err:      cause,
		})
	}
}

func (f *Flow) stopSession() {
	f.mu.Lock()
	session := f.session
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Stop()
	}
}

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Charge returns the charge being followed.
func (f *Flow) Charge() Charge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.charge
}

// Session returns the active poll session, or nil.
func (f *Flow) Session() *poller.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

// Stop halts polling without changing the step.
func (f *Flow) Stop() {
	f.stopSession()
}

// Wait blocks until the poll session exits or ctx ends.
func (f *Flow) Wait(ctx context.Context) error {
	session := f.Session()
	if session == nil {
		return nil
	}
	select {
	case <-session.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
