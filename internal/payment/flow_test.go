package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/poller"
)

type fakeProvider struct {
	method    Method
	created   Charge
	createErr error

	mu       sync.Mutex
	statuses []string
	fetches  int
}

func (p *fakeProvider) Method() Method { return p.method }

func (p *fakeProvider) Create(context.Context, Order) (Charge, error) {
	return p.created, p.createErr
}

func (p *fakeProvider) FetchStatus(_ context.Context, id string) (poller.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.fetches
	if idx >= len(p.statuses) {
		idx = len(p.statuses) - 1
	}
	p.fetches++
	return poller.Report{ResourceID: id, Status: p.statuses[idx]}, nil
}

type capturingProvider struct {
	*fakeProvider
	captureStatus string
	captureErr    error

	captureMu sync.Mutex
	captures  int
}

func (p *capturingProvider) Capture(_ context.Context, id string) (Charge, error) {
	p.captureMu.Lock()
	p.captures++
	p.captureMu.Unlock()
	if p.captureErr != nil {
		return Charge{}, p.captureErr
	}
	return Charge{ID: id, Method: p.method, Status: p.captureStatus, RawStatus: strings.ToUpper(p.captureStatus)}, nil
}

func (p *capturingProvider) Captures() int {
	p.captureMu.Lock()
	defer p.captureMu.Unlock()
	return p.captures
}

type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (l *updateLog) add(u Update) {
	l.mu.Lock()
	l.updates = append(l.updates, u)
	l.mu.Unlock()
}

func (l *updateLog) steps() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Step, 0, len(l.updates))
	for _, u := range l.updates {
		out = append(out, u.Step)
	}
	return out
}

func (l *updateLog) last() Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates[len(l.updates)-1]
}

func testOrder() Order {
	return Order{RentalID: "r1", KeyID: "k1", Amount: Amount{Value: decimal.RequireFromString("12.5"), Currency: "USD"}}
}

func fastPolling() FlowOption {
	return WithPollOptions(poller.WithInterval(2 * time.Millisecond))
}

func waitFlow(t *testing.T, f *Flow) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
}

func TestCryptoFlowWalksStepsToCompletion(t *testing.T) {
	prov := &fakeProvider{
		method:   MethodCrypto,
		created:  Charge{ID: "ch_1", Status: poller.StatusCreated},
		statuses: []string{"pending", "pending", "confirming", "completed"},
	}
	var log updateLog
	f := NewFlow(poller.New(), []Provider{prov}, fastPolling())

	charge, err := f.Start(context.Background(), MethodCrypto, testOrder(), log.add)
	require.NoError(t, err)
	require.Equal(t, "ch_1", charge.ID)
	waitFlow(t, f)

	require.Equal(t, []Step{StepCreated, StepPending, StepConfirming, StepCompleted}, log.steps())
	last := log.last()
	require.Equal(t, StepConfirming, last.Previous)
	require.Equal(t, "Payment completed.", last.Message)
	require.Equal(t, StepCompleted, f.Step())
	require.Equal(t, "completed", f.Charge().Status)
}

func TestPayPalFlowCapturesOnApproval(t *testing.T) {
	prov := &capturingProvider{
		fakeProvider: &fakeProvider{
			method:   MethodPayPal,
			created:  Charge{ID: "ord_1", Status: poller.StatusCreated, ApprovalURL: "https://paypal.test/approve"},
			statuses: []string{"pending", "approved"},
		},
		captureStatus: poller.StatusCompleted,
	}
	var log updateLog
	f := NewFlow(nil, []Provider{prov}, fastPolling())

	_, err := f.Start(context.Background(), MethodPayPal, testOrder(), log.add)
	require.NoError(t, err)
	waitFlow(t, f)

	require.Equal(t, []Step{StepCreated, StepPending, StepApproved, StepCompleted}, log.steps())
	require.Equal(t, 1, prov.Captures())
}

func TestCaptureFailureFailsFlow(t *testing.T) {
	prov := &capturingProvider{
		fakeProvider: &fakeProvider{
			method:   MethodPayPal,
			created:  Charge{ID: "ord_2"},
			statuses: []string{"approved"},
		},
		captureErr: errs.New("api", errs.CodeUnavailable, errs.WithHTTP(503)),
	}
	var log updateLog
	f := NewFlow(nil, []Provider{prov}, fastPolling())

	_, err := f.Start(context.Background(), MethodPayPal, testOrder(), log.add)
	require.NoError(t, err)
	waitFlow(t, f)

	require.Equal(t, []Step{StepCreated, StepApproved, StepFailed}, log.steps())
	last := log.last()
	require.True(t, errs.Is(last.Err, errs.CodeUnavailable))
	require.Contains(t, last.Message, "failed")
}

func TestTimeoutMessageDiffersFromFailure(t *testing.T) {
	prov := &fakeProvider{
		method:   MethodAlipay,
		created:  Charge{ID: "tr_1", Status: poller.StatusPending},
		statuses: []string{"pending"},
	}
	var log updateLog
	f := NewFlow(nil, []Provider{prov},
		WithPollOptions(poller.WithInterval(2*time.Millisecond), poller.WithTimeout(20*time.Millisecond)))

	_, err := f.Start(context.Background(), MethodAlipay, testOrder(), log.add)
	require.NoError(t, err)
	waitFlow(t, f)

	require.Equal(t, []Step{StepPending, StepTimeout}, log.steps())
	require.Contains(t, log.last().Message, "took too long")
	require.NotEqual(t, StepFailed.Message(), StepTimeout.Message())
	require.NotEqual(t, StepExpired.Message(), StepTimeout.Message())
}

func TestStopHaltsPolling(t *testing.T) {
	prov := &fakeProvider{
		method:   MethodCrypto,
		created:  Charge{ID: "ch_2"},
		statuses: []string{"pending"},
	}
	f := NewFlow(nil, []Provider{prov}, fastPolling())
	_, err := f.Start(context.Background(), MethodCrypto, testOrder(), nil)
	require.NoError(t, err)

	f.Stop()
	waitFlow(t, f)
	prov.mu.Lock()
	fetches := prov.fetches
	prov.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Equal(t, fetches, prov.fetches)
	require.False(t, f.Step().Terminal())
}

func TestResumeFromApprovedCaptures(t *testing.T) {
	prov := &capturingProvider{
		fakeProvider: &fakeProvider{method: MethodPayPal, statuses: []string{"approved"}},
		captureStatus: poller.StatusCompleted,
	}
	var log updateLog
	f := NewFlow(nil, []Provider{prov}, fastPolling())

	require.NoError(t, f.Resume(context.Background(), MethodPayPal, "ord_9", StepApproved, log.add))
	waitFlow(t, f)

	require.Equal(t, []Step{StepCompleted}, log.steps())
	require.Equal(t, StepApproved, log.last().Previous)
	require.Equal(t, 1, prov.Captures())
}

func TestStartRejectsBadInput(t *testing.T) {
	prov := &fakeProvider{method: MethodCrypto, created: Charge{ID: "x"}, statuses: []string{"pending"}}
	f := NewFlow(nil, []Provider{prov})

	_, err := f.Start(context.Background(), MethodCrypto, Order{RentalID: "r1"}, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = f.Start(context.Background(), MethodCard, testOrder(), nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	prov.created = Charge{}
	_, err = f.Start(context.Background(), MethodCrypto, testOrder(), nil)
	require.True(t, errs.Is(err, errs.CodeProvider))

	prov.createErr = errors.New("boom")
	_, err = f.Start(context.Background(), MethodCrypto, testOrder(), nil)
	require.EqualError(t, err, "boom")
}

func TestParseMethodAndAmount(t *testing.T) {
	m, err := ParseMethod(" PayPal ")
	require.NoError(t, err)
	require.Equal(t, MethodPayPal, m)
	m, err = ParseMethod("stripe")
	require.NoError(t, err)
	require.Equal(t, MethodCard, m)
	_, err = ParseMethod("cash")
	require.Error(t, err)
	require.True(t, MethodAlipay.RequiresRedirect())
	require.False(t, MethodCrypto.RequiresRedirect())

	a, err := NewAmount("9.9", "eur")
	require.NoError(t, err)
	require.Equal(t, "9.90 EUR", a.String())
	_, err = NewAmount("-1", "EUR")
	require.Error(t, err)
	_, err = NewAmount("abc", "EUR")
	require.Error(t, err)
	_, err = NewAmount("1", "EURO")
	require.Error(t, err)
}
