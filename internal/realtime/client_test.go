package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/dispatch"
	"github.com/coachpo/keyrent/internal/observability"
)

func newTestClient(t *testing.T, d Dialer, mutate func(*Config)) (*Client, *fakeScheduler) {
	t.Helper()
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.Endpoint = "ws://realtime.test/ws"
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg, WithDialer(d), WithScheduler(sched.schedule), WithClock(fixedClock))
	t.Cleanup(c.Disconnect)
	return c, sched
}

func useRecorder(t *testing.T) *observability.Recorder {
	t.Helper()
	rec := new(observability.Recorder)
	observability.SetLogger(rec)
	t.Cleanup(func() { observability.SetLogger(nil) })
	return rec
}

func TestConnectConcurrentCallersShareOneDial(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	c, _ := newTestClient(t, d, nil)

	const callers = 8
	errsCh := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- c.Connect(context.Background(), "tok")
		}()
	}
	require.Eventually(t, func() bool { return d.Dials() == 1 }, time.Second, 5*time.Millisecond)
	close(d.gate)
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		require.NoError(t, err)
	}
	require.Equal(t, 1, d.Dials())
	require.True(t, c.IsConnected())

	require.NoError(t, c.Connect(context.Background(), "tok"))
	require.Equal(t, 1, d.Dials())
}

func TestConnectConcurrentCallersShareFailure(t *testing.T) {
	d := &fakeDialer{
		gate:     make(chan struct{}),
		failWith: func(int) error { return errors.New("refused") },
	}
	c, sched := newTestClient(t, d, nil)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- c.Connect(context.Background(), "tok") }()
	}
	require.Eventually(t, func() bool { return d.Dials() == 1 }, time.Second, 5*time.Millisecond)
	close(d.gate)

	for i := 0; i < 2; i++ {
		err := <-results
		require.Error(t, err)
		require.True(t, errs.Is(err, errs.CodeNetwork))
	}
	require.Equal(t, 1, d.Dials())
	require.False(t, c.IsConnected())
	require.Zero(t, sched.Len(), "initial connect failure must not schedule a reconnect")

	d.setFailWith(nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))
	require.Equal(t, 2, d.Dials())
}

func TestConnectCallerCancellationOnlyAbandonsWait(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	c, _ := newTestClient(t, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Connect(ctx, "tok") }()
	require.Eventually(t, func() bool { return d.Dials() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(d.gate)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
}

func TestReconnectBackoffScheduleAndExhaustion(t *testing.T) {
	rec := useRecorder(t)
	d := &fakeDialer{failWith: func(attempt int) error {
		if attempt == 1 {
			return nil
		}
		return errors.New("refused")
	}}
	c, sched := newTestClient(t, d, nil)

	require.NoError(t, c.Connect(context.Background(), "tok"))
	d.conn(0).drop()
	require.Eventually(t, func() bool { return sched.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, c.IsConnected())

	for i := 0; i < 5; i++ {
		sched.fire(i)
	}

	require.Equal(t, []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
	}, sched.Delays())
	require.Equal(t, 5, sched.Len(), "no timer after the fifth failed attempt")
	require.Equal(t, 6, d.Dials())
	require.Equal(t, 5, c.ReconnectAttempts())
	require.Equal(t, 1, rec.Count("ERROR", "realtime reconnect attempts exhausted"))
	for _, tok := range d.Tokens() {
		require.Equal(t, "tok", tok)
	}
}

func TestReconnectDelaysAreCapped(t *testing.T) {
	d := &fakeDialer{failWith: func(attempt int) error {
		if attempt == 1 {
			return nil
		}
		return errors.New("refused")
	}}
	c, sched := newTestClient(t, d, func(cfg *Config) { cfg.MaxReconnectAttempts = 12 })

	require.NoError(t, c.Connect(context.Background(), "tok"))
	d.conn(0).drop()
	require.Eventually(t, func() bool { return sched.Len() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 12; i++ {
		sched.fire(i)
	}

	delays := sched.Delays()
	require.Len(t, delays, 12)
	for i := 1; i < len(delays); i++ {
		require.GreaterOrEqual(t, delays[i], delays[i-1])
		require.LessOrEqual(t, delays[i], 30*time.Second)
	}
	require.Equal(t, 30*time.Second, delays[len(delays)-1])
}

func TestSuccessfulReconnectResetsAttempts(t *testing.T) {
	d := &fakeDialer{failWith: func(attempt int) error {
		if attempt == 2 {
			return errors.New("refused")
		}
		return nil
	}}
	c, sched := newTestClient(t, d, nil)

	require.NoError(t, c.Connect(context.Background(), "tok"))
	d.conn(0).drop()
	require.Eventually(t, func() bool { return sched.Len() == 1 }, time.Second, 5*time.Millisecond)

	sched.fire(0)
	require.Equal(t, 2, sched.Len())
	require.Equal(t, 2, c.ReconnectAttempts())

	sched.fire(1)
	require.True(t, c.IsConnected())
	require.Zero(t, c.ReconnectAttempts())

	d.conn(1).drop()
	require.Eventually(t, func() bool { return sched.Len() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2*time.Second, sched.Delays()[2])
}

func TestSendWritesFrameShape(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	require.True(t, c.Send("data_request", map[string]int{"a": 1}))

	writes := d.conn(0).written()
	require.Len(t, writes, 1)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(writes[0], &decoded))
	require.Equal(t, map[string]any{
		"type":      "data_request",
		"data":      map[string]any{"a": float64(1)},
		"timestamp": "2026-10-19T12:00:00.000Z",
	}, decoded)
}

func TestSendFailsWithoutPanicking(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(t, d, nil)

	require.False(t, c.Send("ping", nil), "send while disconnected")

	require.NoError(t, c.Connect(context.Background(), "tok"))
	require.NotPanics(t, func() {
		require.False(t, c.Send("bad", make(chan int)))
	})
	require.Empty(t, d.conn(0).written())
}

func TestRequestDataImmediatelyAfterConnect(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	require.True(t, c.RequestData("dashboard_data", map[string]string{"userType": "advertiser"}))

	writes := d.conn(0).written()
	require.Len(t, writes, 1)
	var frame Frame
	require.NoError(t, json.Unmarshal(writes[0], &frame))
	require.Equal(t, DataRequestType, frame.Type)
	require.JSONEq(t, `{"resourceKind":"dashboard_data","params":{"userType":"advertiser"}}`, string(frame.Data))
}

func TestInboundFramesReachListeners(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(t, d, nil)

	got := make(chan dispatch.Event, 1)
	c.Subscribe("rental_status_changed", func(evt dispatch.Event) { got <- evt })
	require.NoError(t, c.Connect(context.Background(), "tok"))

	conn := d.conn(0)
	conn.push(`not json`)
	conn.push(`{"type":"rental_status_changed","data":{"id":"r1","status":"active"},"timestamp":"2026-10-19T11:59:59.250Z"}`)

	select {
	case evt := <-got:
		require.Equal(t, "rental_status_changed", evt.Type)
		require.JSONEq(t, `{"id":"r1","status":"active"}`, string(evt.Data))
		require.Equal(t, time.Date(2026, 10, 19, 11, 59, 59, 250e6, time.UTC), evt.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("listener not invoked")
	}
	require.True(t, c.IsConnected(), "a malformed frame does not drop the connection")
}

func TestAskForDataCorrelatesResponse(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.AskForData(context.Background(), "rental", map[string]string{"id": "r1"})
		done <- result{data, err}
	}()

	conn := d.conn(0)
	require.Eventually(t, func() bool { return len(conn.written()) == 1 }, time.Second, 5*time.Millisecond)
	var req Frame
	require.NoError(t, json.Unmarshal(conn.written()[0], &req))
	require.NotEmpty(t, req.RequestID)

	conn.push(`{"type":"data_response","data":{"id":"other"},"requestId":"unrelated"}`)
	conn.push(`{"type":"data_response","data":{"id":"r1"},"requestId":"` + req.RequestID + `"}`)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.JSONEq(t, `{"id":"r1"}`, string(res.data))
	case <-time.After(time.Second):
		t.Fatal("AskForData did not resolve")
	}
}

func TestAskForDataTimesOut(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(t, d, func(cfg *Config) { cfg.RequestTimeout = 20 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background(), "tok"))

	_, err := c.AskForData(context.Background(), "rental", nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestAskForDataFailsOnDisconnect(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	done := make(chan error, 1)
	go func() {
		_, err := c.AskForData(context.Background(), "rental", nil)
		done <- err
	}()
	conn := d.conn(0)
	require.Eventually(t, func() bool { return len(conn.written()) == 1 }, time.Second, 5*time.Millisecond)
	c.Disconnect()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("AskForData did not fail after disconnect")
	}

	_, err := c.AskForData(context.Background(), "rental", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectCancelsPendingReconnectAndClearsListeners(t *testing.T) {
	d := &fakeDialer{}
	c, sched := newTestClient(t, d, nil)
	c.Subscribe("payment_completed", func(dispatch.Event) {})
	require.NoError(t, c.Connect(context.Background(), "tok"))

	d.conn(0).drop()
	require.Eventually(t, func() bool { return sched.Len() == 1 }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	require.Equal(t, 1, sched.Stopped())
	require.Empty(t, c.Registry().Types())
	require.False(t, c.IsConnected())

	sched.fire(0)
	require.Equal(t, 1, d.Dials(), "a cancelled retry must not dial")
	require.Equal(t, 1, c.ReconnectAttempts(), "attempts survive until a successful open")

	require.NoError(t, c.Connect(context.Background(), "tok"))
	require.Zero(t, c.ReconnectAttempts())
}

func TestDisconnectClosesSocketWithoutReconnect(t *testing.T) {
	d := &fakeDialer{}
	c, sched := newTestClient(t, d, nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	c.Disconnect()
	require.True(t, d.conn(0).isClosed())
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, sched.Len())

	require.NoError(t, c.Connect(context.Background(), "tok"))
	require.True(t, c.IsConnected())
	require.Equal(t, 2, d.Dials())
}

func TestOnStateChangeObservers(t *testing.T) {
	d := &fakeDialer{}
	c, sched := newTestClient(t, d, nil)

	var mu sync.Mutex
	var states []bool
	remove := c.OnStateChange(func(connected bool) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), "tok"))
	d.conn(0).drop()
	require.Eventually(t, func() bool { return sched.Len() == 1 }, time.Second, 5*time.Millisecond)

	remove()
	sched.fire(0)
	require.True(t, c.IsConnected())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, states)
}

func TestDefaultClientSingleton(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	require.Same(t, prev, Default())

	custom := NewClient(DefaultConfig())
	SetDefault(custom)
	require.Same(t, custom, Default())
}

func TestConfigNormalise(t *testing.T) {
	cfg := Config{ReconnectMultiplier: 0.5, MaxReconnectAttempts: -1}.normalise()
	def := DefaultConfig()
	require.Equal(t, def.Endpoint, cfg.Endpoint)
	require.Equal(t, def.ReconnectInterval, cfg.ReconnectInterval)
	require.Equal(t, def.ReconnectMultiplier, cfg.ReconnectMultiplier)
	require.Zero(t, cfg.MaxReconnectAttempts)
	require.Equal(t, def.RequestTimeout, cfg.RequestTimeout)
}
