package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var errConnClosed = errors.New("fake conn closed")

type fakeConn struct {
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), payload...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// drop simulates the server closing the connection.
func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) push(frame string) { c.inbound <- []byte(frame) }

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	tokens   []string
	conns    []*fakeConn
	gate     chan struct{}
	failWith func(attempt int) error
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	d.tokens = append(d.tokens, token)
	gate := d.gate
	failWith := d.failWith
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWith != nil {
		if err := failWith(attempt); err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) setFailWith(fn func(int) error) {
	d.mu.Lock()
	d.failWith = fn
	d.mu.Unlock()
}

type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	fns     []func()
	stopped int
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		s.stopped++
		s.mu.Unlock()
		return true
	}
}

func (s *fakeScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func (s *fakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fire runs the i-th scheduled callback on the calling goroutine.
func (s *fakeScheduler) fire(i int) {
	s.mu.Lock()
	f := s.fns[i]
	s.mu.Unlock()
	f()
}

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }
