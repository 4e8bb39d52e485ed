package realtime

import (
	"context"
	"io"
	"maps"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	events    chan Event
	writes    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan Event, 16),
		writes: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-f.closed:
		return Event{}, io.ErrClosedPipe
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (f *fakeConn) WriteEvent(_ context.Context, ev Event) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.writes <- ev
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	creds []map[string]string
	conns []*fakeConn
	block chan struct{}
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, credentials map[string]string) (Conn, error) {
	d.mu.Lock()
	d.creds = append(d.creds, maps.Clone(credentials))
	block, err := d.block, d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) liveConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// recorder collects events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) has(eventType string) bool {
	for _, t := range r.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
