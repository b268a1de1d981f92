package engage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("fake conn closed")

// ============================================================================
// Fake transport
// ============================================================================

type fakeConn struct {
	in     chan Envelope
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan Envelope), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return Envelope{}, errConnClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers one frame and returns once the read loop has taken it.
func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	select {
	case c.in <- Envelope{Event: event, Data: data}:
	case <-c.closed:
		t.Fatalf("push %s on closed conn", event)
	case <-time.After(2 * time.Second):
		t.Fatalf("push %s: nobody reading", event)
	}
}

func (c *fakeConn) sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.written...)
}

type fakeTransport struct {
	mu    sync.Mutex
	errs  []error
	conns []*fakeConn
	dials int
}

// failNext makes the next len(errs) dials fail with errs in order; nil
// entries succeed.
func (t *fakeTransport) failNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, errs...)
}

func (t *fakeTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func testRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    2 * time.Second,
		HeartbeatInterval:    1000 * time.Hour,
	}
}

// advanceUntil moves the fake clock forward in steps until cond holds.
func advanceUntil(t *testing.T, clock clockwork.FakeClock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		clock.Advance(5 * time.Second)
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Recorders
// ============================================================================

type sentEvent struct {
	Event   string
	Payload json.RawMessage
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (s *recordingSender) Send(_ context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, sentEvent{Event: event, Payload: data})
	return nil
}

func (s *recordingSender) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, e := range s.sent {
		out[i] = e.Event
	}
	return out
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []Key
}

func (r *recordingInvalidator) Invalidate(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *recordingInvalidator) invalidated() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Key(nil), r.keys...)
}
