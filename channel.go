package engage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the channel's reconnect and heartbeat behavior.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

// DefaultRealtimeConfig returns the defaults used by Config.Defaults.
func DefaultRealtimeConfig() RealtimeConfig {
	c := RealtimeConfig{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ============================================================================
// Connection state
// ============================================================================

// Status is the coarse connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// ConnectionState is owned by the Channel; every transition is reported to
// OnStateChange listeners.
type ConnectionState struct {
	Status    Status
	LastError error
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	clock       clockwork.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig, clock clockwork.Clock) *reconnector {
	return &reconnector{
		clock:       clock,
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Channel
// ============================================================================

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets the channel logger.
func WithChannelLogger(logger *zap.Logger) ChannelOption {
	return func(c *Channel) { c.logger = logger.Named("channel") }
}

// WithChannelClock replaces the wall clock used for backoff and heartbeats.
func WithChannelClock(clock clockwork.Clock) ChannelOption {
	return func(c *Channel) { c.clock = clock }
}

// WithChannelMetrics reports connection state and event counts to m.
func WithChannelMetrics(m *Metrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// Channel owns one authenticated, reconnecting event channel. Frames are
// delivered on a single read goroutine, so delivery is ordered per
// connection.
type Channel struct {
	transport Transport
	config    RealtimeConfig
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *Metrics

	mu          sync.Mutex
	state       ConnectionState
	credential  string
	conn        Conn
	generation  uint64
	listeners   map[string]func(json.RawMessage)
	cancel      context.CancelFunc
	done        chan struct{}
	recon       *reconnector
	pendingPing string

	stateListeners listenerList[func(ConnectionState)]
}

// NewChannel creates a disconnected channel over transport.
func NewChannel(transport Transport, config RealtimeConfig, opts ...ChannelOption) *Channel {
	config.defaults()
	c := &Channel{
		transport: transport,
		config:    config,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		state:     ConnectionState{Status: StatusDisconnected},
		listeners: make(map[string]func(json.RawMessage)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.recon = newReconnector(&c.config, c.clock)
	return c
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers cb for every state transition.
func (c *Channel) OnStateChange(cb func(ConnectionState)) Subscription {
	return c.stateListeners.add(cb)
}

// Connect dials with credential and starts the read loop. Calling Connect
// while connected with the same credential is a no-op; a different credential
// replaces the old connection.
func (c *Channel) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrNoCredential
	}
	c.mu.Lock()
	switch c.state.Status {
	case StatusConnected, StatusConnecting, StatusReconnecting:
		if c.credential == credential {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	if err := c.stop(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
	return c.open(ctx)
}

// Disconnect closes the connection and forgets the credential. No automatic
// reconnect follows.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.credential = ""
	c.mu.Unlock()
	return c.stop(context.Background())
}

// Reconnect tears the current connection down completely, then dials again
// with the same credential.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	credential := c.credential
	c.mu.Unlock()
	if credential == "" {
		return ErrNoCredential
	}
	if err := c.stop(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
	return c.open(ctx)
}

// Send writes one event to the server.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", event, err)
		}
		data = b
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.state.Status == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, Envelope{Event: event, Data: data})
}

// listen installs the physical listener for event on the current connection.
// Listeners are dropped whenever the connection ends; false is returned while
// not connected.
func (c *Channel) listen(event string, fn func(json.RawMessage)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != StatusConnected {
		return false
	}
	c.listeners[event] = fn
	return true
}

// unlisten removes the physical listener for event.
func (c *Channel) unlisten(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, event)
}

func (c *Channel) open(ctx context.Context) error {
	c.mu.Lock()
	credential := c.credential
	c.mu.Unlock()
	c.setState(ConnectionState{Status: StatusConnecting})

	conn, err := c.transport.Dial(ctx, credential)
	if err != nil {
		c.logger.Info("connect failed", zap.Error(err))
		c.setState(ConnectionState{Status: StatusDisconnected, LastError: err})
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.recon.reset()
	c.mu.Unlock()

	c.attach(conn)
	go c.run(runCtx, conn, done)
	return nil
}

// attach makes conn the current connection and announces it. Listeners
// registered in response to the connected transition see every frame read
// afterwards.
func (c *Channel) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.generation++
	c.listeners = make(map[string]func(json.RawMessage))
	c.pendingPing = ""
	c.mu.Unlock()
	c.recon.markConnected()
	c.logger.Info("connected")
	c.setState(ConnectionState{Status: StatusConnected})
}

// detach drops conn and every physical listener bound to it.
func (c *Channel) detach() {
	c.mu.Lock()
	c.conn = nil
	c.generation++
	c.listeners = make(map[string]func(json.RawMessage))
	c.mu.Unlock()
}

// stop cancels the run loop and waits for it to exit.
func (c *Channel) stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close("client disconnect"); err != nil {
			c.logger.Debug("close", zap.Error(err))
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.detach()
	if c.State().Status != StatusDisconnected {
		c.setState(ConnectionState{Status: StatusDisconnected})
	}
	return nil
}

func (c *Channel) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.detach()
		if errors.Is(err, ErrAuthRejected) || !c.config.AutoReconnect {
			c.logger.Info("disconnected", zap.Error(err))
			c.setState(ConnectionState{Status: StatusDisconnected, LastError: err})
			return
		}
		c.logger.Info("connection dropped", zap.Error(err))
		c.setState(ConnectionState{Status: StatusReconnecting, LastError: err})

		conn = c.redial(ctx)
		if conn == nil {
			return
		}
		c.attach(conn)
	}
}

// redial retries until a connection is established, the credential is
// rejected, attempts run out or ctx is cancelled.
func (c *Channel) redial(ctx context.Context) Conn {
	for {
		if !c.recon.shouldReconnect() {
			c.setState(ConnectionState{Status: StatusDisconnected, LastError: c.State().LastError})
			return nil
		}
		delay := c.recon.nextDelay()
		c.metrics.reconnectAttempt()
		c.logger.Debug("reconnecting", zap.Int("attempt", c.recon.attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(delay):
		}

		c.mu.Lock()
		credential := c.credential
		c.mu.Unlock()
		conn, err := c.transport.Dial(ctx, credential)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close("cancelled")
			}
			return nil
		}
		if err == nil {
			return conn
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Info("reconnect rejected", zap.Error(err))
			c.setState(ConnectionState{Status: StatusDisconnected, LastError: err})
			return nil
		}
		c.setState(ConnectionState{Status: StatusReconnecting, LastError: err})
	}
}

// serve reads frames from conn until it fails.
func (c *Channel) serve(ctx context.Context, conn Conn) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, conn)

	for {
		env, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if env.Event == eventPong {
			var p pingPayload
			if json.Unmarshal(env.Data, &p) == nil {
				c.mu.Lock()
				if c.pendingPing == p.RequestID {
					c.pendingPing = ""
				}
				c.mu.Unlock()
			}
			continue
		}
		c.metrics.eventReceived(env.Event)

		c.mu.Lock()
		fn := c.listeners[env.Event]
		c.mu.Unlock()
		if fn != nil {
			fn(env.Data)
		}
	}
}

// heartbeat pings on every tick and closes conn when the previous ping went
// unanswered.
func (c *Channel) heartbeat(ctx context.Context, conn Conn) {
	ticker := c.clock.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		c.mu.Lock()
		missed := c.pendingPing != ""
		id := uuid.NewString()
		c.pendingPing = id
		c.mu.Unlock()
		if missed {
			c.logger.Info("heartbeat timeout")
			conn.Close("heartbeat timeout")
			return
		}
		data, _ := json.Marshal(pingPayload{RequestID: id})
		if err := conn.Write(ctx, Envelope{Event: eventPing, Data: data}); err != nil {
			conn.Close("heartbeat failed")
			return
		}
	}
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.stateChanged(s.Status)
	c.stateListeners.each(func(cb func(ConnectionState)) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn("state listener panicked", zap.Any("panic", r))
			}
		}()
		cb(s)
	})
}
