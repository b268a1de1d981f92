package engage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ============================================================================
// Engine
// ============================================================================

// Engine wires the session, channel, bus, store, pull layer, reconcilers,
// typing machine and optimistic executor together. The session drives the
// rest: login connects the channel and subscribes the reconcilers, logout
// undoes both and clears every cache.
type Engine struct {
	Session       *Session
	Channel       *Channel
	Bus           *Bus
	Store         *Store
	Client        *Client
	Queries       *Queries
	Notifications *NotificationReconciler
	Messages      *MessageReconciler
	Typing        *TypingTracker
	Optimist      *Optimist
	Interactions  *Interactions
	Metrics       *Metrics

	config *Config
	logger *zap.Logger
	clock  clockwork.Clock

	mu           sync.Mutex
	subs         []Subscription
	emitters     map[string]*TypingEmitter
	lastStatus   Status
	refreshEvery time.Duration
	stopRefresh  func()
	closed       bool
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger        *zap.Logger
	clock         clockwork.Clock
	registerer    prometheus.Registerer
	transport     Transport
	clientOptions []ClientOption
	countRefresh  time.Duration
}

// WithLogger sets the root logger; every component logs to a named child.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *engineOptions) { o.clock = clock }
}

// WithRegisterer enables metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithTransport replaces the websocket transport.
func WithTransport(t Transport) Option {
	return func(o *engineOptions) { o.transport = t }
}

// WithClientOptions passes options to the REST client.
func WithClientOptions(opts ...ClientOption) Option {
	return func(o *engineOptions) { o.clientOptions = append(o.clientOptions, opts...) }
}

// WithCountRefresh refetches both unread counters every d while logged in.
// Zero disables the periodic correction.
func WithCountRefresh(d time.Duration) Option {
	return func(o *engineOptions) { o.countRefresh = d }
}

// New builds a logged out engine from cfg.
func New(cfg *Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Defaults()
	o := engineOptions{logger: zap.NewNop(), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = NewWebSocketTransport(cfg.Default.BaseURL)
	}

	var metrics *Metrics
	if o.registerer != nil {
		metrics = NewMetrics(o.registerer)
	}

	e := &Engine{
		config:       cfg,
		logger:       o.logger,
		clock:        o.clock,
		Metrics:      metrics,
		emitters:     make(map[string]*TypingEmitter),
		lastStatus:   StatusDisconnected,
		refreshEvery: o.countRefresh,
	}

	clientOpts := append([]ClientOption{
		WithBaseURL(cfg.Default.BaseURL),
		WithClientLogger(o.logger),
	}, o.clientOptions...)
	e.Client = NewClient("", clientOpts...)
	e.Session = NewSession(o.clock, o.logger)
	e.Store = NewStore(cfg.Cache.MaxConversationCaches)
	e.Channel = NewChannel(o.transport, cfg.RealtimeConfig(),
		WithChannelLogger(o.logger),
		WithChannelClock(o.clock),
		WithChannelMetrics(metrics),
	)
	e.Bus = NewBus(e.Channel, WithBusLogger(o.logger), WithBusMetrics(metrics))
	e.Queries = NewQueries(e.Client, e.Store,
		WithPageSize(cfg.Cache.PageSize),
		WithQueriesLogger(o.logger),
		WithQueriesMetrics(metrics),
	)
	ropts := []ReconcilerOption{
		WithReconcilerLogger(o.logger),
		WithReconcilerMetrics(metrics),
		WithSeenWindow(cfg.Cache.SeenMessageWindow),
	}
	e.Notifications = NewNotificationReconciler(e.Store, e.Client, e.Channel, ropts...)
	e.Messages = NewMessageReconciler(e.Store, e.Client, e.Channel, e.Queries, e.Session.Identity, o.clock, ropts...)
	e.Typing = NewTypingTracker(o.clock, cfg.TypingConfig().TTL, e.Session.Identity, o.logger)
	e.Optimist = NewOptimist(WithOptimistLogger(o.logger), WithOptimistMetrics(metrics))
	e.Interactions = NewInteractions(e.Client, e.Optimist)

	e.Channel.OnStateChange(e.onState)
	// Logout hooks run in reverse: the channel goes down before the caches
	// are cleared.
	e.Session.OnLogin(e.attach)
	e.Session.OnLogout(e.detach)
	e.Session.OnLogin(e.connect)
	e.Session.OnLogout(e.disconnect)
	return e
}

// Login starts a session and connects the channel. The token is a session
// JWT; opaque tokens need WithUserID.
func (e *Engine) Login(ctx context.Context, token string, opts ...LoginOption) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("login: %w", ErrClosed)
	}
	if err := e.Session.Login(ctx, token, opts...); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Logout disconnects, unsubscribes every reconciler and clears every cache.
func (e *Engine) Logout() {
	e.Session.Logout()
}

// Close logs out and releases the bus and background refetches for good.
// Login after Close fails with ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.Logout()
	e.Bus.Close()
	e.Queries.Close()
}

// Config returns the effective configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// TypingEmitter returns the emitter for the local user's typing in a
// conversation. Emitters are closed on logout.
func (e *Engine) TypingEmitter(conversationID string) *TypingEmitter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if em, ok := e.emitters[conversationID]; ok {
		return em
	}
	em := NewTypingEmitter(e.Channel, conversationID, e.Session.Identity, e.clock, e.config.TypingConfig(), e.logger)
	e.emitters[conversationID] = em
	return em
}

// ReleaseTypingEmitter closes and forgets a conversation's emitter, emitting
// typing:stop if a start is outstanding.
func (e *Engine) ReleaseTypingEmitter(conversationID string) {
	e.mu.Lock()
	em, ok := e.emitters[conversationID]
	delete(e.emitters, conversationID)
	e.mu.Unlock()
	if ok {
		em.Close()
	}
}

// LeaveConversation releases the conversation's typing emitter and drops
// its message cache. The next LoadMessages starts from the first page.
func (e *Engine) LeaveConversation(conversationID string) {
	e.ReleaseTypingEmitter(conversationID)
	e.Store.Remove(MessagesKey(conversationID))
}

// ============================================================================
// Session hooks
// ============================================================================

func (e *Engine) attach(_ context.Context, id Identity) error {
	e.Client.SetToken(e.Session.Token())
	subs := []Subscription{
		e.Notifications.Subscribe(e.Bus),
		e.Messages.Subscribe(e.Bus),
		e.Typing.Subscribe(e.Bus),
	}
	e.mu.Lock()
	e.subs = subs
	e.mu.Unlock()
	e.startRefresh()
	e.logger.Debug("engine attached", zap.String("userId", id.UserID))
	return nil
}

func (e *Engine) connect(ctx context.Context, _ Identity) error {
	return e.Channel.Connect(ctx, e.Session.Token())
}

func (e *Engine) disconnect() {
	if err := e.Channel.Disconnect(); err != nil {
		e.logger.Warn("disconnect", zap.Error(err))
	}
}

func (e *Engine) detach() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	emitters := e.emitters
	e.emitters = make(map[string]*TypingEmitter)
	stop := e.stopRefresh
	e.stopRefresh = nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, em := range emitters {
		em.Close()
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
	e.Typing.Close()
	e.Queries.Reset()
	e.Store.Clear()
	e.Optimist.Reset()
	e.Messages.Reset()
	e.Client.SetToken("")
}

// onState resynchronizes after a reconnect: events sent while the channel
// was down are lost, so every populated key is refetched.
func (e *Engine) onState(s ConnectionState) {
	e.mu.Lock()
	prev := e.lastStatus
	e.lastStatus = s.Status
	e.mu.Unlock()

	if s.Status != StatusConnected || prev != StatusReconnecting {
		return
	}
	keys := e.Store.Keys()
	e.logger.Info("reconnected, refetching caches", zap.Int("keys", len(keys)))
	for _, key := range keys {
		e.Queries.Invalidate(key)
	}
}

func (e *Engine) startRefresh() {
	if e.refreshEvery <= 0 {
		return
	}
	ticker := e.clock.NewTicker(e.refreshEvery)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				ctx, cancel := context.WithTimeout(context.Background(), e.refreshEvery)
				if err := e.Queries.RefreshCounts(ctx); err != nil {
					e.logger.Warn("refresh counts", zap.Error(err))
				}
				cancel()
			}
		}
	}()
	var once sync.Once
	e.mu.Lock()
	e.stopRefresh = func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
	e.mu.Unlock()
}
