package engage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// TypingConfig holds the typing indicator timings.
type TypingConfig struct {
	// TTL removes a remote actor that never sent typing:stop.
	TTL time.Duration
	// Debounce delays typing:start after the first keystroke.
	Debounce time.Duration
	// Inactivity emits typing:stop after the last keystroke.
	Inactivity time.Duration
}

// DefaultTypingConfig returns 5s TTL, 1s debounce and 3s inactivity.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{TTL: 5 * time.Second, Debounce: time.Second, Inactivity: 3 * time.Second}
}

func (c *TypingConfig) defaults() {
	d := DefaultTypingConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.Debounce < 0 {
		c.Debounce = d.Debounce
	}
	if c.Inactivity <= 0 {
		c.Inactivity = d.Inactivity
	}
}

// ============================================================================
// Tracker (remote actors)
// ============================================================================

// TypingActor is a remote user currently typing.
type TypingActor struct {
	UserID   string
	Username string
}

type typingEntry struct {
	actor TypingActor
	timer clockwork.Timer
	gen   uint64
}

// TypingTracker holds, per conversation, the remote actors currently typing.
// Per actor: typing:start moves absent to typing or restarts the expiry;
// typing:stop or expiry moves typing to absent.
type TypingTracker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	identity func() Identity
	logger   *zap.Logger
	convs    map[string]map[string]*typingEntry
	gen      uint64

	changes listenerList[func(conversationID string, actors []TypingActor)]
}

// NewTypingTracker creates a tracker expiring actors after ttl. Events from
// the local user are ignored.
func NewTypingTracker(clock clockwork.Clock, ttl time.Duration, identity func() Identity, logger *zap.Logger) *TypingTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTypingConfig().TTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingTracker{
		clock:    clock,
		ttl:      ttl,
		identity: identity,
		logger:   logger.Named("typing"),
		convs:    make(map[string]map[string]*typingEntry),
	}
}

// Subscribe registers typing:start and typing:stop on bus.
func (t *TypingTracker) Subscribe(bus *Bus) Subscription {
	return multiSubscription{
		On(bus, EventTypingStart, t.HandleStart),
		On(bus, EventTypingStop, t.HandleStop),
	}
}

// OnChange registers fn for every change of a conversation's typing set.
func (t *TypingTracker) OnChange(fn func(conversationID string, actors []TypingActor)) Subscription {
	return t.changes.add(fn)
}

// HandleStart applies typing:start.
func (t *TypingTracker) HandleStart(ev TypingStartEvent) {
	if ev.ConversationID == "" || ev.UserID == "" || t.isSelf(ev.UserID) {
		return
	}
	t.mu.Lock()
	actors, ok := t.convs[ev.ConversationID]
	if !ok {
		actors = make(map[string]*typingEntry)
		t.convs[ev.ConversationID] = actors
	}
	e, existed := actors[ev.UserID]
	if existed {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		actors[ev.UserID] = e
	}
	t.gen++
	gen := t.gen
	e.gen = gen
	e.actor = TypingActor{UserID: ev.UserID, Username: ev.Username}
	conv, user := ev.ConversationID, ev.UserID
	e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(conv, user, gen) })
	snapshot := sortedActors(actors)
	t.mu.Unlock()

	if !existed {
		t.notify(conv, snapshot)
	}
}

// HandleStop applies typing:stop.
func (t *TypingTracker) HandleStop(ev TypingStopEvent) {
	t.remove(ev.ConversationID, ev.UserID, 0)
}

func (t *TypingTracker) expire(conversationID, userID string, gen uint64) {
	if t.remove(conversationID, userID, gen) {
		t.logger.Debug("typing expired", zap.String("conversationId", conversationID), zap.String("userId", userID))
	}
}

// remove drops an actor. A non-zero gen only removes the entry armed with it,
// so a timer firing after a restart is ignored.
func (t *TypingTracker) remove(conversationID, userID string, gen uint64) bool {
	t.mu.Lock()
	actors := t.convs[conversationID]
	e, ok := actors[userID]
	if !ok || (gen != 0 && e.gen != gen) {
		t.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(actors, userID)
	if len(actors) == 0 {
		delete(t.convs, conversationID)
	}
	snapshot := sortedActors(actors)
	t.mu.Unlock()

	t.notify(conversationID, snapshot)
	return true
}

// Typing returns the actors typing in a conversation, ordered by user id.
func (t *TypingTracker) Typing(conversationID string) []TypingActor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedActors(t.convs[conversationID])
}

// Close cancels every timer and forgets every actor.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	convs := t.convs
	t.convs = make(map[string]map[string]*typingEntry)
	for _, actors := range convs {
		for _, e := range actors {
			e.timer.Stop()
		}
	}
	t.mu.Unlock()

	for conv := range convs {
		t.notify(conv, nil)
	}
}

func (t *TypingTracker) isSelf(userID string) bool {
	return t.identity != nil && t.identity().UserID == userID
}

func (t *TypingTracker) notify(conversationID string, actors []TypingActor) {
	t.changes.each(func(fn func(string, []TypingActor)) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Warn("typing listener panicked", zap.Any("panic", r))
			}
		}()
		fn(conversationID, actors)
	})
}

func sortedActors(actors map[string]*typingEntry) []TypingActor {
	if len(actors) == 0 {
		return nil
	}
	out := make([]TypingActor, 0, len(actors))
	for _, e := range actors {
		out = append(out, e.actor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ============================================================================
// Emitter (local user)
// ============================================================================

type emitterState int

const (
	emitterIdle emitterState = iota
	emitterDebouncing
	emitterStarted
)

const typingSendTimeout = 5 * time.Second

// TypingEmitter turns the local user's keystrokes in one conversation into
// typing:start and typing:stop. The first keystroke after idle schedules
// start after the debounce; every keystroke restarts the inactivity timer,
// whose expiry emits stop. Blur and Close emit a pending stop synchronously.
type TypingEmitter struct {
	mu             sync.Mutex
	sender         Sender
	conversationID string
	identity       func() Identity
	clock          clockwork.Clock
	config         TypingConfig
	logger         *zap.Logger

	state         emitterState
	closed        bool
	debounce      clockwork.Timer
	debounceGen   uint64
	inactivity    clockwork.Timer
	inactivityGen uint64
}

// NewTypingEmitter creates an emitter for one conversation.
func NewTypingEmitter(sender Sender, conversationID string, identity func() Identity, clock clockwork.Clock, config TypingConfig, logger *zap.Logger) *TypingEmitter {
	config.defaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingEmitter{
		sender:         sender,
		conversationID: conversationID,
		identity:       identity,
		clock:          clock,
		config:         config,
		logger:         logger.Named("typing"),
	}
}

// Keystroke records one keystroke.
func (e *TypingEmitter) Keystroke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.state == emitterIdle {
		if e.config.Debounce == 0 {
			e.startLocked()
		} else {
			e.state = emitterDebouncing
			e.debounceGen++
			gen := e.debounceGen
			e.debounce = e.clock.AfterFunc(e.config.Debounce, func() { e.debounceFired(gen) })
		}
	}
	e.armInactivityLocked()
}

// Blur emits typing:stop if a start is outstanding and returns to idle.
func (e *TypingEmitter) Blur() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idleLocked()
}

// Close is Blur plus making every later Keystroke a no-op.
func (e *TypingEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idleLocked()
	e.closed = true
}

// Started reports whether typing:start was emitted without a matching stop.
func (e *TypingEmitter) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == emitterStarted
}

func (e *TypingEmitter) debounceFired(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.debounceGen || e.state != emitterDebouncing {
		return
	}
	e.startLocked()
}

func (e *TypingEmitter) inactivityFired(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.inactivityGen {
		return
	}
	e.idleLocked()
}

func (e *TypingEmitter) armInactivityLocked() {
	if e.inactivity != nil {
		e.inactivity.Stop()
	}
	e.inactivityGen++
	gen := e.inactivityGen
	e.inactivity = e.clock.AfterFunc(e.config.Inactivity, func() { e.inactivityFired(gen) })
}

func (e *TypingEmitter) startLocked() {
	e.state = emitterStarted
	e.send(EventTypingStart)
}

func (e *TypingEmitter) idleLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounceGen++
	}
	if e.inactivity != nil {
		e.inactivity.Stop()
		e.inactivityGen++
	}
	if e.state == emitterStarted {
		e.send(EventTypingStop)
	}
	e.state = emitterIdle
}

// send runs under e.mu so start and stop leave in order.
func (e *TypingEmitter) send(event string) {
	ctx, cancel := context.WithTimeout(context.Background(), typingSendTimeout)
	defer cancel()
	var userID string
	if e.identity != nil {
		userID = e.identity().UserID
	}
	echo(ctx, e.sender, e.logger, event, ConversationUserCommand{ConversationID: e.conversationID, UserID: userID})
}
