package engage

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Event Subscription Layer
// ============================================================================

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

// Bus fans channel events out to subscribers. It keeps exactly one physical
// listener per event name on the channel and reinstalls all of them every
// time the channel reports StatusConnected, so subscribers survive reconnects
// without doing anything.
type Bus struct {
	channel *Channel
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	topics   map[string]*topic
	closed   bool
	stateSub Subscription
}

type topic struct {
	event    string
	handlers listenerList[Handler]
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = logger.Named("bus") }
}

// WithBusMetrics counts handler panics on m.
func WithBusMetrics(m *Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus on top of channel.
func NewBus(channel *Channel, opts ...BusOption) *Bus {
	b := &Bus{
		channel: channel,
		logger:  zap.NewNop(),
		topics:  make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.stateSub = channel.OnStateChange(func(s ConnectionState) {
		if s.Status == StatusConnected {
			b.installAll()
		}
	})
	b.installAll()
	return b
}

// Subscribe registers h for event. While the channel is not connected the
// subscription is recorded but inert; it starts receiving as soon as the
// channel connects.
func (b *Bus) Subscribe(event string, h Handler) Subscription {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return newSubscription(func() {})
	}
	t, ok := b.topics[event]
	if !ok {
		t = &topic{event: event}
		b.topics[event] = t
	}
	sub := t.handlers.add(h)
	b.mu.Unlock()

	if !ok {
		b.install(t)
	}
	return newSubscription(func() {
		sub.Unsubscribe()
		b.release(t)
	})
}

// On subscribes a typed handler. Payloads that fail to decode are logged and
// dropped.
func On[T any](b *Bus, event string, fn func(T)) Subscription {
	return b.Subscribe(event, func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			b.logger.Error("decode event", zap.String("event", event), zap.Error(err))
			return
		}
		fn(v)
	})
}

// Close removes every subscription and physical listener. Subscribe on a
// closed bus returns an inert subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	b.stateSub.Unsubscribe()
	for _, t := range topics {
		t.handlers.clear()
		b.channel.unlisten(t.event)
	}
}

// Subscribers returns the number of live subscribers for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.Lock()
	t, ok := b.topics[event]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return t.handlers.len()
}

func (b *Bus) release(t *topic) {
	b.mu.Lock()
	if t.handlers.len() > 0 || b.topics[t.event] != t {
		b.mu.Unlock()
		return
	}
	delete(b.topics, t.event)
	b.mu.Unlock()
	b.channel.unlisten(t.event)
}

func (b *Bus) installAll() {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()
	for _, t := range topics {
		b.install(t)
	}
}

func (b *Bus) install(t *topic) {
	if b.channel.listen(t.event, func(data json.RawMessage) { b.deliver(t, data) }) {
		b.logger.Debug("listening", zap.String("event", t.event))
	}
}

func (b *Bus) deliver(t *topic, data json.RawMessage) {
	t.handlers.each(func(h Handler) {
		defer func() {
			if r := recover(); r != nil {
				b.metrics.handlerPanic(t.event)
				b.logger.Warn("handler panicked", zap.String("event", t.event), zap.Any("panic", r))
			}
		}()
		h(data)
	})
}
