package engage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_ReconnectResubscription(t *testing.T) {
	ch, transport, clock := newTestChannel(t, testRealtimeConfig())
	bus := NewBus(ch)
	defer bus.Close()

	var calls atomic.Int32
	On(bus, EventNotificationCount, func(NotificationCountEvent) { calls.Add(1) })

	require.NoError(t, ch.Connect(context.Background(), "tok"))
	transport.last().push(t, EventNotificationCount, NotificationCountEvent{UnreadCount: 1})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// Forced drop, automatic reconnect.
	transport.last().Close("drop")
	advanceUntil(t, clock, func() bool {
		return transport.dialCount() == 2 && ch.State().Status == StatusConnected
	})
	conn := transport.last()
	conn.push(t, EventNotificationCount, NotificationCountEvent{UnreadCount: 2})
	conn.push(t, EventNotificationCount, NotificationCountEvent{UnreadCount: 3})
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)

	// Explicit reconnect.
	require.NoError(t, ch.Reconnect(context.Background()))
	transport.last().push(t, EventNotificationCount, NotificationCountEvent{UnreadCount: 4})
	require.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, time.Millisecond)

	// One more frame on the same connection proves nothing was doubled.
	transport.last().push(t, EventNotificationCount, NotificationCountEvent{UnreadCount: 5})
	require.Eventually(t, func() bool { return calls.Load() == 5 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, 1, bus.Subscribers(EventNotificationCount))
}

func TestBus_UnsubscribeFromInsideHandler(t *testing.T) {
	ch, transport, _ := newTestChannel(t, testRealtimeConfig())
	bus := NewBus(ch)
	require.NoError(t, ch.Connect(context.Background(), "tok"))

	var once, other atomic.Int32
	var sub Subscription
	sub = bus.Subscribe(EventTypingStop, func(json.RawMessage) {
		once.Add(1)
		sub.Unsubscribe()
		sub.Unsubscribe()
	})
	bus.Subscribe(EventTypingStop, func(json.RawMessage) { other.Add(1) })

	conn := transport.last()
	conn.push(t, EventTypingStop, TypingStopEvent{ConversationID: "c1", UserID: "u1"})
	conn.push(t, EventTypingStop, TypingStopEvent{ConversationID: "c1", UserID: "u1"})
	require.Eventually(t, func() bool { return other.Load() == 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, once.Load())
	assert.Equal(t, 1, bus.Subscribers(EventTypingStop))
}

func TestBus_UnsubscribeSkipsQueuedDelivery(t *testing.T) {
	ch, transport, _ := newTestChannel(t, testRealtimeConfig())
	bus := NewBus(ch)
	require.NoError(t, ch.Connect(context.Background(), "tok"))

	var second atomic.Int32
	var sub2 Subscription
	// The first handler removes the second before it runs for this frame.
	bus.Subscribe(EventMessageSeen, func(json.RawMessage) { sub2.Unsubscribe() })
	sub2 = bus.Subscribe(EventMessageSeen, func(json.RawMessage) { second.Add(1) })

	var done atomic.Bool
	bus.Subscribe(EventMessageSeen, func(json.RawMessage) { done.Store(true) })

	transport.last().push(t, EventMessageSeen, MessageSeenEvent{ConversationID: "c1", UserID: "u2"})
	require.Eventually(t, done.Load, time.Second, time.Millisecond)
	assert.Zero(t, second.Load())
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	ch, transport, _ := newTestChannel(t, testRealtimeConfig())
	bus := NewBus(ch, WithBusMetrics(metrics))
	require.NoError(t, ch.Connect(context.Background(), "tok"))

	var calls atomic.Int32
	bus.Subscribe(EventNotificationNew, func(json.RawMessage) { panic("boom") })
	bus.Subscribe(EventNotificationNew, func(json.RawMessage) { calls.Add(1) })

	conn := transport.last()
	conn.push(t, EventNotificationNew, NotificationEvent{Notification: Notification{ID: "n1"}})
	conn.push(t, EventNotificationNew, NotificationEvent{Notification: Notification{ID: "n2"}})
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, StatusConnected, ch.State().Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.handlerPanics.WithLabelValues(EventNotificationNew)))
}

func TestBus_ReleaseAndClose(t *testing.T) {
	ch, transport, _ := newTestChannel(t, testRealtimeConfig())
	bus := NewBus(ch)
	require.NoError(t, ch.Connect(context.Background(), "tok"))

	sub := bus.Subscribe(EventTypingStart, func(json.RawMessage) {})
	assert.Equal(t, 1, bus.Subscribers(EventTypingStart))
	sub.Unsubscribe()
	assert.Zero(t, bus.Subscribers(EventTypingStart))

	ch.mu.Lock()
	_, installed := ch.listeners[EventTypingStart]
	ch.mu.Unlock()
	assert.False(t, installed)

	var calls atomic.Int32
	bus.Subscribe(EventTypingStart, func(json.RawMessage) { calls.Add(1) })
	bus.Close()
	assert.Zero(t, bus.Subscribers(EventTypingStart))

	// Subscribing after Close is inert.
	bus.Subscribe(EventTypingStart, func(json.RawMessage) { calls.Add(1) }).Unsubscribe()

	transport.last().push(t, EventTypingStart, TypingStartEvent{ConversationID: "c1", UserID: "u2"})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestOn_DecodeFailureDropped(t *testing.T) {
	ch, transport, _ := newTestChannel(t, testRealtimeConfig())
	bus := NewBus(ch)
	require.NoError(t, ch.Connect(context.Background(), "tok"))

	got := make(chan int, 2)
	On(bus, EventNotificationCount, func(ev NotificationCountEvent) { got <- ev.UnreadCount })

	conn := transport.last()
	conn.push(t, EventNotificationCount, "not an object")
	conn.push(t, EventNotificationCount, NotificationCountEvent{UnreadCount: 4})

	select {
	case n := <-got:
		assert.Equal(t, 4, n)
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered")
	}
}
