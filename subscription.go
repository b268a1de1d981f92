package engage

import (
	"sync"
	"sync/atomic"
)

// Subscription is the handle returned by every registration in this package.
// Unsubscribe is idempotent and safe to call from inside the callback it
// registered.
type Subscription interface {
	Unsubscribe()
}

type subscriptionFunc struct {
	once sync.Once
	fn   func()
}

func (s *subscriptionFunc) Unsubscribe() { s.once.Do(s.fn) }

func newSubscription(fn func()) Subscription {
	return &subscriptionFunc{fn: fn}
}

// listener is one registered callback. active is cleared on unsubscribe so a
// snapshot taken before the unsubscribe never invokes it.
type listener[T any] struct {
	id     uint64
	fn     T
	active atomic.Bool
}

// listenerList is a copy-on-write list of callbacks. Readers take a snapshot
// and iterate without holding the lock, so callbacks may add or remove
// listeners freely.
type listenerList[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []*listener[T]
}

func (l *listenerList[T]) add(fn T) Subscription {
	l.mu.Lock()
	l.nextID++
	ln := &listener[T]{id: l.nextID, fn: fn}
	ln.active.Store(true)
	next := make([]*listener[T], len(l.listeners), len(l.listeners)+1)
	copy(next, l.listeners)
	l.listeners = append(next, ln)
	l.mu.Unlock()
	return newSubscription(func() { l.remove(ln.id) })
}

func (l *listenerList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]*listener[T], 0, len(l.listeners))
	for _, ln := range l.listeners {
		if ln.id == id {
			ln.active.Store(false)
			continue
		}
		next = append(next, ln)
	}
	l.listeners = next
}

func (l *listenerList[T]) snapshot() []*listener[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listeners
}

func (l *listenerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

func (l *listenerList[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range l.listeners {
		ln.active.Store(false)
	}
	l.listeners = nil
}

// each calls visit for every listener still active at call time.
func (l *listenerList[T]) each(visit func(T)) {
	for _, ln := range l.snapshot() {
		if ln.active.Load() {
			visit(ln.fn)
		}
	}
}
