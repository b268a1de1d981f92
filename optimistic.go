package engage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Toggle keys & state
// ============================================================================

// Interaction is a binary engagement a user toggles on an entity.
type Interaction string

const (
	InteractionLike   Interaction = "like"
	InteractionSave   Interaction = "save"
	InteractionRepost Interaction = "repost"
	InteractionFollow Interaction = "follow"
	InteractionBlock  Interaction = "block"
)

// ToggleKey identifies one toggle: an interaction on one entity.
type ToggleKey struct {
	Kind     Interaction
	EntityID string
}

// EntityType is "user" for follow and block, "post" otherwise.
func (k ToggleKey) EntityType() string {
	switch k.Kind {
	case InteractionFollow, InteractionBlock:
		return "user"
	default:
		return "post"
	}
}

func (k ToggleKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.EntityType(), k.EntityID, k.Kind)
}

// ToggleState is what the UI renders for a toggle.
type ToggleState struct {
	Active bool `json:"active"`
	Count  int  `json:"count"`
}

// set returns the state after turning the toggle on or off. Setting the
// current value is a no-op, so replaying a target twice never double-counts.
func (s ToggleState) set(active bool) ToggleState {
	if s.Active == active {
		return s
	}
	s.Active = active
	if active {
		s.Count++
	} else if s.Count > 0 {
		s.Count--
	}
	return s
}

// Snapshot captures the state before and after one optimistic mutation.
type Snapshot struct {
	Previous ToggleState
	Next     ToggleState
}

// ============================================================================
// Optimist
// ============================================================================

type toggleEntry struct {
	base    ToggleState
	pending []*Mutation
	current ToggleState
}

func (e *toggleEntry) replay() {
	s := e.base
	for _, m := range e.pending {
		s = s.set(m.target)
	}
	e.current = s
}

// OptimistOption configures an Optimist.
type OptimistOption func(*Optimist)

// WithOptimistLogger sets the logger.
func WithOptimistLogger(logger *zap.Logger) OptimistOption {
	return func(o *Optimist) { o.logger = logger.Named("optimist") }
}

// WithOptimistMetrics counts mutation outcomes on m.
func WithOptimistMetrics(m *Metrics) OptimistOption {
	return func(o *Optimist) { o.metrics = m }
}

// Optimist applies toggle mutations locally before the server confirms them.
//
// Each key keeps the last confirmed state plus the ordered list of mutations
// still in flight; the displayed state is the confirmed state with every
// pending target replayed on top. Rolling back one mutation removes it and
// replays the rest, so a rejection never clobbers a later mutation and a lone
// rejected mutation restores its Previous state exactly.
type Optimist struct {
	mu      sync.Mutex
	entries map[ToggleKey]*toggleEntry
	logger  *zap.Logger
	metrics *Metrics

	changes listenerList[func(ToggleKey, ToggleState)]
}

// NewOptimist creates an empty executor.
func NewOptimist(opts ...OptimistOption) *Optimist {
	o := &Optimist{
		entries: make(map[ToggleKey]*toggleEntry),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Optimist) entry(key ToggleKey) *toggleEntry {
	e, ok := o.entries[key]
	if !ok {
		e = &toggleEntry{}
		o.entries[key] = e
	}
	return e
}

// Seed records server state for key, typically from a pull query. Pending
// mutations are replayed on top of it.
func (o *Optimist) Seed(key ToggleKey, state ToggleState) {
	o.mu.Lock()
	e := o.entry(key)
	e.base = state
	e.replay()
	current := e.current
	o.mu.Unlock()
	o.notify(key, current)
}

// State returns the displayed state of key.
func (o *Optimist) State(key ToggleKey) ToggleState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		return e.current
	}
	return ToggleState{}
}

// Pending returns how many mutations of key await confirmation.
func (o *Optimist) Pending(key ToggleKey) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		return len(e.pending)
	}
	return 0
}

// OnChange registers fn for every change of a displayed state.
func (o *Optimist) OnChange(fn func(ToggleKey, ToggleState)) Subscription {
	return o.changes.add(fn)
}

// Begin applies a mutation setting key to active. The new state is visible
// to State and OnChange listeners before Begin returns.
func (o *Optimist) Begin(key ToggleKey, active bool) *Mutation {
	return o.begin(key, func(ToggleState) bool { return active })
}

// BeginToggle is Begin with the target flipped from the current state under
// the same lock, so concurrent toggles alternate.
func (o *Optimist) BeginToggle(key ToggleKey) *Mutation {
	return o.begin(key, func(cur ToggleState) bool { return !cur.Active })
}

func (o *Optimist) begin(key ToggleKey, target func(ToggleState) bool) *Mutation {
	o.mu.Lock()
	e := o.entry(key)
	active := target(e.current)
	m := &Mutation{
		o:        o,
		key:      key,
		target:   active,
		snapshot: Snapshot{Previous: e.current, Next: e.current.set(active)},
	}
	e.pending = append(e.pending, m)
	e.current = m.snapshot.Next
	current := e.current
	o.mu.Unlock()
	o.notify(key, current)
	return m
}

// Toggle flips key optimistically and runs request with the new target. A
// failed request rolls the mutation back and returns a
// *MutationRejectedError.
func (o *Optimist) Toggle(ctx context.Context, key ToggleKey, request func(ctx context.Context, active bool) error) (ToggleState, error) {
	m := o.BeginToggle(key)
	if err := request(ctx, m.target); err != nil {
		if rbErr := m.Rollback(); rbErr != nil {
			o.logger.Error("rollback failed", zap.Stringer("key", key), zap.Error(rbErr))
		}
		o.metrics.mutation(key.Kind, "rejected")
		o.logger.Warn("mutation rejected", zap.Stringer("key", key), zap.Error(err))
		return o.State(key), &MutationRejectedError{Key: key, Snapshot: m.snapshot, Err: err}
	}
	if err := m.Commit(); err != nil {
		return o.State(key), err
	}
	o.metrics.mutation(key.Kind, "committed")
	return o.State(key), nil
}

// Reset forgets every key. Pending mutations become unknown.
func (o *Optimist) Reset() {
	o.mu.Lock()
	o.entries = make(map[ToggleKey]*toggleEntry)
	o.mu.Unlock()
}

func (o *Optimist) settle(m *Mutation, commit bool) error {
	o.mu.Lock()
	e, ok := o.entries[m.key]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownMutation
	}
	i := slices.Index(e.pending, m)
	if i < 0 {
		o.mu.Unlock()
		return ErrUnknownMutation
	}
	e.pending = slices.Delete(e.pending, i, i+1)
	if commit {
		e.base = e.base.set(m.target)
	}
	before := e.current
	e.replay()
	current := e.current
	o.mu.Unlock()
	if current != before {
		o.notify(m.key, current)
	}
	return nil
}

func (o *Optimist) notify(key ToggleKey, state ToggleState) {
	o.changes.each(func(fn func(ToggleKey, ToggleState)) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Warn("toggle listener panicked", zap.Stringer("key", key), zap.Any("panic", r))
			}
		}()
		fn(key, state)
	})
}

// Mutation is one in-flight optimistic change. Exactly one of Commit or
// Rollback should be called; the second call returns ErrUnknownMutation.
type Mutation struct {
	o        *Optimist
	key      ToggleKey
	target   bool
	snapshot Snapshot
}

// Key returns the toggle the mutation applies to.
func (m *Mutation) Key() ToggleKey { return m.key }

// Snapshot returns the states before and after the mutation was applied.
func (m *Mutation) Snapshot() Snapshot { return m.snapshot }

// Commit confirms the mutation.
func (m *Mutation) Commit() error { return m.o.settle(m, true) }

// Rollback discards the mutation.
func (m *Mutation) Rollback() error { return m.o.settle(m, false) }
