package engage

import (
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ============================================================================
// Keys
// ============================================================================

// Key addresses one cache entry.
type Key string

const (
	KeyNotifications       Key = "notifications"
	KeyNotificationsUnread Key = "notifications:unread"
	KeyConversations       Key = "conversations"
	KeyConversationsUnread Key = "conversations:unread"

	messagesPrefix = "messages:"
)

// MessagesKey is the key of one conversation's message list.
func MessagesKey(conversationID string) Key {
	return Key(messagesPrefix + conversationID)
}

// ConversationID returns the conversation of a messages key.
func (k Key) ConversationID() (string, bool) {
	if !strings.HasPrefix(string(k), messagesPrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(k), messagesPrefix), true
}

func (k Key) namespace() string {
	if _, ok := k.ConversationID(); ok {
		return strings.TrimSuffix(messagesPrefix, ":")
	}
	return string(k)
}

// ============================================================================
// Pages
// ============================================================================

// Page is one fetched page of a logical list.
type Page[T any] struct {
	Items   []T    `json:"items"`
	HasMore bool   `json:"hasMore"`
	Cursor  string `json:"cursor,omitempty"`
}

// flatten concatenates the items of all pages.
func flatten[T any](pages []Page[T]) []T {
	n := 0
	for _, p := range pages {
		n += len(p.Items)
	}
	out := make([]T, 0, n)
	for _, p := range pages {
		out = append(out, p.Items...)
	}
	return out
}

// clonePages copies the page slice and every item slice so a patch can edit
// freely without touching the snapshot readers hold.
func clonePages[T any](pages []Page[T]) []Page[T] {
	out := make([]Page[T], len(pages))
	for i, p := range pages {
		out[i] = Page[T]{
			Items:   append([]T(nil), p.Items...),
			HasMore: p.HasMore,
			Cursor:  p.Cursor,
		}
	}
	return out
}

// ============================================================================
// Store
// ============================================================================

// entry holds one key's value. mu is the per-key write queue: pull writes and
// reconciler patches on the same key never interleave.
type entry struct {
	mu        sync.Mutex
	pages     any
	count     int
	populated bool
	stale     bool
}

// Store is the single source of truth read by the UI and written by pull
// queries (whole-page replacement) and reconcilers (identity patches).
// Values are copy-on-write; slices returned by readers are never mutated.
type Store struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	messages *lru.Cache[Key, *entry]

	changes listenerList[func(Key)]
}

// NewStore creates an empty store keeping at most maxMessageCaches
// per-conversation message lists; the least recently used one is dropped and
// becomes unpopulated again.
func NewStore(maxMessageCaches int) *Store {
	if maxMessageCaches <= 0 {
		maxMessageCaches = 64
	}
	messages, err := lru.New[Key, *entry](maxMessageCaches)
	if err != nil {
		panic(err)
	}
	return &Store{
		entries:  make(map[Key]*entry),
		messages: messages,
	}
}

func (s *Store) lookup(key Key, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := key.ConversationID(); ok {
		if e, ok := s.messages.Get(key); ok {
			return e
		}
		if !create {
			return nil
		}
		e := &entry{}
		s.messages.Add(key, e)
		return e
	}
	e, ok := s.entries[key]
	if !ok && create {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// Populated reports whether a pull query has written key.
func (s *Store) Populated(key Key) bool {
	e := s.lookup(key, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.populated
}

// Stale reports whether key was invalidated and not yet refetched.
func (s *Store) Stale(key Key) bool {
	e := s.lookup(key, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stale
}

// MarkStale flags key for refetch without touching its value.
func (s *Store) MarkStale(key Key) {
	e := s.lookup(key, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stale = true
	e.mu.Unlock()
}

// Count returns the scalar stored at key.
func (s *Store) Count(key Key) (int, bool) {
	e := s.lookup(key, false)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count, e.populated
}

// SetCount overwrites the scalar at key. This is the authoritative write
// path: pull results and server corrections.
func (s *Store) SetCount(key Key, n int) {
	if n < 0 {
		n = 0
	}
	e := s.lookup(key, true)
	e.mu.Lock()
	e.count = n
	e.populated = true
	e.stale = false
	e.mu.Unlock()
	s.changed(key)
}

// AddCount adds delta to a populated scalar, clamping at zero. It reports
// whether the scalar existed.
func (s *Store) AddCount(key Key, delta int) bool {
	e := s.lookup(key, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if !e.populated {
		e.mu.Unlock()
		return false
	}
	e.count += delta
	if e.count < 0 {
		e.count = 0
	}
	e.mu.Unlock()
	s.changed(key)
	return true
}

// Pages returns the cached pages at key.
func Pages[T any](s *Store, key Key) ([]Page[T], bool) {
	e := s.lookup(key, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.populated {
		return nil, false
	}
	pages, ok := e.pages.([]Page[T])
	return pages, ok
}

// Items returns all cached items at key in list order.
func Items[T any](s *Store, key Key) []T {
	pages, _ := Pages[T](s, key)
	return flatten(pages)
}

// SetPage stores a pulled page. Index 0 replaces the whole list with this
// single page; index len(pages) appends; any other index replaces that page.
func SetPage[T any](s *Store, key Key, index int, page Page[T]) {
	e := s.lookup(key, true)
	e.mu.Lock()
	current, _ := e.pages.([]Page[T])
	if !e.populated {
		current = nil
	}
	var next []Page[T]
	switch {
	case index <= 0:
		next = []Page[T]{page}
	case index >= len(current):
		next = append(append(make([]Page[T], 0, len(current)+1), current...), page)
	default:
		next = append([]Page[T](nil), current...)
		next[index] = page
	}
	e.pages = next
	e.populated = true
	if index <= 0 {
		e.stale = false
	}
	e.mu.Unlock()
	s.changed(key)
}

// PatchPages runs fn on a private copy of the pages at key and stores the
// result when fn reports a change. Unpopulated keys are never patched:
// PatchPages returns false without calling fn.
func PatchPages[T any](s *Store, key Key, fn func(pages []Page[T]) ([]Page[T], bool)) bool {
	e := s.lookup(key, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	current, ok := e.pages.([]Page[T])
	if !e.populated || !ok {
		e.mu.Unlock()
		return false
	}
	next, changed := fn(clonePages(current))
	if changed {
		e.pages = next
	}
	e.mu.Unlock()
	if changed {
		s.changed(key)
	}
	return true
}

// OnChange registers fn for every write to any key.
func (s *Store) OnChange(fn func(Key)) Subscription {
	return s.changes.add(fn)
}

// Keys returns every populated key, sorted.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	candidates := make(map[Key]*entry, len(s.entries)+s.messages.Len())
	for k, e := range s.entries {
		candidates[k] = e
	}
	for _, k := range s.messages.Keys() {
		if e, ok := s.messages.Peek(k); ok {
			candidates[k] = e
		}
	}
	s.mu.Unlock()

	var keys []Key
	for k, e := range candidates {
		e.mu.Lock()
		if e.populated {
			keys = append(keys, k)
		}
		e.mu.Unlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Remove drops key entirely; it becomes unpopulated.
func (s *Store) Remove(key Key) {
	s.mu.Lock()
	if _, ok := key.ConversationID(); ok {
		s.messages.Remove(key)
	} else {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	s.changed(key)
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[Key]*entry)
	s.messages.Purge()
	s.mu.Unlock()
}

func (s *Store) changed(key Key) {
	s.changes.each(func(fn func(Key)) { fn(key) })
}
