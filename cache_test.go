package engage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notificationPage(ids ...string) Page[Notification] {
	p := Page[Notification]{}
	for _, id := range ids {
		p.Items = append(p.Items, Notification{ID: id})
	}
	return p
}

func itemIDs(items []Notification) []string {
	ids := make([]string, len(items))
	for i, n := range items {
		ids[i] = n.ID
	}
	return ids
}

func TestStore_SetPageReplaceAndAppend(t *testing.T) {
	s := NewStore(0)
	assert.False(t, s.Populated(KeyNotifications))

	first := notificationPage("n1", "n2")
	first.HasMore, first.Cursor = true, "c1"
	SetPage(s, KeyNotifications, 0, first)
	SetPage(s, KeyNotifications, 1, notificationPage("n3"))
	assert.True(t, s.Populated(KeyNotifications))
	assert.Equal(t, []string{"n1", "n2", "n3"}, itemIDs(Items[Notification](s, KeyNotifications)))

	// Replacing page 1 in place.
	SetPage(s, KeyNotifications, 1, notificationPage("n4"))
	assert.Equal(t, []string{"n1", "n2", "n4"}, itemIDs(Items[Notification](s, KeyNotifications)))

	// Index 0 drops every other page.
	SetPage(s, KeyNotifications, 0, notificationPage("n9"))
	pages, ok := Pages[Notification](s, KeyNotifications)
	require.True(t, ok)
	assert.Len(t, pages, 1)
	assert.Equal(t, []string{"n9"}, itemIDs(Items[Notification](s, KeyNotifications)))
}

func TestStore_PatchUnpopulatedIsNoop(t *testing.T) {
	s := NewStore(0)
	called := false
	ok := PatchPages(s, KeyNotifications, func(p []Page[Notification]) ([]Page[Notification], bool) {
		called = true
		return p, true
	})
	assert.False(t, ok)
	assert.False(t, called)
	assert.False(t, s.Populated(KeyNotifications))

	assert.False(t, s.AddCount(KeyNotificationsUnread, 1))
	_, populated := s.Count(KeyNotificationsUnread)
	assert.False(t, populated)
}

func TestStore_PatchIsCopyOnWrite(t *testing.T) {
	s := NewStore(0)
	SetPage(s, KeyNotifications, 0, notificationPage("n1"))
	before, _ := Pages[Notification](s, KeyNotifications)

	PatchPages(s, KeyNotifications, func(p []Page[Notification]) ([]Page[Notification], bool) {
		p[0].Items[0].IsRead = true
		p[0].Items = append(p[0].Items, Notification{ID: "n2"})
		return p, true
	})

	assert.False(t, before[0].Items[0].IsRead)
	assert.Len(t, before[0].Items, 1)
	after := Items[Notification](s, KeyNotifications)
	assert.True(t, after[0].IsRead)
	assert.Len(t, after, 2)
}

func TestStore_Counts(t *testing.T) {
	s := NewStore(0)
	s.SetCount(KeyConversationsUnread, -3)
	n, ok := s.Count(KeyConversationsUnread)
	require.True(t, ok)
	assert.Zero(t, n)

	assert.True(t, s.AddCount(KeyConversationsUnread, 2))
	assert.True(t, s.AddCount(KeyConversationsUnread, -5))
	n, _ = s.Count(KeyConversationsUnread)
	assert.Zero(t, n)
}

func TestStore_StaleClearedByFirstPage(t *testing.T) {
	s := NewStore(0)
	s.MarkStale(KeyNotifications)
	assert.False(t, s.Stale(KeyNotifications), "unknown keys are never stale")

	SetPage(s, KeyNotifications, 0, notificationPage("n1"))
	s.MarkStale(KeyNotifications)
	assert.True(t, s.Stale(KeyNotifications))

	SetPage(s, KeyNotifications, 1, notificationPage("n2"))
	assert.True(t, s.Stale(KeyNotifications))
	SetPage(s, KeyNotifications, 0, notificationPage("n1"))
	assert.False(t, s.Stale(KeyNotifications))
}

func TestStore_MessageCachesEvicted(t *testing.T) {
	s := NewStore(2)
	for _, id := range []string{"c1", "c2", "c3"} {
		SetPage(s, MessagesKey(id), 0, Page[Message]{Items: []Message{{ID: id + "-m"}}})
	}
	assert.False(t, s.Populated(MessagesKey("c1")))
	assert.True(t, s.Populated(MessagesKey("c2")))
	assert.True(t, s.Populated(MessagesKey("c3")))
	assert.Equal(t, []Key{MessagesKey("c2"), MessagesKey("c3")}, s.Keys())
}

func TestStore_OnChangeAndClear(t *testing.T) {
	s := NewStore(0)
	var mu sync.Mutex
	var changed []Key
	sub := s.OnChange(func(k Key) {
		mu.Lock()
		changed = append(changed, k)
		mu.Unlock()
	})

	s.SetCount(KeyNotificationsUnread, 1)
	SetPage(s, KeyConversations, 0, Page[Conversation]{})
	// Unchanged patches do not notify.
	PatchPages(s, KeyConversations, func(p []Page[Conversation]) ([]Page[Conversation], bool) { return p, false })
	sub.Unsubscribe()
	s.SetCount(KeyNotificationsUnread, 2)

	mu.Lock()
	assert.Equal(t, []Key{KeyNotificationsUnread, KeyConversations}, changed)
	mu.Unlock()

	s.Clear()
	assert.Empty(t, s.Keys())
	assert.False(t, s.Populated(KeyConversations))
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(0)
	SetPage(s, KeyConversations, 0, Page[Conversation]{Items: []Conversation{{ID: "c1"}}})
	SetPage(s, MessagesKey("c1"), 0, Page[Message]{Items: []Message{{ID: "m1"}}})
	var changed []Key
	s.OnChange(func(k Key) { changed = append(changed, k) })

	s.Remove(MessagesKey("c1"))
	s.Remove(KeyConversations)

	assert.False(t, s.Populated(MessagesKey("c1")))
	assert.False(t, s.Populated(KeyConversations))
	assert.Empty(t, s.Keys())
	assert.Equal(t, []Key{MessagesKey("c1"), KeyConversations}, changed)
	assert.False(t, PatchPages(s, MessagesKey("c1"), func(p []Page[Message]) ([]Page[Message], bool) { return p, true }))
}

func TestKey_ConversationID(t *testing.T) {
	id, ok := MessagesKey("c1").ConversationID()
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	_, ok = KeyConversations.ConversationID()
	assert.False(t, ok)
	assert.Equal(t, "messages", MessagesKey("c1").namespace())
	assert.Equal(t, "conversations:unread", KeyConversationsUnread.namespace())
}
