package engage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localUser = "me"

func localIdentity() Identity {
	return Identity{UserID: localUser, Username: "Me"}
}

type messageFixture struct {
	store       *Store
	invalidator *recordingInvalidator
	sender      *recordingSender
	clock       clockwork.FakeClock
	r           *MessageReconciler
}

func newMessageFixture(t *testing.T, client *Client, convs ...Conversation) *messageFixture {
	t.Helper()
	f := &messageFixture{
		store:       NewStore(0),
		invalidator: &recordingInvalidator{},
		sender:      &recordingSender{},
		clock:       clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	SetPage(f.store, KeyConversations, 0, Page[Conversation]{Items: convs})
	unread := 0
	for _, c := range convs {
		if c.UnreadCount > 0 {
			unread++
		}
	}
	f.store.SetCount(KeyConversationsUnread, unread)
	f.r = NewMessageReconciler(f.store, client, f.sender, f.invalidator, localIdentity, f.clock)
	return f
}

func (f *messageFixture) conversation(t *testing.T, id string) Conversation {
	t.Helper()
	for _, c := range Items[Conversation](f.store, KeyConversations) {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("conversation %s not cached", id)
	return Conversation{}
}

func conversationIDs(items []Conversation) []string {
	ids := make([]string, len(items))
	for i, c := range items {
		ids[i] = c.ID
	}
	return ids
}

func TestMessageReconciler_NoDoubleCounting(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "a"}, Conversation{ID: "c"})

	for i, id := range []string{"m1", "m2", "m3"} {
		f.r.HandleNew(MessageNewEvent{
			ConversationID: "c",
			SenderID:       "b",
			Content:        "hi",
			MessageID:      id,
			Timestamp:      f.clock.Now().Add(time.Duration(i) * time.Second),
		})
	}

	c := f.conversation(t, "c")
	assert.Equal(t, 3, c.UnreadCount)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m3", c.LastMessage.ID)
	assert.Equal(t, 1, unreadCount(t, f.store, KeyConversationsUnread))
	assert.Equal(t, []string{"c", "a"}, conversationIDs(Items[Conversation](f.store, KeyConversations)))
	assert.Empty(t, f.invalidator.invalidated())
}

func TestMessageReconciler_DuplicateDeliveryIgnored(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "c"})
	ev := MessageNewEvent{ConversationID: "c", SenderID: "b", Content: "hi", MessageID: "m1"}

	f.r.HandleNew(ev)
	f.r.HandleNew(ev)

	assert.Equal(t, 1, f.conversation(t, "c").UnreadCount)
	assert.Equal(t, 1, unreadCount(t, f.store, KeyConversationsUnread))
}

func TestMessageReconciler_SelfEchoNeutral(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "c"}, Conversation{ID: "d", UnreadCount: 2})
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{Items: []Message{
		{ID: "local-1", ConversationID: "c", SenderID: localUser, Content: "hello", Status: MessagePending},
	}})

	f.r.HandleNew(MessageNewEvent{ConversationID: "c", SenderID: localUser, Content: "hello", MessageID: "srv-1"})

	assert.Zero(t, f.conversation(t, "c").UnreadCount)
	assert.Equal(t, 2, f.conversation(t, "d").UnreadCount)
	assert.Equal(t, 1, unreadCount(t, f.store, KeyConversationsUnread))

	// The pending local copy was replaced, not duplicated.
	msgs := Items[Message](f.store, MessagesKey("c"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, MessageSent, msgs[0].Status)
}

func TestMessageReconciler_SelfEchoIdenticalSends(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "c"})
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{Items: []Message{
		{ID: "local-2", ConversationID: "c", SenderID: localUser, Content: "ok", Status: MessagePending},
		{ID: "local-1", ConversationID: "c", SenderID: localUser, Content: "ok", Status: MessagePending},
	}})

	// The echo of the first send carries its local id and lands on it.
	f.r.HandleNew(MessageNewEvent{ConversationID: "c", SenderID: localUser, Content: "ok", MessageID: "local-1"})
	msgs := Items[Message](f.store, MessagesKey("c"))
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{ID: "local-2", ConversationID: "c", SenderID: localUser, Content: "ok", Status: MessagePending}, msgs[0])
	assert.Equal(t, "local-1", msgs[1].ID)
	assert.Equal(t, MessageSent, msgs[1].Status)

	// A server-assigned id falls back to the oldest pending copy.
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{Items: []Message{
		{ID: "local-4", ConversationID: "c", SenderID: localUser, Content: "ok", Status: MessagePending},
		{ID: "local-3", ConversationID: "c", SenderID: localUser, Content: "ok", Status: MessagePending},
	}})
	f.r.HandleNew(MessageNewEvent{ConversationID: "c", SenderID: localUser, Content: "ok", MessageID: "srv-3"})
	msgs = Items[Message](f.store, MessagesKey("c"))
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"local-4", "srv-3"}, []string{msgs[0].ID, msgs[1].ID})
	assert.Equal(t, MessagePending, msgs[0].Status)
	assert.Equal(t, MessageSent, msgs[1].Status)
}

func TestMessageReconciler_UnknownConversationRefetches(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "a"})

	f.r.HandleNew(MessageNewEvent{ConversationID: "zzz", SenderID: "b", Content: "hi", MessageID: "m1"})

	assert.Equal(t, []Key{KeyConversations, KeyConversationsUnread}, f.invalidator.invalidated())
	assert.Equal(t, []string{"a"}, conversationIDs(Items[Conversation](f.store, KeyConversations)))
	assert.Zero(t, unreadCount(t, f.store, KeyConversationsUnread))
}

func TestMessageReconciler_UpdatesMessageCache(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "c"})
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{Items: []Message{{ID: "m0", ConversationID: "c"}}})

	f.r.HandleNew(MessageNewEvent{ConversationID: "c", SenderID: "b", Content: "yo", MessageID: "m1"})

	msgs := Items[Message](f.store, MessagesKey("c"))
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "yo", msgs[0].Content)
}

func TestMessageReconciler_SeenByLocalUserResets(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "c", UnreadCount: 2}, Conversation{ID: "d", UnreadCount: 1})
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{Items: []Message{
		{ID: "m1", SenderID: "b", SeenBy: []string{"z"}},
		{ID: "m2", SenderID: "b"},
	}})

	f.r.HandleSeen(MessageSeenEvent{ConversationID: "c", UserID: localUser})
	f.r.HandleSeen(MessageSeenEvent{ConversationID: "c", UserID: localUser})

	assert.Zero(t, f.conversation(t, "c").UnreadCount)
	assert.Equal(t, 1, unreadCount(t, f.store, KeyConversationsUnread))
	msgs := Items[Message](f.store, MessagesKey("c"))
	assert.Equal(t, []string{localUser, "z"}, msgs[0].SeenBy)
	assert.Equal(t, []string{localUser}, msgs[1].SeenBy)
}

func TestMessageReconciler_SeenForUnknownConversationRefetches(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "a", UnreadCount: 1})
	f.store.SetCount(KeyConversationsUnread, 2)

	f.r.HandleSeen(MessageSeenEvent{ConversationID: "zzz", UserID: localUser})

	assert.Equal(t, []Key{KeyConversations, KeyConversationsUnread}, f.invalidator.invalidated())
	assert.Equal(t, 2, unreadCount(t, f.store, KeyConversationsUnread))
	assert.Equal(t, 1, f.conversation(t, "a").UnreadCount)
}

func TestMessageReconciler_SeenAlreadyReadLeavesCounters(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "a"}, Conversation{ID: "b", UnreadCount: 3})

	f.r.HandleSeen(MessageSeenEvent{ConversationID: "a", UserID: localUser})

	assert.Empty(t, f.invalidator.invalidated())
	assert.Equal(t, 1, unreadCount(t, f.store, KeyConversationsUnread))
}

func TestMessageReconciler_SeenByRemoteUserKeepsCounters(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "c", UnreadCount: 2})
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{Items: []Message{{ID: "m1", SenderID: localUser}}})

	f.r.HandleSeen(MessageSeenEvent{ConversationID: "c", UserID: "b"})

	assert.Equal(t, 2, f.conversation(t, "c").UnreadCount)
	assert.Equal(t, 1, unreadCount(t, f.store, KeyConversationsUnread))
	assert.Equal(t, []string{"b"}, Items[Message](f.store, MessagesKey("c"))[0].SeenBy)
}

func TestMessageReconciler_UnreadAgainAfterSeen(t *testing.T) {
	f := newMessageFixture(t, nil, Conversation{ID: "c"})

	f.r.HandleNew(MessageNewEvent{ConversationID: "c", SenderID: "b", MessageID: "m1"})
	f.r.HandleSeen(MessageSeenEvent{ConversationID: "c", UserID: localUser})
	assert.Zero(t, unreadCount(t, f.store, KeyConversationsUnread))

	f.r.HandleNew(MessageNewEvent{ConversationID: "c", SenderID: "b", MessageID: "m2"})
	assert.Equal(t, 1, f.conversation(t, "c").UnreadCount)
	assert.Equal(t, 1, unreadCount(t, f.store, KeyConversationsUnread))
}

func TestMessageReconciler_Send(t *testing.T) {
	var body SendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/c/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		resp, _ := json.Marshal(map[string]any{
			"ok": true,
			"data": Message{
				ID:             body.ID,
				ConversationID: "c",
				SenderID:       localUser,
				Content:        body.Content,
			},
		})
		w.Write(resp)
	}))
	defer srv.Close()

	f := newMessageFixture(t, NewClient("tok", WithBaseURL(srv.URL), WithRetryMax(0)), Conversation{ID: "a"}, Conversation{ID: "c"})
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{})

	msg, err := f.r.Send(context.Background(), "c", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, body.ID, msg.ID)
	assert.NotEmpty(t, body.ID)

	msgs := Items[Message](f.store, MessagesKey("c"))
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageSent, msgs[0].Status)
	assert.Equal(t, []string{"c", "a"}, conversationIDs(Items[Conversation](f.store, KeyConversations)))
	assert.Zero(t, f.conversation(t, "c").UnreadCount)

	assert.Equal(t, []string{EventMessageSend}, f.sender.events())
	var cmd MessageSendCommand
	require.NoError(t, json.Unmarshal(f.sender.sent[0].Payload, &cmd))
	assert.Equal(t, MessageSendCommand{ConversationID: "c", Content: "hello", SenderID: localUser, SenderName: "Me", MessageID: body.ID}, cmd)

	// The echo of our own message changes nothing.
	f.r.HandleNew(MessageNewEvent{ConversationID: "c", SenderID: localUser, Content: "hello", MessageID: body.ID})
	assert.Len(t, Items[Message](f.store, MessagesKey("c")), 1)
	assert.Zero(t, unreadCount(t, f.store, KeyConversationsUnread))
}

func TestMessageReconciler_SendFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"ok":false,"error":{"code":"BLOCKED","message":"blocked"}}`))
	}))
	defer srv.Close()

	f := newMessageFixture(t, NewClient("tok", WithBaseURL(srv.URL), WithRetryMax(0)), Conversation{ID: "c"})
	SetPage(f.store, MessagesKey("c"), 0, Page[Message]{})

	_, err := f.r.Send(context.Background(), "c", "hello", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	msgs := Items[Message](f.store, MessagesKey("c"))
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageFailed, msgs[0].Status)
	assert.Empty(t, f.sender.events())
}

func TestMessageReconciler_MarkSeen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/c/seen", r.URL.Path)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newMessageFixture(t, NewClient("tok", WithBaseURL(srv.URL), WithRetryMax(0)), Conversation{ID: "c", UnreadCount: 4})

	require.NoError(t, f.r.MarkSeen(context.Background(), "c"))
	assert.Zero(t, f.conversation(t, "c").UnreadCount)
	assert.Zero(t, unreadCount(t, f.store, KeyConversationsUnread))
	assert.Equal(t, []string{EventMessageSeen}, f.sender.events())
	assert.JSONEq(t, `{"conversationId":"c","userId":"me"}`, string(f.sender.sent[0].Payload))
}
