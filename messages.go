package engage

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ============================================================================
// Message Reconciler
// ============================================================================

// MessageReconciler keeps three caches consistent from message events: the
// conversation list, per-conversation message lists and the scalar count of
// conversations with unread messages.
//
// The scalar is derived: it moves only when a conversation's own unreadCount
// crosses zero, and that crossing is decided inside the same write that
// changed the conversation.
type MessageReconciler struct {
	store       *Store
	client      *Client
	sender      Sender
	invalidator Invalidator
	identity    func() Identity
	clock       clockwork.Clock
	recent      *lru.Cache[string, struct{}]
	reconcilerConfig
}

// NewMessageReconciler creates the reconciler. identity reports the local
// user; invalidator is asked to refetch whatever cannot be patched safely.
func NewMessageReconciler(store *Store, client *Client, sender Sender, invalidator Invalidator, identity func() Identity, clock clockwork.Clock, opts ...ReconcilerOption) *MessageReconciler {
	cfg := newReconcilerConfig("messages", opts)
	if cfg.seenWindowSize <= 0 {
		cfg.seenWindowSize = 1024
	}
	recent, err := lru.New[string, struct{}](cfg.seenWindowSize)
	if err != nil {
		panic(err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MessageReconciler{
		store:            store,
		client:           client,
		sender:           sender,
		invalidator:      invalidator,
		identity:         identity,
		clock:            clock,
		recent:           recent,
		reconcilerConfig: cfg,
	}
}

// Subscribe registers message:new and message:seen on bus.
func (r *MessageReconciler) Subscribe(bus *Bus) Subscription {
	return multiSubscription{
		On(bus, EventMessageNew, r.HandleNew),
		On(bus, EventMessageSeen, r.HandleSeen),
	}
}

// Reset forgets the recent message window. Called on logout.
func (r *MessageReconciler) Reset() {
	r.recent.Purge()
}

// HandleNew applies message:new.
func (r *MessageReconciler) HandleNew(ev MessageNewEvent) {
	if ev.ConversationID == "" {
		r.logger.Warn("message without conversation dropped", zap.String("messageId", ev.MessageID))
		return
	}
	if ev.MessageID != "" {
		if seen, _ := r.recent.ContainsOrAdd(ev.MessageID, struct{}{}); seen {
			r.metrics.patch("messages", "duplicate")
			r.logger.Debug("duplicate message", zap.String("messageId", ev.MessageID))
			return
		}
	}

	self := ev.SenderID != "" && ev.SenderID == r.identity().UserID
	msg := Message{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		SenderName:     ev.SenderName,
		Content:        ev.Content,
		Image:          ev.Image,
		CreatedAt:      ev.Timestamp,
		Status:         MessageSent,
	}
	r.upsertMessage(msg, true)

	preview := MessagePreview{
		ID:        ev.MessageID,
		SenderID:  ev.SenderID,
		Content:   ev.Content,
		Image:     ev.Image,
		CreatedAt: ev.Timestamp,
	}
	populated, found, becameUnread := r.applyToConversation(ev.ConversationID, preview, !self)
	switch {
	case !populated:
		// Nothing to patch. The scalar cannot be moved without knowing the
		// conversation's previous count.
		if !self && r.store.Populated(KeyConversationsUnread) {
			r.invalidate(KeyConversationsUnread)
		}
		r.metrics.patch("messages", "unpopulated")
		return
	case !found:
		r.logger.Info("message for unknown conversation, refetching",
			zap.String("conversationId", ev.ConversationID))
		r.invalidate(KeyConversations)
		if !self && r.store.Populated(KeyConversationsUnread) {
			r.invalidate(KeyConversationsUnread)
		}
		r.metrics.patch("messages", "stale")
		return
	}
	r.metrics.patch("messages", "applied")
	if becameUnread {
		r.store.AddCount(KeyConversationsUnread, 1)
	}
}

// HandleSeen applies message:seen. Only the local user's own seen event
// resets the conversation and the scalar.
func (r *MessageReconciler) HandleSeen(ev MessageSeenEvent) {
	if ev.ConversationID == "" || ev.UserID == "" {
		return
	}
	PatchPages(r.store, MessagesKey(ev.ConversationID), func(pages []Page[Message]) ([]Page[Message], bool) {
		changed := false
		for pi := range pages {
			for i := range pages[pi].Items {
				if pages[pi].Items[i].markSeen(ev.UserID) {
					changed = true
				}
			}
		}
		return pages, changed
	})
	if ev.UserID != r.identity().UserID {
		return
	}
	populated, found, wasUnread := r.resetConversation(ev.ConversationID)
	switch {
	case !populated:
		if r.store.Populated(KeyConversationsUnread) {
			r.invalidate(KeyConversationsUnread)
		}
	case !found:
		r.logger.Info("seen for unknown conversation, refetching",
			zap.String("conversationId", ev.ConversationID))
		r.invalidate(KeyConversations)
		if r.store.Populated(KeyConversationsUnread) {
			r.invalidate(KeyConversationsUnread)
		}
		r.metrics.patch("messages", "stale")
	case wasUnread:
		r.store.AddCount(KeyConversationsUnread, -1)
	}
}

// applyToConversation sets the last message of a cached conversation, moves
// it to the front and, when countUnread is set, increments its unreadCount.
// becameUnread reports a 0 to 1 transition of that count.
func (r *MessageReconciler) applyToConversation(conversationID string, preview MessagePreview, countUnread bool) (populated, found, becameUnread bool) {
	populated = PatchPages(r.store, KeyConversations, func(pages []Page[Conversation]) ([]Page[Conversation], bool) {
		var conv Conversation
		for pi := range pages {
			for i, c := range pages[pi].Items {
				if c.ID != conversationID {
					continue
				}
				conv = c
				found = true
				pages[pi].Items = append(pages[pi].Items[:i], pages[pi].Items[i+1:]...)
				break
			}
			if found {
				break
			}
		}
		if !found {
			return pages, false
		}
		p := preview
		conv.LastMessage = &p
		if !preview.CreatedAt.IsZero() {
			conv.UpdatedAt = preview.CreatedAt
		}
		if countUnread {
			becameUnread = conv.UnreadCount == 0
			conv.UnreadCount++
		}
		pages[0].Items = append([]Conversation{conv}, pages[0].Items...)
		return pages, true
	})
	return populated, found, becameUnread
}

// resetConversation zeroes a conversation's unreadCount. wasUnread reports
// whether it had been unread.
func (r *MessageReconciler) resetConversation(conversationID string) (populated, found, wasUnread bool) {
	populated = PatchPages(r.store, KeyConversations, func(pages []Page[Conversation]) ([]Page[Conversation], bool) {
		for pi := range pages {
			for i := range pages[pi].Items {
				c := &pages[pi].Items[i]
				if c.ID != conversationID {
					continue
				}
				found = true
				if c.UnreadCount > 0 {
					c.UnreadCount = 0
					wasUnread = true
				}
				return pages, wasUnread
			}
		}
		return pages, false
	})
	return populated, found, wasUnread
}

// upsertMessage merges msg into its conversation's message cache by id, or
// prepends it. With matchPending and no id match, the oldest pending local
// message with the same sender and content is taken to be msg: echoes arrive
// in send order.
func (r *MessageReconciler) upsertMessage(msg Message, matchPending bool) {
	PatchPages(r.store, MessagesKey(msg.ConversationID), func(pages []Page[Message]) ([]Page[Message], bool) {
		pi, i := -1, -1
		if msg.ID != "" {
			pi, i = findMessage(pages, false, func(cur Message) bool { return cur.ID == msg.ID })
		}
		if pi < 0 && matchPending {
			pi, i = findMessage(pages, true, func(cur Message) bool {
				return cur.Status == MessagePending && cur.SenderID == msg.SenderID && cur.Content == msg.Content
			})
		}
		if pi >= 0 {
			cur := pages[pi].Items[i]
			merged := msg
			merged.SeenBy = cur.SeenBy
			for _, u := range msg.SeenBy {
				merged.markSeen(u)
			}
			pages[pi].Items[i] = merged
			return pages, true
		}
		if len(pages) == 0 {
			pages = []Page[Message]{{}}
		}
		pages[0].Items = append([]Message{msg}, pages[0].Items...)
		return pages, true
	})
}

// findMessage locates the newest message matching fn, or the oldest when
// oldest is set. Pages and items are newest first. It returns -1, -1 when
// nothing matches.
func findMessage(pages []Page[Message], oldest bool, fn func(Message) bool) (int, int) {
	fp, fi := -1, -1
	for pi := range pages {
		for i, cur := range pages[pi].Items {
			if !fn(cur) {
				continue
			}
			if !oldest {
				return pi, i
			}
			fp, fi = pi, i
		}
	}
	return fp, fi
}

func (r *MessageReconciler) setStatus(conversationID, messageID string, status MessageStatus) {
	PatchPages(r.store, MessagesKey(conversationID), func(pages []Page[Message]) ([]Page[Message], bool) {
		for pi := range pages {
			for i := range pages[pi].Items {
				if pages[pi].Items[i].ID == messageID {
					pages[pi].Items[i].Status = status
					return pages, true
				}
			}
		}
		return pages, false
	})
}

func (r *MessageReconciler) invalidate(key Key) {
	if r.invalidator != nil {
		r.invalidator.Invalidate(key)
	}
}

// ============================================================================
// Local actions
// ============================================================================

// Send inserts a pending message locally, stores it on the server and echoes
// it on the channel. On failure the local copy is marked failed.
func (r *MessageReconciler) Send(ctx context.Context, conversationID, content, image string) (*Message, error) {
	me := r.identity()
	now := r.clock.Now()
	local := Message{
		ID:             ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ConversationID: conversationID,
		SenderID:       me.UserID,
		SenderName:     me.Username,
		Content:        content,
		Image:          image,
		CreatedAt:      now,
		Status:         MessagePending,
	}
	r.upsertMessage(local, false)
	r.applyToConversation(conversationID, MessagePreview{
		ID:        local.ID,
		SenderID:  local.SenderID,
		Content:   content,
		Image:     image,
		CreatedAt: now,
	}, false)

	stored, err := r.client.SendMessage(ctx, conversationID, SendMessageRequest{ID: local.ID, Content: content, Image: image})
	if err != nil {
		r.setStatus(conversationID, local.ID, MessageFailed)
		return nil, fmt.Errorf("send message to %s: %w", conversationID, err)
	}
	if stored.ID == "" {
		stored.ID = local.ID
	}
	if stored.ConversationID == "" {
		stored.ConversationID = conversationID
	}
	stored.Status = MessageSent
	if stored.ID != local.ID {
		r.replaceMessage(conversationID, local.ID, *stored)
	} else {
		r.upsertMessage(*stored, false)
	}

	echo(ctx, r.sender, r.logger, EventMessageSend, MessageSendCommand{
		ConversationID: conversationID,
		Content:        content,
		SenderID:       me.UserID,
		SenderName:     me.Username,
		Image:          image,
		MessageID:      stored.ID,
	})
	return stored, nil
}

func (r *MessageReconciler) replaceMessage(conversationID, oldID string, msg Message) {
	PatchPages(r.store, MessagesKey(conversationID), func(pages []Page[Message]) ([]Page[Message], bool) {
		for pi := range pages {
			for i := range pages[pi].Items {
				if pages[pi].Items[i].ID == oldID {
					pages[pi].Items[i] = msg
					return pages, true
				}
			}
		}
		return pages, false
	})
}

// MarkSeen marks a conversation seen by the local user on the server, then
// locally, then echoes message:seen to the user's other sessions.
func (r *MessageReconciler) MarkSeen(ctx context.Context, conversationID string) error {
	if err := r.client.MarkConversationSeen(ctx, conversationID); err != nil {
		return fmt.Errorf("mark %s seen: %w", conversationID, err)
	}
	me := r.identity()
	r.HandleSeen(MessageSeenEvent{ConversationID: conversationID, UserID: me.UserID, Timestamp: r.clock.Now()})
	echo(ctx, r.sender, r.logger, EventMessageSeen, ConversationUserCommand{ConversationID: conversationID, UserID: me.UserID})
	return nil
}
