package engage

import (
	"slices"
	"time"
)

// ============================================================================
// Event names
// ============================================================================

// Server → client events.
const (
	EventNotificationNew    = "notification:new"
	EventNotificationUpdate = "notification:update"
	EventNotificationCount  = "notification:count"
	EventNotificationRead   = "notification:read"
	EventMessageNew         = "message:new"
	EventMessageSeen        = "message:seen"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
)

// Client → server events. All of them are echoes; the authoritative write
// always goes through the REST client first.
const (
	EventMessageSend               = "message:send"
	EventNotificationMarkAsRead    = "notification:markAsRead"
	EventNotificationMarkAllAsRead = "notification:markAllAsRead"
)

// Control frames exchanged by the transport itself.
const (
	eventAuthenticated = "authenticated"
	eventUnauthorized  = "unauthorized"
	eventPing          = "ping"
	eventPong          = "pong"
)

// ============================================================================
// Domain Types
// ============================================================================

// NotificationType enumerates what a notification is about.
type NotificationType string

const (
	NotificationLike        NotificationType = "like"
	NotificationComment     NotificationType = "comment"
	NotificationCommentLike NotificationType = "comment_like"
	NotificationReply       NotificationType = "reply"
	NotificationRepost      NotificationType = "repost"
	NotificationFollow      NotificationType = "follow"
)

// Actor is the user who caused a notification or participates in a conversation.
type Actor struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Target points at the entity a notification refers to.
type Target struct {
	Type    string `json:"type"` // "post", "comment" or "user"
	ID      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// Notification is one item of the notifications list.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Actor      Actor            `json:"actor"`
	ActorCount int              `json:"actorCount"`
	Target     Target           `json:"target"`
	IsRead     bool             `json:"isRead"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// MessagePreview is the denormalized last message stored on a conversation.
type MessagePreview struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is one item of the conversation list. UnreadCount counts
// unread messages in this conversation only.
type Conversation struct {
	ID           string          `json:"id"`
	Participants []Actor         `json:"participants"`
	LastMessage  *MessagePreview `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	UnreadCount  int             `json:"unreadCount"`
}

// MessageStatus tracks the delivery of locally sent messages.
type MessageStatus string

const (
	MessageSent    MessageStatus = "sent"
	MessagePending MessageStatus = "pending"
	MessageFailed  MessageStatus = "failed"
)

// Message is one item of a conversation's message list. SeenBy is a sorted set
// and only ever grows.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	Content        string        `json:"content"`
	Image          string        `json:"image,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	SeenBy         []string      `json:"seenBy,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// markSeen inserts userID into SeenBy, keeping it sorted. Reports whether the
// set changed.
func (m *Message) markSeen(userID string) bool {
	i, found := slices.BinarySearch(m.SeenBy, userID)
	if found {
		return false
	}
	m.SeenBy = slices.Insert(slices.Clone(m.SeenBy), i, userID)
	return true
}

// ============================================================================
// Event Payload Types
// ============================================================================

// NotificationEvent carries notification:new and notification:update.
type NotificationEvent struct {
	Notification Notification `json:"notification"`
}

// NotificationCountEvent carries notification:count.
type NotificationCountEvent struct {
	UnreadCount int `json:"unreadCount"`
}

// NotificationReadEvent carries notification:read.
type NotificationReadEvent struct {
	NotificationID string `json:"notificationId"`
	UnreadCount    int    `json:"unreadCount"`
}

// MessageNewEvent carries message:new.
type MessageNewEvent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	Image          string    `json:"image,omitempty"`
	MessageID      string    `json:"messageId"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageSeenEvent carries message:seen from the server.
type MessageSeenEvent struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingStartEvent carries typing:start from the server.
type TypingStartEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
}

// TypingStopEvent carries typing:stop from the server.
type TypingStopEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessageSendCommand is the message:send echo.
type MessageSendCommand struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Image          string `json:"image,omitempty"`
	MessageID      string `json:"messageId"`
}

// ConversationUserCommand is used for message:seen, typing:start and
// typing:stop sent by the client.
type ConversationUserCommand struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MarkAsReadCommand is the notification:markAsRead echo.
type MarkAsReadCommand struct {
	NotificationID string `json:"notificationId"`
}

// pingPayload is the heartbeat request and response body.
type pingPayload struct {
	RequestID string `json:"requestId"`
}
