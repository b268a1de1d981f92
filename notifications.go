package engage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ============================================================================
// Notification Reconciler
// ============================================================================

// NotificationReconciler patches the notification list and the notification
// unread counter from push events. Every patch is keyed by notification id, so
// redelivered events are no-ops.
type NotificationReconciler struct {
	store  *Store
	client *Client
	sender Sender
	reconcilerConfig
}

// NewNotificationReconciler creates the reconciler. client and sender are
// only needed for MarkAsRead and MarkAllAsRead.
func NewNotificationReconciler(store *Store, client *Client, sender Sender, opts ...ReconcilerOption) *NotificationReconciler {
	return &NotificationReconciler{
		store:            store,
		client:           client,
		sender:           sender,
		reconcilerConfig: newReconcilerConfig("notifications", opts),
	}
}

// Subscribe registers the four notification events on bus.
func (r *NotificationReconciler) Subscribe(bus *Bus) Subscription {
	return multiSubscription{
		On(bus, EventNotificationNew, r.HandleNew),
		On(bus, EventNotificationUpdate, r.HandleUpdate),
		On(bus, EventNotificationCount, r.HandleCount),
		On(bus, EventNotificationRead, r.HandleRead),
	}
}

// HandleNew prepends a notification to the first page and counts it as
// unread. Nothing happens when the list was never fetched or the id is
// already cached.
func (r *NotificationReconciler) HandleNew(ev NotificationEvent) {
	n := ev.Notification
	if n.ID == "" {
		r.logger.Warn("notification without id dropped")
		return
	}
	inserted := false
	populated := PatchPages(r.store, KeyNotifications, func(pages []Page[Notification]) ([]Page[Notification], bool) {
		if indexNotification(pages, n.ID) {
			return pages, false
		}
		if len(pages) == 0 {
			pages = []Page[Notification]{{}}
		}
		pages[0].Items = append([]Notification{n}, pages[0].Items...)
		inserted = true
		return pages, true
	})
	switch {
	case !populated:
		r.metrics.patch("notifications", "unpopulated")
		return
	case !inserted:
		r.metrics.patch("notifications", "duplicate")
		r.logger.Debug("duplicate notification", zap.String("id", n.ID))
		return
	}
	r.metrics.patch("notifications", "applied")
	if !n.IsRead {
		r.store.AddCount(KeyNotificationsUnread, 1)
	}
}

// HandleUpdate replaces a cached notification by id. A read notification
// stays read whatever the update says.
func (r *NotificationReconciler) HandleUpdate(ev NotificationEvent) {
	n := ev.Notification
	replaced := false
	PatchPages(r.store, KeyNotifications, func(pages []Page[Notification]) ([]Page[Notification], bool) {
		for pi := range pages {
			for i, cur := range pages[pi].Items {
				if cur.ID != n.ID {
					continue
				}
				next := n
				next.IsRead = cur.IsRead || n.IsRead
				pages[pi].Items[i] = next
				replaced = true
			}
		}
		return pages, replaced
	})
	if replaced {
		r.metrics.patch("notifications", "applied")
	} else {
		r.metrics.patch("notifications", "missing")
	}
}

// HandleCount overwrites the unread counter with the server value.
func (r *NotificationReconciler) HandleCount(ev NotificationCountEvent) {
	r.store.SetCount(KeyNotificationsUnread, ev.UnreadCount)
}

// HandleRead marks one notification read and adopts the server counter.
func (r *NotificationReconciler) HandleRead(ev NotificationReadEvent) {
	r.markRead(ev.NotificationID)
	r.store.SetCount(KeyNotificationsUnread, ev.UnreadCount)
}

func (r *NotificationReconciler) markRead(id string) {
	PatchPages(r.store, KeyNotifications, func(pages []Page[Notification]) ([]Page[Notification], bool) {
		changed := false
		for pi := range pages {
			for i := range pages[pi].Items {
				item := &pages[pi].Items[i]
				if (id == "" || item.ID == id) && !item.IsRead {
					item.IsRead = true
					changed = true
				}
			}
		}
		return pages, changed
	})
}

// MarkAsRead marks one notification read on the server, then locally, then
// echoes the change to the user's other sessions.
func (r *NotificationReconciler) MarkAsRead(ctx context.Context, notificationID string) error {
	unread, err := r.client.MarkNotificationRead(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", notificationID, err)
	}
	r.HandleRead(NotificationReadEvent{NotificationID: notificationID, UnreadCount: unread})
	echo(ctx, r.sender, r.logger, EventNotificationMarkAsRead, MarkAsReadCommand{NotificationID: notificationID})
	return nil
}

// MarkAllAsRead marks every notification read.
func (r *NotificationReconciler) MarkAllAsRead(ctx context.Context) error {
	if err := r.client.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	r.markRead("")
	r.store.SetCount(KeyNotificationsUnread, 0)
	echo(ctx, r.sender, r.logger, EventNotificationMarkAllAsRead, struct{}{})
	return nil
}

func indexNotification(pages []Page[Notification], id string) bool {
	for _, p := range pages {
		for _, n := range p.Items {
			if n.ID == id {
				return true
			}
		}
	}
	return false
}
