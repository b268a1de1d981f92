package engage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Invalidator is the only pull-side capability reconcilers have: when a push
// event cannot be applied safely they ask for the key to be refetched.
type Invalidator interface {
	Invalidate(key Key)
}

// PageFetcher loads one page of key into the store. An empty cursor replaces
// the list with its first page; any other cursor appends.
type PageFetcher interface {
	FetchPage(ctx context.Context, key Key, cursor string) error
}

// QueriesOption configures Queries.
type QueriesOption func(*Queries)

// WithPageSize sets the page size of every list query.
func WithPageSize(n int) QueriesOption {
	return func(q *Queries) { q.pageSize = n }
}

// WithQueriesLogger sets the logger.
func WithQueriesLogger(logger *zap.Logger) QueriesOption {
	return func(q *Queries) { q.logger = logger.Named("queries") }
}

// WithQueriesMetrics counts invalidations on m.
func WithQueriesMetrics(m *Metrics) QueriesOption {
	return func(q *Queries) { q.metrics = m }
}

// WithRefetchTimeout bounds background refetches triggered by Invalidate.
func WithRefetchTimeout(d time.Duration) QueriesOption {
	return func(q *Queries) { q.refetchTimeout = d }
}

// Queries is the pull-query layer: it fetches pages through the REST client
// and writes them into the store as whole-page replacements.
type Queries struct {
	client         *Client
	store          *Store
	logger         *zap.Logger
	metrics        *Metrics
	pageSize       int
	refetchTimeout time.Duration

	group  singleflight.Group
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueries creates the pull layer over client and store.
func NewQueries(client *Client, store *Store, opts ...QueriesOption) *Queries {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queries{
		client:         client,
		store:          store,
		logger:         zap.NewNop(),
		pageSize:       20,
		refetchTimeout: 15 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// FetchPage implements PageFetcher.
func (q *Queries) FetchPage(ctx context.Context, key Key, cursor string) error {
	switch key {
	case KeyNotifications:
		page, err := q.client.ListNotifications(ctx, cursor, q.pageSize)
		if err != nil {
			return fmt.Errorf("fetch notifications: %w", err)
		}
		storePage(q.store, key, cursor, *page)
	case KeyConversations:
		page, err := q.client.ListConversations(ctx, cursor, q.pageSize)
		if err != nil {
			return fmt.Errorf("fetch conversations: %w", err)
		}
		storePage(q.store, key, cursor, *page)
	case KeyNotificationsUnread:
		n, err := q.client.NotificationUnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("fetch notification count: %w", err)
		}
		q.store.SetCount(key, n)
	case KeyConversationsUnread:
		n, err := q.client.ConversationUnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("fetch conversation count: %w", err)
		}
		q.store.SetCount(key, n)
	default:
		convID, ok := key.ConversationID()
		if !ok {
			return fmt.Errorf("unknown cache key %q", key)
		}
		page, err := q.client.ListMessages(ctx, convID, cursor, q.pageSize)
		if err != nil {
			return fmt.Errorf("fetch messages of %s: %w", convID, err)
		}
		storePage(q.store, key, cursor, *page)
	}
	return nil
}

func storePage[T any](s *Store, key Key, cursor string, page Page[T]) {
	if cursor == "" {
		SetPage(s, key, 0, page)
		return
	}
	pages, _ := Pages[T](s, key)
	SetPage(s, key, len(pages), page)
}

// LoadNotifications replaces the notification list with its first page.
func (q *Queries) LoadNotifications(ctx context.Context) error {
	return q.FetchPage(ctx, KeyNotifications, "")
}

// LoadConversations replaces the conversation list with its first page.
func (q *Queries) LoadConversations(ctx context.Context) error {
	return q.FetchPage(ctx, KeyConversations, "")
}

// LoadMessages replaces a conversation's message list with its first page.
func (q *Queries) LoadMessages(ctx context.Context, conversationID string) error {
	return q.FetchPage(ctx, MessagesKey(conversationID), "")
}

// LoadMore appends the next page of key. It returns false when there is
// nothing more to load.
func (q *Queries) LoadMore(ctx context.Context, key Key) (bool, error) {
	var cursor string
	var hasMore bool
	switch key {
	case KeyNotifications:
		cursor, hasMore = lastCursor[Notification](q.store, key)
	case KeyConversations:
		cursor, hasMore = lastCursor[Conversation](q.store, key)
	default:
		if _, ok := key.ConversationID(); !ok {
			return false, fmt.Errorf("key %q is not a list", key)
		}
		cursor, hasMore = lastCursor[Message](q.store, key)
	}
	if !hasMore || cursor == "" {
		return false, nil
	}
	if err := q.FetchPage(ctx, key, cursor); err != nil {
		return false, err
	}
	return true, nil
}

func lastCursor[T any](s *Store, key Key) (string, bool) {
	pages, ok := Pages[T](s, key)
	if !ok || len(pages) == 0 {
		return "", false
	}
	last := pages[len(pages)-1]
	return last.Cursor, last.HasMore
}

// RefreshCounts refetches both scalar unread counters. This is the periodic
// full correction that bounds drift from incremental updates.
func (q *Queries) RefreshCounts(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.FetchPage(ctx, KeyNotificationsUnread, "") })
	g.Go(func() error { return q.FetchPage(ctx, KeyConversationsUnread, "") })
	return g.Wait()
}

// Prime loads the first page of both lists and both counters concurrently.
func (q *Queries) Prime(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range []Key{KeyNotifications, KeyNotificationsUnread, KeyConversations, KeyConversationsUnread} {
		g.Go(func() error { return q.FetchPage(ctx, key, "") })
	}
	return g.Wait()
}

// Invalidate implements Invalidator. The key is marked stale and its first
// page refetched in the background; concurrent invalidations of one key share
// a single request.
func (q *Queries) Invalidate(key Key) {
	q.mu.Lock()
	parent := q.ctx
	if parent.Err() != nil {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.store.MarkStale(key)
	q.metrics.invalidated(key)
	go func() {
		defer q.wg.Done()
		_, err, shared := q.group.Do(string(key), func() (any, error) {
			ctx, cancel := context.WithTimeout(parent, q.refetchTimeout)
			defer cancel()
			return nil, q.FetchPage(ctx, key, "")
		})
		if err != nil {
			q.logger.Warn("refetch failed", zap.String("key", string(key)), zap.Error(err))
			return
		}
		if !shared {
			q.logger.Debug("refetched", zap.String("key", string(key)))
		}
	}()
}

// Wait blocks until every background refetch has finished.
func (q *Queries) Wait() {
	q.wg.Wait()
}

// Reset cancels in-flight background refetches, waits for them and accepts
// new invalidations afterwards. Used on logout so no refetch lands in a
// cleared store.
func (q *Queries) Reset() {
	q.mu.Lock()
	q.cancel()
	q.wg.Wait()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.mu.Unlock()
}

// Close cancels background refetches and waits for them. Later
// invalidations are ignored.
func (q *Queries) Close() {
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
}
