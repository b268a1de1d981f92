// Package engage keeps a client's cached view of notifications, conversations,
// messages, unread counters and toggle interactions consistent with the
// server, combining pull queries, push events and optimistic mutations.
//
// Example:
//
//	eng := engage.New(cfg, engage.WithLogger(logger))
//	if err := eng.Login(ctx, token); err != nil { ... }
//	defer eng.Close()
//
//	eng.Queries.Prime(ctx)
//	n, _ := eng.Store.Count(engage.KeyNotificationsUnread)
//	eng.Interactions.Like(ctx, "post-1")
package engage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.engage.social"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client used for pull queries and authoritative writes.
type Client struct {
	baseURL string
	http    *retryablehttp.Client

	mu    sync.RWMutex
	token string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.http.HTTPClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.http.HTTPClient = client }
}

// WithRetryMax sets how many times a failed request is retried.
func WithRetryMax(n int) ClientOption {
	return func(c *Client) { c.http.RetryMax = n }
}

// WithRetryWait bounds the wait between retries.
func WithRetryWait(min, max time.Duration) ClientOption {
	return func(c *Client) {
		c.http.RetryWaitMin = min
		c.http.RetryWaitMax = max
	}
}

// WithClientLogger routes retry logs to logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.http.Logger = retryLogger{logger.Named("http").Sugar()} }
}

// NewClient creates a REST client. token may be empty and set later with
// SetToken.
func NewClient(token string, opts ...ClientOption) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = DefaultTimeout
	rc.RetryMax = 3
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or clears the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

// Result is the envelope every endpoint responds with.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// With the passthrough error handler an exhausted retry still hands back
	// the last response, so its status and body decide the error.
	resp, err := c.http.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			}
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest || !result.OK {
		apiErr := &APIError{Status: resp.StatusCode, Message: "request failed"}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	return &result, nil
}

func decodeResult[T any](result *Result, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	var v T
	if err := result.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &v, nil
}

func pageQuery(cursor string, limit int) url.Values {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

type countData struct {
	UnreadCount int `json:"unreadCount"`
}

// ============================================================================
// Notifications
// ============================================================================

// ListNotifications fetches one page of notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context, cursor string, limit int) (*Page[Notification], error) {
	return decodeResult[Page[Notification]](c.doRequest(ctx, http.MethodGet, "/api/notifications", nil, pageQuery(cursor, limit)))
}

// NotificationUnreadCount fetches the number of unread notifications.
func (c *Client) NotificationUnreadCount(ctx context.Context) (int, error) {
	d, err := decodeResult[countData](c.doRequest(ctx, http.MethodGet, "/api/notifications/unread-count", nil, nil))
	if err != nil {
		return 0, err
	}
	return d.UnreadCount, nil
}

// MarkNotificationRead marks one notification read and returns the new
// unread count.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) (int, error) {
	path := "/api/notifications/" + url.PathEscape(notificationID) + "/read"
	d, err := decodeResult[countData](c.doRequest(ctx, http.MethodPatch, path, nil, nil))
	if err != nil {
		return 0, err
	}
	return d.UnreadCount, nil
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPatch, "/api/notifications/read-all", nil, nil)
	return err
}

// ============================================================================
// Conversations & messages
// ============================================================================

// ListConversations fetches one page of conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) (*Page[Conversation], error) {
	return decodeResult[Page[Conversation]](c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, pageQuery(cursor, limit)))
}

// ConversationUnreadCount fetches the number of conversations with unread
// messages.
func (c *Client) ConversationUnreadCount(ctx context.Context) (int, error) {
	d, err := decodeResult[countData](c.doRequest(ctx, http.MethodGet, "/api/conversations/unread-count", nil, nil))
	if err != nil {
		return 0, err
	}
	return d.UnreadCount, nil
}

// ListMessages fetches one page of a conversation's messages, newest first.
func (c *Client) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*Page[Message], error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	return decodeResult[Page[Message]](c.doRequest(ctx, http.MethodGet, path, nil, pageQuery(cursor, limit)))
}

// SendMessageRequest is the body of SendMessage. ID is the client-generated
// message id the server adopts.
type SendMessageRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
}

// SendMessage stores a message and returns the server copy.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	return decodeResult[Message](c.doRequest(ctx, http.MethodPost, path, req, nil))
}

// MarkConversationSeen marks every message of a conversation seen by the
// current user.
func (c *Client) MarkConversationSeen(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/seen"
	_, err := c.doRequest(ctx, http.MethodPost, path, nil, nil)
	return err
}

// ============================================================================
// Interactions
// ============================================================================

// SetInteraction turns an interaction on (POST) or off (DELETE).
func (c *Client) SetInteraction(ctx context.Context, key ToggleKey, active bool) error {
	path := fmt.Sprintf("/api/%ss/%s/%s", key.EntityType(), url.PathEscape(key.EntityID), key.Kind)
	method := http.MethodPost
	if !active {
		method = http.MethodDelete
	}
	_, err := c.doRequest(ctx, method, path, nil, nil)
	return err
}

// ============================================================================
// Helpers
// ============================================================================

// retryLogger adapts zap to retryablehttp.LeveledLogger.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
