package engage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Envelope is the wire format for every frame on the channel, in both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is one authenticated physical connection.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close(reason string) error
}

// Transport opens authenticated connections. Dial returns an error wrapping
// ErrAuthRejected when the server refuses the credential.
type Transport interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WebSocketTransport dials the realtime endpoint at BaseURL + "/ws".
type WebSocketTransport struct {
	BaseURL    string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWebSocketTransport creates a transport for the given API base URL.
func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{BaseURL: strings.TrimRight(baseURL, "/")}
}

// URL returns the websocket URL for a credential.
func (t *WebSocketTransport) URL(credential string) string {
	wsURL := strings.Replace(t.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(credential)
}

// Dial connects and waits for the "authenticated" frame.
func (t *WebSocketTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: t.HTTPClient}
	conn, resp, err := websocket.Dial(ctx, t.URL(credential), opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}

	wc := &wsConn{conn: conn}
	env, err := wc.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	switch env.Event {
	case eventAuthenticated:
		return wc, nil
	case eventUnauthorized:
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return nil, ErrAuthRejected
	default:
		conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("expected %q, got %q", eventAuthenticated, env.Event)
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return Envelope{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			return Envelope{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	err := c.conn.Close(websocket.StatusNormalClosure, reason)
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}
