package engage

import (
	"context"
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Identity is the authenticated local user.
type Identity struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// LoginOption overrides identity fields the token does not carry.
type LoginOption func(*Identity)

// WithUserID sets the user id, required for opaque (non-JWT) tokens. An
// empty id keeps the one from the token.
func WithUserID(id string) LoginOption {
	return func(i *Identity) {
		if id != "" {
			i.UserID = id
		}
	}
}

// WithUsername sets the display username unless name is empty.
func WithUsername(name string) LoginOption {
	return func(i *Identity) {
		if name != "" {
			i.Username = name
		}
	}
}

// ParseIdentity reads the identity claims of a session JWT without verifying
// its signature; the server verifies it on every request.
func ParseIdentity(token string) (Identity, error) {
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return Identity{}, fmt.Errorf("parse session token: %w", err)
	}
	claims := parsed.Claims.(gojwt.MapClaims)

	var id Identity
	for _, name := range []string{"userId", "user_id", "sub"} {
		if v, ok := claims[name].(string); ok && v != "" {
			id.UserID = v
			break
		}
	}
	if v, ok := claims["username"].(string); ok {
		id.Username = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// ============================================================================
// Session
// ============================================================================

// Session holds the credential and identity of the logged in user. The rest
// of the engine follows it through OnLogin and OnLogout hooks.
type Session struct {
	mu       sync.RWMutex
	token    string
	identity Identity
	active   bool
	clock    clockwork.Clock
	logger   *zap.Logger

	onLogin  listenerList[func(context.Context, Identity) error]
	onLogout listenerList[func()]
}

// NewSession creates a logged out session.
func NewSession(clock clockwork.Clock, logger *zap.Logger) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{clock: clock, logger: logger.Named("session")}
}

// OnLogin registers a hook run, in registration order, after each login. A
// failing hook aborts the login.
func (s *Session) OnLogin(fn func(ctx context.Context, id Identity) error) Subscription {
	return s.onLogin.add(fn)
}

// OnLogout registers a hook run, in reverse registration order, on logout.
func (s *Session) OnLogout(fn func()) Subscription {
	return s.onLogout.add(fn)
}

// Login starts a session with token. Logging in again with another token
// logs the previous session out first; the same token is a no-op.
func (s *Session) Login(ctx context.Context, token string, opts ...LoginOption) error {
	if token == "" {
		return ErrNoCredential
	}
	id, err := ParseIdentity(token)
	if err != nil {
		id = Identity{}
	}
	for _, opt := range opts {
		opt(&id)
	}
	if id.UserID == "" {
		if err != nil {
			return err
		}
		return fmt.Errorf("session token carries no user id: %w", ErrNoCredential)
	}
	if !id.ExpiresAt.IsZero() && !s.clock.Now().Before(id.ExpiresAt) {
		return fmt.Errorf("session token expired at %s: %w", id.ExpiresAt.Format(time.RFC3339), ErrAuthRejected)
	}

	s.mu.Lock()
	if s.active && s.token == token {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.active
	s.mu.Unlock()
	if wasActive {
		s.Logout()
	}

	s.mu.Lock()
	s.token = token
	s.identity = id
	s.active = true
	s.mu.Unlock()
	s.logger.Info("logged in", zap.String("userId", id.UserID))

	for _, ln := range s.onLogin.snapshot() {
		if !ln.active.Load() {
			continue
		}
		if err := ln.fn(ctx, id); err != nil {
			s.Logout()
			return err
		}
	}
	return nil
}

// Logout ends the session. Hooks run in reverse registration order so later
// components tear down before the ones they depend on.
func (s *Session) Logout() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.token = ""
	userID := s.identity.UserID
	s.identity = Identity{}
	s.mu.Unlock()

	hooks := s.onLogout.snapshot()
	for i := len(hooks) - 1; i >= 0; i-- {
		if hooks[i].active.Load() {
			hooks[i].fn()
		}
	}
	s.logger.Info("logged out", zap.String("userId", userID))
}

// Active reports whether a user is logged in.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Token returns the current credential.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Identity returns the logged in user, or the zero Identity.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}
