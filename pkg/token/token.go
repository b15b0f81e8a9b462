// Package token tracks the lifecycle of a single bearer token: its value, its
// absolute expiry and the refresh path used once it falls inside the
// validity margin.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/embed-platform/internal/clock"
	"github.com/txn2/embed-platform/pkg/persist"
)

// ValidityMargin is how long before expiry a token stops being valid.
const ValidityMargin = 5 * time.Minute

// ErrNoRefresher is wrapped in the AuthError returned when a refresh is
// needed but no Refresher is configured.
var ErrNoRefresher = errors.New("no token refresher configured")

// Token is a bearer token with its absolute expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsZero reports whether no token is set.
func (t Token) IsZero() bool {
	return t.Value == ""
}

// Refresher obtains a new token from the identity capability.
type Refresher interface {
	Refresh(ctx context.Context) (Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (Token, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context) (Token, error) {
	return f(ctx)
}

// AuthError reports a token acquisition or refresh failure.
type AuthError struct {
	Err error
}

// Error implements error.
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error { return e.Err }

// persistedToken is the session-scope record under "{key}-token".
type persistedToken struct {
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Lifecycle holds the current token. Concurrent refreshes are not
// coalesced: the last writer wins.
type Lifecycle struct {
	mu        sync.RWMutex
	token     Token
	refresher Refresher
	clock     clock.Clock
	store     *persist.Store
	storeKey  string
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithRefresher sets the refresh capability.
func WithRefresher(r Refresher) Option {
	return func(l *Lifecycle) {
		l.refresher = r
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Lifecycle) {
		l.clock = c
	}
}

// WithPersistence mirrors the token into the session scope of store under
// "{persistenceKey}-token".
func WithPersistence(store *persist.Store, persistenceKey string) Option {
	return func(l *Lifecycle) {
		l.store = store
		l.storeKey = persistenceKey + "-token"
	}
}

// NewLifecycle creates an empty lifecycle.
func NewLifecycle(opts ...Option) *Lifecycle {
	l := &Lifecycle{clock: clock.Real{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetToken replaces the token; it expires ttl from now.
func (l *Lifecycle) SetToken(value string, ttl time.Duration) {
	l.SetTokenWithExpiry(value, l.clock.Now().Add(ttl))
}

// SetTokenWithExpiry replaces the token with an absolute expiry.
func (l *Lifecycle) SetTokenWithExpiry(value string, expiresAt time.Time) {
	tok := Token{Value: value, ExpiresAt: expiresAt}

	l.mu.Lock()
	l.token = tok
	l.mu.Unlock()

	l.persist(tok)
}

// Current returns the token regardless of validity.
func (l *Lifecycle) Current() Token {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.token
}

// IsValid reports whether a token is set and expires more than
// ValidityMargin from now.
func (l *Lifecycle) IsValid() bool {
	l.mu.RLock()
	tok := l.token
	l.mu.RUnlock()
	return l.valid(tok)
}

func (l *Lifecycle) valid(tok Token) bool {
	if tok.IsZero() {
		return false
	}
	return l.clock.Now().Before(tok.ExpiresAt.Add(-ValidityMargin))
}

// GetValidToken returns the current token if valid, otherwise refreshes it.
func (l *Lifecycle) GetValidToken(ctx context.Context) (Token, error) {
	l.mu.RLock()
	tok := l.token
	refresher := l.refresher
	l.mu.RUnlock()

	if l.valid(tok) {
		return tok, nil
	}
	if refresher == nil {
		return Token{}, &AuthError{Err: ErrNoRefresher}
	}
	return l.refresh(ctx, refresher)
}

// Refresh forces a refresh regardless of the current token's validity.
func (l *Lifecycle) Refresh(ctx context.Context) (Token, error) {
	l.mu.RLock()
	refresher := l.refresher
	l.mu.RUnlock()

	if refresher == nil {
		return Token{}, &AuthError{Err: ErrNoRefresher}
	}
	return l.refresh(ctx, refresher)
}

func (l *Lifecycle) refresh(ctx context.Context, refresher Refresher) (Token, error) {
	tok, err := refresher.Refresh(ctx)
	if err != nil {
		return Token{}, &AuthError{Err: fmt.Errorf("refreshing token: %w", err)}
	}
	if tok.IsZero() {
		return Token{}, &AuthError{Err: errors.New("refresher returned an empty token")}
	}

	l.SetTokenWithExpiry(tok.Value, tok.ExpiresAt)
	slog.Debug("token refreshed", "expires_at", tok.ExpiresAt)
	return tok, nil
}

// Clear removes the token (logout).
func (l *Lifecycle) Clear() {
	l.mu.Lock()
	l.token = Token{}
	l.mu.Unlock()

	if l.store != nil {
		l.store.Remove(persist.Session, l.storeKey)
	}
}

// Restore adopts a persisted token if one exists and is still valid. It
// reports whether a token was adopted.
func (l *Lifecycle) Restore() bool {
	if l.store == nil {
		return false
	}

	var rec persistedToken
	if !l.store.Get(persist.Session, l.storeKey, &rec) {
		return false
	}

	tok := Token{Value: rec.Token, ExpiresAt: rec.ExpiresAt}
	if !l.valid(tok) {
		l.store.Remove(persist.Session, l.storeKey)
		return false
	}

	l.mu.Lock()
	l.token = tok
	l.mu.Unlock()
	return true
}

func (l *Lifecycle) persist(tok Token) {
	if l.store == nil {
		return
	}
	l.store.Set(persist.Session, l.storeKey, persistedToken{
		Token:     tok.Value,
		Timestamp: l.clock.Now(),
		ExpiresAt: tok.ExpiresAt,
	})
}
