// Package embed defines the boundary to the vendor visualization SDK. The
// platform treats the SDK as an opaque capability: it embeds a configuration
// into a container and hands back a Handle that must be disposed exactly once.
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Kind identifies the type of visualization being embedded.
type Kind string

// Visualization kinds.
const (
	KindReport    Kind = "report"
	KindDashboard Kind = "dashboard"
	KindTile      Kind = "tile"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindReport, KindDashboard, KindTile:
		return true
	default:
		return false
	}
}

// Event names emitted by a Handle.
const (
	EventLoaded      = "loaded"
	EventError       = "error"
	EventRendered    = "rendered"
	EventPageChanged = "pageChanged"
)

// Events lists every event the registry unsubscribes on removal.
var Events = []string{EventLoaded, EventError, EventRendered, EventPageChanged}

// TokenType distinguishes AAD bearer tokens from embed tokens.
type TokenType string

// Token types accepted by the SDK.
const (
	TokenTypeAAD   TokenType = "Aad"
	TokenTypeEmbed TokenType = "Embed"
)

// Config is the embed configuration handed to the SDK. It is stored as JSON
// in the persisted registry entry, minus the access token.
type Config struct {
	Type        Kind           `json:"type" yaml:"type"`
	ID          string         `json:"id" yaml:"id"`
	GroupID     string         `json:"groupId,omitempty" yaml:"group_id"`
	DashboardID string         `json:"dashboardId,omitempty" yaml:"dashboard_id"`
	EmbedURL    string         `json:"embedUrl" yaml:"embed_url"`
	AccessToken string         `json:"-" yaml:"-"`
	TokenType   TokenType      `json:"tokenType,omitempty" yaml:"token_type"`
	Settings    map[string]any `json:"settings,omitempty" yaml:"settings"`
}

// TargetID returns the identifier of the embedded artifact. Retry counters
// reset when it changes for a given container.
func (c Config) TargetID() string {
	return c.ID
}

// Marshal encodes the config for persistence. A config that cannot be
// encoded is logged and yields nil.
func (c Config) Marshal() json.RawMessage {
	data, err := json.Marshal(c)
	if err != nil {
		slog.Warn("encoding embed config", "id", c.ID, "error", err)
		return nil
	}
	return data
}

// Container is the host element an instance is embedded into.
type Container interface {
	// ID is the stable container identifier.
	ID() string
	// Clear detaches every child node from the container.
	Clear()
}

// Handle is a live SDK instance.
type Handle interface {
	On(event string, cb func(payload any))
	Off(event string)
	Refresh(ctx context.Context) error
	Print(ctx context.Context) error
	Fullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
	SetAccessToken(ctx context.Context, token string) error
	// Close releases the SDK resources held by the handle.
	Close() error
}

// Embedder is the SDK entry point.
type Embedder interface {
	Embed(ctx context.Context, container Container, cfg Config) (Handle, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, container Container, cfg Config) (Handle, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, container Container, cfg Config) (Handle, error) {
	return f(ctx, container, cfg)
}

// Error is an SDK-reported embed failure.
type Error struct {
	// Code is the vendor error code, e.g. "TokenExpired".
	Code string
	// Message is the vendor detailed message.
	Message string
	// Status is the HTTP status reported by the SDK, if any.
	Status int
}

// Error implements error.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("embed error %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("embed error %s: %s", e.Code, e.Message)
}

// ErrClosed may be returned by Handle.Close when the handle was already
// released by the SDK.
var ErrClosed = errors.New("handle already closed")
