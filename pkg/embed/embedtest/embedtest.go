// Package embedtest provides in-memory doubles for the embed capability.
package embedtest

import (
	"context"
	"sync"

	"github.com/txn2/embed-platform/pkg/embed"
)

// Container records whether it has been cleared.
type Container struct {
	mu       sync.Mutex
	id       string
	children int
	clears   int
}

// NewContainer returns a container holding one child node.
func NewContainer(id string) *Container {
	return &Container{id: id, children: 1}
}

// ID returns the container id.
func (c *Container) ID() string { return c.id }

// Clear drops all children.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = 0
	c.clears++
}

// AddChild simulates the SDK rendering into the container.
func (c *Container) AddChild() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children++
}

// Children returns the current child count.
func (c *Container) Children() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.children
}

// Clears returns how many times Clear was called.
func (c *Container) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// Handle is a scriptable SDK handle.
type Handle struct {
	mu         sync.Mutex
	handlers   map[string]func(any)
	offs       []string
	closes     int
	refreshes  int
	tokens     []string
	RefreshErr error
}

// NewHandle returns an empty handle.
func NewHandle() *Handle {
	return &Handle{handlers: make(map[string]func(any))}
}

// On subscribes cb to event.
func (h *Handle) On(event string, cb func(any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = cb
}

// Off unsubscribes event.
func (h *Handle) Off(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, event)
	h.offs = append(h.offs, event)
}

// Emit fires event to the current subscriber, if any.
func (h *Handle) Emit(event string, payload any) {
	h.mu.Lock()
	cb := h.handlers[event]
	h.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

// Subscribed reports whether event has a subscriber.
func (h *Handle) Subscribed(event string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.handlers[event]
	return ok
}

// Offs returns the events passed to Off.
func (h *Handle) Offs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.offs...)
}

// Refresh counts calls and returns RefreshErr.
func (h *Handle) Refresh(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	return h.RefreshErr
}

// Refreshes returns how many times Refresh was called.
func (h *Handle) Refreshes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes
}

// Print is a no-op.
func (*Handle) Print(context.Context) error { return nil }

// Fullscreen is a no-op.
func (*Handle) Fullscreen(context.Context) error { return nil }

// ExitFullscreen is a no-op.
func (*Handle) ExitFullscreen(context.Context) error { return nil }

// SetAccessToken records token.
func (h *Handle) SetAccessToken(_ context.Context, token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens = append(h.tokens, token)
	return nil
}

// Tokens returns every token passed to SetAccessToken.
func (h *Handle) Tokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tokens...)
}

// Close counts calls.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

// Closes returns how many times Close was called.
func (h *Handle) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// Embedder returns scripted results in order; once exhausted it succeeds
// with fresh handles.
type Embedder struct {
	mu      sync.Mutex
	errs    []error
	calls   []embed.Config
	Handles []*Handle
}

// NewEmbedder returns an embedder failing with errs in order.
func NewEmbedder(errs ...error) *Embedder {
	return &Embedder{errs: errs}
}

// Embed implements embed.Embedder.
func (e *Embedder) Embed(_ context.Context, container embed.Container, cfg embed.Config) (embed.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, cfg)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if c, ok := container.(*Container); ok {
		c.AddChild()
	}
	h := NewHandle()
	e.Handles = append(e.Handles, h)
	return h, nil
}

// Calls returns the configs passed to Embed.
func (e *Embedder) Calls() []embed.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]embed.Config(nil), e.calls...)
}

var (
	_ embed.Container = (*Container)(nil)
	_ embed.Handle    = (*Handle)(nil)
	_ embed.Embedder  = (*Embedder)(nil)
)
