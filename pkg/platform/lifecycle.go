package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type hook struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Lifecycle starts platform components in registration order and stops them
// in reverse. A failed start rolls back the components already started.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []hook
	started int
	running bool
}

// NewLifecycle creates an empty lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Add registers a named component. Either callback may be nil.
func (l *Lifecycle) Add(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, start: start, stop: stop})
}

// OnStart registers a start-only callback.
func (l *Lifecycle) OnStart(name string, start func(context.Context) error) {
	l.Add(name, start, nil)
}

// OnStop registers a stop-only callback.
func (l *Lifecycle) OnStop(name string, stop func(context.Context) error) {
	l.Add(name, nil, stop)
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser closes c on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.OnStop(name, func(context.Context) error {
		return c.Close()
	})
}

// Start runs all start callbacks.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.start != nil {
			if err := h.start(ctx); err != nil {
				l.stopLocked(ctx, i)
				return fmt.Errorf("starting %s: %w", h.name, err)
			}
		}
		slog.Debug("component started", "component", h.name)
	}

	l.started = len(l.hooks)
	l.running = true
	return nil
}

// Stop runs the stop callbacks of started components in reverse order.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	errs := l.stopLocked(ctx, l.started)
	l.running = false
	l.started = 0
	return errors.Join(errs...)
}

// stopLocked stops hooks[0:n] in reverse order and collects failures.
func (l *Lifecycle) stopLocked(ctx context.Context, n int) []error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			slog.Warn("stop callback failed", "component", h.name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.name, err))
		}
	}
	return errs
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
