package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/txn2/embed-platform/pkg/coordinator"
	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/powerbi"
	"github.com/txn2/embed-platform/pkg/registry"
	"github.com/txn2/embed-platform/pkg/retry"
)

const (
	logKeyContainer = "container_id"
	logKeyAttempt   = "attempt_id"
	logKeyClass     = "class"
	logKeyError     = "error"
)

var (
	// ErrDuplicateLoad is returned when a load for the same container is
	// already queued or in flight.
	ErrDuplicateLoad = errors.New("load already pending for container")

	// ErrNoEmbedder is returned by Load on a platform built without an
	// SDK capability.
	ErrNoEmbedder = errors.New("no embedder configured")

	// ErrCanceled is returned by Load when its pending or in-flight embed
	// is dropped by Release or Stop.
	ErrCanceled = errors.New("load canceled")

	// ErrStopped is returned by Load on a stopped platform.
	ErrStopped = fmt.Errorf("platform stopped: %w", ErrCanceled)
)

// LoadRequest asks the platform to show Config in Container.
type LoadRequest struct {
	ContainerID string
	Container   embed.Container
	Config      embed.Config
	Priority    coordinator.Priority
}

func (r LoadRequest) validate() error {
	switch {
	case r.ContainerID == "":
		return errors.New("container id is required")
	case r.Container == nil:
		return errors.New("container is required")
	case !r.Config.Type.Valid():
		return fmt.Errorf("unsupported embed type %q", r.Config.Type)
	}
	return nil
}

// LoadError is a terminal embed failure.
type LoadError struct {
	ContainerID string
	Class       retry.Class
	Attempts    int
	// Message is suitable for display to the user.
	Message string
	Err     error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s failed (%s after %d retries): %v", e.ContainerID, e.Class, e.Attempts, e.Err)
}

// Unwrap returns the last underlying failure.
func (e *LoadError) Unwrap() error { return e.Err }

// Load returns a live instance for the request's container. A live instance
// showing the same artifact is reused. Otherwise the load waits for a
// coordinator slot, obtains a token, embeds and registers the result,
// retrying per the retry policy until it succeeds or fails terminally.
func (p *Platform) Load(ctx context.Context, req LoadRequest) (*registry.LiveInstance, error) {
	if p.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if p.stopped.Load() {
		return nil, ErrStopped
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := req.ContainerID
	target := req.Config.TargetID()

	if li := p.registry.Lookup(id); li != nil {
		if li.Kind == req.Config.Type && li.Config.TargetID() == target {
			if touched := p.registry.Reuse(id); touched != nil {
				return touched, nil
			}
			return li, nil
		}
		p.registry.Remove(id)
	}

	l := &loader{
		p:      p,
		req:    req,
		logger: slog.With(logKeyContainer, id, logKeyAttempt, uuid.NewString()),
	}
	p.retry.SetTarget(id, target)

	err := l.embed(ctx)
	for err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrDuplicateLoad) || errors.Is(err, ErrCanceled) {
			l.discardPartial()
			return nil, err
		}
		if !p.retry.ShouldRetry(err, id) {
			l.discardPartial()
			class := p.retry.Classify(err)
			l.logger.Warn("embed failed", logKeyClass, string(class), logKeyError, err)
			return nil, &LoadError{
				ContainerID: id,
				Class:       class,
				Attempts:    p.retry.Attempts(id),
				Message:     retry.UserMessage(class),
				Err:         err,
			}
		}
		err = p.retry.ExecuteRetry(ctx, err, id, l.remedies())
	}

	p.retry.Reset(id)
	l.logger.Debug("embed loaded")
	return l.live, nil
}

// Release disposes the instance in containerID and drops its bookkeeping.
// A Load still waiting for or running an embed in containerID returns
// ErrCanceled and registers nothing.
func (p *Platform) Release(containerID string) bool {
	canceled := p.coordinator.CancelLoad(containerID)
	p.retry.Forget(containerID)
	return p.registry.Remove(containerID) || canceled
}

// loader carries the state of one Load call across retries.
type loader struct {
	p      *Platform
	req    LoadRequest
	logger *slog.Logger

	live *registry.LiveInstance
	// partial is a handle the SDK returned alongside an error; it may
	// recover through Refresh.
	partial embed.Handle
}

func (l *loader) remedies() retry.Remedies {
	return retry.Remedies{
		Reembed: l.embed,
		Refresh: l.refreshPartial,
		RenewToken: func(ctx context.Context) error {
			_, err := l.p.tokens.Refresh(ctx)
			return err
		},
	}
}

func (l *loader) refreshPartial(ctx context.Context) error {
	if l.partial == nil {
		return errors.New("no embedded handle to refresh")
	}
	if err := l.partial.Refresh(ctx); err != nil {
		return err
	}
	if l.p.stopped.Load() {
		l.discardPartial()
		return ErrStopped
	}
	l.p.register(l.req, l.partial)
	l.partial = nil
	l.live = l.p.registry.Lookup(l.req.ContainerID)
	return nil
}

func (l *loader) discardPartial() {
	if l.partial == nil {
		return
	}
	closeHandle(l.req.ContainerID, l.partial)
	l.req.Container.Clear()
	l.partial = nil
}

// attempt delivers exactly one outcome of an embed: the embed result, the
// coordinator timeout, a coordinator cancellation or the caller's context,
// whichever claims it first.
type attempt struct {
	once sync.Once
	ch   chan outcome
	stop context.CancelFunc

	// mu orders cancellation against registration, so a canceled attempt
	// never registers.
	mu       sync.Mutex
	canceled bool
}

type outcome struct {
	live   *registry.LiveInstance
	handle embed.Handle
	err    error
}

func (a *attempt) claim() bool {
	claimed := false
	a.once.Do(func() { claimed = true })
	return claimed
}

// cancel marks the attempt dropped by the coordinator and stops its embed.
func (a *attempt) cancel() {
	a.mu.Lock()
	a.canceled = true
	a.mu.Unlock()
	a.stop()
	if a.claim() {
		a.ch <- outcome{err: ErrCanceled}
	}
}

// embed runs one admitted embed and waits for its outcome.
func (l *loader) embed(ctx context.Context) error {
	l.discardPartial()
	if l.p.stopped.Load() {
		return ErrStopped
	}

	embedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a := &attempt{ch: make(chan outcome, 1), stop: cancel}

	ticket, ok := l.p.coordinator.Enqueue(coordinator.Request{
		ContainerID: l.req.ContainerID,
		Priority:    l.req.Priority,
		Start: func(t coordinator.Ticket) error {
			go l.p.runEmbed(embedCtx, l.req, a, t)
			return nil
		},
		OnTimeout: func() {
			if a.claim() {
				a.ch <- outcome{err: coordinator.ErrTimeout}
			}
		},
		OnCancel: a.cancel,
	})
	if !ok {
		return ErrDuplicateLoad
	}

	select {
	case o := <-a.ch:
		return l.accept(o)
	case <-ctx.Done():
		if a.claim() {
			l.p.coordinator.CancelTicket(ticket)
			return ctx.Err()
		}
		return l.accept(<-a.ch)
	}
}

func (l *loader) accept(o outcome) error {
	if o.err != nil {
		l.partial = o.handle
		return o.err
	}
	l.live = o.live
	return nil
}

// runEmbed executes an admitted embed. It reports to the coordinator only
// for its own ticket and only when it claims the attempt; a late result
// after a timeout or cancellation is disposed without touching the slot a
// retry may now hold.
func (p *Platform) runEmbed(ctx context.Context, req LoadRequest, a *attempt, t coordinator.Ticket) {
	id := req.ContainerID
	cfg := req.Config

	tok, err := p.accessToken(ctx, cfg)
	if err != nil {
		if a.claim() {
			p.coordinator.ReportTicket(t, err)
			a.ch <- outcome{err: err}
		}
		return
	}
	cfg.AccessToken = tok

	h, err := p.embedder.Embed(ctx, req.Container, cfg)
	if !a.claim() {
		if h != nil {
			closeHandle(id, h)
		}
		slog.Debug("discarding late embed result", logKeyContainer, id)
		return
	}
	if err != nil {
		p.coordinator.ReportTicket(t, err)
		a.ch <- outcome{handle: h, err: err}
		return
	}

	a.mu.Lock()
	if a.canceled || p.stopped.Load() {
		a.mu.Unlock()
		closeHandle(id, h)
		req.Container.Clear()
		p.coordinator.ReportTicket(t, ErrCanceled)
		slog.Debug("discarding embed of canceled load", logKeyContainer, id)
		a.ch <- outcome{err: ErrCanceled}
		return
	}
	p.register(LoadRequest{ContainerID: id, Container: req.Container, Config: cfg}, h)
	a.mu.Unlock()

	p.coordinator.ReportTicket(t, nil)
	a.ch <- outcome{live: p.registry.Lookup(id)}
}

// accessToken returns an embed token for the artifact when the config asks
// for one and the REST client is available, otherwise the AAD token.
func (p *Platform) accessToken(ctx context.Context, cfg embed.Config) (string, error) {
	if cfg.TokenType == embed.TokenTypeEmbed && p.powerbi != nil {
		et, err := p.powerbi.GenerateToken(ctx, powerbi.GenerateTokenRequestFor(cfg))
		if err != nil {
			return "", fmt.Errorf("generating embed token: %w", err)
		}
		return et.Token, nil
	}
	tok, err := p.tokens.GetValidToken(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

func (p *Platform) register(req LoadRequest, h embed.Handle) {
	id := req.ContainerID
	h.On(embed.EventLoaded, func(any) {
		p.registry.Touch(id)
	})
	h.On(embed.EventError, func(payload any) {
		slog.Warn("embedded instance reported an error", logKeyContainer, id, "payload", payload)
	})
	p.registry.Register(id, req.Config.Type, h, req.Container, req.Config)
}

func closeHandle(containerID string, h embed.Handle) {
	if err := h.Close(); err != nil && !errors.Is(err, embed.ErrClosed) {
		slog.Warn("closing embed handle", logKeyContainer, containerID, logKeyError, err)
	}
}
