package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/embed-platform/internal/clock"
)

const (
	// DefaultMaxAttempts bounds retries per container and target.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the backoff unit; attempt n waits n*DefaultBaseDelay.
	DefaultBaseDelay = 2 * time.Second

	logKeyContainer = "container_id"
)

// Remedies are the actions ExecuteRetry may take. Reembed performs a full
// embed; Refresh asks the live handle to re-query; RenewToken forces a new
// access token.
type Remedies struct {
	Reembed    func(ctx context.Context) error
	Refresh    func(ctx context.Context) error
	RenewToken func(ctx context.Context) error
}

type counter struct {
	target   string
	attempts int
}

// Policy tracks retry attempts per container. Counters reset whenever the
// container's target report changes.
type Policy struct {
	mu          sync.Mutex
	classifier  *Classifier
	maxAttempts int
	baseDelay   time.Duration
	clock       clock.Clock
	counters    map[string]*counter
}

// Option configures a Policy.
type Option func(*Policy)

// WithPatterns overrides classification substrings.
func WithPatterns(p Patterns) Option {
	return func(pl *Policy) {
		pl.classifier = NewClassifier(p)
	}
}

// WithMaxAttempts sets the retry bound.
func WithMaxAttempts(n int) Option {
	return func(pl *Policy) {
		if n > 0 {
			pl.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the backoff unit.
func WithBaseDelay(d time.Duration) Option {
	return func(pl *Policy) {
		if d >= 0 {
			pl.baseDelay = d
		}
	}
}

// WithClock overrides the time source used for delays.
func WithClock(c clock.Clock) Option {
	return func(pl *Policy) {
		pl.clock = c
	}
}

// NewPolicy creates a policy.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		classifier:  NewClassifier(nil),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		clock:       clock.Real{},
		counters:    make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Classify returns the class of err.
func (p *Policy) Classify(err error) Class {
	return p.classifier.Classify(err)
}

// SetTarget records the report id a container is embedding. A change of
// target resets the container's attempt counter.
func (p *Policy) SetTarget(containerID, targetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.counters[containerID]
	if !ok {
		p.counters[containerID] = &counter{target: targetID}
		return
	}
	if c.target != targetID {
		c.target = targetID
		c.attempts = 0
	}
}

// ShouldRetry reports whether a failure with err on containerID may be
// retried. A true result consumes one attempt.
func (p *Policy) ShouldRetry(err error, containerID string) bool {
	class := p.Classify(err)
	if !class.Retryable() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.counters[containerID]
	if !ok {
		c = &counter{}
		p.counters[containerID] = c
	}
	if c.attempts >= p.maxAttempts {
		return false
	}
	c.attempts++
	return true
}

// Attempts returns the attempts consumed for containerID.
func (p *Policy) Attempts(containerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[containerID]; ok {
		return c.attempts
	}
	return 0
}

// Reset clears the counter for containerID, e.g. after a successful load.
func (p *Policy) Reset(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[containerID]; ok {
		c.attempts = 0
	}
}

// Forget drops all state for containerID.
func (p *Policy) Forget(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, containerID)
}

// ExecuteRetry applies the class-specific remedy for err. It must follow a
// true ShouldRetry for the same container.
func (p *Policy) ExecuteRetry(ctx context.Context, err error, containerID string, r Remedies) error {
	class := p.Classify(err)
	attempt := p.Attempts(containerID)
	slog.Info("retrying embed",
		logKeyContainer, containerID, "class", string(class), "attempt", attempt)

	switch class {
	case TokenExpired:
		if r.RenewToken != nil {
			if err := r.RenewToken(ctx); err != nil {
				return fmt.Errorf("renewing token: %w", err)
			}
		}
		return p.reembed(ctx, r)

	case QueryUserError:
		if r.Refresh != nil {
			refreshErr := r.Refresh(ctx)
			if refreshErr == nil {
				return nil
			}
			slog.Warn("refresh failed, falling back to re-embed",
				logKeyContainer, containerID, "error", refreshErr)
		}
		if err := p.clock.Sleep(ctx, p.baseDelay); err != nil {
			return err
		}
		return p.reembed(ctx, r)

	default:
		if attempt < 1 {
			attempt = 1
		}
		if err := p.clock.Sleep(ctx, p.baseDelay*time.Duration(attempt)); err != nil {
			return err
		}
		return p.reembed(ctx, r)
	}
}

func (*Policy) reembed(ctx context.Context, r Remedies) error {
	if r.Reembed == nil {
		return fmt.Errorf("no re-embed remedy configured")
	}
	return r.Reembed(ctx)
}
