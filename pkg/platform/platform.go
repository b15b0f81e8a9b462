package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/txn2/embed-platform/internal/clock"
	"github.com/txn2/embed-platform/pkg/auth"
	"github.com/txn2/embed-platform/pkg/coordinator"
	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/persist"
	"github.com/txn2/embed-platform/pkg/persist/postgres"
	"github.com/txn2/embed-platform/pkg/persist/sqlite"
	"github.com/txn2/embed-platform/pkg/powerbi"
	"github.com/txn2/embed-platform/pkg/registry"
	"github.com/txn2/embed-platform/pkg/retry"
	"github.com/txn2/embed-platform/pkg/token"
)

// rowCleaner expires rows of a database-backed persistence backend.
type rowCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Platform is the main platform facade.
type Platform struct {
	config *Config
	clock  clock.Clock

	lifecycle *Lifecycle
	scheduler *cron.Cron
	// stopped refuses new loads and late registrations between Stop and
	// the next Start.
	stopped atomic.Bool

	embedder embed.Embedder
	store    *persist.Store
	sqliteDB *sqlite.DB
	cleaners []rowCleaner

	closeOnce sync.Once
	closeErr  error

	tokens      *token.Lifecycle
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	retry       *retry.Policy
	powerbi     *powerbi.Client
}

// New creates a new platform instance. Persisted registry state is restored
// immediately; the token and the background jobs start with Start.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		options.Config = DefaultConfig()
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	if options.Clock == nil {
		options.Clock = clock.Real{}
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: options.Config.PowerBI.Timeout}
	}

	p := &Platform{
		config:    options.Config,
		clock:     options.Clock,
		lifecycle: NewLifecycle(),
		scheduler: cron.New(),
		embedder:  options.Embedder,
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.closeStorage()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	p.registerLifecycle()
	return p, nil
}

func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initStore(opts); err != nil {
		return err
	}
	if err := p.initTokens(opts); err != nil {
		return err
	}
	if err := p.initPowerBI(opts); err != nil {
		return err
	}
	p.initCore()
	return nil
}

// initStore builds the persistence store from the per-scope backend
// selection unless one was supplied.
func (p *Platform) initStore(opts *Options) error {
	if opts.Store != nil {
		p.store = opts.Store
		return nil
	}

	cfg := p.config.Persistence
	storeOpts := []persist.Option{persist.WithOpTimeout(cfg.OpTimeout)}
	for _, scope := range []persist.Scope{persist.Durable, persist.Session} {
		name := cfg.Durable
		if scope == persist.Session {
			name = cfg.Session
		}
		b, err := p.buildBackend(opts, scope, name)
		if err != nil {
			return fmt.Errorf("building %s backend: %w", scope, err)
		}
		if b != nil {
			storeOpts = append(storeOpts, persist.WithBackend(scope, b))
		}
	}
	p.store = persist.New(storeOpts...)
	return nil
}

func (p *Platform) buildBackend(opts *Options, scope persist.Scope, name string) (persist.Backend, error) {
	cfg := p.config.Persistence
	switch name {
	case BackendPostgres:
		if opts.DB == nil {
			return nil, errors.New("postgres persistence requires a database connection")
		}
		b := postgres.New(opts.DB, postgres.Config{Scope: scope, MaxAge: cfg.RowMaxAge})
		p.cleaners = append(p.cleaners, b)
		return b, nil
	case BackendSQLite:
		if p.sqliteDB == nil {
			db, err := sqlite.Open(cfg.SQLitePath, sqlite.WithMaxAge(cfg.RowMaxAge))
			if err != nil {
				return nil, err
			}
			p.sqliteDB = db
			p.cleaners = append(p.cleaners, db)
		}
		return p.sqliteDB.Backend(scope), nil
	default:
		return nil, nil
	}
}

// initTokens builds the token lifecycle around the configured identity
// source.
func (p *Platform) initTokens(opts *Options) error {
	src := opts.TokenSource
	if src == nil {
		var err error
		if src, err = p.createTokenSource(opts); err != nil {
			return fmt.Errorf("creating token source: %w", err)
		}
	}

	tokenOpts := []token.Option{token.WithClock(p.clock)}
	if src != nil {
		tokenOpts = append(tokenOpts, token.WithRefresher(auth.Refresher(src)))
	}
	if p.config.Persistence.PersistToken {
		tokenOpts = append(tokenOpts, token.WithPersistence(p.store, p.config.PersistenceKey))
	}
	p.tokens = token.NewLifecycle(tokenOpts...)
	return nil
}

func (p *Platform) createTokenSource(opts *Options) (auth.Source, error) {
	cfg := p.config.Auth
	switch cfg.Mode {
	case AuthModeStatic:
		return auth.Static(cfg.StaticToken, cfg.StaticTTL, p.clock), nil
	case AuthModeClientCredentials:
		cc, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
			Authority:    cfg.Authority,
			TenantID:     cfg.TenantID,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scope:        cfg.Scope,
			HTTPClient:   opts.HTTPClient,
		})
		if err != nil {
			return nil, err
		}
		return auth.NewChain(cc, nil), nil
	default:
		return nil, nil
	}
}

func (p *Platform) initPowerBI(opts *Options) error {
	if opts.PowerBI != nil {
		p.powerbi = opts.PowerBI
		return nil
	}
	if !p.config.PowerBI.Enabled {
		return nil
	}
	c, err := powerbi.NewClient(p.tokens,
		powerbi.WithBaseURL(p.config.PowerBI.BaseURL),
		powerbi.WithHTTPClient(opts.HTTPClient))
	if err != nil {
		return fmt.Errorf("creating power bi client: %w", err)
	}
	p.powerbi = c
	return nil
}

func (p *Platform) initCore() {
	cfg := p.config
	p.registry = registry.New(
		registry.WithStore(p.store),
		registry.WithPersistenceKey(cfg.PersistenceKey),
		registry.WithClock(p.clock),
		registry.WithMaxAge(cfg.Registry.MaxAge),
		registry.WithMaxEntries(cfg.Registry.MaxEntries),
		registry.WithConfigMaxAge(cfg.Registry.ConfigMaxAge),
	)
	p.coordinator = coordinator.New(
		coordinator.WithMaxConcurrent(cfg.Coordinator.MaxConcurrent),
		coordinator.WithTimeout(cfg.Coordinator.LoadTimeout),
		coordinator.WithClock(p.clock),
	)
	p.retry = retry.NewPolicy(
		retry.WithPatterns(cfg.Retry.Patterns),
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithBaseDelay(cfg.Retry.BaseDelay),
		retry.WithClock(p.clock),
	)
}

// registerLifecycle orders startup so storage is closed last.
func (p *Platform) registerLifecycle() {
	p.lifecycle.OnStop("storage", func(context.Context) error {
		return p.closeStorage()
	})
	p.lifecycle.OnStart("token", func(context.Context) error {
		if p.config.Persistence.PersistToken && p.tokens.Restore() {
			slog.Info("restored persisted access token")
		}
		return nil
	})
	p.lifecycle.Add("registry",
		func(context.Context) error {
			p.registry.StartCleanupRoutine(p.config.Registry.CleanupInterval)
			return nil
		},
		func(context.Context) error {
			return p.registry.Close()
		})
	p.lifecycle.Add("coordinator",
		func(context.Context) error {
			p.stopped.Store(false)
			return nil
		},
		func(context.Context) error {
			p.stopped.Store(true)
			p.coordinator.Close()
			return nil
		})
	p.lifecycle.Add("scheduler", p.startScheduler, p.stopScheduler)
}

func (p *Platform) startScheduler(context.Context) error {
	if len(p.cleaners) > 0 {
		if _, err := p.scheduler.AddFunc(p.config.Persistence.CleanupSchedule, p.cleanupRows); err != nil {
			return fmt.Errorf("scheduling row cleanup: %w", err)
		}
	}
	p.scheduler.Start()
	return nil
}

func (p *Platform) stopScheduler(ctx context.Context) error {
	select {
	case <-p.scheduler.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanupRows expires stale rows in database-backed scopes.
func (p *Platform) cleanupRows() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, c := range p.cleaners {
		n, err := c.Cleanup(ctx)
		if err != nil {
			slog.Warn("embed state cleanup failed", "error", err)
			continue
		}
		if n > 0 {
			slog.Info("embed state cleanup", "removed", n)
		}
	}
}

func (p *Platform) closeStorage() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.store != nil {
			errs = append(errs, p.store.Close())
		}
		if p.sqliteDB != nil {
			errs = append(errs, p.sqliteDB.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// Start starts the platform.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Stop disposes live instances, stops background jobs and closes storage.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Close releases the storage of a platform that never started or failed to
// start. It is safe to call after Stop.
func (p *Platform) Close() error {
	return p.closeStorage()
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config { return p.config }

// Tokens returns the token lifecycle.
func (p *Platform) Tokens() *token.Lifecycle { return p.tokens }

// Store returns the persistence store.
func (p *Platform) Store() *persist.Store { return p.store }

// Registry returns the instance registry.
func (p *Platform) Registry() *registry.Registry { return p.registry }

// Coordinator returns the load coordinator.
func (p *Platform) Coordinator() *coordinator.Coordinator { return p.coordinator }

// RetryPolicy returns the retry policy.
func (p *Platform) RetryPolicy() *retry.Policy { return p.retry }

// PowerBI returns the REST client, or nil when disabled.
func (p *Platform) PowerBI() *powerbi.Client { return p.powerbi }

// Status is a diagnostic view of the platform.
type Status struct {
	Name        string               `json:"name"`
	TokenValid  bool                 `json:"token_valid"`
	TokenExpiry *time.Time           `json:"token_expires_at,omitempty"`
	Registry    registry.Snapshot    `json:"registry"`
	Coordinator coordinator.Snapshot `json:"coordinator"`
}

// Status returns a point-in-time diagnostic view.
func (p *Platform) Status() Status {
	s := Status{
		Name:        p.config.Server.Name,
		TokenValid:  p.tokens.IsValid(),
		Registry:    p.registry.Snapshot(),
		Coordinator: p.coordinator.Snapshot(),
	}
	if tok := p.tokens.Current(); !tok.IsZero() {
		exp := tok.ExpiresAt
		s.TokenExpiry = &exp
	}
	return s
}
