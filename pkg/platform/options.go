package platform

import (
	"database/sql"
	"net/http"

	"github.com/txn2/embed-platform/internal/clock"
	"github.com/txn2/embed-platform/pkg/auth"
	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/persist"
	"github.com/txn2/embed-platform/pkg/powerbi"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration. Defaults apply when nil.
	Config *Config

	// Embedder is the SDK capability. Load requires it.
	Embedder embed.Embedder

	// DB is the PostgreSQL connection used by postgres persistence
	// backends. It is owned by the caller.
	DB *sql.DB

	// Store overrides the persistence store built from config.
	Store *persist.Store

	// TokenSource overrides the identity capability built from config.
	TokenSource auth.Source

	// PowerBI overrides the REST client built from config.
	PowerBI *powerbi.Client

	// HTTPClient is used by clients built from config.
	HTTPClient *http.Client

	// Clock overrides the time source of every component.
	Clock clock.Clock
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithEmbedder sets the SDK capability.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *Options) {
		o.Embedder = e
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithStore sets the persistence store.
func WithStore(s *persist.Store) Option {
	return func(o *Options) {
		o.Store = s
	}
}

// WithTokenSource sets the identity capability.
func WithTokenSource(src auth.Source) Option {
	return func(o *Options) {
		o.TokenSource = src
	}
}

// WithPowerBI sets the REST client.
func WithPowerBI(c *powerbi.Client) Option {
	return func(o *Options) {
		o.PowerBI = c
	}
}

// WithHTTPClient sets the HTTP client for clients built from config.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = hc
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}
