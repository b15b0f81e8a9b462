// Package persist provides best-effort key/value persistence over two scopes.
// The durable scope survives process restarts and holds configuration; the
// session scope lives as long as the hosting session and holds instance and
// token bookkeeping. Failures never propagate: they are logged and absorbed,
// because persistence is an optimization and never a correctness requirement.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Scope names a storage lifetime.
type Scope string

// Storage scopes.
const (
	Durable Scope = "durable"
	Session Scope = "session"
)

const (
	defaultOpTimeout = 2 * time.Second

	logKeyError = "error"
	logKeyScope = "scope"
	logKeyKey   = "key"
)

// ErrQuotaExceeded is returned by a backend that refuses a write for size.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Backend stores raw values for one scope.
type Backend interface {
	// Get returns the value for key, or found=false if absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Error describes an absorbed persistence failure.
type Error struct {
	Op    string
	Scope Scope
	Key   string
	Err   error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("persist %s %s/%s: %v", e.Op, e.Scope, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Store dispatches JSON values to per-scope backends.
type Store struct {
	backends  map[Scope]Backend
	opTimeout time.Duration

	// onError observes absorbed failures; used by tests and diagnostics.
	onError func(*Error)
}

// Option configures a Store.
type Option func(*Store)

// WithBackend serves scope from b.
func WithBackend(scope Scope, b Backend) Option {
	return func(s *Store) {
		s.backends[scope] = b
	}
}

// WithOpTimeout bounds each backend call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithErrorHook registers fn to observe every absorbed failure.
func WithErrorHook(fn func(*Error)) Option {
	return func(s *Store) {
		s.onError = fn
	}
}

// New creates a store. Scopes without an explicit backend get their own
// MemoryBackend.
func New(opts ...Option) *Store {
	s := &Store{
		backends:  make(map[Scope]Backend),
		opTimeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, scope := range []Scope{Durable, Session} {
		if s.backends[scope] == nil {
			s.backends[scope] = NewMemoryBackend(0)
		}
	}
	return s
}

// Get decodes the value under key into dst. It returns false when the key is
// missing, the scope is unknown, or the value cannot be decoded.
func (s *Store) Get(scope Scope, key string, dst any) bool {
	b, ok := s.backends[scope]
	if !ok {
		s.absorb("get", scope, key, fmt.Errorf("unknown scope"))
		return false
	}

	ctx, cancel := s.opContext()
	defer cancel()

	data, found, err := b.Get(ctx, key)
	if err != nil {
		s.absorb("get", scope, key, err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.absorb("decode", scope, key, err)
		return false
	}
	return true
}

// Set encodes value as JSON and stores it under key.
func (s *Store) Set(scope Scope, key string, value any) {
	b, ok := s.backends[scope]
	if !ok {
		s.absorb("set", scope, key, fmt.Errorf("unknown scope"))
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.absorb("encode", scope, key, err)
		return
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if err := b.Set(ctx, key, data); err != nil {
		s.absorb("set", scope, key, err)
	}
}

// Remove deletes key.
func (s *Store) Remove(scope Scope, key string) {
	b, ok := s.backends[scope]
	if !ok {
		s.absorb("remove", scope, key, fmt.Errorf("unknown scope"))
		return
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if err := b.Delete(ctx, key); err != nil {
		s.absorb("remove", scope, key, err)
	}
}

// Close closes every backend.
func (s *Store) Close() error {
	var errs []error
	seen := make(map[Backend]bool)
	for _, b := range s.backends {
		if seen[b] {
			continue
		}
		seen[b] = true
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

func (s *Store) absorb(op string, scope Scope, key string, err error) {
	perr := &Error{Op: op, Scope: scope, Key: key, Err: err}
	slog.Warn("persistence failure absorbed",
		"op", op, logKeyScope, string(scope), logKeyKey, key, logKeyError, err)
	if s.onError != nil {
		s.onError(perr)
	}
}

// Timestamped is implemented by map values subject to capping and staleness.
type Timestamped interface {
	Timestamp() time.Time
}

// SetWithCap writes entries under key after evicting the oldest entries by
// timestamp until at most maxEntries remain. It returns the map that was
// written. A non-positive maxEntries disables the cap.
func SetWithCap[E Timestamped](s *Store, scope Scope, key string, entries map[string]E, maxEntries int) map[string]E {
	capped := Cap(entries, maxEntries)
	s.Set(scope, key, capped)
	return capped
}

// Cap returns a copy of entries holding only the newest maxEntries values.
func Cap[E Timestamped](entries map[string]E, maxEntries int) map[string]E {
	out := make(map[string]E, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	if maxEntries <= 0 || len(out) <= maxEntries {
		return out
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := out[keys[i]].Timestamp(), out[keys[j]].Timestamp()
		if ti.Equal(tj) {
			return keys[i] < keys[j]
		}
		return ti.Before(tj)
	})
	for _, k := range keys[:len(keys)-maxEntries] {
		slog.Debug("evicting capped entry", logKeyKey, k)
		delete(out, k)
	}
	return out
}

// EvictStale removes entries whose age, as reported by at, exceeds maxAge
// relative to now. It returns the survivors and the sorted evicted keys.
func EvictStale[E any](entries map[string]E, now time.Time, maxAge time.Duration, at func(E) time.Time) (map[string]E, []string) {
	out := make(map[string]E, len(entries))
	var evicted []string
	for k, v := range entries {
		if now.Sub(at(v)) > maxAge {
			evicted = append(evicted, k)
			continue
		}
		out[k] = v
	}
	sort.Strings(evicted)
	return out, evicted
}
