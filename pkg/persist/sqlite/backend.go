// Package sqlite provides a file-local persistence backend for hosts that do
// not run PostgreSQL. A single database file holds every scope.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/txn2/embed-platform/pkg/persist"
)

const schema = `
CREATE TABLE IF NOT EXISTS embed_state (
	scope      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (scope, key)
)
`

const upsertSQL = `
INSERT INTO embed_state (scope, key, value, updated_at)
VALUES ($1, $2, $3, datetime())
ON CONFLICT (scope, key)
DO UPDATE SET value = $3, updated_at = datetime()
`

// sqliteTime matches the text produced by datetime().
const sqliteTime = "2006-01-02 15:04:05"

// DB is an open SQLite database shared by per-scope backends.
type DB struct {
	db     *sqlx.DB
	maxAge time.Duration
}

// Option configures a DB.
type Option func(*DB)

// WithMaxAge makes Cleanup delete rows not written for longer than d.
func WithMaxAge(d time.Duration) Option {
	return func(db *DB) {
		db.maxAge = d
	}
}

// Open connects to the database at path and ensures the schema exists.
// Use ":memory:" for a private in-memory database.
func Open(path string, opts ...Option) (*DB, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite serializes writers; one connection keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	out := &DB{db: db}
	for _, opt := range opts {
		opt(out)
	}
	return out, nil
}

// Backend returns a persist.Backend serving scope.
func (d *DB) Backend(scope persist.Scope) *Backend {
	return &Backend{db: d.db, scope: scope}
}

// Cleanup deletes rows of every scope older than the configured max age.
// Without a max age it does nothing.
func (d *DB) Cleanup(ctx context.Context) (int64, error) {
	if d.maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-d.maxAge).Format(sqliteTime)
	res, err := d.db.ExecContext(ctx, `DELETE FROM embed_state WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned rows: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Backend implements persist.Backend for one scope of a DB.
type Backend struct {
	db    *sqlx.DB
	scope persist.Scope
}

type row struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var r row
	err := b.db.GetContext(ctx, &r,
		`SELECT key, value FROM embed_state WHERE scope = $1 AND key = $2`,
		string(b.scope), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting state: %w", err)
	}
	return []byte(r.Value), true, nil
}

// Set upserts value under key.
func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	if _, err := b.db.ExecContext(ctx, upsertSQL, string(b.scope), key, string(value)); err != nil {
		return fmt.Errorf("upserting state: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM embed_state WHERE scope = $1 AND key = $2`,
		string(b.scope), key); err != nil {
		return fmt.Errorf("deleting state: %w", err)
	}
	return nil
}

// Keys lists the keys stored in this scope.
func (b *Backend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := b.db.SelectContext(ctx, &keys,
		`SELECT key FROM embed_state WHERE scope = $1 ORDER BY key`,
		string(b.scope)); err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

// Close is a no-op; the owning DB is closed separately.
func (*Backend) Close() error {
	return nil
}

// Verify interface compliance.
var _ persist.Backend = (*Backend)(nil)
