// Package postgres provides a PostgreSQL persistence backend. Rows live in
// the embed_state table created by pkg/database/migrate, partitioned by scope.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/embed-platform/pkg/persist"
)

const tableName = "embed_state"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Backend implements persist.Backend for a single scope.
type Backend struct {
	db     *sql.DB
	scope  persist.Scope
	maxAge time.Duration
}

// Config configures the PostgreSQL backend.
type Config struct {
	// Scope partitions rows so durable and session state can share a table.
	Scope persist.Scope

	// MaxAge bounds how long an untouched row is kept by Cleanup.
	// Zero disables age-based cleanup.
	MaxAge time.Duration
}

// New creates a new PostgreSQL backend.
func New(db *sql.DB, cfg Config) *Backend {
	if cfg.Scope == "" {
		cfg.Scope = persist.Durable
	}
	return &Backend{
		db:     db,
		scope:  cfg.Scope,
		maxAge: cfg.MaxAge,
	}
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query, args, err := psq.Select("value").
		From(tableName).
		Where(sq.Eq{"scope": string(b.scope)}).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("building select: %w", err)
	}

	var value string
	err = b.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting state: %w", err)
	}
	return []byte(value), true, nil
}

// Set upserts value under key.
func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	query, args, err := psq.Insert(tableName).
		Columns("scope", "key", "value", "updated_at").
		Values(string(b.scope), key, string(value), sq.Expr("NOW()")).
		Suffix("ON CONFLICT (scope, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting state: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	query, args, err := psq.Delete(tableName).
		Where(sq.Eq{"scope": string(b.scope)}).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting state: %w", err)
	}
	return nil
}

// Cleanup removes rows of this scope untouched for longer than MaxAge.
func (b *Backend) Cleanup(ctx context.Context) (int64, error) {
	if b.maxAge <= 0 {
		return 0, nil
	}

	query, args, err := psq.Delete(tableName).
		Where(sq.Eq{"scope": string(b.scope)}).
		Where(sq.Lt{"updated_at": time.Now().Add(-b.maxAge)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building cleanup: %w", err)
	}

	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleaning up state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned rows: %w", err)
	}
	return n, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (*Backend) Close() error {
	return nil
}

// Verify interface compliance.
var _ persist.Backend = (*Backend)(nil)
