//go:build integration

// Package helpers provides shared fixtures for the end-to-end tests.
package helpers

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/embed-platform/pkg/database/migrate"
	"github.com/txn2/embed-platform/pkg/platform"
)

// WaitConfig configures service readiness checks.
type WaitConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultWaitConfig returns default wait configuration.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		Timeout:  60 * time.Second,
		Interval: 2 * time.Second,
	}
}

// StartPostgres starts a PostgreSQL testcontainer and returns its DSN.
// The container is terminated when the test completes.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting postgres connection string: %v", err)
	}
	return dsn
}

// WaitForPostgres waits for PostgreSQL to accept connections.
func WaitForPostgres(ctx context.Context, dsn string, cfg WaitConfig) error {
	deadline := time.Now().Add(cfg.Timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			time.Sleep(cfg.Interval)
			continue
		}

		err = db.PingContext(ctx)
		closeErr := db.Close()
		if err == nil && closeErr == nil {
			return nil
		}

		time.Sleep(cfg.Interval)
	}

	return fmt.Errorf("postgres not ready within %v", cfg.Timeout)
}

// OpenMigratedDB opens dsn and applies the embedded migrations.
func OpenMigratedDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	if err := WaitForPostgres(context.Background(), dsn, DefaultWaitConfig()); err != nil {
		t.Fatalf("waiting for postgres: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrate.Run(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db
}

// PostgresConfig returns a platform config with both persistence scopes on
// PostgreSQL.
func PostgresConfig(key string) *platform.Config {
	cfg := platform.DefaultConfig()
	cfg.PersistenceKey = key
	cfg.Server.Name = "e2e-embed-platform"
	cfg.Persistence.Durable = platform.BackendPostgres
	cfg.Persistence.Session = platform.BackendPostgres
	cfg.Persistence.PersistToken = true
	cfg.Database.DSN = "provided-by-test"
	cfg.Retry.BaseDelay = time.Millisecond
	return cfg
}
