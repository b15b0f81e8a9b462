// Package main provides the entry point for the embed-platform daemon.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/txn2/embed-platform/internal/server"
	"github.com/txn2/embed-platform/pkg/database/migrate"
	"github.com/txn2/embed-platform/pkg/health"
	"github.com/txn2/embed-platform/pkg/platform"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (serverOptions, error) {
	opts := serverOptions{}
	fs := flag.NewFlagSet("embed-platform", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.address, "address", "", "Listen address (overrides server.address)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func setupLogger(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func loadConfig(opts serverOptions) (*platform.Config, error) {
	cfg := platform.DefaultConfig()
	if opts.configPath != "" {
		var err error
		cfg, err = platform.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	return cfg, nil
}

func needsDatabase(cfg *platform.Config) bool {
	return cfg.Persistence.Durable == platform.BackendPostgres ||
		cfg.Persistence.Session == platform.BackendPostgres
}

func openDatabase(cfg *platform.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Printf("embed-platform version %s\n", server.Version)
		return nil
	}
	if err := setupLogger(opts.logLevel); err != nil {
		return err
	}

	ctx := setupSignalHandler()

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	platformOpts := []platform.Option{platform.WithConfig(cfg)}
	var db *sql.DB
	if needsDatabase(cfg) {
		db, err = openDatabase(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		platformOpts = append(platformOpts, platform.WithDB(db))
	}

	p, err := platform.New(platformOpts...)
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("starting platform: %w", err), p.Close())
	}

	checker := health.NewChecker()
	if db != nil {
		checker.AddCheck("database", db.Ping)
	}
	if cfg.Auth.Mode != platform.AuthModeNone {
		checker.AddCheck("token", func() error {
			if !p.Tokens().IsValid() {
				return errors.New("no valid token")
			}
			return nil
		})
	}

	return serve(ctx, cfg.Server.Address, server.New(p, checker), checker, p)
}

type stopper interface {
	Stop(ctx context.Context) error
}

func serve(ctx context.Context, addr string, h http.Handler, checker *health.Checker, p stopper) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()
	checker.SetReady()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}
	checker.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := p.Stop(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("stopping platform: %w", err))
	}
	return serveErr
}
