// Package platform wires token lifecycle, persistence, the instance
// registry, the load coordinator and the retry policy into one facade.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/txn2/embed-platform/pkg/retry"
)

// Backend names accepted by PersistenceConfig.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Auth modes accepted by AuthConfig.
const (
	AuthModeNone              = "none"
	AuthModeStatic            = "static"
	AuthModeClientCredentials = "client_credentials"
)

// Config holds the complete platform configuration.
type Config struct {
	// PersistenceKey namespaces every persisted record.
	PersistenceKey string            `yaml:"persistence_key"`
	Server         ServerConfig      `yaml:"server"`
	Coordinator    CoordinatorConfig `yaml:"coordinator"`
	Registry       RegistryConfig    `yaml:"registry"`
	Retry          RetryConfig       `yaml:"retry"`
	Persistence    PersistenceConfig `yaml:"persistence"`
	Database       DatabaseConfig    `yaml:"database"`
	PowerBI        PowerBIConfig     `yaml:"powerbi"`
	Auth           AuthConfig        `yaml:"auth"`
}

// ServerConfig configures the daemon HTTP listener.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// AllowedOrigins lists browser origins allowed to call the /api
	// routes. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CoordinatorConfig configures admission.
type CoordinatorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	LoadTimeout   time.Duration `yaml:"load_timeout"`
}

// RegistryConfig configures instance bookkeeping.
type RegistryConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	MaxEntries      int           `yaml:"max_entries"`
	ConfigMaxAge    time.Duration `yaml:"config_max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RetryConfig configures the retry policy. Patterns override the built-in
// substrings per class.
type RetryConfig struct {
	MaxAttempts int            `yaml:"max_attempts"`
	BaseDelay   time.Duration  `yaml:"base_delay"`
	Patterns    retry.Patterns `yaml:"patterns"`
}

// PersistenceConfig selects the backend of each storage scope.
type PersistenceConfig struct {
	Durable    string        `yaml:"durable"`
	Session    string        `yaml:"session"`
	SQLitePath string        `yaml:"sqlite_path"`
	OpTimeout  time.Duration `yaml:"op_timeout"`
	// RowMaxAge expires database rows not written for this long.
	RowMaxAge time.Duration `yaml:"row_max_age"`
	// CleanupSchedule is the cron spec of the row expiry job.
	CleanupSchedule string `yaml:"cleanup_schedule"`
	// PersistToken keeps the access token in the session scope across
	// restarts.
	PersistToken bool `yaml:"persist_token"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PowerBIConfig configures the REST client.
type PowerBIConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig configures how access tokens are obtained.
type AuthConfig struct {
	Mode         string        `yaml:"mode"`
	Authority    string        `yaml:"authority"`
	TenantID     string        `yaml:"tenant_id"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scope        string        `yaml:"scope"`
	StaticToken  string        `yaml:"static_token"`
	StaticTTL    time.Duration `yaml:"static_ttl"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, expanding ${VAR} references and applying
// defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} references.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.PersistenceKey == "" {
		cfg.PersistenceKey = "embed-platform"
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "embed-platform"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Coordinator.MaxConcurrent == 0 {
		cfg.Coordinator.MaxConcurrent = 3
	}
	if cfg.Coordinator.LoadTimeout == 0 {
		cfg.Coordinator.LoadTimeout = 30 * time.Second
	}
	if cfg.Registry.MaxAge == 0 {
		cfg.Registry.MaxAge = 30 * time.Minute
	}
	if cfg.Registry.MaxEntries == 0 {
		cfg.Registry.MaxEntries = 10
	}
	if cfg.Registry.ConfigMaxAge == 0 {
		cfg.Registry.ConfigMaxAge = 24 * time.Hour
	}
	if cfg.Registry.CleanupInterval == 0 {
		cfg.Registry.CleanupInterval = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 2 * time.Second
	}
	if cfg.Persistence.Durable == "" {
		cfg.Persistence.Durable = BackendMemory
	}
	if cfg.Persistence.Session == "" {
		cfg.Persistence.Session = BackendMemory
	}
	if cfg.Persistence.OpTimeout == 0 {
		cfg.Persistence.OpTimeout = 2 * time.Second
	}
	if cfg.Persistence.RowMaxAge == 0 {
		cfg.Persistence.RowMaxAge = 7 * 24 * time.Hour
	}
	if cfg.Persistence.CleanupSchedule == "" {
		cfg.Persistence.CleanupSchedule = "@every 1h"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.PowerBI.Timeout == 0 {
		cfg.PowerBI.Timeout = 30 * time.Second
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthModeNone
	}
	if cfg.Auth.StaticTTL == 0 {
		cfg.Auth.StaticTTL = time.Hour
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Coordinator.MaxConcurrent < 1 {
		errs = append(errs, "coordinator.max_concurrent must be at least 1")
	}
	if c.Coordinator.LoadTimeout < 0 {
		errs = append(errs, "coordinator.load_timeout must not be negative")
	}
	if c.Registry.MaxEntries < 1 {
		errs = append(errs, "registry.max_entries must be at least 1")
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry.max_attempts must not be negative")
	}
	for class := range c.Retry.Patterns {
		if !knownClass(class) {
			errs = append(errs, fmt.Sprintf("retry.patterns: unknown class %q", class))
		}
	}

	errs = append(errs, c.validatePersistence()...)
	errs = append(errs, c.validateAuth()...)

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePersistence() []string {
	var errs []string
	for scope, backend := range map[string]string{
		"durable": c.Persistence.Durable,
		"session": c.Persistence.Session,
	} {
		switch backend {
		case BackendMemory, BackendSQLite:
		case BackendPostgres:
			if c.Database.DSN == "" {
				errs = append(errs, fmt.Sprintf("database.dsn is required when persistence.%s is postgres", scope))
			}
		default:
			errs = append(errs, fmt.Sprintf("persistence.%s: unknown backend %q", scope, backend))
		}
		if backend == BackendSQLite && c.Persistence.SQLitePath == "" {
			errs = append(errs, fmt.Sprintf("persistence.sqlite_path is required when persistence.%s is sqlite", scope))
		}
	}
	sort.Strings(errs)
	if _, err := cron.ParseStandard(c.Persistence.CleanupSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("persistence.cleanup_schedule: %v", err))
	}
	return errs
}

func (c *Config) validateAuth() []string {
	var errs []string
	switch c.Auth.Mode {
	case AuthModeNone:
	case AuthModeStatic:
		if c.Auth.StaticToken == "" {
			errs = append(errs, "auth.static_token is required when auth.mode is static")
		}
	case AuthModeClientCredentials:
		if c.Auth.ClientID == "" {
			errs = append(errs, "auth.client_id is required for client_credentials")
		}
		if c.Auth.ClientSecret == "" {
			errs = append(errs, "auth.client_secret is required for client_credentials")
		}
		if c.Auth.TenantID == "" && c.Auth.Authority == "" {
			errs = append(errs, "auth.tenant_id or auth.authority is required for client_credentials")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.mode: unknown mode %q", c.Auth.Mode))
	}
	if c.PowerBI.Enabled && c.Auth.Mode == AuthModeNone {
		errs = append(errs, "powerbi.enabled requires an auth.mode")
	}
	return errs
}

func knownClass(c retry.Class) bool {
	switch c {
	case retry.TokenExpired, retry.QueryUserError, retry.RateLimited,
		retry.NotFound, retry.Unauthorized, retry.Unknown:
		return true
	}
	return false
}
