// Package config loads the collector configuration from a YAML file and
// VISITOR_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
// Nested keys are separated by a double underscore, e.g.
// VISITOR_SERVER__PORT=9000.
const EnvPrefix = "VISITOR_"

// DefaultPath is read when Load is given no path.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Collector CollectorConfig `koanf:"collector"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int             `koanf:"port"`
	RequestTimeout  time.Duration   `koanf:"request_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP. Zero Requests disables it.
type RateLimitConfig struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, postgres
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type CollectorConfig struct {
	MaxBodyBytes int64 `koanf:"max_body_bytes"`
	// AllowedOrigins are sent back in CORS headers; "*" allows any page.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                8080,
	"server.request_timeout":     10 * time.Second,
	"server.shutdown_timeout":    15 * time.Second,
	"server.rate_limit.requests": 120,
	"server.rate_limit.window":   time.Minute,
	"storage.type":               "sqlite",
	"storage.sqlite.path":        "./data/visitor.db",
	"collector.max_body_bytes":   int64(64 << 10),
	"collector.allowed_origins":  []string{"*"},
	"logging.level":              "info",
	"logging.format":             "json",
}

// Load reads path (DefaultPath when empty), then the environment. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.SQLite.Path = substituteEnvVars(cfg.Storage.SQLite.Path)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DriverDSN resolves the database driver and connection string. For sqlite
// an explicit database DSN takes precedence over the file path.
func (s StorageConfig) DriverDSN() (driver, dsn string) {
	switch s.Type {
	case "postgres":
		return "postgres", s.Database.DSN
	default:
		if s.Database.DSN != "" {
			return "sqlite", s.Database.DSN
		}
		return "sqlite", s.SQLite.Path
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" && c.Storage.Database.DSN == "" {
			return errors.New("storage.sqlite.path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.Database.DSN == "" {
			return errors.New("storage.database.dsn is required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage.type %q", c.Storage.Type)
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Window <= 0 {
		return errors.New("server.rate_limit.window must be positive")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a logging.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// SlogLevel returns the configured level, falling back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	level, _ := ParseLevel(l.Level)
	return level
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
