package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix = "ALPHARANK_"
	envConfig = "ALPHARANK_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New(ctx))
//  2. file (YAML) if ALPHARANK_CONFIG is set
//  3. env (prefix ALPHARANK_, flat keys only)
func Load(ctx context.Context) (*Config, error) {
	cfg := New(ctx)

	k := koanf.New(".")

	if path := os.Getenv(envConfig); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// ALPHARANK_SQL_DSN -> sql_dsn. Underscores are kept to match the
	// koanf tags; ALPHARANK_CONFIG itself is not a config key.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		if s == envConfig {
			return ""
		}
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("unknown log_level %q", c.LogLevel)
	}
	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	if c.QueueSize < 1 || c.WorkerCount < 1 || c.ShardCount < 1 || c.SimulationWorkers < 1 {
		return invalid("queue_size, worker_count, shard_count and simulation_workers must be positive")
	}
	if c.DedupeSize < 0 {
		return invalid("dedupe_size must not be negative")
	}
	if c.MaxLeaderboardLimit < 1 {
		return invalid("max_leaderboard_limit must be positive")
	}
	if c.MinActivity < 0 {
		return invalid("min_activity must not be negative")
	}

	if c.RedisScopeTTLMS < 0 {
		return invalid("redis_scope_ttl_ms must not be negative")
	}
	switch c.StateBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return invalid("redis_addr is required for the redis backend")
		}
		if c.RedisKeyPrefix == "" {
			return invalid("redis_key_prefix is required for the redis backend")
		}
	case BackendSQL:
		switch c.SQLDriver {
		case "sqlite", "pgx", "postgres":
		default:
			return invalid("unknown sql_driver %q", c.SQLDriver)
		}
	default:
		return invalid("unknown state_backend %q", c.StateBackend)
	}

	switch c.SourceKind {
	case SourceSynthetic:
		if c.SourceEntities < 1 {
			return invalid("source_entities must be positive")
		}
	case SourceFile:
		if c.SourceFile == "" {
			return invalid("source_file is required for the file source")
		}
	default:
		return invalid("unknown source_kind %q", c.SourceKind)
	}
	if c.SourceRatePerSec < 0 || (c.SourceRatePerSec > 0 && c.SourceBurst < 1) {
		return invalid("source_rate_per_sec must be >= 0 with a positive source_burst")
	}
	if c.BreakerFailures < 1 || c.BreakerTimeoutMS < 1 {
		return invalid("breaker_failures and breaker_timeout_ms must be positive")
	}

	if c.Params == nil {
		return invalid("params are required")
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("%w: params: %w", ErrInvalidConfig, err)
	}
	return nil
}
