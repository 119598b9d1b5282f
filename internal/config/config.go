// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(...) initializer to build a Config with defaults.
// - Loading errors wrap ErrLoadConfig, validation errors ErrInvalidConfig.
package config

import (
	"context"
	"runtime"

	"github.com/okian/alpharank/internal/domain/params"
)

// State backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Simulation data sources.
const (
	SourceSynthetic = "synthetic"
	SourceFile      = "file"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the async rating queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of async rating workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets how many applied entity-periods are remembered.
	DedupeSize int `koanf:"dedupe_size"`

	// ShardCount sets the number of per-entity lock stripes.
	ShardCount int `koanf:"shard_count"`

	// MaxLeaderboardLimit caps GET /leaderboard/{class}?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`

	// MinActivity is the participation threshold for an entity-period.
	MinActivity float64 `koanf:"min_activity"`

	// StateBackend selects where entity state lives: memory, redis or sql.
	StateBackend string `koanf:"state_backend"`
	RedisAddr    string `koanf:"redis_addr"`
	RedisDB      int    `koanf:"redis_db"`
	// RedisKeyPrefix namespaces every state key. RedisScopeTTLMS expires
	// simulation run scopes; 0 keeps them until the run is deleted.
	RedisKeyPrefix  string `koanf:"redis_key_prefix"`
	RedisScopeTTLMS int    `koanf:"redis_scope_ttl_ms"`
	// SQLDriver is sqlite or pgx. SQLDSN empty picks the driver default.
	SQLDriver string `koanf:"sql_driver"`
	SQLDSN    string `koanf:"sql_dsn"`

	// SimulationWorkers is the per-run worker pool size.
	SimulationWorkers int `koanf:"simulation_workers"`

	// SourceKind selects the simulation data source: synthetic or file.
	SourceKind     string `koanf:"source_kind"`
	SourceFile     string `koanf:"source_file"`
	SourceSeed     uint64 `koanf:"source_seed"`
	SourceEntities int    `koanf:"source_entities"`

	// Upstream protection around the simulation data source.
	SourceRatePerSec float64 `koanf:"source_rate_per_sec"`
	SourceBurst      int     `koanf:"source_burst"`
	BreakerFailures  uint32  `koanf:"breaker_failures"`
	BreakerTimeoutMS int     `koanf:"breaker_timeout_ms"`

	// Params is the production parameter set.
	Params *params.Set `koanf:"params"`
}

// New creates a Config with defaults. Context is accepted first to satisfy
// the project-wide convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":9080",
		QueueSize:           100_000,
		WorkerCount:         runtime.NumCPU() * 2,
		DedupeSize:          500_000,
		ShardCount:          64,
		MaxLeaderboardLimit: 100,
		StateBackend:        BackendMemory,
		RedisAddr:           "localhost:6379",
		RedisKeyPrefix:      "alpharank:state",
		RedisScopeTTLMS:     86_400_000,
		SQLDriver:           "sqlite",
		SimulationWorkers:   8,
		SourceKind:          SourceSynthetic,
		SourceSeed:          1,
		SourceEntities:      200,
		SourceRatePerSec:    0,
		SourceBurst:         1,
		BreakerFailures:     5,
		BreakerTimeoutMS:    30_000,
		Params:              params.Default(),
	}
}
