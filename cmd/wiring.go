package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/okian/alpharank/internal/adapters/http/api"
	"github.com/okian/alpharank/internal/adapters/repository"
	"github.com/okian/alpharank/internal/adapters/source"
	"github.com/okian/alpharank/internal/adapters/sqlstore"
	service "github.com/okian/alpharank/internal/app"
	"github.com/okian/alpharank/internal/config"
	"github.com/okian/alpharank/internal/simulation"
	"github.com/okian/alpharank/pkg/logger"
)

// stores groups the persistence backends selected by configuration.
type stores struct {
	states  repository.ScopedStore
	results simulation.ResultStore
	presets simulation.PresetStore
	closers []io.Closer
}

func (s *stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openStores connects the state backend. Run results and presets live in SQL
// when the SQL backend is selected and in memory otherwise.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{
		results: simulation.NewMemoryResults(),
		presets: simulation.NewMemoryPresets(),
	}

	switch cfg.StateBackend {
	case config.BackendMemory:
		st.states = repository.NewMemoryStateStore()
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		rs := newRedisStateStore(client, cfg)
		if err := rs.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		st.states = rs
		st.closers = append(st.closers, client)
	case config.BackendSQL:
		db, err := sqlstore.Open(ctx, cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		st.useSQL(db)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
	return st, nil
}

func newRedisStateStore(client redis.Cmdable, cfg *config.Config) *repository.RedisStateStore {
	return repository.NewRedisStateStore(client,
		repository.WithKeyPrefix(cfg.RedisKeyPrefix),
		repository.WithScopeTTL(time.Duration(cfg.RedisScopeTTLMS)*time.Millisecond))
}

func (s *stores) useSQL(db *sqlx.DB) {
	s.states = sqlstore.NewStateStore(db)
	s.results = sqlstore.NewResultStore(db)
	s.presets = sqlstore.NewPresetStore(db)
	s.closers = append(s.closers, db)
}

// buildSource returns the upstream the harness replays, behind a rate limiter
// and circuit breaker.
func buildSource(cfg *config.Config) (*source.Guarded, error) {
	var (
		src  source.DataSource
		name string
	)
	switch cfg.SourceKind {
	case config.SourceSynthetic:
		src = source.NewSynthetic(cfg.SourceSeed, source.WithEntities(cfg.SourceEntities))
		name = "synthetic"
	case config.SourceFile:
		m, err := source.LoadFile(cfg.SourceFile)
		if err != nil {
			return nil, err
		}
		src = m
		name = "file"
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.SourceKind)
	}

	return source.NewGuarded(src,
		source.WithName(name),
		source.WithRateLimit(cfg.SourceRatePerSec, cfg.SourceBurst),
		source.WithBreaker(cfg.BreakerFailures, time.Duration(cfg.BreakerTimeoutMS)*time.Millisecond),
	), nil
}

// app is the fully wired process.
type app struct {
	stores  *stores
	harness *simulation.Harness
	svc     *service.Service
	handler http.Handler
}

func build(ctx context.Context, cfg *config.Config, l logger.Logger) (*app, error) {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	src, err := buildSource(cfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("source: %w", err)
	}

	h := simulation.New(src,
		simulation.WithStateStore(st.states),
		simulation.WithResultStore(st.results),
		simulation.WithPresetStore(st.presets),
		simulation.WithDefaults(cfg.Params),
		simulation.WithWorkers(cfg.SimulationWorkers),
		simulation.WithMinActivity(cfg.MinActivity),
		simulation.WithLogger(l.Named("simulation")),
	)

	svc := service.New(
		service.WithLogger(l.Named("service")),
		service.WithWorkerCount(cfg.WorkerCount),
		service.WithQueueSize(cfg.QueueSize),
		service.WithDedupeSize(cfg.DedupeSize),
		service.WithShardCount(cfg.ShardCount),
		service.WithMinActivity(cfg.MinActivity),
		service.WithParams(cfg.Params),
		service.WithStateStore(st.states),
		service.WithHarness(h),
	)

	srv := api.NewServer(svc, h,
		api.WithMaxLeaderboardLimit(cfg.MaxLeaderboardLimit),
		api.WithLogger(l.Named("api")),
	)

	return &app{stores: st, harness: h, svc: svc, handler: srv.Routes()}, nil
}

// close releases everything build created. The service must already be stopped.
func (a *app) close(ctx context.Context) error {
	err := a.harness.Shutdown(ctx)
	if cerr := a.stores.Close(); err == nil {
		err = cerr
	}
	return err
}
