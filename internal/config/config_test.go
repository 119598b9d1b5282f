package config_test

import (
	"context"
	"runtime"
	"testing"

	"github.com/okian/alpharank/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New(context.Background())

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.QueueSize, convey.ShouldEqual, 100_000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU()*2)
			convey.So(cfg.DedupeSize, convey.ShouldEqual, 500_000)
			convey.So(cfg.StateBackend, convey.ShouldEqual, config.BackendMemory)
			convey.So(cfg.SourceKind, convey.ShouldEqual, config.SourceSynthetic)
			convey.So(cfg.RedisKeyPrefix, convey.ShouldEqual, "alpharank:state")
			convey.So(cfg.RedisScopeTTLMS, convey.ShouldEqual, 86_400_000)
			convey.So(cfg.Params, convey.ShouldNotBeNil)
		})

		convey.Convey("Then the defaults validate", func() {
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a default config", t, func() {
		ctx := context.Background()

		cases := map[string]func(c *config.Config){
			"empty addr":            func(c *config.Config) { c.Addr = "" },
			"unknown log level":     func(c *config.Config) { c.LogLevel = "loud" },
			"zero workers":          func(c *config.Config) { c.WorkerCount = 0 },
			"negative activity":     func(c *config.Config) { c.MinActivity = -0.1 },
			"unknown backend":       func(c *config.Config) { c.StateBackend = "etcd" },
			"redis without addr":    func(c *config.Config) { c.StateBackend = config.BackendRedis; c.RedisAddr = "" },
			"redis without prefix":  func(c *config.Config) { c.StateBackend = config.BackendRedis; c.RedisKeyPrefix = "" },
			"negative redis ttl":    func(c *config.Config) { c.RedisScopeTTLMS = -1 },
			"unknown sql driver":    func(c *config.Config) { c.StateBackend = config.BackendSQL; c.SQLDriver = "mysql" },
			"file source sans path": func(c *config.Config) { c.SourceKind = config.SourceFile },
			"rate without burst":    func(c *config.Config) { c.SourceRatePerSec = 10; c.SourceBurst = 0 },
			"zero breaker failures": func(c *config.Config) { c.BreakerFailures = 0 },
			"nil params":            func(c *config.Config) { c.Params = nil },
			"bad params":            func(c *config.Config) { c.Params.Smoothing.HistoryWindow = 0 },
		}

		for name, mutate := range cases {
			convey.Convey("When the config has "+name, func() {
				cfg := config.New(ctx)
				mutate(cfg)

				convey.Convey("Then validation fails with ErrInvalidConfig", func() {
					convey.So(cfg.Validate(), convey.ShouldWrap, config.ErrInvalidConfig)
				})
			})
		}

		convey.Convey("When the sql backend uses postgres", func() {
			cfg := config.New(ctx)
			cfg.StateBackend = config.BackendSQL
			cfg.SQLDriver = "pgx"

			convey.Convey("Then it validates", func() {
				convey.So(cfg.Validate(), convey.ShouldBeNil)
			})
		})
	})
}
