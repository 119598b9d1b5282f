package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/pkg/metrics"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// GuardOption configures a Guarded source.
type GuardOption func(*guardConfig)

type guardConfig struct {
	name     string
	rps      float64
	burst    int
	failures uint32
	timeout  time.Duration
}

// WithName labels the breaker and its metrics.
func WithName(name string) GuardOption {
	return func(c *guardConfig) {
		if name != "" {
			c.name = name
		}
	}
}

// WithRateLimit paces upstream calls. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) GuardOption {
	return func(c *guardConfig) {
		c.rps = rps
		if burst > 0 {
			c.burst = burst
		}
	}
}

// WithBreaker trips after failures consecutive upstream errors and probes
// again after timeout.
func WithBreaker(failures uint32, timeout time.Duration) GuardOption {
	return func(c *guardConfig) {
		if failures > 0 {
			c.failures = failures
		}
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Guarded decorates a DataSource with a rate limiter and a circuit breaker.
// Missing entities do not count as upstream failures.
type Guarded struct {
	next    DataSource
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuarded wraps next.
func NewGuarded(next DataSource, opts ...GuardOption) *Guarded {
	cfg := guardConfig{
		name:     "upstream",
		burst:    1,
		failures: defaultBreakerFailures,
		timeout:  defaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &Guarded{next: next, name: cfg.name}
	if cfg.rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.rps), cfg.burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.name,
		Timeout: cfg.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEntityNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.UpdateSourceBreakerState(name, int(to))
		},
	})
	metrics.UpdateSourceBreakerState(cfg.name, int(gobreaker.StateClosed))
	return g
}

// State reports the breaker state.
func (g *Guarded) State() string { return g.breaker.State().String() }

func (g *Guarded) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %w", ErrUnavailable, err)
	}
	return nil
}

func (g *Guarded) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	out, err := g.breaker.Execute(fn)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordSourceFetchError(g.name)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, g.name, err)
	}
	if !errors.Is(err, ErrEntityNotFound) {
		metrics.RecordSourceFetchError(g.name)
	}
	return nil, err
}

func (g *Guarded) Population(ctx context.Context, season, period int, minActivity float64) ([]string, error) {
	out, err := g.call(ctx, func() (any, error) {
		return g.next.Population(ctx, season, period, minActivity)
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (g *Guarded) Fetch(ctx context.Context, entityID string, season, period int) (*model.Input, error) {
	out, err := g.call(ctx, func() (any, error) {
		return g.next.Fetch(ctx, entityID, season, period)
	})
	if err != nil {
		return nil, err
	}
	return out.(*model.Input), nil
}
