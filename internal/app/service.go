// Package service provides the live rating service behind the HTTP API.
// It owns production state, the rating board and the simulation harness.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/okian/alpharank/internal/adapters/mq/queue"
	"github.com/okian/alpharank/internal/adapters/mq/worker"
	"github.com/okian/alpharank/internal/adapters/repository"
	"github.com/okian/alpharank/internal/adapters/source"
	"github.com/okian/alpharank/internal/domain/dedupe"
	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/pipeline"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/internal/simulation"
	"github.com/okian/alpharank/pkg/logger"
	"github.com/okian/alpharank/pkg/metrics"
)

const (
	defaultQueueSize   = 100_000
	defaultDedupeSize  = 50_000
	defaultShardCount  = 64
	stopTimeout        = 30 * time.Second
	rejectedDuplicate  = "duplicate"
	rejectedStale      = "stale"
	rejectedInactive   = "inactive"
	rejectedStoreError = "store_error"
)

// Service applies live period inputs to production state and keeps the
// per-class rating board current.
type Service struct {
	mu sync.RWMutex

	states  repository.ScopedStore
	prod    repository.StateStore
	board   *repository.Board
	deduper dedupe.Deduper
	engine  *pipeline.Engine
	harness *simulation.Harness

	jobs *queue.InMemoryQueue
	pool *worker.Pool

	// locks serialize Rate per entity so the read-evaluate-write step is
	// atomic for one entity while different entities proceed in parallel.
	locks []sync.Mutex

	workerCount int
	queueSize   int
	dedupeSize  int
	shardCount  int
	minActivity float64
	params      *params.Set

	ownsHarness bool
	started     bool
	cancel      context.CancelFunc

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of workers draining async submissions.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the async submission queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many entity-period keys are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithShardCount sets the number of entity lock stripes.
func WithShardCount(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.shardCount = n
		}
	}
}

// WithMinActivity sets the participation threshold for live inputs.
func WithMinActivity(v float64) Option {
	return func(s *Service) {
		if v >= 0 {
			s.minActivity = v
		}
	}
}

// WithParams sets the production parameter set.
func WithParams(p *params.Set) Option {
	return func(s *Service) {
		if p != nil {
			s.params = p.Clone()
		}
	}
}

// WithStateStore sets the backing state store. Production state lives in
// its production scope; simulation runs use their own scopes.
func WithStateStore(store repository.ScopedStore) Option {
	return func(s *Service) {
		if store != nil {
			s.states = store
		}
	}
}

// WithHarness hosts an externally built simulation harness. The caller
// keeps ownership and shuts it down.
func WithHarness(h *simulation.Harness) Option {
	return func(s *Service) {
		if h != nil {
			s.harness = h
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service. Nothing runs until Start.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount: runtime.NumCPU() * 2,
		queueSize:   defaultQueueSize,
		dedupeSize:  defaultDedupeSize,
		shardCount:  defaultShardCount,
		board:       repository.NewBoard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.params == nil {
		s.params = params.Default()
	}
	if s.states == nil {
		s.states = repository.NewMemoryStateStore()
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.prod = s.states.Scoped(repository.ProductionScope)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.locks = make([]sync.Mutex, s.shardCount)
	return s
}

// Start validates the parameter set and starts the async workers and, unless
// one was supplied, a simulation harness over an empty source.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.params.Validate(); err != nil {
		return fmt.Errorf("production params: %w", err)
	}

	s.logger.Info(ctx, "starting rating service...")

	s.engine = pipeline.New(s.params, pipeline.WithLogger(s.logger.Named("pipeline")))
	if s.harness == nil {
		s.harness = simulation.New(source.NewMemory(),
			simulation.WithStateStore(s.states),
			simulation.WithDefaults(s.params),
			simulation.WithMinActivity(s.minActivity),
		)
		s.ownsHarness = true
	}

	// Workers outlive the caller's ctx; Stop ends them.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.jobs = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.pool = worker.NewPool(s.workerCount, s.jobs, worker.WithLogger(s.logger.Named("worker")))
	s.pool.Start(runCtx)

	s.started = true
	s.logger.Info(ctx, "rating service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.String("paramsVersion", s.params.Version),
	)
	return nil
}

// Stop shuts down what Start created. Submissions still queued are dropped.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	// Queued jobs call Rate, which takes the read lock, so the pool is
	// shut down only after the lock is released.
	s.started = false
	pool, cancel := s.pool, s.cancel
	var harness *simulation.Harness
	if s.ownsHarness {
		harness = s.harness
		s.harness = nil
		s.ownsHarness = false
	}
	s.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), stopTimeout)
	defer done()
	s.logger.Info(ctx, "stopping rating service...")

	if err := pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown", logger.Error(err))
	}
	cancel()
	if harness != nil {
		if err := harness.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, "simulation shutdown", logger.Error(err))
		}
	}
	s.logger.Info(ctx, "rating service stopped")
}

func (s *Service) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

func checkInput(in *model.Input) error {
	switch {
	case in == nil:
		return fmt.Errorf("%w: nil input", ErrInvalidInput)
	case in.EntityID == "":
		return fmt.Errorf("%w: entity_id is required", ErrInvalidInput)
	case in.Class == "":
		return fmt.Errorf("%w: class is required", ErrInvalidInput)
	case in.Season == 0:
		return fmt.Errorf("%w: season is required", ErrInvalidInput)
	case in.Period < 1:
		return fmt.Errorf("%w: period must be >= 1", ErrInvalidInput)
	}
	return nil
}

// Rate applies one period input to production state and returns the
// resulting record. Each entity-period is applied at most once; a period at
// or before the stored one is rejected with repository.ErrStalePeriod. State
// is written only after the whole step succeeded.
func (s *Service) Rate(ctx context.Context, in *model.Input) (model.RatingRecord, error) {
	if err := checkInput(in); err != nil {
		return model.RatingRecord{}, err
	}
	s.mu.RLock()
	engine, started := s.engine, s.started
	s.mu.RUnlock()
	if !started {
		return model.RatingRecord{}, ErrNotStarted
	}
	if !source.Qualifies(in.Activity, s.minActivity) {
		metrics.RecordPeriodRejected(rejectedInactive)
		return model.RatingRecord{}, fmt.Errorf("%w: activity %.3f", ErrInactive, in.Activity)
	}

	key := dedupe.PeriodKey(in.EntityID, in.Season, in.Period)
	if s.deduper.SeenAndRecord(ctx, key) {
		metrics.RecordPeriodRejected(rejectedDuplicate)
		return model.RatingRecord{}, fmt.Errorf("%w: %s", ErrDuplicatePeriod, key)
	}

	rec, err := s.apply(ctx, engine, in)
	if err != nil {
		s.deduper.Unrecord(ctx, key)
		return model.RatingRecord{}, err
	}
	return rec, nil
}

func (s *Service) apply(ctx context.Context, engine *pipeline.Engine, in *model.Input) (model.RatingRecord, error) {
	mu := s.lockFor(in.EntityID)
	mu.Lock()
	defer mu.Unlock()

	stateKey := repository.StateKey{EntityID: in.EntityID, Season: in.Season}
	prior, err := s.prod.Get(ctx, stateKey)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		prior = nil
	case err != nil:
		metrics.RecordPeriodRejected(rejectedStoreError)
		return model.RatingRecord{}, fmt.Errorf("read state: %w", err)
	}
	if prior != nil && in.Period <= prior.LastPeriod {
		metrics.RecordPeriodRejected(rejectedStale)
		s.logger.Warn(ctx, "stale period rejected",
			logger.String("entity", in.EntityID),
			logger.Int("period", in.Period),
			logger.Int("lastPeriod", prior.LastPeriod))
		return model.RatingRecord{}, fmt.Errorf("%w: %s at period %d, got %d",
			repository.ErrStalePeriod, in.EntityID, prior.LastPeriod, in.Period)
	}

	rec, next := engine.Evaluate(ctx, in, prior)
	if err := s.prod.Put(ctx, next); err != nil {
		if errors.Is(err, repository.ErrStalePeriod) {
			metrics.RecordPeriodRejected(rejectedStale)
		} else {
			metrics.RecordPeriodRejected(rejectedStoreError)
		}
		return model.RatingRecord{}, fmt.Errorf("write state: %w", err)
	}

	s.board.Upsert(ctx, types.Entry{
		EntityID:   rec.EntityID,
		EntityName: rec.EntityName,
		Class:      rec.Class,
		Rating:     rec.Rating,
		Tier:       rec.Tier,
		Season:     rec.Season,
		Period:     rec.Period,
	})
	return rec, nil
}

// Submit queues an input for asynchronous rating. Failures of the queued
// step are logged, not returned.
func (s *Service) Submit(ctx context.Context, in *model.Input) error {
	if err := checkInput(in); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}

	input := *in
	input.Categories = in.Categories.Clone()
	input.Factors = append([]model.ContextualFactor(nil), in.Factors...)

	job := queue.Job{
		Key: dedupe.PeriodKey(in.EntityID, in.Season, in.Period),
		Fn: func(ctx context.Context) error {
			_, err := s.Rate(ctx, &input)
			return err
		},
		Done: func(err error) {
			if err != nil {
				s.logger.Debug(context.Background(), "queued rating not applied",
					logger.String("entity", input.EntityID),
					logger.Int("period", input.Period),
					logger.Error(err))
			}
		},
	}
	if !s.jobs.Enqueue(ctx, job) {
		return ErrQueueFull
	}
	return nil
}

// ResetState deletes the production state of an entity-season, forgets its
// applied periods and drops it from the board.
func (s *Service) ResetState(ctx context.Context, entityID string, season int) error {
	if entityID == "" || season == 0 {
		return fmt.Errorf("%w: entity and season are required", ErrInvalidInput)
	}
	mu := s.lockFor(entityID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.prod.Delete(ctx, repository.StateKey{EntityID: entityID, Season: season}); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	forgotten := s.deduper.Forget(ctx, dedupe.SeasonPrefix(entityID, season))
	if e, ok := s.board.Get(ctx, entityID); ok && e.Season == season {
		s.board.Remove(ctx, entityID)
	}
	s.logger.Info(ctx, "entity state reset",
		logger.String("entity", entityID),
		logger.Int("season", season),
		logger.Int("forgottenPeriods", forgotten))
	return nil
}

// State returns the stored production state of an entity-season.
func (s *Service) State(ctx context.Context, entityID string, season int) (*model.EntityPeriodState, error) {
	return s.prod.Get(ctx, repository.StateKey{EntityID: entityID, Season: season})
}

// Top returns the best n entries of class.
func (s *Service) Top(ctx context.Context, class string, n int) ([]types.Entry, error) {
	return s.board.Top(ctx, class, n)
}

// Rank returns the entity's board entry within class.
func (s *Service) Rank(ctx context.Context, class, entityID string) (types.Entry, error) {
	return s.board.Rank(ctx, class, entityID)
}

// Params returns a copy of the production parameter set.
func (s *Service) Params() *params.Set {
	return s.params.Clone()
}

// Harness returns the hosted simulation harness, or nil before Start.
func (s *Service) Harness() *simulation.Harness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.harness
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":       s.started,
		"workerCount":   s.workerCount,
		"queueSize":     s.queueSize,
		"dedupeSize":    s.dedupeSize,
		"dedupeEntries": s.deduper.Size(),
		"paramsVersion": s.params.Version,
	}

	classes := s.board.Classes(ctx)
	perClass := make(map[string]int, len(classes))
	total := 0
	for _, c := range classes {
		n := s.board.Count(ctx, c)
		perClass[c] = n
		total += n
	}
	stats["rankedEntities"] = total
	stats["classes"] = perClass

	if s.started {
		queueLen := s.jobs.Len(ctx)
		stats["queueLength"] = queueLen
		metrics.UpdateQueueSize(queueLen)

		runs := s.harness.Runs()
		active := 0
		for _, r := range runs {
			if !r.Status.Terminal() {
				active++
			}
		}
		stats["simulations"] = len(runs)
		stats["activeSimulations"] = active
	}
	return stats
}
