// Package simulation replays the rating pipeline over historical periods
// for offline tuning.
//
// Every run owns a parameter snapshot, a state scope and a result
// partition keyed by its run id, so runs never share mutable state with
// each other or with production. Periods are processed strictly in order;
// entities within a period run on a bounded worker pool and the period
// does not end until all of them are accounted for.
//
// Cancellation is cooperative and checked between periods only. A cancel
// request that arrives mid-period lets that period finish, so a run can
// overshoot a cancel by one period of work.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/alpharank/internal/adapters/mq/queue"
	"github.com/okian/alpharank/internal/adapters/mq/worker"
	"github.com/okian/alpharank/internal/adapters/repository"
	"github.com/okian/alpharank/internal/adapters/source"
	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/pipeline"
	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/pkg/logger"
	"github.com/okian/alpharank/pkg/metrics"
)

const (
	defaultWorkers = 8
	tracerName     = "github.com/okian/alpharank/internal/simulation"
	scopePrefix    = "run:"
)

// Option applies a configuration option to the Harness.
type Option func(*Harness)

// WithStateStore sets the store run-scoped state lives in.
func WithStateStore(s repository.ScopedStore) Option {
	return func(h *Harness) {
		if s != nil {
			h.states = s
		}
	}
}

// WithResultStore sets where run output is written.
func WithResultStore(s ResultStore) Option {
	return func(h *Harness) {
		if s != nil {
			h.results = s
		}
	}
}

// WithPresetStore sets the preset store.
func WithPresetStore(s PresetStore) Option {
	return func(h *Harness) {
		if s != nil {
			h.presets = s
		}
	}
}

// WithDefaults sets the parameters used when a run names neither params nor
// a preset.
func WithDefaults(p *params.Set) Option {
	return func(h *Harness) {
		if p != nil {
			h.defaults = p.Clone()
		}
	}
}

// WithWorkers sets the default per-run worker count.
func WithWorkers(n int) Option {
	return func(h *Harness) {
		if n > 0 {
			h.workers = n
		}
	}
}

// WithMinActivity sets the default population activity threshold.
func WithMinActivity(v float64) Option {
	return func(h *Harness) {
		if v >= 0 {
			h.minActivity = v
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTracer sets the tracer used for run and period spans.
func WithTracer(t trace.Tracer) Option {
	return func(h *Harness) {
		if t != nil {
			h.tracer = t
		}
	}
}

// Harness starts and tracks simulation runs.
type Harness struct {
	source      source.DataSource
	states      repository.ScopedStore
	results     ResultStore
	presets     PresetStore
	defaults    *params.Set
	workers     int
	minActivity float64
	logger      logger.Logger
	tracer      trace.Tracer
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*run
}

// New creates a harness replaying data from src.
func New(src source.DataSource, opts ...Option) *Harness {
	h := &Harness{
		source:   src,
		defaults: params.Default(),
		workers:  defaultWorkers,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.states == nil {
		h.states = repository.NewMemoryStateStore()
	}
	if h.results == nil {
		h.results = NewMemoryResults()
	}
	if h.presets == nil {
		h.presets = NewMemoryPresets()
	}
	if h.logger == nil {
		h.logger = logger.Get().Named("simulation")
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer(tracerName)
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Start validates cfg, registers a pending run and returns its id. The run
// proceeds in the background. A run resuming an earlier one starts from a
// copy of that run's state, so the earlier run is never written to.
func (h *Harness) Start(ctx context.Context, cfg Config) (string, error) {
	if cfg.StartPeriod < 1 || cfg.EndPeriod < cfg.StartPeriod {
		return "", fmt.Errorf("%w: %d..%d", ErrInvalidRange, cfg.StartPeriod, cfg.EndPeriod)
	}
	if cfg.Season == 0 {
		return "", fmt.Errorf("%w: season is required", ErrInvalidConfig)
	}
	if (cfg.MinActivity != nil && *cfg.MinActivity < 0) || cfg.Workers < 0 {
		return "", fmt.Errorf("%w: negative min_activity or workers", ErrInvalidConfig)
	}

	snapshot, err := h.resolveParams(ctx, cfg)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	scope := scopePrefix + id
	if cfg.ResumeFrom != "" {
		prev, err := h.get(cfg.ResumeFrom)
		if err != nil {
			return "", fmt.Errorf("resume: %w", err)
		}
		if !prev.Status().Terminal() {
			return "", fmt.Errorf("%w: run %s is still %s", ErrInvalidConfig, prev.id, prev.Status())
		}
		if err := h.states.CopyScope(ctx, prev.scope, scope); err != nil {
			return "", fmt.Errorf("resume %s: %w", prev.id, err)
		}
	}
	if cfg.Workers == 0 {
		cfg.Workers = h.workers
	}
	if cfg.MinActivity == nil {
		cfg.MinActivity = model.Float(h.minActivity)
	} else {
		cfg.MinActivity = model.Float(*cfg.MinActivity)
	}
	cfg.Params = nil

	r := newRun(id, cfg, snapshot, scope, h.now().UTC())
	h.mu.Lock()
	h.runs[id] = r
	h.mu.Unlock()

	metrics.RecordSimulationRun(string(StatusPending))
	h.logger.Info(ctx, "simulation run created",
		logger.String("run_id", id),
		logger.Int("season", cfg.Season),
		logger.Int("start_period", cfg.StartPeriod),
		logger.Int("end_period", cfg.EndPeriod),
		logger.String("params_version", snapshot.Version))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.execute(r)
	}()
	return id, nil
}

func (h *Harness) resolveParams(ctx context.Context, cfg Config) (*params.Set, error) {
	var p *params.Set
	switch {
	case cfg.Params != nil:
		p = cfg.Params.Clone()
	case cfg.Preset != "":
		preset, err := h.presets.Get(ctx, cfg.Preset)
		if err != nil {
			return nil, err
		}
		p = preset.Params.Clone()
	default:
		p = h.defaults.Clone()
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return p, nil
}

// Cancel requests cooperative cancellation. It returns false when the run
// is unknown or already terminal.
func (h *Harness) Cancel(id string) bool {
	r, err := h.get(id)
	if err != nil || r.Status().Terminal() {
		return false
	}
	r.cancelRequested.Store(true)
	return true
}

// Wait blocks until the run is terminal or ctx ends.
func (h *Harness) Wait(ctx context.Context, id string) (Progress, error) {
	r, err := h.get(id)
	if err != nil {
		return Progress{}, err
	}
	select {
	case <-r.done:
		return r.progress(), nil
	case <-ctx.Done():
		return r.progress(), ctx.Err()
	}
}

// Progress returns a snapshot of the run.
func (h *Harness) Progress(id string) (Progress, error) {
	r, err := h.get(id)
	if err != nil {
		return Progress{}, err
	}
	return r.progress(), nil
}

// Runs lists every known run, oldest first.
func (h *Harness) Runs() []Progress {
	h.mu.RLock()
	out := make([]Progress, 0, len(h.runs))
	for _, r := range h.runs {
		out = append(out, r.progress())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Errors returns the per-entity errors recorded on the run.
func (h *Harness) Errors(id string) ([]EntityError, error) {
	r, err := h.get(id)
	if err != nil {
		return nil, err
	}
	return r.entityErrors(), nil
}

// Params returns the run's parameter snapshot.
func (h *Harness) Params(id string) (*params.Set, error) {
	r, err := h.get(id)
	if err != nil {
		return nil, err
	}
	return r.params.Clone(), nil
}

// Results pages through the run's records.
func (h *Harness) Results(ctx context.Context, id string, f ResultFilter, page types.Page) ([]model.RatingRecord, types.Page, error) {
	if _, err := h.get(id); err != nil {
		return nil, types.Page{}, err
	}
	if err := f.Validate(); err != nil {
		return nil, types.Page{}, err
	}
	page = NormalizePage(page)
	recs, total, err := h.results.Query(ctx, id, f, page)
	if err != nil {
		return nil, types.Page{}, err
	}
	page.Total = total
	return recs, page, nil
}

// Outliers pages through the run's flagged records.
func (h *Harness) Outliers(ctx context.Context, id string, page types.Page) ([]model.RatingRecord, types.Page, error) {
	return h.Results(ctx, id, ResultFilter{FlaggedOnly: true}, page)
}

// State returns the run-scoped state of one entity.
func (h *Harness) State(ctx context.Context, id, entityID string) (*model.EntityPeriodState, error) {
	r, err := h.get(id)
	if err != nil {
		return nil, err
	}
	return h.states.Scoped(r.scope).Get(ctx, repository.StateKey{EntityID: entityID, Season: r.cfg.Season})
}

// Delete forgets a terminal run and drops its results and state.
func (h *Harness) Delete(ctx context.Context, id string) error {
	r, err := h.get(id)
	if err != nil {
		return err
	}
	if !r.Status().Terminal() {
		return fmt.Errorf("%w: run %s is still %s", ErrRunActive, id, r.Status())
	}
	if err := h.results.DeleteRun(ctx, id); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.runs, id)
	h.mu.Unlock()

	return h.states.DropScope(ctx, r.scope)
}

// Shutdown cancels every active run and waits for them to stop.
func (h *Harness) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	for _, r := range h.runs {
		r.cancelRequested.Store(true)
	}
	h.mu.RUnlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("simulation shutdown: %w", ctx.Err())
	}
}

func (h *Harness) get(id string) (*run, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

func (h *Harness) execute(r *run) {
	ctx, span := h.tracer.Start(h.ctx, "simulation.run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.Int("run.season", r.cfg.Season),
		attribute.Int("run.start_period", r.cfg.StartPeriod),
		attribute.Int("run.end_period", r.cfg.EndPeriod),
	))
	defer span.End()

	log := h.logger.With(logger.String("run_id", r.id))
	r.start(h.now().UTC())
	metrics.AddSimulationActive(1)
	defer metrics.AddSimulationActive(-1)

	q := queue.NewInMemoryQueue(queue.WithCapacity(r.cfg.Workers * 2))
	pool := worker.NewPool(r.cfg.Workers, q, worker.WithLogger(log))
	pool.Start(ctx)
	defer func() {
		if err := pool.Shutdown(context.Background()); err != nil {
			log.Warn(ctx, "worker pool shutdown", logger.Error(err))
		}
	}()

	engine := pipeline.New(r.params, pipeline.WithLogger(log))
	store := h.states.Scoped(r.scope)

	status, msg := StatusCompleted, ""
	for period := r.cfg.StartPeriod; period <= r.cfg.EndPeriod; period++ {
		if r.cancelRequested.Load() || ctx.Err() != nil {
			status = StatusCancelled
			break
		}
		if err := h.replayPeriod(ctx, r, engine, pool, store, period); err != nil {
			if ctx.Err() != nil {
				status = StatusCancelled
				break
			}
			status, msg = StatusFailed, err.Error()
			break
		}
		r.periodDone()
	}

	switch status {
	case StatusFailed:
		span.SetStatus(codes.Error, msg)
		log.Error(ctx, "simulation run failed", logger.String("error", msg))
	case StatusCancelled:
		log.Info(ctx, "simulation run cancelled", logger.Int("periods_done", r.progress().PeriodsDone))
	default:
		log.Info(ctx, "simulation run completed",
			logger.Int64("processed", r.processed.Load()),
			logger.Int64("skipped", r.skipped.Load()),
			logger.Int64("outliers", r.outliers.Load()))
	}
	r.finish(status, msg, h.now().UTC())
	metrics.RecordSimulationRun(string(status))
}

// replayPeriod rates the whole population of one period. A returned error
// is a run-level failure; per-entity problems are recorded on the run.
func (h *Harness) replayPeriod(ctx context.Context, r *run, engine *pipeline.Engine, pool *worker.Pool, store repository.StateStore, period int) error {
	ctx, span := h.tracer.Start(ctx, "simulation.period", trace.WithAttributes(attribute.Int("period", period)))
	defer span.End()
	start := time.Now()
	defer func() { metrics.RecordSimulationPeriodDuration(time.Since(start).Seconds()) }()

	r.setPhase(PhasePopulation, period)
	ids, err := h.source.Population(ctx, r.cfg.Season, period, *r.cfg.MinActivity)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("period %d: population: %w", period, err)
	}
	span.SetAttributes(attribute.Int("population", len(ids)))

	r.setPhase(PhaseRating, period)
	records := make([]*model.RatingRecord, len(ids))
	skips := make([]*EntityError, len(ids))
	jobs := make([]queue.Job, len(ids))
	for i, id := range ids {
		i, id := i, id
		jobs[i] = queue.Job{
			Key: id,
			Fn: func(context.Context) error {
				rec, skip, err := h.rateEntity(ctx, r, engine, store, id, period)
				records[i], skips[i] = rec, skip
				return err
			},
		}
	}

	var fatal error
	for i, err := range pool.Process(ctx, jobs) {
		if err != nil && fatal == nil {
			fatal = fmt.Errorf("period %d: entity %s: %w", period, ids[i], err)
		}
	}

	var entityErrs []EntityError
	for _, s := range skips {
		if s != nil {
			entityErrs = append(entityErrs, *s)
			metrics.RecordSimulationSkipped(s.Kind)
		}
	}
	r.addErrors(entityErrs)
	r.skipped.Add(int64(len(entityErrs)))

	r.setPhase(PhaseWriting, period)
	out := make([]model.RatingRecord, 0, len(records))
	var flagged int64
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.Flagged() {
			flagged++
		}
		out = append(out, *rec)
	}
	// Records are already in population order, which is sorted by id.
	if err := h.results.Append(ctx, r.id, out...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("period %d: write results: %w", period, err)
	}
	r.processed.Add(int64(len(out)))
	r.outliers.Add(flagged)
	metrics.RecordSimulationProcessed(len(out))

	if fatal != nil {
		span.RecordError(fatal)
		return fatal
	}
	return nil
}

// rateEntity runs one entity through the pipeline against run-scoped state.
// Fetch problems and stale state skip the entity; store failures are fatal.
func (h *Harness) rateEntity(ctx context.Context, r *run, engine *pipeline.Engine, store repository.StateStore, id string, period int) (*model.RatingRecord, *EntityError, error) {
	season := r.cfg.Season
	skip := func(kind string, err error) *EntityError {
		h.logger.Warn(ctx, "entity skipped",
			logger.String("run_id", r.id),
			logger.String("entity", id),
			logger.Int("period", period),
			logger.String("kind", kind),
			logger.Error(err))
		return &EntityError{EntityID: id, Season: season, Period: period, Kind: kind, Message: err.Error(), At: h.now().UTC()}
	}

	in, err := h.source.Fetch(ctx, id, season, period)
	if err != nil {
		metrics.RecordSourceFetchError("simulation")
		return nil, skip(KindFetch, err), nil
	}
	if in == nil || (in.EntityID != "" && in.EntityID != id) {
		return nil, skip(KindInput, errors.New("source returned a record for another entity")), nil
	}
	in.EntityID, in.Season, in.Period = id, season, period
	if in.Mode == "" {
		in.Mode = r.cfg.Mode
	}

	key := repository.StateKey{EntityID: id, Season: season}
	prior, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		prior = nil
	case err != nil:
		return nil, nil, fmt.Errorf("read state: %w", err)
	}
	if prior != nil && prior.LastPeriod >= period {
		return nil, skip(KindStale, fmt.Errorf("%w: state already at period %d", repository.ErrStalePeriod, prior.LastPeriod)), nil
	}

	rec, next := engine.Evaluate(ctx, in, prior)
	rec.RunID = r.id
	if err := store.Put(ctx, next); err != nil {
		if errors.Is(err, repository.ErrStalePeriod) {
			return nil, skip(KindStale, err), nil
		}
		return nil, nil, fmt.Errorf("write state: %w", err)
	}
	return &rec, nil, nil
}
