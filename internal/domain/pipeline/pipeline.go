// Package pipeline runs one input through scoring, modifiers, calibration
// and smoothing.
package pipeline

import (
	"context"

	"github.com/okian/alpharank/internal/domain/calibration"
	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/scoring"
	"github.com/okian/alpharank/internal/domain/smoothing"
	"github.com/okian/alpharank/pkg/logger"
	"github.com/okian/alpharank/pkg/metrics"
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithLogger sets the logger passed down to the calibrator.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is an immutable rating pipeline bound to one parameter set. It is
// safe for concurrent use.
type Engine struct {
	params     *params.Set
	scorer     *scoring.CategoryScorer
	modifier   *scoring.Modifier
	calibrator *calibration.Calibrator
	smoother   *smoothing.Smoother
	logger     logger.Logger
}

// New creates an engine over a private copy of p.
func New(p *params.Set, opts ...Option) *Engine {
	e := &Engine{params: p.Clone()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("pipeline")
	}
	e.scorer = scoring.NewCategoryScorer(e.params)
	e.modifier = scoring.NewModifier(e.params.Modifiers)
	e.calibrator = calibration.New(e.params, calibration.WithLogger(e.logger))
	e.smoother = smoothing.New(e.params)
	return e
}

// Params returns a copy of the parameter set the engine was built with.
func (e *Engine) Params() *params.Set { return e.params.Clone() }

// Evaluate rates one input. prior is the entity's state from an earlier
// period of the same season, or nil. The returned state is a new value and
// prior is left untouched.
func (e *Engine) Evaluate(ctx context.Context, in *model.Input, prior *model.EntityPeriodState) (model.RatingRecord, *model.EntityPeriodState) {
	if prior != nil && prior.Season != in.Season {
		prior = nil
	}

	raw := e.scorer.Score(in)
	adjusted := e.modifier.Apply(raw.Rating, in.Factors)
	cal := e.calibrator.Calibrate(ctx, in.Class, adjusted)
	step := e.smoother.Step(in.Class, cal.Value, prior)

	rating := step.Smoothed
	if !model.Finite(rating) {
		rating = model.NeutralRating
		if prior != nil {
			rating = prior.Smoothed
		}
	}

	mode := in.Mode
	if mode == "" {
		mode = e.params.DefaultMode
	}
	rec := model.RatingRecord{
		EntityID:      in.EntityID,
		EntityName:    in.EntityName,
		Class:         in.Class,
		Mode:          mode,
		Season:        in.Season,
		Period:        in.Period,
		Categories:    in.Categories.Clone(),
		Raw:           raw.Rating,
		Adjusted:      adjusted,
		Calibrated:    cal.Value,
		ZScoreRescued: cal.ZScoreRescued,
		Expected:      step.Expected,
		Surprise:      step.Surprise,
		Adjustment:    step.Adjustment,
		Rating:        model.Clamp(rating, 0, 100),
		Tier:          step.Tier,
		Volatility:    step.Volatility,
		Momentum:      step.Momentum,
		Flags:         step.Flags,
		ParamsVersion: e.params.Version,
	}

	next := &model.EntityPeriodState{
		EntityID:   in.EntityID,
		Season:     in.Season,
		Class:      in.Class,
		LastPeriod: in.Period,
		Smoothed:   rec.Rating,
		Tier:       step.Tier,
		History:    step.History,
	}
	if step.Volatility != nil {
		next.Volatility = model.Float(*step.Volatility)
	}
	if step.Momentum != nil {
		next.Momentum = model.Float(*step.Momentum)
	}

	metrics.RecordRating(in.Class, rec.Rating, rec.Adjustment)
	for _, f := range rec.Flags {
		metrics.RecordOutlierFlag(string(f))
	}
	return rec, next
}
