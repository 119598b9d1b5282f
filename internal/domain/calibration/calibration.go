// Package calibration maps raw ratings onto the published 0-100 scale.
//
// Two paths exist and never mix. Values that look like z-scores are
// converted with asymmetric slopes and returned as final. Everything else is
// remapped linearly through the class anchors, with extrapolation allowed
// past either anchor before the final clamp.
package calibration

import (
	"context"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/pkg/logger"
	"github.com/okian/alpharank/pkg/metrics"
)

const (
	minRating = 0.0
	maxRating = 100.0
)

// Result is the outcome of calibrating one value.
type Result struct {
	Value         float64
	ZScoreRescued bool
	// Clamped is set when the incoming raw value was outside 0-100.
	Clamped bool
	// Remapped is false when anchors were missing or degenerate.
	Remapped bool
}

// Option applies a configuration option to the Calibrator.
type Option func(*Calibrator)

// WithLogger sets the logger used for clamp warnings.
func WithLogger(l logger.Logger) Option {
	return func(c *Calibrator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Calibrator applies z-score rescue and percentile remapping.
type Calibrator struct {
	cfg    params.Calibration
	params *params.Set
	logger logger.Logger
}

// New creates a calibrator for the given parameter set.
func New(p *params.Set, opts ...Option) *Calibrator {
	c := &Calibrator{cfg: p.Calibration, params: p}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("calibration")
	}
	return c
}

// Calibrate converts raw into a calibrated 0-100 rating for class.
func (c *Calibrator) Calibrate(ctx context.Context, class string, raw float64) Result {
	if !model.Finite(raw) {
		return Result{Value: model.NeutralRating}
	}

	if c.LooksLikeZScore(raw) {
		metrics.RecordZScoreRescue(class)
		return Result{Value: c.FromZScore(raw), ZScoreRescued: true}
	}

	var res Result
	if raw < minRating || raw > maxRating {
		c.logger.Warn(ctx, "raw rating outside 0-100, clamping",
			logger.String("class", class),
			logger.Float64("raw", raw),
		)
		metrics.RecordCalibrationClamp(class)
		raw = model.Clamp(raw, minRating, maxRating)
		res.Clamped = true
	}

	a, ok := c.params.AnchorsFor(class)
	if !ok || a.High == a.Low {
		res.Value = model.Clamp(raw, minRating, maxRating)
		return res
	}
	res.Value = model.Clamp(Remap(raw, a), minRating, maxRating)
	res.Remapped = true
	return res
}

// LooksLikeZScore reports whether v falls inside the configured z-score band.
// The bound is inclusive.
func (c *Calibrator) LooksLikeZScore(v float64) bool {
	if !c.cfg.ZScoreRescue {
		return false
	}
	return v >= -c.cfg.ZScoreBound && v <= c.cfg.ZScoreBound
}

// FromZScore converts z with the asymmetric slopes and clamps to 0-100.
func (c *Calibrator) FromZScore(z float64) float64 {
	slope := c.cfg.PositiveSlope
	if z < 0 {
		slope = c.cfg.NegativeSlope
	}
	return model.Clamp(model.NeutralRating+z*slope, minRating, maxRating)
}

// Remap interpolates raw between the anchors without clamping either side.
// Degenerate anchors pass raw through.
func Remap(raw float64, a params.Anchors) float64 {
	if a.High == a.Low {
		return raw
	}
	t := (raw - a.Low) / (a.High - a.Low)
	return a.OutFloor + t*(a.OutCeiling-a.OutFloor)
}
