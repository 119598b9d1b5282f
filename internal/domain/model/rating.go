// Package model contains domain models passed between layers.
package model

import "math"

// Category names used by the default weight vectors. Upstream feature builders
// may emit any category name; only names present in the weight vector count.
const (
	CategoryVolume     = "volume"
	CategoryEfficiency = "efficiency"
	CategoryStability  = "stability"
	CategoryContextFit = "context_fit"
)

// Contextual factor names with a fixed application order.
const (
	FactorEnvironment = "environment"
	FactorMatchup     = "matchup"
)

// NeutralRating is the midpoint every degraded path falls back to.
const NeutralRating = 50.0

// CategoryScores holds 0-100 sub-scores for one entity in one period.
// An absent key means the category is missing, never zero.
type CategoryScores map[string]float64

// Clone returns a copy safe to hand to another goroutine.
func (c CategoryScores) Clone() CategoryScores {
	if c == nil {
		return nil
	}
	out := make(CategoryScores, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ContextualFactor is a 0-100 situational score where 50 is neutral.
// Weight overrides the configured weight for Name when set.
type ContextualFactor struct {
	Name   string   `json:"name" yaml:"name"`
	Score  float64  `json:"score" yaml:"score"`
	Weight *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Input is the fully populated raw record for one entity in one period.
type Input struct {
	EntityID   string             `json:"entity_id" yaml:"entity_id"`
	EntityName string             `json:"entity_name,omitempty" yaml:"entity_name,omitempty"`
	Class      string             `json:"class" yaml:"class"`
	Mode       string             `json:"mode,omitempty" yaml:"mode,omitempty"`
	Season     int                `json:"season" yaml:"season"`
	Period     int                `json:"period" yaml:"period"`
	Activity   float64            `json:"activity" yaml:"activity"`
	Categories CategoryScores     `json:"categories" yaml:"categories"`
	Factors    []ContextualFactor `json:"factors,omitempty" yaml:"factors,omitempty"`
}

// OutlierFlag marks a statistically unusual rating step. Flags never alter
// the rating.
type OutlierFlag string

const (
	FlagLargeAdjustment  OutlierFlag = "large_adjustment"
	FlagMomentumConflict OutlierFlag = "momentum_conflict"
	FlagBoundaryRating   OutlierFlag = "boundary_rating"
	FlagVolatilitySpike  OutlierFlag = "volatility_spike"
)

// Known reports whether f is one of the flags the smoother emits.
func (f OutlierFlag) Known() bool {
	switch f {
	case FlagLargeAdjustment, FlagMomentumConflict, FlagBoundaryRating, FlagVolatilitySpike:
		return true
	}
	return false
}

// RatingRecord is the per-entity, per-period output of the pipeline.
type RatingRecord struct {
	RunID      string         `json:"run_id,omitempty"`
	EntityID   string         `json:"entity_id"`
	EntityName string         `json:"entity_name,omitempty"`
	Class      string         `json:"class"`
	Mode       string         `json:"mode,omitempty"`
	Season     int            `json:"season"`
	Period     int            `json:"period"`
	Categories CategoryScores `json:"categories"`

	// Raw is the weighted category score, Adjusted the value after
	// contextual modifiers.
	Raw           float64 `json:"raw"`
	Adjusted      float64 `json:"adjusted"`
	Calibrated    float64 `json:"calibrated"`
	ZScoreRescued bool    `json:"zscore_rescued,omitempty"`

	Expected   float64  `json:"expected"`
	Surprise   float64  `json:"surprise"`
	Adjustment float64  `json:"adjustment"`
	Rating     float64  `json:"rating"`
	Tier       string   `json:"tier"`
	Volatility *float64 `json:"volatility,omitempty"`
	Momentum   *float64 `json:"momentum,omitempty"`

	Flags         []OutlierFlag `json:"flags,omitempty"`
	ParamsVersion string        `json:"params_version,omitempty"`
}

// Flagged reports whether the record carries any outlier flag.
func (r *RatingRecord) Flagged() bool { return len(r.Flags) > 0 }

// HasFlag reports whether f is set on the record.
func (r *RatingRecord) HasFlag(f OutlierFlag) bool {
	for _, x := range r.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// Clamp bounds x to [lo, hi]. NaN collapses to lo.
func Clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}

// Finite reports whether x is neither NaN nor infinite.
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
