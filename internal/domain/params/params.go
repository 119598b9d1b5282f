// Package params holds the tunable constants of the rating pipeline.
//
// A Set is plain data. The live service holds one Set for its lifetime;
// every simulation run pins a deep copy so later edits never leak into it.
package params

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/okian/alpharank/internal/domain/model"
)

// DefaultKey is the fallback key for per-class lookups.
const DefaultKey = "default"

const weightSumTolerance = 0.01

// WeightVector maps category name to weight. Weights sum to 1.
type WeightVector map[string]float64

// Sum returns the total of all finite, non-negative weights.
func (w WeightVector) Sum() float64 {
	var s float64
	for _, v := range w {
		if model.Finite(v) && v >= 0 {
			s += v
		}
	}
	return s
}

// Anchors map two raw-score percentiles onto an output range.
type Anchors struct {
	Low        float64 `koanf:"low" json:"low" yaml:"low"`
	High       float64 `koanf:"high" json:"high" yaml:"high"`
	OutFloor   float64 `koanf:"out_floor" json:"out_floor" yaml:"out_floor"`
	OutCeiling float64 `koanf:"out_ceiling" json:"out_ceiling" yaml:"out_ceiling"`
}

// Calibration configures z-score rescue and percentile remapping.
type Calibration struct {
	// ZScoreRescue enables treating values in [-ZScoreBound, ZScoreBound]
	// as z-scores.
	ZScoreRescue  bool               `koanf:"zscore_rescue" json:"zscore_rescue" yaml:"zscore_rescue"`
	ZScoreBound   float64            `koanf:"zscore_bound" json:"zscore_bound" yaml:"zscore_bound"`
	PositiveSlope float64            `koanf:"positive_slope" json:"positive_slope" yaml:"positive_slope"`
	NegativeSlope float64            `koanf:"negative_slope" json:"negative_slope" yaml:"negative_slope"`
	Anchors       map[string]Anchors `koanf:"anchors" json:"anchors" yaml:"anchors"`
}

// Smoothing configures the temporal smoother.
type Smoothing struct {
	DecayRatio     float64 `koanf:"decay_ratio" json:"decay_ratio" yaml:"decay_ratio"`
	BaselineWeight float64 `koanf:"baseline_weight" json:"baseline_weight" yaml:"baseline_weight"`

	HighVolatility     float64 `koanf:"high_volatility" json:"high_volatility" yaml:"high_volatility"`
	LowVolatility      float64 `koanf:"low_volatility" json:"low_volatility" yaml:"low_volatility"`
	HighVolDamping     float64 `koanf:"high_vol_damping" json:"high_vol_damping" yaml:"high_vol_damping"`
	HighVolDampingCap  float64 `koanf:"high_vol_damping_cap" json:"high_vol_damping_cap" yaml:"high_vol_damping_cap"`
	LowVolBoost        float64 `koanf:"low_vol_boost" json:"low_vol_boost" yaml:"low_vol_boost"`
	LowVolBoostCap     float64 `koanf:"low_vol_boost_cap" json:"low_vol_boost_cap" yaml:"low_vol_boost_cap"`
	MomentumThreshold  float64 `koanf:"momentum_threshold" json:"momentum_threshold" yaml:"momentum_threshold"`
	MomentumMultiplier float64 `koanf:"momentum_multiplier" json:"momentum_multiplier" yaml:"momentum_multiplier"`
	MomentumCap        float64 `koanf:"momentum_cap" json:"momentum_cap" yaml:"momentum_cap"`
	AdjustmentCap      float64 `koanf:"adjustment_cap" json:"adjustment_cap" yaml:"adjustment_cap"`

	// Volatility and momentum use separate windows on purpose.
	HistoryWindow    int `koanf:"history_window" json:"history_window" yaml:"history_window"`
	VolatilityWindow int `koanf:"volatility_window" json:"volatility_window" yaml:"volatility_window"`
	MomentumWindow   int `koanf:"momentum_window" json:"momentum_window" yaml:"momentum_window"`

	LargeAdjustment  float64 `koanf:"large_adjustment" json:"large_adjustment" yaml:"large_adjustment"`
	ConflictDeadband float64 `koanf:"conflict_deadband" json:"conflict_deadband" yaml:"conflict_deadband"`
	VolatilitySpike  float64 `koanf:"volatility_spike" json:"volatility_spike" yaml:"volatility_spike"`
}

// Tier is a named rating band; an entity lands in the first tier whose Min
// it meets.
type Tier struct {
	Name string  `koanf:"name" json:"name" yaml:"name"`
	Min  float64 `koanf:"min" json:"min" yaml:"min"`
}

// Set is a complete, versioned parameter snapshot.
type Set struct {
	Version     string `koanf:"version" json:"version" yaml:"version"`
	DefaultMode string `koanf:"default_mode" json:"default_mode" yaml:"default_mode"`

	// Weights is keyed by class, then scoring mode.
	Weights     map[string]map[string]WeightVector `koanf:"weights" json:"weights" yaml:"weights"`
	Modifiers   map[string]float64                 `koanf:"modifiers" json:"modifiers" yaml:"modifiers"`
	Calibration Calibration                        `koanf:"calibration" json:"calibration" yaml:"calibration"`
	Smoothing   Smoothing                          `koanf:"smoothing" json:"smoothing" yaml:"smoothing"`
	Baselines   map[string]float64                 `koanf:"baselines" json:"baselines" yaml:"baselines"`
	Tiers       map[string][]Tier                  `koanf:"tiers" json:"tiers" yaml:"tiers"`
}

// WeightsFor resolves the weight vector for a class and mode. The lookup
// falls back to the default mode, then to the default class. A nil result
// means the scorer returns neutral.
func (s *Set) WeightsFor(class, mode string) WeightVector {
	if mode == "" {
		mode = s.DefaultMode
	}
	for _, c := range []string{class, DefaultKey} {
		modes, ok := s.Weights[c]
		if !ok {
			continue
		}
		if w, ok := modes[mode]; ok {
			return w
		}
		if w, ok := modes[s.DefaultMode]; ok {
			return w
		}
	}
	return nil
}

// AnchorsFor returns the calibration anchors for class, falling back to the
// default class.
func (s *Set) AnchorsFor(class string) (Anchors, bool) {
	if a, ok := s.Calibration.Anchors[class]; ok {
		return a, true
	}
	a, ok := s.Calibration.Anchors[DefaultKey]
	return a, ok
}

// BaselineFor returns the class baseline rating.
func (s *Set) BaselineFor(class string) float64 {
	if b, ok := s.Baselines[class]; ok {
		return b
	}
	if b, ok := s.Baselines[DefaultKey]; ok {
		return b
	}
	return model.NeutralRating
}

// TiersFor returns descending tier thresholds for class.
func (s *Set) TiersFor(class string) []Tier {
	if t, ok := s.Tiers[class]; ok && len(t) > 0 {
		return t
	}
	return s.Tiers[DefaultKey]
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	out := *s

	out.Weights = make(map[string]map[string]WeightVector, len(s.Weights))
	for class, modes := range s.Weights {
		m := make(map[string]WeightVector, len(modes))
		for mode, vec := range modes {
			v := make(WeightVector, len(vec))
			for k, w := range vec {
				v[k] = w
			}
			m[mode] = v
		}
		out.Weights[class] = m
	}

	out.Modifiers = make(map[string]float64, len(s.Modifiers))
	for k, v := range s.Modifiers {
		out.Modifiers[k] = v
	}

	out.Calibration.Anchors = make(map[string]Anchors, len(s.Calibration.Anchors))
	for k, v := range s.Calibration.Anchors {
		out.Calibration.Anchors[k] = v
	}

	out.Baselines = make(map[string]float64, len(s.Baselines))
	for k, v := range s.Baselines {
		out.Baselines[k] = v
	}

	out.Tiers = make(map[string][]Tier, len(s.Tiers))
	for k, v := range s.Tiers {
		out.Tiers[k] = append([]Tier(nil), v...)
	}
	return &out
}

// Validate checks structural invariants of the set.
func (s *Set) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, class := range sortedKeys(s.Weights) {
		for _, mode := range sortedKeys(s.Weights[class]) {
			vec := s.Weights[class][mode]
			for cat, w := range vec {
				if !model.Finite(w) || w < 0 {
					add("weights %s/%s: %s must be a non-negative number", class, mode, cat)
				}
			}
			if sum := vec.Sum(); len(vec) > 0 && math.Abs(sum-1) > weightSumTolerance {
				add("weights %s/%s sum to %.4f, want 1", class, mode, sum)
			}
		}
	}

	for name, w := range s.Modifiers {
		if !model.Finite(w) || w < 0 || w > 1 {
			add("modifier %s weight %.3f outside [0,1]", name, w)
		}
	}

	c := s.Calibration
	if c.ZScoreRescue && (!model.Finite(c.ZScoreBound) || c.ZScoreBound <= 0) {
		add("calibration.zscore_bound must be positive")
	}
	for class, a := range c.Anchors {
		if !model.Finite(a.Low) || !model.Finite(a.High) || !model.Finite(a.OutFloor) || !model.Finite(a.OutCeiling) {
			add("anchors %s must be finite", class)
		}
		if a.High < a.Low {
			add("anchors %s: high %.2f below low %.2f", class, a.High, a.Low)
		}
	}

	sm := s.Smoothing
	if sm.HistoryWindow < 1 || sm.VolatilityWindow < 1 || sm.MomentumWindow < 1 {
		add("smoothing windows must be >= 1")
	}
	if sm.VolatilityWindow > sm.HistoryWindow || sm.MomentumWindow > sm.HistoryWindow {
		add("volatility_window and momentum_window must not exceed history_window")
	}
	if sm.AdjustmentCap < 0 || sm.HighVolDampingCap < 0 || sm.LowVolBoostCap < 0 || sm.MomentumCap < 0 {
		add("smoothing caps must be >= 0")
	}
	if sm.LowVolatility > sm.HighVolatility {
		add("low_volatility %.2f above high_volatility %.2f", sm.LowVolatility, sm.HighVolatility)
	}

	for class, tiers := range s.Tiers {
		for i := 1; i < len(tiers); i++ {
			if tiers[i].Min >= tiers[i-1].Min {
				add("tiers %s must be strictly descending", class)
				break
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(problems, "; "))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
