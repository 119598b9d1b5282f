// Package smoothing implements the recursive per-entity rating update.
//
// Each period the calibrated rating is compared against an expectation built
// from the prior smoothed rating and the class baseline. The gap (surprise)
// drives a bounded stability adjustment whose direction and size depend on
// the entity's recent volatility and momentum.
package smoothing

import (
	"math"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
)

const (
	minRating = 0.0
	maxRating = 100.0

	unratedTier = "unrated"
)

// Outcome is the result of one smoothing step.
type Outcome struct {
	Expected   float64
	Surprise   float64
	Adjustment float64
	Smoothed   float64
	Tier       string
	Volatility *float64
	Momentum   *float64
	History    []float64
	Flags      []model.OutlierFlag
}

// Smoother applies the temporal update with a fixed parameter set.
type Smoother struct {
	cfg    params.Smoothing
	params *params.Set
}

// New creates a smoother bound to p.
func New(p *params.Set) *Smoother {
	return &Smoother{cfg: p.Smoothing, params: p}
}

// Step advances an entity by one period. prior may be nil for the first
// scored period of a season. prior is never modified.
func (s *Smoother) Step(class string, calibrated float64, prior *model.EntityPeriodState) Outcome {
	if !model.Finite(calibrated) {
		calibrated = model.NeutralRating
		if prior != nil {
			calibrated = prior.Smoothed
		}
	}
	calibrated = model.Clamp(calibrated, minRating, maxRating)
	baseline := s.params.BaselineFor(class)

	var out Outcome
	var history []float64
	var priorMomentum *float64
	if prior == nil {
		out.Expected = baseline
		out.Surprise = calibrated - baseline
		out.Smoothed = calibrated
	} else {
		out.Expected = s.cfg.DecayRatio*prior.Smoothed + s.cfg.BaselineWeight*baseline
		out.Surprise = calibrated - out.Expected
		out.Adjustment = s.Adjustment(out.Surprise, prior.Volatility, prior.Momentum)
		out.Smoothed = model.Clamp(calibrated+out.Adjustment, minRating, maxRating)
		history = prior.History
		priorMomentum = prior.Momentum
	}

	out.History = PushHistory(history, out.Smoothed, s.cfg.HistoryWindow)
	out.Volatility = Volatility(out.History, s.cfg.VolatilityWindow)
	out.Momentum = Momentum(out.History, s.cfg.MomentumWindow, baseline)
	out.Tier = TierFor(s.params.TiersFor(class), out.Smoothed)
	out.Flags = s.Flags(out.Adjustment, priorMomentum, out.Smoothed, out.Volatility)
	return out
}

// Adjustment computes the stability adjustment for a surprise given the
// prior volatility and momentum. The result is bounded by AdjustmentCap.
// A nil volatility or momentum contributes nothing.
func (s *Smoother) Adjustment(surprise float64, volatility, momentum *float64) float64 {
	var adj float64
	if volatility != nil {
		switch v := *volatility; {
		case v > s.cfg.HighVolatility:
			// Positive surprises are damped up to the cap. Negative
			// surprises make this term positive and only AdjustmentCap
			// bounds it.
			adj -= math.Min(surprise*s.cfg.HighVolDamping, s.cfg.HighVolDampingCap)
		case v < s.cfg.LowVolatility:
			adj += math.Min(math.Abs(surprise)*s.cfg.LowVolBoost, s.cfg.LowVolBoostCap)
		}
	}

	if momentum != nil {
		m := *momentum
		if (m > s.cfg.MomentumThreshold && surprise > 0) || (m < -s.cfg.MomentumThreshold && surprise < 0) {
			r := math.Min(math.Abs(m)*s.cfg.MomentumMultiplier, s.cfg.MomentumCap)
			if surprise < 0 {
				r = -r
			}
			adj += r
		}
	}

	limit := s.cfg.AdjustmentCap
	return model.Clamp(adj, -limit, limit)
}

// PushHistory returns a new slice with v in front of history, truncated to
// window entries. history is not modified.
func PushHistory(history []float64, v float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	n := len(history) + 1
	if n > window {
		n = window
	}
	out := make([]float64, n)
	out[0] = v
	copy(out[1:], history)
	return out
}

// Volatility is the population standard deviation of the newest window
// entries. It is nil when history has fewer than two entries.
func Volatility(history []float64, window int) *float64 {
	if len(history) < 2 {
		return nil
	}
	recent := newest(history, window)
	mean := average(recent)
	var ss float64
	for _, v := range recent {
		d := v - mean
		ss += d * d
	}
	return model.Float(math.Sqrt(ss / float64(len(recent))))
}

// Momentum compares the average of the newest window entries with the
// midpoint of the season average and the class baseline. It is nil until
// history holds at least window entries.
func Momentum(history []float64, window int, baseline float64) *float64 {
	if window < 1 || len(history) < window {
		return nil
	}
	recent := average(history[:window])
	season := average(history)
	return model.Float(recent - (season+baseline)/2)
}

// TierFor returns the first tier whose minimum the rating meets. Tiers are
// ordered from best to worst.
func TierFor(tiers []params.Tier, rating float64) string {
	if len(tiers) == 0 {
		return unratedTier
	}
	for _, t := range tiers {
		if rating >= t.Min {
			return t.Name
		}
	}
	return tiers[len(tiers)-1].Name
}

func newest(history []float64, window int) []float64 {
	if window > 0 && len(history) > window {
		return history[:window]
	}
	return history
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
