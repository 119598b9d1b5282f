package smoothing

import (
	"math"

	"github.com/okian/alpharank/internal/domain/model"
)

// Flags evaluates the outlier rules for one step. The rules depend only on
// their arguments, so the same step always yields the same flags.
func (s *Smoother) Flags(adjustment float64, priorMomentum *float64, smoothed float64, volatility *float64) []model.OutlierFlag {
	var flags []model.OutlierFlag

	if math.Abs(adjustment) > s.cfg.LargeAdjustment {
		flags = append(flags, model.FlagLargeAdjustment)
	}

	if priorMomentum != nil {
		m := *priorMomentum
		band := s.cfg.ConflictDeadband
		if math.Abs(m) > band && math.Abs(adjustment) > band && (m > 0) != (adjustment > 0) {
			flags = append(flags, model.FlagMomentumConflict)
		}
	}

	if smoothed == minRating || smoothed == maxRating {
		flags = append(flags, model.FlagBoundaryRating)
	}

	if volatility != nil && *volatility > s.cfg.VolatilitySpike {
		flags = append(flags, model.FlagVolatilitySpike)
	}
	return flags
}
