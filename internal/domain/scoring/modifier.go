package scoring

import (
	"sort"

	"github.com/okian/alpharank/internal/domain/model"
)

// factorOrder fixes the order of known factors. Unknown factors follow in
// name order.
var factorOrder = map[string]int{
	model.FactorEnvironment: 0,
	model.FactorMatchup:     1,
}

// Modifier applies contextual factors as bounded multipliers.
type Modifier struct {
	weights map[string]float64
}

// NewModifier creates a modifier using the configured per-factor weights.
func NewModifier(weights map[string]float64) *Modifier {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Modifier{weights: w}
}

// Apply multiplies rating by (1 + weight*(score/50 - 1)) for each factor.
// Factors with no usable weight or a non-finite score are skipped. The
// result is never negative, never above 100 and always finite.
func (m *Modifier) Apply(rating float64, factors []model.ContextualFactor) float64 {
	for _, f := range Ordered(factors) {
		if !model.Finite(f.Score) {
			continue
		}
		w, ok := m.weightFor(f)
		if !ok || w == 0 {
			continue
		}
		norm := model.Clamp(f.Score, minRating, maxRating)/50 - 1
		rating *= 1 + w*norm
	}
	if !model.Finite(rating) || rating < 0 {
		return 0
	}
	if rating > maxRating {
		return maxRating
	}
	return rating
}

func (m *Modifier) weightFor(f model.ContextualFactor) (float64, bool) {
	var w float64
	if f.Weight != nil {
		w = *f.Weight
	} else {
		cw, ok := m.weights[f.Name]
		if !ok {
			return 0, false
		}
		w = cw
	}
	if !model.Finite(w) {
		return 0, false
	}
	return model.Clamp(w, 0, 1), true
}

// Ordered returns factors in application order: environment, matchup, then
// the rest by name. The input slice is not modified.
func Ordered(factors []model.ContextualFactor) []model.ContextualFactor {
	out := append([]model.ContextualFactor(nil), factors...)
	sort.SliceStable(out, func(i, j int) bool {
		oi, iKnown := factorOrder[out[i].Name]
		oj, jKnown := factorOrder[out[j].Name]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown:
			return true
		case jKnown:
			return false
		default:
			return out[i].Name < out[j].Name
		}
	})
	return out
}
