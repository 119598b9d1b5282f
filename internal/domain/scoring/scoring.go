// Package scoring combines category scores into a raw rating and applies
// contextual multipliers to it.
package scoring

import (
	"sort"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
)

const (
	minRating = 0.0
	maxRating = 100.0
)

// Result describes one weighted combination.
type Result struct {
	Rating float64
	// Used lists the categories that contributed, WeightUsed their total weight.
	Used       []string
	WeightUsed float64
}

// Combine returns the weighted average of the categories present in both
// scores and weights. Missing categories are excluded and their weight is
// redistributed over the rest. With nothing usable the result is neutral.
func Combine(scores model.CategoryScores, weights params.WeightVector) Result {
	cats := make([]string, 0, len(weights))
	for cat := range weights {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var acc, used float64
	var names []string
	for _, cat := range cats {
		w := weights[cat]
		if !model.Finite(w) || w <= 0 {
			continue
		}
		v, ok := scores[cat]
		if !ok || !model.Finite(v) {
			continue
		}
		acc += model.Clamp(v, minRating, maxRating) * w
		used += w
		names = append(names, cat)
	}
	if used == 0 {
		return Result{Rating: model.NeutralRating}
	}
	return Result{
		Rating:     model.Clamp(acc/used, minRating, maxRating),
		Used:       names,
		WeightUsed: used,
	}
}

// Option applies a configuration option to the CategoryScorer.
type Option func(*CategoryScorer)

// WithDefaultMode overrides the mode used when an input has none.
func WithDefaultMode(mode string) Option {
	return func(s *CategoryScorer) {
		if mode != "" {
			s.defaultMode = mode
		}
	}
}

// CategoryScorer resolves weight vectors from a parameter set and combines
// category scores with them.
type CategoryScorer struct {
	params      *params.Set
	defaultMode string
}

// NewCategoryScorer creates a scorer bound to p.
func NewCategoryScorer(p *params.Set, opts ...Option) *CategoryScorer {
	s := &CategoryScorer{params: p, defaultMode: p.DefaultMode}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the raw rating for in.
func (s *CategoryScorer) Score(in *model.Input) Result {
	mode := in.Mode
	if mode == "" {
		mode = s.defaultMode
	}
	return Combine(in.Categories, s.params.WeightsFor(in.Class, mode))
}
