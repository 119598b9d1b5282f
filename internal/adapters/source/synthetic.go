package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/okian/alpharank/internal/domain/model"
)

// Performer archetypes. Each entity keeps one for the whole season.
const (
	archetypeAverage = iota
	archetypeHigh
	archetypeLow
	archetypeElite
	archetypeVolatile
	archetypeRiser
	archetypeFader
	archetypeCount
)

const (
	defaultSyntheticEntities = 48
	// One in byeEvery periods an entity sits out with zero activity.
	byeEvery = 9
)

var defaultClasses = []string{"QB", "RB", "WR", "TE"}

// SyntheticOption configures a Synthetic source.
type SyntheticOption func(*Synthetic)

// WithEntities sets the population size.
func WithEntities(n int) SyntheticOption {
	return func(s *Synthetic) {
		if n > 0 {
			s.entities = n
		}
	}
}

// WithClasses sets the entity classes assigned round-robin.
func WithClasses(classes ...string) SyntheticOption {
	return func(s *Synthetic) {
		if len(classes) > 0 {
			s.classes = append([]string(nil), classes...)
		}
	}
}

// WithFailureRate makes that fraction of fetches fail with ErrUnavailable.
// Failures are a pure function of (seed, entity, season, period).
func WithFailureRate(p float64) SyntheticOption {
	return func(s *Synthetic) {
		if p >= 0 && p <= 1 {
			s.failureRate = p
		}
	}
}

// WithFactors toggles generation of environment and matchup factors.
func WithFactors(on bool) SyntheticOption {
	return func(s *Synthetic) { s.factors = on }
}

// Synthetic generates a reproducible population. Every value is derived from
// the seed and the (entity, season, period) triple, so results do not depend
// on call order or concurrency.
type Synthetic struct {
	seed        uint64
	entities    int
	classes     []string
	failureRate float64
	factors     bool
}

// NewSynthetic creates a generator for seed.
func NewSynthetic(seed uint64, opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		seed:     seed,
		entities: defaultSyntheticEntities,
		classes:  defaultClasses,
		factors:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntityID returns the id of the i-th generated entity.
func (s *Synthetic) EntityID(i int) string {
	class := s.classes[i%len(s.classes)]
	return fmt.Sprintf("syn-%s-%04d", strings.ToLower(class), i)
}

func (s *Synthetic) index(entityID string) (int, bool) {
	pos := strings.LastIndexByte(entityID, '-')
	if !strings.HasPrefix(entityID, "syn-") || pos < 0 {
		return 0, false
	}
	i, err := strconv.Atoi(entityID[pos+1:])
	if err != nil || i < 0 || i >= s.entities || s.EntityID(i) != entityID {
		return 0, false
	}
	return i, true
}

func (s *Synthetic) rng(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return rand.New(rand.NewPCG(s.seed, h.Sum64()))
}

func (s *Synthetic) archetype(i int) int {
	return s.rng("archetype", strconv.Itoa(i)).IntN(archetypeCount)
}

func (s *Synthetic) activity(i, season, period int) float64 {
	r := s.rng("activity", strconv.Itoa(i), strconv.Itoa(season), strconv.Itoa(period))
	if (period+i)%byeEvery == 0 {
		return 0
	}
	return 0.25 + 0.75*r.Float64()
}

func (s *Synthetic) Population(ctx context.Context, season, period int, minActivity float64) ([]string, error) {
	ids := make([]string, 0, s.entities)
	for i := 0; i < s.entities; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if Qualifies(s.activity(i, season, period), minActivity) {
			ids = append(ids, s.EntityID(i))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Synthetic) Fetch(_ context.Context, entityID string, season, period int) (*model.Input, error) {
	i, ok := s.index(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	key := []string{entityID, strconv.Itoa(season), strconv.Itoa(period)}
	if s.failureRate > 0 && s.rng(append([]string{"fail"}, key...)...).Float64() < s.failureRate {
		return nil, fmt.Errorf("%w: synthetic failure for %s period %d", ErrUnavailable, entityID, period)
	}

	r := s.rng(append([]string{"input"}, key...)...)
	level, spread := s.level(i, period)
	cat := func() float64 {
		return model.Clamp(level+r.NormFloat64()*spread, 0, 100)
	}
	in := &model.Input{
		EntityID:   entityID,
		EntityName: fmt.Sprintf("Synthetic %d", i),
		Class:      s.classes[i%len(s.classes)],
		Season:     season,
		Period:     period,
		Activity:   s.activity(i, season, period),
		Categories: model.CategoryScores{
			model.CategoryVolume:     cat(),
			model.CategoryEfficiency: cat(),
			model.CategoryStability:  cat(),
		},
	}
	// Context fit is missing one period in five to exercise weight
	// redistribution.
	if r.IntN(5) != 0 {
		in.Categories[model.CategoryContextFit] = cat()
	}
	if s.factors {
		in.Factors = []model.ContextualFactor{
			{Name: model.FactorEnvironment, Score: model.Clamp(50+r.NormFloat64()*12, 0, 100)},
			{Name: model.FactorMatchup, Score: model.Clamp(50+r.NormFloat64()*18, 0, 100)},
		}
	}
	return in, nil
}

// level returns the mean and spread of category scores for an entity in a
// period.
func (s *Synthetic) level(i, period int) (mean, spread float64) {
	p := float64(period)
	switch s.archetype(i) {
	case archetypeHigh:
		return 72, 6
	case archetypeLow:
		return 35, 6
	case archetypeElite:
		return 88, 4
	case archetypeVolatile:
		return 55, 20
	case archetypeRiser:
		return math.Min(40+3*p, 90), 5
	case archetypeFader:
		return math.Max(80-3*p, 25), 5
	default:
		return 55, 8
	}
}
