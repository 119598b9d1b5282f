// Package source provides the bulk data sources the simulation harness
// replays: per-period populations and per-entity raw inputs.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/okian/alpharank/internal/domain/model"
)

// DataSource is the upstream boundary of the harness.
type DataSource interface {
	// Population lists the ids of entities whose activity for the period is
	// positive and at least minActivity, sorted.
	Population(ctx context.Context, season, period int, minActivity float64) ([]string, error)
	// Fetch returns the raw input for one entity-period.
	Fetch(ctx context.Context, entityID string, season, period int) (*model.Input, error)
}

// Qualifies applies the minimum-activity filter.
func Qualifies(activity, minActivity float64) bool {
	return activity > 0 && activity >= minActivity
}

type periodKey struct {
	season, period int
}

// Memory is a DataSource over inputs held in memory. It is safe for
// concurrent use.
type Memory struct {
	mu      sync.RWMutex
	periods map[periodKey]map[string]*model.Input
}

// NewMemory creates a source holding inputs.
func NewMemory(inputs ...model.Input) *Memory {
	m := &Memory{periods: make(map[periodKey]map[string]*model.Input)}
	m.Add(inputs...)
	return m
}

// Add stores inputs, replacing any earlier input for the same entity-period.
func (m *Memory) Add(inputs ...model.Input) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range inputs {
		in := inputs[i]
		in.Categories = in.Categories.Clone()
		in.Factors = append([]model.ContextualFactor(nil), in.Factors...)
		k := periodKey{in.Season, in.Period}
		if m.periods[k] == nil {
			m.periods[k] = make(map[string]*model.Input)
		}
		m.periods[k][in.EntityID] = &in
	}
}

// Periods returns the sorted periods stored for season.
func (m *Memory) Periods(season int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for k := range m.periods {
		if k.season == season {
			out = append(out, k.period)
		}
	}
	sort.Ints(out)
	return out
}

func (m *Memory) Population(_ context.Context, season, period int, minActivity float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.periods[periodKey{season, period}]))
	for id, in := range m.periods[periodKey{season, period}] {
		if Qualifies(in.Activity, minActivity) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Fetch(_ context.Context, entityID string, season, period int) (*model.Input, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.periods[periodKey{season, period}][entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s season %d period %d", ErrEntityNotFound, entityID, season, period)
	}
	out := *in
	out.Categories = in.Categories.Clone()
	out.Factors = append([]model.ContextualFactor(nil), in.Factors...)
	return &out, nil
}
