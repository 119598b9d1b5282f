package simulation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/internal/domain/params"
	"github.com/okian/alpharank/internal/domain/types"
)

// DefaultPageLimit applies when a query does not set a limit.
const DefaultPageLimit = 100

// ResultFilter narrows a result query. Zero values match everything.
type ResultFilter struct {
	EntityID    string            `json:"entity_id,omitempty"`
	Class       string            `json:"class,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Period      int               `json:"period,omitempty"`
	FlaggedOnly bool              `json:"flagged_only,omitempty"`
	Flag        model.OutlierFlag `json:"flag,omitempty"`
	MinRating   *float64          `json:"min_rating,omitempty"`
	MaxRating   *float64          `json:"max_rating,omitempty"`
}

// Validate rejects filters no record could match for a reason other than
// data, such as an unknown flag name or an inverted rating range.
func (f ResultFilter) Validate() error {
	if f.Flag != "" && !f.Flag.Known() {
		return fmt.Errorf("%w: unknown flag %q", ErrInvalidConfig, f.Flag)
	}
	if f.MinRating != nil && f.MaxRating != nil && *f.MinRating > *f.MaxRating {
		return fmt.Errorf("%w: min_rating above max_rating", ErrInvalidConfig)
	}
	return nil
}

// Match reports whether r passes the filter.
func (f ResultFilter) Match(r *model.RatingRecord) bool {
	switch {
	case f.EntityID != "" && r.EntityID != f.EntityID:
		return false
	case f.Class != "" && r.Class != f.Class:
		return false
	case f.Tier != "" && r.Tier != f.Tier:
		return false
	case f.Period != 0 && r.Period != f.Period:
		return false
	case f.FlaggedOnly && !r.Flagged():
		return false
	case f.Flag != "" && !r.HasFlag(f.Flag):
		return false
	case f.MinRating != nil && r.Rating < *f.MinRating:
		return false
	case f.MaxRating != nil && r.Rating > *f.MaxRating:
		return false
	}
	return true
}

// NormalizePage fills in a default limit and clamps a negative offset.
func NormalizePage(p types.Page) types.Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	return p
}

// ResultStore is a run-partitioned output store for rating records.
type ResultStore interface {
	Append(ctx context.Context, runID string, recs ...model.RatingRecord) error
	// Query returns one page of matching records ordered by period then
	// entity, and the total number of matches.
	Query(ctx context.Context, runID string, f ResultFilter, page types.Page) ([]model.RatingRecord, int, error)
	// Series returns every record of one entity in period order.
	Series(ctx context.Context, runID, entityID string) ([]model.RatingRecord, error)
	DeleteRun(ctx context.Context, runID string) error
}

// Preset is a named, reusable parameter set.
type Preset struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      *params.Set `json:"params"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PresetStore persists presets. Implementations return ErrPresetExists on
// duplicate create and ErrPresetNotFound on missing names.
type PresetStore interface {
	Create(ctx context.Context, p Preset) error
	Get(ctx context.Context, name string) (Preset, error)
	Update(ctx context.Context, p Preset) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Preset, error)
}

func lessRecord(a, b *model.RatingRecord) bool {
	if a.Season != b.Season {
		return a.Season < b.Season
	}
	if a.Period != b.Period {
		return a.Period < b.Period
	}
	return a.EntityID < b.EntityID
}

// MemoryResults is an in-process ResultStore.
type MemoryResults struct {
	mu   sync.RWMutex
	runs map[string][]model.RatingRecord
}

// NewMemoryResults creates an empty result store.
func NewMemoryResults() *MemoryResults {
	return &MemoryResults{runs: make(map[string][]model.RatingRecord)}
}

func (m *MemoryResults) Append(_ context.Context, runID string, recs ...model.RatingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = append(m.runs[runID], recs...)
	return nil
}

func (m *MemoryResults) sorted(runID string, f ResultFilter) []model.RatingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.RatingRecord
	for i := range m.runs[runID] {
		if f.Match(&m.runs[runID][i]) {
			out = append(out, m.runs[runID][i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return lessRecord(&out[i], &out[j]) })
	return out
}

func (m *MemoryResults) Query(_ context.Context, runID string, f ResultFilter, page types.Page) ([]model.RatingRecord, int, error) {
	page = NormalizePage(page)
	all := m.sorted(runID, f)
	total := len(all)
	if page.Offset >= total {
		return []model.RatingRecord{}, total, nil
	}
	end := min(page.Offset+page.Limit, total)
	return all[page.Offset:end], total, nil
}

func (m *MemoryResults) Series(_ context.Context, runID, entityID string) ([]model.RatingRecord, error) {
	return m.sorted(runID, ResultFilter{EntityID: entityID}), nil
}

func (m *MemoryResults) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

// MemoryPresets is an in-process PresetStore.
type MemoryPresets struct {
	mu      sync.RWMutex
	presets map[string]Preset
	now     func() time.Time
}

// NewMemoryPresets creates an empty preset store.
func NewMemoryPresets() *MemoryPresets {
	return &MemoryPresets{presets: make(map[string]Preset), now: time.Now}
}

func (m *MemoryPresets) Create(_ context.Context, p Preset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presets[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrPresetExists, p.Name)
	}
	now := m.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Params = p.Params.Clone()
	m.presets[p.Name] = p
	return nil
}

func (m *MemoryPresets) Get(_ context.Context, name string) (Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	p.Params = p.Params.Clone()
	return p, nil
}

func (m *MemoryPresets) Update(_ context.Context, p Preset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.presets[p.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, p.Name)
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = m.now().UTC()
	p.Params = p.Params.Clone()
	m.presets[p.Name] = p
	return nil
}

func (m *MemoryPresets) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	delete(m.presets, name)
	return nil
}

func (m *MemoryPresets) List(_ context.Context) ([]Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Preset, 0, len(m.presets))
	for _, p := range m.presets {
		p.Params = p.Params.Clone()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
