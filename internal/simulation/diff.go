package simulation

import (
	"context"

	"github.com/okian/alpharank/internal/domain/model"
)

// PeriodDelta summarises one step of an entity's series.
type PeriodDelta struct {
	Period     int                 `json:"period"`
	Calibrated float64             `json:"calibrated"`
	Rating     float64             `json:"rating"`
	Adjustment float64             `json:"adjustment"`
	Change     float64             `json:"change"`
	Tier       string              `json:"tier"`
	TierChange bool                `json:"tier_change,omitempty"`
	Flags      []model.OutlierFlag `json:"flags,omitempty"`
}

// Diff is the per-period series of one entity within a run.
type Diff struct {
	RunID    string               `json:"run_id"`
	EntityID string               `json:"entity_id"`
	Records  []model.RatingRecord `json:"records"`
	Deltas   []PeriodDelta        `json:"deltas"`
	// Net is the rating change from the first to the last record.
	Net float64 `json:"net"`
}

// Diff returns the entity's records in period order with period-over-period
// changes. Change is zero for the first record.
func (h *Harness) Diff(ctx context.Context, id, entityID string) (Diff, error) {
	if _, err := h.get(id); err != nil {
		return Diff{}, err
	}
	recs, err := h.results.Series(ctx, id, entityID)
	if err != nil {
		return Diff{}, err
	}
	d := Diff{RunID: id, EntityID: entityID, Records: recs, Deltas: make([]PeriodDelta, len(recs))}
	for i := range recs {
		rec := &recs[i]
		delta := PeriodDelta{
			Period:     rec.Period,
			Calibrated: rec.Calibrated,
			Rating:     rec.Rating,
			Adjustment: rec.Adjustment,
			Tier:       rec.Tier,
			Flags:      rec.Flags,
		}
		if i > 0 {
			delta.Change = rec.Rating - recs[i-1].Rating
			delta.TierChange = rec.Tier != recs[i-1].Tier
		}
		d.Deltas[i] = delta
	}
	if len(recs) > 0 {
		d.Net = recs[len(recs)-1].Rating - recs[0].Rating
	}
	return d, nil
}
