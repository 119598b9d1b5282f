package params

import "github.com/okian/alpharank/internal/domain/model"

// Scoring modes shipped with the default set.
const (
	ModeRedraft = "redraft"
	ModeDynasty = "dynasty"
)

// DefaultVersion identifies the built-in parameter set.
const DefaultVersion = "2024.1"

func vec(volume, efficiency, stability, contextFit float64) WeightVector {
	return WeightVector{
		model.CategoryVolume:     volume,
		model.CategoryEfficiency: efficiency,
		model.CategoryStability:  stability,
		model.CategoryContextFit: contextFit,
	}
}

// Default returns the built-in parameter set.
func Default() *Set {
	return &Set{
		Version:     DefaultVersion,
		DefaultMode: ModeRedraft,
		Weights: map[string]map[string]WeightVector{
			"WR": {
				ModeRedraft: vec(0.43, 0.37, 0.15, 0.05),
				ModeDynasty: vec(0.35, 0.35, 0.25, 0.05),
			},
			"RB": {
				ModeRedraft: vec(0.45, 0.30, 0.15, 0.10),
				ModeDynasty: vec(0.38, 0.30, 0.22, 0.10),
			},
			"TE": {
				ModeRedraft: vec(0.40, 0.35, 0.15, 0.10),
				ModeDynasty: vec(0.34, 0.34, 0.22, 0.10),
			},
			"QB": {
				ModeRedraft: vec(0.30, 0.45, 0.15, 0.10),
				ModeDynasty: vec(0.25, 0.45, 0.20, 0.10),
			},
			DefaultKey: {
				ModeRedraft: vec(0.40, 0.35, 0.15, 0.10),
			},
		},
		Modifiers: map[string]float64{
			model.FactorEnvironment: 0.40,
			model.FactorMatchup:     0.25,
		},
		Calibration: Calibration{
			ZScoreRescue:  true,
			ZScoreBound:   5,
			PositiveSlope: 23,
			NegativeSlope: 100,
			Anchors: map[string]Anchors{
				"WR":       {Low: 31, High: 76, OutFloor: 25, OutCeiling: 95},
				"RB":       {Low: 28, High: 74, OutFloor: 25, OutCeiling: 95},
				"TE":       {Low: 26, High: 70, OutFloor: 25, OutCeiling: 95},
				"QB":       {Low: 33, High: 78, OutFloor: 25, OutCeiling: 95},
				DefaultKey: {Low: 30, High: 75, OutFloor: 25, OutCeiling: 95},
			},
		},
		Smoothing: Smoothing{
			DecayRatio:         0.65,
			BaselineWeight:     0.35,
			HighVolatility:     12,
			LowVolatility:      4,
			HighVolDamping:     0.3,
			HighVolDampingCap:  5,
			LowVolBoost:        0.2,
			LowVolBoostCap:     3,
			MomentumThreshold:  5,
			MomentumMultiplier: 0.3,
			MomentumCap:        3,
			AdjustmentCap:      8,
			HistoryWindow:      8,
			VolatilityWindow:   4,
			MomentumWindow:     3,
			LargeAdjustment:    6,
			ConflictDeadband:   1,
			VolatilitySpike:    15,
		},
		Baselines: map[string]float64{
			DefaultKey: model.NeutralRating,
		},
		Tiers: map[string][]Tier{
			DefaultKey: {
				{Name: "elite", Min: 85},
				{Name: "starter", Min: 70},
				{Name: "flex", Min: 55},
				{Name: "depth", Min: 40},
				{Name: "bench", Min: 0},
			},
		},
	}
}
