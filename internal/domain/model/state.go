package model

// EntityPeriodState is the recursive per-entity, per-season state carried
// from one period to the next. Values are replaced, never mutated in place.
type EntityPeriodState struct {
	EntityID   string   `json:"entity_id"`
	Season     int      `json:"season"`
	Class      string   `json:"class"`
	LastPeriod int      `json:"last_period"`
	Smoothed   float64  `json:"smoothed"`
	Tier       string   `json:"tier"`
	Volatility *float64 `json:"volatility,omitempty"`
	Momentum   *float64 `json:"momentum,omitempty"`
	// History holds recent smoothed ratings, newest first.
	History []float64 `json:"history"`
}

// Clone returns a deep copy of the state.
func (s *EntityPeriodState) Clone() *EntityPeriodState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Volatility != nil {
		out.Volatility = Float(*s.Volatility)
	}
	if s.Momentum != nil {
		out.Momentum = Float(*s.Momentum)
	}
	out.History = append([]float64(nil), s.History...)
	return &out
}
