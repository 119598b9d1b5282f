// Package types contains common types used across the application
package types

// Entry represents a leaderboard row for one entity class.
type Entry struct {
	Rank       int     `json:"rank"`
	EntityID   string  `json:"entity_id"`
	EntityName string  `json:"entity_name,omitempty"`
	Class      string  `json:"class"`
	Rating     float64 `json:"rating"`
	Tier       string  `json:"tier"`
	Season     int     `json:"season"`
	Period     int     `json:"period"`
}

// Page describes an offset/limit window and the total number of matches.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}
