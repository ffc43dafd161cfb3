package models

import (
	"time"
)

type VenueBalance struct {
	Venue     string    `json:"venue"`
	Asset     string    `json:"asset"`
	Available float64   `json:"available"`
	Headroom  float64   `json:"headroom"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TokenSpread struct {
	Token        string    `json:"token"`
	LongVenue    string    `json:"long_venue"`
	ShortVenue   string    `json:"short_venue"`
	HourlySpread float64   `json:"hourly_spread"`
	Qualifies    bool      `json:"qualifies"`
	ObservedAt   time.Time `json:"observed_at"`
}

type PositionStatus struct {
	ID           string        `json:"id"`
	Token        string        `json:"token"`
	LongVenue    string        `json:"long_venue"`
	ShortVenue   string        `json:"short_venue"`
	State        PositionState `json:"state"`
	EntrySpread  float64       `json:"entry_spread"`
	EntryTime    time.Time     `json:"entry_time"`
	Duration     string        `json:"duration"`
	FundingTotal float64       `json:"funding_total"`
	FundingCount int           `json:"funding_count"`
	Notional     float64       `json:"notional"`
	ExitReason   string        `json:"exit_reason,omitempty"`
}

// StatusReport is a point-in-time view of the engine for operators.
type StatusReport struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	LastTick     time.Time           `json:"last_tick"`
	Ticks        uint64              `json:"ticks"`
	Availability map[string][]string `json:"availability"`
	Balances     []VenueBalance      `json:"balances"`
	Spreads      []TokenSpread       `json:"spreads"`
	Positions    []PositionStatus    `json:"positions"`
	RecentCloses []PositionStatus    `json:"recent_closes"`
}
