package models

import (
	"time"
)

// VenueInfo is the static identity of a trading venue for one run.
type VenueInfo struct {
	Name            string
	Quote           string
	FundingInterval time.Duration
}

// TradingPair returns the venue's perpetual pair for a base token, e.g. KAITO-USDT.
func (v VenueInfo) TradingPair(token string) string {
	return token + "-" + v.Quote
}

type FundingSnapshot struct {
	Token           string
	Venue           string
	Rate            float64 // fraction per funding interval
	FundingInterval time.Duration
	MarkPrice       float64
	IndexPrice      float64
	NextFundingTime time.Time
	ObservedAt      time.Time
}

// PerSecondRate normalizes the rate by the venue's settlement cadence.
func (s FundingSnapshot) PerSecondRate() float64 {
	secs := s.FundingInterval.Seconds()
	if secs <= 0 {
		return 0
	}
	return s.Rate / secs
}

// PairSide records which venue of a pair is held long. Venues of a pair are
// ordered by name, so "first" is the lexicographically smaller venue.
type PairSide string

const (
	SideLongFirst  PairSide = "long_first"
	SideLongSecond PairSide = "long_second"
)

type ArbitrageOpportunity struct {
	Token        string
	LongVenue    string
	ShortVenue   string
	HourlySpread float64
	Direction    PairSide
	LongRate     float64
	ShortRate    float64
	DetectedAt   time.Time
}

type FundingPayment struct {
	Venue     string    `json:"venue"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// FundingPaymentEvent is pushed by the execution layer when a venue settles funding.
type FundingPaymentEvent struct {
	Token     string
	Venue     string
	Amount    float64
	Timestamp time.Time
}
