package models

import (
	"time"
)

type PositionState string

const (
	PositionStatePending     PositionState = "pending"
	PositionStateOpen        PositionState = "open"
	PositionStateClosing     PositionState = "closing"
	PositionStateClosed      PositionState = "closed"
	PositionStateCloseFailed PositionState = "close_failed"
	PositionStateRolledBack  PositionState = "rolled_back"
)

// Active reports whether the position still occupies its token's slot.
func (s PositionState) Active() bool {
	return s == PositionStatePending || s == PositionStateOpen
}

type Leg struct {
	Venue       string    `json:"venue"`
	TradingPair string    `json:"trading_pair"`
	Side        OrderSide `json:"side"`
	Amount      float64   `json:"amount"`
	EntryPrice  float64   `json:"entry_price"`
	Handle      string    `json:"handle"`
	Filled      bool      `json:"filled"`
	Closed      bool      `json:"closed"`
}

// Notional is the leg's value at entry.
func (l Leg) Notional() float64 {
	return l.Amount * l.EntryPrice
}

// ActiveArbitragePosition is a paired long/short position on two venues.
// Legs[0] is always the long leg and Legs[1] the short leg.
type ActiveArbitragePosition struct {
	ID              string           `json:"id"`
	Token           string           `json:"token"`
	LongVenue       string           `json:"long_venue"`
	ShortVenue      string           `json:"short_venue"`
	Side            PairSide         `json:"side"`
	EntrySpread     float64          `json:"entry_spread"`
	EntryTime       time.Time        `json:"entry_time"`
	Notional        float64          `json:"notional"`
	Leverage        float64          `json:"leverage"`
	Legs            [2]Leg           `json:"legs"`
	FundingPayments []FundingPayment `json:"funding_payments"`
	State           PositionState    `json:"state"`
	OpenedAt        *time.Time       `json:"opened_at,omitempty"`
	ExitReason      string           `json:"exit_reason,omitempty"`
	ExitSpread      float64          `json:"exit_spread,omitempty"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
}

func (p *ActiveArbitragePosition) LongLeg() *Leg  { return &p.Legs[0] }
func (p *ActiveArbitragePosition) ShortLeg() *Leg { return &p.Legs[1] }

// LegHandles returns the execution-layer handles of both legs.
func (p *ActiveArbitragePosition) LegHandles() []string {
	return []string{p.Legs[0].Handle, p.Legs[1].Handle}
}

// FundingTotal sums the ledger.
func (p *ActiveArbitragePosition) FundingTotal() float64 {
	total := 0.0
	for _, fp := range p.FundingPayments {
		total += fp.Amount
	}
	return total
}

// EntryNotional is the combined entry value of both legs.
func (p *ActiveArbitragePosition) EntryNotional() float64 {
	return p.Legs[0].Notional() + p.Legs[1].Notional()
}

// Clone returns a copy whose ledger can be read without aliasing the original.
func (p *ActiveArbitragePosition) Clone() *ActiveArbitragePosition {
	cp := *p
	cp.FundingPayments = append([]FundingPayment(nil), p.FundingPayments...)
	return &cp
}
