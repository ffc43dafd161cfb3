package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OpenLegRequest is the "create position" intent sent to a venue executor.
type OpenLegRequest struct {
	ClientID    string
	Venue       string
	TradingPair string
	Side        OrderSide
	Amount      float64
	LimitPrice  float64
	Leverage    float64
}

type LegStatus string

const (
	LegStatusFilled      LegStatus = "filled"
	LegStatusFailed      LegStatus = "failed"
	LegStatusClosed      LegStatus = "closed"
	LegStatusCloseFailed LegStatus = "close_failed"
)

// LegUpdate is the execution layer's confirmation (or failure) for a leg handle.
type LegUpdate struct {
	Handle    string
	Status    LegStatus
	Reason    string
	Timestamp time.Time
}
