package models

import (
	"time"
)

type EventType string

const (
	EventPositionOpened      EventType = "position_opened"
	EventPositionConfirmed   EventType = "position_confirmed"
	EventPositionRolledBack  EventType = "position_rolled_back"
	EventPositionClosing     EventType = "position_closing"
	EventPositionClosed      EventType = "position_closed"
	EventPositionCloseFailed EventType = "position_close_failed"
	EventFundingRecorded     EventType = "funding_recorded"
)

// LifecycleEvent is published whenever a position changes state or its
// funding ledger grows.
type LifecycleEvent struct {
	Type       EventType                `json:"type"`
	PositionID string                   `json:"position_id"`
	Token      string                   `json:"token"`
	Reason     string                   `json:"reason,omitempty"`
	Funding    *FundingPayment          `json:"funding,omitempty"`
	Position   *ActiveArbitragePosition `json:"position,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}
