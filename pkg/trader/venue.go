package trader

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/fundingarb/pkg/models"
)

var (
	ErrInsufficientVenues = errors.New("token listed on fewer than two venues")
	ErrDataUnavailable    = errors.New("venue data unavailable")
	ErrPositionExists     = errors.New("token already has an active position")
	ErrUnknownVenue       = errors.New("unknown venue")
)

// MarketLister reports the base tokens a venue lists as perpetuals.
type MarketLister interface {
	ListTokens(ctx context.Context) ([]string, error)
}

type FundingDataSource interface {
	GetFundingSnapshot(ctx context.Context, token string) (*models.FundingSnapshot, error)
}

type BalanceSource interface {
	GetAvailableBalance(ctx context.Context, asset string) (float64, error)
}

type PriceSource interface {
	GetMidPrice(ctx context.Context, tradingPair string) (float64, error)
}

// VolumeSource returns ErrDataUnavailable (or any error) when the venue has no volume data.
type VolumeSource interface {
	Get24hVolume(ctx context.Context, tradingPair string) (float64, error)
}

// OrderExecutor places and unwinds legs. OpenLeg returns an opaque handle;
// fills and failures are reported later through LegUpdate events.
type OrderExecutor interface {
	OpenLeg(ctx context.Context, req models.OpenLegRequest) (string, error)
	CloseLeg(ctx context.Context, handle string) error
}

// AmountQuantizer is implemented by connectors that round order sizes to the
// venue's lot precision before submission.
type AmountQuantizer interface {
	QuantizeAmount(tradingPair string, amount float64) float64
}

// Connector is the full capability set one venue adapter provides.
type Connector interface {
	MarketLister
	FundingDataSource
	BalanceSource
	PriceSource
	VolumeSource
	OrderExecutor
}

type Venue struct {
	Info models.VenueInfo
	Conn Connector
}

// VenueSet indexes venues by name.
type VenueSet map[string]Venue

func NewVenueSet(venues ...Venue) VenueSet {
	vs := make(VenueSet, len(venues))
	for _, v := range venues {
		vs[v.Info.Name] = v
	}
	return vs
}

func (vs VenueSet) lookup(name string) (Venue, error) {
	v, ok := vs[name]
	if !ok {
		return Venue{}, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return v, nil
}
