package trader

import (
	"context"
	"fmt"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

// GateDecision is the outcome of a margin and liquidity check.
type GateDecision struct {
	Approved       bool
	Leverage       float64
	RequiredMargin float64
	Venue          string  // venue that failed the check
	Shortfall      float64 // missing balance or volume
	Reason         string
}

// Gate checks per-venue balance against required margin and, optionally,
// 24h volume against a floor.
type Gate struct {
	venues    VenueSet
	calc      *LeverageCalculator
	minVolume float64
	logger    *logrus.Logger
}

func NewGate(venues VenueSet, calc *LeverageCalculator, minVolume float64, logger *logrus.Logger) *Gate {
	return &Gate{venues: venues, calc: calc, minVolume: minVolume, logger: logger}
}

func (g *Gate) Check(ctx context.Context, opp models.ArbitrageOpportunity, notional float64) GateDecision {
	lev := g.calc.Leverage(opp.Token, opp.LongVenue, opp.ShortVenue)
	required := g.calc.RequiredMargin(notional, lev)
	decision := GateDecision{Leverage: lev, RequiredMargin: required}

	reject := func(venue string, shortfall float64, reason string) GateDecision {
		decision.Venue = venue
		decision.Shortfall = shortfall
		decision.Reason = reason
		return decision
	}

	for _, name := range []string{opp.LongVenue, opp.ShortVenue} {
		venue, err := g.venues.lookup(name)
		if err != nil {
			return reject(name, 0, err.Error())
		}

		balance, err := venue.Conn.GetAvailableBalance(ctx, venue.Info.Quote)
		if err != nil {
			return reject(name, 0, fmt.Sprintf("balance unavailable: %v", err))
		}
		if required > balance {
			return reject(name, required-balance,
				fmt.Sprintf("insufficient %s balance: have %.2f need %.2f", venue.Info.Quote, balance, required))
		}

		if g.minVolume > 0 {
			volume, err := venue.Conn.Get24hVolume(ctx, venue.Info.TradingPair(opp.Token))
			if err != nil {
				g.logger.WithError(err).WithFields(logrus.Fields{
					"token": opp.Token,
					"venue": name,
				}).Debug("Volume unavailable, skipping liquidity check")
				continue
			}
			if volume < g.minVolume {
				return reject(name, g.minVolume-volume,
					fmt.Sprintf("24h volume %.0f below floor %.0f", volume, g.minVolume))
			}
		}
	}

	decision.Approved = true
	return decision
}
