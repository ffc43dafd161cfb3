package trader

import (
	"math"
	"sort"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
)

const secondsPerHour = 3600.0

// HourlySpread is the absolute difference of two per-second funding rates
// scaled to one hour.
func HourlySpread(a, b models.FundingSnapshot) float64 {
	return math.Abs(a.PerSecondRate()-b.PerSecondRate()) * secondsPerHour
}

// DirectedHourlySpread is the spread earned by holding long on longSnap and
// short on shortSnap. It goes negative when the pair has flipped.
func DirectedHourlySpread(longSnap, shortSnap models.FundingSnapshot) float64 {
	return (shortSnap.PerSecondRate() - longSnap.PerSecondRate()) * secondsPerHour
}

type Scanner struct {
	minSpread float64
	now       func() time.Time
}

func NewScanner(minHourlySpread float64) *Scanner {
	return &Scanner{minSpread: minHourlySpread, now: time.Now}
}

// Best finds the venue pair with the largest hourly spread. Snapshots are
// compared in venue-name order and ties keep the first pair found, so the
// result does not depend on fetch order.
func (s *Scanner) Best(token string, snaps []models.FundingSnapshot) (models.ArbitrageOpportunity, error) {
	if len(snaps) < 2 {
		return models.ArbitrageOpportunity{}, ErrInsufficientVenues
	}
	ordered := append([]models.FundingSnapshot(nil), snaps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Venue < ordered[j].Venue })

	var (
		best  models.ArbitrageOpportunity
		found bool
	)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			a, b := ordered[i], ordered[j]
			if a.Venue == b.Venue {
				continue
			}
			spread := HourlySpread(a, b)
			if found && spread <= best.HourlySpread {
				continue
			}
			// lower normalized rate goes long
			long, short, side := a, b, models.SideLongFirst
			if b.PerSecondRate() < a.PerSecondRate() {
				long, short, side = b, a, models.SideLongSecond
			}
			best = models.ArbitrageOpportunity{
				Token:        token,
				LongVenue:    long.Venue,
				ShortVenue:   short.Venue,
				HourlySpread: spread,
				Direction:    side,
				LongRate:     long.Rate,
				ShortRate:    short.Rate,
				DetectedAt:   s.now(),
			}
			found = true
		}
	}
	if !found {
		return models.ArbitrageOpportunity{}, ErrInsufficientVenues
	}
	return best, nil
}

// Qualifies reports whether an opportunity clears the entry minimum.
func (s *Scanner) Qualifies(opp models.ArbitrageOpportunity) bool {
	return opp.HourlySpread >= s.minSpread
}

// Rank orders opportunities by spread, highest first. Equal spreads keep
// token order.
func Rank(opps []models.ArbitrageOpportunity) []models.ArbitrageOpportunity {
	ranked := append([]models.ArbitrageOpportunity(nil), opps...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].HourlySpread != ranked[j].HourlySpread {
			return ranked[i].HourlySpread > ranked[j].HourlySpread
		}
		return ranked[i].Token < ranked[j].Token
	})
	return ranked
}
