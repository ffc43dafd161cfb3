package trader

import (
	"context"
	"sort"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SnapshotReader fetches funding snapshots for one token from several venues
// concurrently and joins them into one atomic result.
type SnapshotReader struct {
	venues VenueSet
	logger *logrus.Logger
	now    func() time.Time
}

func NewSnapshotReader(venues VenueSet, logger *logrus.Logger) *SnapshotReader {
	return &SnapshotReader{venues: venues, logger: logger, now: time.Now}
}

// Read returns one snapshot per venue that answered, ordered by venue name.
// Failed venues are dropped for this cycle.
func (r *SnapshotReader) Read(ctx context.Context, token string, venueNames []string) []models.FundingSnapshot {
	results := make([]*models.FundingSnapshot, len(venueNames))

	var g errgroup.Group
	for i, name := range venueNames {
		i, name := i, name
		venue, err := r.venues.lookup(name)
		if err != nil {
			r.logger.WithError(err).WithField("token", token).Debug("Skipping venue")
			continue
		}
		g.Go(func() error {
			snap, err := venue.Conn.GetFundingSnapshot(ctx, token)
			if err != nil {
				r.logger.WithError(err).WithFields(logrus.Fields{
					"token": token,
					"venue": name,
				}).Debug("Funding snapshot unavailable")
				return nil
			}
			if snap == nil {
				return nil
			}
			s := *snap
			s.Token = token
			s.Venue = name
			if s.FundingInterval <= 0 {
				s.FundingInterval = venue.Info.FundingInterval
			}
			if s.ObservedAt.IsZero() {
				s.ObservedAt = r.now()
			}
			results[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	snaps := make([]models.FundingSnapshot, 0, len(results))
	for _, s := range results {
		if s != nil {
			snaps = append(snaps, *s)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Venue < snaps[j].Venue })
	return snaps
}
