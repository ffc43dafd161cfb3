package trader

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// AvailabilityIndex maps each configured token to the venues that list it.
// It is built once and only rebuilt on explicit request.
type AvailabilityIndex struct {
	entries map[string][]string
	built   bool
	stale   bool
}

func NewAvailabilityIndex() *AvailabilityIndex {
	return &AvailabilityIndex{entries: make(map[string][]string)}
}

// NeedsBuild is true before the first build and after Invalidate.
func (ai *AvailabilityIndex) NeedsBuild() bool {
	return !ai.built || ai.stale
}

// Invalidate marks the index for rebuild at the next tick.
func (ai *AvailabilityIndex) Invalidate() {
	ai.stale = true
}

// Build queries every venue's listing. A venue whose listing fails contributes
// nothing to this build.
func (ai *AvailabilityIndex) Build(ctx context.Context, tokens []string, venues VenueSet, logger *logrus.Logger) {
	listed := make(map[string]map[string]bool, len(venues))
	for name, v := range venues {
		list, err := v.Conn.ListTokens(ctx)
		if err != nil {
			logger.WithError(err).WithField("venue", name).Warn("Failed to list venue markets")
			continue
		}
		set := make(map[string]bool, len(list))
		for _, t := range list {
			set[strings.ToUpper(t)] = true
		}
		listed[name] = set
	}

	entries := make(map[string][]string, len(tokens))
	for _, token := range tokens {
		var names []string
		for venue, set := range listed {
			if set[strings.ToUpper(token)] {
				names = append(names, venue)
			}
		}
		sort.Strings(names)
		entries[token] = names

		logger.WithFields(logrus.Fields{
			"token":  token,
			"venues": names,
		}).Debug("Token availability")
	}

	ai.entries = entries
	ai.built = true
	ai.stale = false
}

// Venues returns the ordered venue set for a token.
func (ai *AvailabilityIndex) Venues(token string) []string {
	return ai.entries[token]
}

// Snapshot copies the index for reporting.
func (ai *AvailabilityIndex) Snapshot() map[string][]string {
	out := make(map[string][]string, len(ai.entries))
	for token, venues := range ai.entries {
		out[token] = append([]string(nil), venues...)
	}
	return out
}
