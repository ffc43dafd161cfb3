package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrUnknownLeg = errors.New("unknown leg handle")

const defaultRecentCloses = 50

// HistoryStore persists positions that have left the active set.
type HistoryStore interface {
	SavePosition(ctx context.Context, pos *models.ActiveArbitragePosition) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.LifecycleEvent) error
}

type Sizing struct {
	Notional float64
	Leverage float64
}

// PositionManager owns the set of active paired positions. A token has at
// most one active position, either pending (legs sent, not yet confirmed) or
// open. Closing positions leave the active set immediately and are tracked
// until the execution layer confirms the unwind.
type PositionManager struct {
	venues      VenueSet
	priceBuffer float64
	store       HistoryStore
	publisher   EventPublisher
	logger      *logrus.Logger
	now         func() time.Time
	newID       func() string

	active    map[string]*models.ActiveArbitragePosition // token
	closing   map[string]*models.ActiveArbitragePosition // position id
	legs      map[string]*models.ActiveArbitragePosition // leg handle
	recent    []*models.ActiveArbitragePosition
	maxRecent int
}

func NewPositionManager(venues VenueSet, priceBuffer float64, store HistoryStore, publisher EventPublisher, logger *logrus.Logger) *PositionManager {
	return &PositionManager{
		venues:      venues,
		priceBuffer: priceBuffer,
		store:       store,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		active:      make(map[string]*models.ActiveArbitragePosition),
		closing:     make(map[string]*models.ActiveArbitragePosition),
		legs:        make(map[string]*models.ActiveArbitragePosition),
		maxRecent:   defaultRecentCloses,
	}
}

// Has reports whether the token has a pending or open position.
func (m *PositionManager) Has(token string) bool {
	_, ok := m.active[token]
	return ok
}

func (m *PositionManager) Count() int {
	return len(m.active)
}

// Get returns a copy of the token's active position.
func (m *PositionManager) Get(token string) (*models.ActiveArbitragePosition, bool) {
	pos, ok := m.active[token]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Active returns copies of pending and open positions ordered by token.
func (m *PositionManager) Active() []*models.ActiveArbitragePosition {
	out := make([]*models.ActiveArbitragePosition, 0, len(m.active))
	for _, pos := range m.active {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Open returns copies of confirmed open positions ordered by token.
func (m *PositionManager) Open() []*models.ActiveArbitragePosition {
	var out []*models.ActiveArbitragePosition
	for _, pos := range m.Active() {
		if pos.State == models.PositionStateOpen {
			out = append(out, pos)
		}
	}
	return out
}

// Recent returns copies of the most recently closed or rolled back positions, newest first.
func (m *PositionManager) Recent() []*models.ActiveArbitragePosition {
	out := make([]*models.ActiveArbitragePosition, 0, len(m.recent))
	for i := len(m.recent) - 1; i >= 0; i-- {
		out = append(out, m.recent[i].Clone())
	}
	return out
}

// OpenPosition prices both legs off the venue mid with a directional buffer,
// sizes them to equal notional and sends both create intents. The position
// is tracked as pending until both legs are confirmed.
func (m *PositionManager) OpenPosition(ctx context.Context, opp models.ArbitrageOpportunity, sizing Sizing) (*models.ActiveArbitragePosition, error) {
	if m.Has(opp.Token) {
		return nil, ErrPositionExists
	}
	if opp.LongVenue == opp.ShortVenue {
		return nil, fmt.Errorf("legs must be on distinct venues: %s", opp.LongVenue)
	}
	if sizing.Notional <= 0 {
		return nil, fmt.Errorf("invalid notional %.2f", sizing.Notional)
	}

	longVenue, err := m.venues.lookup(opp.LongVenue)
	if err != nil {
		return nil, err
	}
	shortVenue, err := m.venues.lookup(opp.ShortVenue)
	if err != nil {
		return nil, err
	}

	longPair := longVenue.Info.TradingPair(opp.Token)
	shortPair := shortVenue.Info.TradingPair(opp.Token)
	longMid, err := m.midPrice(ctx, longVenue, longPair)
	if err != nil {
		return nil, err
	}
	shortMid, err := m.midPrice(ctx, shortVenue, shortPair)
	if err != nil {
		return nil, err
	}

	// Buy slightly above mid, sell slightly below
	longPrice := longMid * (1 + m.priceBuffer)
	shortPrice := shortMid * (1 - m.priceBuffer)

	pos := &models.ActiveArbitragePosition{
		ID:          m.newID(),
		Token:       opp.Token,
		LongVenue:   opp.LongVenue,
		ShortVenue:  opp.ShortVenue,
		Side:        opp.Direction,
		EntrySpread: opp.HourlySpread,
		EntryTime:   m.now(),
		Notional:    sizing.Notional,
		Leverage:    sizing.Leverage,
		State:       models.PositionStatePending,
		Legs: [2]models.Leg{
			{
				Venue:       opp.LongVenue,
				TradingPair: longPair,
				Side:        models.OrderSideBuy,
				Amount:      sizing.Notional / longPrice,
				EntryPrice:  longPrice,
			},
			{
				Venue:       opp.ShortVenue,
				TradingPair: shortPair,
				Side:        models.OrderSideSell,
				Amount:      sizing.Notional / shortPrice,
				EntryPrice:  shortPrice,
			},
		},
	}

	legVenues := []Venue{longVenue, shortVenue}
	for i, venue := range legVenues {
		leg := &pos.Legs[i]
		if q, ok := venue.Conn.(AmountQuantizer); ok {
			leg.Amount = q.QuantizeAmount(leg.TradingPair, leg.Amount)
		}
		if leg.Amount <= 0 {
			return nil, fmt.Errorf("%s leg on %s: notional %.2f below lot size", leg.Side, leg.Venue, sizing.Notional)
		}
	}

	for i, venue := range legVenues {
		leg := &pos.Legs[i]
		handle, err := venue.Conn.OpenLeg(ctx, models.OpenLegRequest{
			ClientID:    fmt.Sprintf("%s-%d", pos.ID, i),
			Venue:       leg.Venue,
			TradingPair: leg.TradingPair,
			Side:        leg.Side,
			Amount:      leg.Amount,
			LimitPrice:  leg.EntryPrice,
			Leverage:    sizing.Leverage,
		})
		if err != nil {
			leg.Closed = true
			reason := fmt.Sprintf("open %s leg on %s failed: %v", leg.Side, leg.Venue, err)
			m.rollback(ctx, pos, reason)
			return nil, fmt.Errorf("open %s leg on %s: %w", leg.Side, leg.Venue, err)
		}
		leg.Handle = handle
		m.legs[handle] = pos
	}

	m.active[pos.Token] = pos

	m.logger.WithFields(logrus.Fields{
		"position_id":  pos.ID,
		"token":        pos.Token,
		"long_venue":   pos.LongVenue,
		"short_venue":  pos.ShortVenue,
		"entry_spread": pos.EntrySpread,
		"long_price":   longPrice,
		"short_price":  shortPrice,
		"leverage":     sizing.Leverage,
	}).Info("Opened arbitrage position")

	m.publish(ctx, models.EventPositionOpened, pos, "", nil)
	return pos.Clone(), nil
}

func (m *PositionManager) midPrice(ctx context.Context, venue Venue, pair string) (float64, error) {
	mid, err := venue.Conn.GetMidPrice(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("%w: mid price %s on %s: %v", ErrDataUnavailable, pair, venue.Info.Name, err)
	}
	if mid <= 0 {
		return 0, fmt.Errorf("%w: non-positive mid price %s on %s", ErrDataUnavailable, pair, venue.Info.Name)
	}
	return mid, nil
}

// RecordFundingPayment appends the payment to the owning position's ledger.
// Payments for tokens without an active position, for venues outside the
// pair, or repeated for the same venue and settlement time are dropped.
func (m *PositionManager) RecordFundingPayment(ctx context.Context, ev models.FundingPaymentEvent) bool {
	fields := logrus.Fields{
		"token":  ev.Token,
		"venue":  ev.Venue,
		"amount": ev.Amount,
	}
	pos, ok := m.active[ev.Token]
	if !ok {
		m.logger.WithFields(fields).Debug("Dropping funding payment without active position")
		return false
	}
	if ev.Venue != pos.LongVenue && ev.Venue != pos.ShortVenue {
		m.logger.WithFields(fields).Debug("Dropping funding payment from venue outside pair")
		return false
	}
	for _, fp := range pos.FundingPayments {
		if fp.Venue == ev.Venue && fp.Timestamp.Equal(ev.Timestamp) {
			m.logger.WithFields(fields).Debug("Dropping duplicate funding payment")
			return false
		}
	}

	payment := models.FundingPayment{Venue: ev.Venue, Amount: ev.Amount, Timestamp: ev.Timestamp}
	pos.FundingPayments = append(pos.FundingPayments, payment)

	m.logger.WithFields(fields).WithField("funding_total", pos.FundingTotal()).Info("Recorded funding payment")
	m.publish(ctx, models.EventFundingRecorded, pos, "", &payment)
	return true
}

// ClosePosition sends stop intents for both legs and removes the position
// from the active set at once. It returns false when the token has no
// active position.
func (m *PositionManager) ClosePosition(ctx context.Context, token, reason string, exitSpread float64) bool {
	pos, ok := m.active[token]
	if !ok {
		return false
	}
	delete(m.active, token)

	closedAt := m.now()
	pos.State = models.PositionStateClosing
	pos.ExitReason = reason
	pos.ExitSpread = exitSpread
	pos.ClosedAt = &closedAt
	m.closing[pos.ID] = pos

	var closeErr error
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if leg.Handle == "" || leg.Closed {
			continue
		}
		venue, err := m.venues.lookup(leg.Venue)
		if err == nil {
			err = venue.Conn.CloseLeg(ctx, leg.Handle)
		}
		if err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close %s leg on %s: %w", leg.Side, leg.Venue, err))
		}
	}

	logger := m.logger.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"token":       pos.Token,
		"reason":      reason,
		"exit_spread": exitSpread,
		"funding":     pos.FundingTotal(),
	})

	if closeErr != nil {
		logger.WithError(closeErr).Error("Failed to send close intents")
		m.finish(ctx, pos, models.PositionStateCloseFailed)
		return true
	}

	logger.Info("Closing arbitrage position")
	m.remember(pos)
	m.persist(ctx, pos)
	m.publish(ctx, models.EventPositionClosing, pos, reason, nil)
	return true
}

// HandleLegUpdate applies an execution-layer confirmation for one leg.
func (m *PositionManager) HandleLegUpdate(ctx context.Context, u models.LegUpdate) error {
	pos, ok := m.legs[u.Handle]
	if !ok {
		m.logger.WithField("handle", u.Handle).Debug("Ignoring update for unknown leg")
		return fmt.Errorf("%w: %s", ErrUnknownLeg, u.Handle)
	}
	idx := 0
	if pos.Legs[1].Handle == u.Handle {
		idx = 1
	}
	leg := &pos.Legs[idx]

	switch u.Status {
	case models.LegStatusFilled:
		leg.Filled = true
		if pos.State == models.PositionStatePending && pos.Legs[0].Filled && pos.Legs[1].Filled {
			openedAt := m.now()
			pos.State = models.PositionStateOpen
			pos.OpenedAt = &openedAt
			m.logger.WithFields(logrus.Fields{
				"position_id": pos.ID,
				"token":       pos.Token,
			}).Info("Arbitrage position confirmed open")
			m.publish(ctx, models.EventPositionConfirmed, pos, "", nil)
		}

	case models.LegStatusFailed:
		leg.Closed = true
		delete(m.legs, u.Handle)
		if pos.State.Active() {
			m.rollback(ctx, pos, fmt.Sprintf("%s leg on %s failed: %s", leg.Side, leg.Venue, u.Reason))
		}

	case models.LegStatusClosed:
		leg.Closed = true
		delete(m.legs, u.Handle)
		if pos.State == models.PositionStateClosing && pos.Legs[0].Closed && pos.Legs[1].Closed {
			m.finish(ctx, pos, models.PositionStateClosed)
		}

	case models.LegStatusCloseFailed:
		if pos.State == models.PositionStateClosing {
			m.logger.WithFields(logrus.Fields{
				"position_id": pos.ID,
				"token":       pos.Token,
				"venue":       leg.Venue,
				"reason":      u.Reason,
			}).Error("Leg unwind failed")
			m.finish(ctx, pos, models.PositionStateCloseFailed)
		}

	default:
		return fmt.Errorf("unknown leg status %q", u.Status)
	}
	return nil
}

// ExpirePending rolls back positions whose legs were not both confirmed
// within timeout.
func (m *PositionManager) ExpirePending(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	now := m.now()
	expired := 0
	for _, pos := range m.active {
		if pos.State != models.PositionStatePending || now.Sub(pos.EntryTime) < timeout {
			continue
		}
		m.rollback(ctx, pos, fmt.Sprintf("legs not confirmed within %s", timeout))
		expired++
	}
	return expired
}

// rollback unwinds whatever legs were sent and returns the token to scanning.
func (m *PositionManager) rollback(ctx context.Context, pos *models.ActiveArbitragePosition, reason string) {
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if leg.Handle == "" {
			continue
		}
		delete(m.legs, leg.Handle)
		if leg.Closed {
			continue
		}
		if venue, err := m.venues.lookup(leg.Venue); err == nil {
			if err := venue.Conn.CloseLeg(ctx, leg.Handle); err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"position_id": pos.ID,
					"venue":       leg.Venue,
				}).Error("Failed to unwind surviving leg")
			}
		}
		leg.Closed = true
	}
	if current, ok := m.active[pos.Token]; ok && current == pos {
		delete(m.active, pos.Token)
	}

	closedAt := m.now()
	pos.State = models.PositionStateRolledBack
	pos.ExitReason = reason
	pos.ClosedAt = &closedAt

	m.logger.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"token":       pos.Token,
		"reason":      reason,
	}).Warn("Rolled back arbitrage position")

	m.remember(pos)
	m.persist(ctx, pos)
	m.publish(ctx, models.EventPositionRolledBack, pos, reason, nil)
}

func (m *PositionManager) finish(ctx context.Context, pos *models.ActiveArbitragePosition, state models.PositionState) {
	pos.State = state
	delete(m.closing, pos.ID)
	for _, h := range pos.LegHandles() {
		if h != "" {
			delete(m.legs, h)
		}
	}
	m.remember(pos)
	m.persist(ctx, pos)

	event := models.EventPositionClosed
	if state == models.PositionStateCloseFailed {
		event = models.EventPositionCloseFailed
	}
	m.publish(ctx, event, pos, pos.ExitReason, nil)
}

func (m *PositionManager) remember(pos *models.ActiveArbitragePosition) {
	for _, p := range m.recent {
		if p == pos {
			return
		}
	}
	m.recent = append(m.recent, pos)
	if len(m.recent) > m.maxRecent {
		m.recent = m.recent[len(m.recent)-m.maxRecent:]
	}
}

func (m *PositionManager) persist(ctx context.Context, pos *models.ActiveArbitragePosition) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePosition(ctx, pos.Clone()); err != nil {
		m.logger.WithError(err).WithField("position_id", pos.ID).Warn("Failed to persist position history")
	}
}

func (m *PositionManager) publish(ctx context.Context, typ models.EventType, pos *models.ActiveArbitragePosition, reason string, funding *models.FundingPayment) {
	if m.publisher == nil {
		return
	}
	event := models.LifecycleEvent{
		Type:       typ,
		PositionID: pos.ID,
		Token:      pos.Token,
		Reason:     reason,
		Funding:    funding,
		Position:   pos.Clone(),
		Timestamp:  m.now(),
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.WithError(err).WithField("event", typ).Warn("Failed to publish lifecycle event")
	}
}
