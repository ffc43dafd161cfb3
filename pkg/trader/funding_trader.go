package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Tokens           []string
	PositionSize     float64 // notional per leg, in quote currency
	Leverage         float64
	LeverageCaps     map[string]map[string]float64
	MarginBuffer     float64
	PriceBuffer      float64
	MinHourlySpread  float64
	MinVolume24h     float64
	Exit             ExitRules
	TickInterval     time.Duration
	PendingTimeout   time.Duration
	MaxNewPerTick    int
	MaxOpenPositions int
}

// FundingTrader runs the scan/open/exit loop. All engine state is owned by
// the goroutine running Run; other goroutines talk to it through the Submit*,
// Status and RequestAvailabilityRefresh methods.
type FundingTrader struct {
	cfg       Config
	venues    VenueSet
	index     *AvailabilityIndex
	reader    *SnapshotReader
	scanner   *Scanner
	calc      *LeverageCalculator
	gate      *Gate
	exits     *ExitEvaluator
	positions *PositionManager
	logger    *logrus.Logger
	now       func() time.Time

	spreads  map[string]models.TokenSpread
	balances map[string]models.VenueBalance
	lastTick time.Time
	ticks    uint64

	fundingCh chan models.FundingPaymentEvent
	legCh     chan models.LegUpdate
	statusCh  chan chan models.StatusReport
	refreshCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewFundingTrader(cfg Config, venues VenueSet, store HistoryStore, publisher EventPublisher, logger *logrus.Logger) *FundingTrader {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = cfg.TickInterval
	}
	calc := NewLeverageCalculator(cfg.Leverage, cfg.LeverageCaps, cfg.MarginBuffer)

	return &FundingTrader{
		cfg:       cfg,
		venues:    venues,
		index:     NewAvailabilityIndex(),
		reader:    NewSnapshotReader(venues, logger),
		scanner:   NewScanner(cfg.MinHourlySpread),
		calc:      calc,
		gate:      NewGate(venues, calc, cfg.MinVolume24h, logger),
		exits:     NewExitEvaluator(cfg.Exit),
		positions: NewPositionManager(venues, cfg.PriceBuffer, store, publisher, logger),
		logger:    logger,
		now:       time.Now,
		spreads:   make(map[string]models.TokenSpread),
		balances:  make(map[string]models.VenueBalance),
		fundingCh: make(chan models.FundingPaymentEvent, 1024),
		legCh:     make(chan models.LegUpdate, 1024),
		statusCh:  make(chan chan models.StatusReport),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Positions exposes the lifecycle manager. It must only be used from the
// goroutine running the engine.
func (ft *FundingTrader) Positions() *PositionManager {
	return ft.positions
}

func (ft *FundingTrader) Start(ctx context.Context) error {
	ft.logger.WithFields(logrus.Fields{
		"tokens": ft.cfg.Tokens,
		"venues": len(ft.venues),
		"tick":   ft.cfg.TickInterval,
	}).Info("Starting funding arbitrage engine")

	go ft.Run(ctx)
	return nil
}

func (ft *FundingTrader) Stop() {
	ft.stopOnce.Do(func() {
		ft.logger.Info("Stopping funding arbitrage engine")
		close(ft.stopCh)
	})
}

// Run ticks immediately and then on every interval until ctx is done or
// Stop is called. Funding payments and leg updates are applied between ticks.
func (ft *FundingTrader) Run(ctx context.Context) {
	ticker := time.NewTicker(ft.cfg.TickInterval)
	defer ticker.Stop()

	ft.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ft.stopCh:
			return
		case <-ticker.C:
			ft.Tick(ctx)
		case ev := <-ft.fundingCh:
			ft.positions.RecordFundingPayment(ctx, ev)
		case u := <-ft.legCh:
			_ = ft.positions.HandleLegUpdate(ctx, u)
		case <-ft.refreshCh:
			ft.index.Invalidate()
		case reply := <-ft.statusCh:
			reply <- ft.Report()
		}
	}
}

// SubmitFundingPayment hands a funding payment to the engine loop.
func (ft *FundingTrader) SubmitFundingPayment(ev models.FundingPaymentEvent) {
	select {
	case ft.fundingCh <- ev:
	case <-ft.stopCh:
	}
}

// SubmitLegUpdate hands a leg confirmation to the engine loop.
func (ft *FundingTrader) SubmitLegUpdate(u models.LegUpdate) {
	select {
	case ft.legCh <- u:
	case <-ft.stopCh:
	}
}

// RequestAvailabilityRefresh rebuilds the token availability index at the next tick.
func (ft *FundingTrader) RequestAvailabilityRefresh() {
	select {
	case ft.refreshCh <- struct{}{}:
	default:
	}
}

// Status asks the engine loop for a report.
func (ft *FundingTrader) Status(ctx context.Context) (models.StatusReport, error) {
	reply := make(chan models.StatusReport, 1)
	select {
	case ft.statusCh <- reply:
	case <-ft.stopCh:
		return models.StatusReport{}, fmt.Errorf("engine stopped")
	case <-ctx.Done():
		return models.StatusReport{}, ctx.Err()
	}
	select {
	case report := <-reply:
		return report, nil
	case <-ctx.Done():
		return models.StatusReport{}, ctx.Err()
	}
}

// Tick is one evaluation pass: availability, balances, pending expiry,
// scan and open, then exits.
func (ft *FundingTrader) Tick(ctx context.Context) {
	if ft.index.NeedsBuild() {
		ft.index.Build(ctx, ft.cfg.Tokens, ft.venues, ft.logger)
	}
	ft.refreshBalances(ctx)

	if n := ft.positions.ExpirePending(ctx, ft.cfg.PendingTimeout); n > 0 {
		ft.logger.WithField("count", n).Warn("Expired unconfirmed positions")
	}

	ft.scanAndOpen(ctx)
	ft.evaluateExits(ctx)

	ft.lastTick = ft.now()
	ft.ticks++
}

func (ft *FundingTrader) scanAndOpen(ctx context.Context) {
	var candidates []models.ArbitrageOpportunity
	for _, token := range ft.cfg.Tokens {
		if ft.positions.Has(token) {
			continue
		}
		venues := ft.index.Venues(token)
		if len(venues) < 2 {
			ft.logger.WithField("token", token).Debug("Token listed on fewer than two venues")
			delete(ft.spreads, token)
			continue
		}

		snaps := ft.reader.Read(ctx, token, venues)
		opp, err := ft.scanner.Best(token, snaps)
		if err != nil {
			ft.logger.WithError(err).WithFields(logrus.Fields{
				"token":     token,
				"snapshots": len(snaps),
			}).Debug("Skipping token this cycle")
			delete(ft.spreads, token)
			continue
		}

		qualifies := ft.scanner.Qualifies(opp)
		ft.spreads[token] = models.TokenSpread{
			Token:        token,
			LongVenue:    opp.LongVenue,
			ShortVenue:   opp.ShortVenue,
			HourlySpread: opp.HourlySpread,
			Qualifies:    qualifies,
			ObservedAt:   opp.DetectedAt,
		}
		if qualifies {
			candidates = append(candidates, opp)
		}
	}

	opened := 0
	for _, opp := range Rank(candidates) {
		if ft.cfg.MaxNewPerTick > 0 && opened >= ft.cfg.MaxNewPerTick {
			break
		}
		if ft.cfg.MaxOpenPositions > 0 && ft.positions.Count() >= ft.cfg.MaxOpenPositions {
			ft.logger.WithField("max_open", ft.cfg.MaxOpenPositions).Debug("Open position limit reached")
			break
		}

		fields := logrus.Fields{
			"token":         opp.Token,
			"long_venue":    opp.LongVenue,
			"short_venue":   opp.ShortVenue,
			"hourly_spread": opp.HourlySpread,
		}

		decision := ft.gate.Check(ctx, opp, ft.cfg.PositionSize)
		if !decision.Approved {
			ft.logger.WithFields(fields).WithFields(logrus.Fields{
				"venue":     decision.Venue,
				"shortfall": decision.Shortfall,
				"reason":    decision.Reason,
			}).Info("Opportunity rejected by gate")
			continue
		}

		sizing := Sizing{Notional: ft.cfg.PositionSize, Leverage: decision.Leverage}
		if _, err := ft.positions.OpenPosition(ctx, opp, sizing); err != nil {
			ft.logger.WithError(err).WithFields(fields).Error("Failed to open arbitrage position")
			continue
		}
		opened++
	}
}

func (ft *FundingTrader) evaluateExits(ctx context.Context) {
	for _, pos := range ft.positions.Open() {
		snaps := ft.reader.Read(ctx, pos.Token, []string{pos.LongVenue, pos.ShortVenue})
		longSnap, shortSnap, ok := pairSnapshots(snaps, pos.LongVenue, pos.ShortVenue)
		if !ok {
			ft.logger.WithField("token", pos.Token).Debug("Exit check skipped, funding data unavailable")
			continue
		}

		decision := ft.exits.Evaluate(pos, longSnap, shortSnap, ft.now())
		ft.spreads[pos.Token] = models.TokenSpread{
			Token:        pos.Token,
			LongVenue:    pos.LongVenue,
			ShortVenue:   pos.ShortVenue,
			HourlySpread: decision.CurrentSpread,
			ObservedAt:   ft.now(),
		}
		if !decision.Exit {
			continue
		}

		ft.logger.WithFields(logrus.Fields{
			"token":          pos.Token,
			"rule":           decision.Rule,
			"current_spread": decision.CurrentSpread,
			"entry_spread":   pos.EntrySpread,
			"pnl_pct":        decision.PnLPct,
		}).Info("Exit rule fired")
		ft.positions.ClosePosition(ctx, pos.Token, decision.Reason, decision.CurrentSpread)
	}
}

func (ft *FundingTrader) refreshBalances(ctx context.Context) {
	perLeg := ft.calc.RequiredMargin(ft.cfg.PositionSize, ft.calc.Leverage(""))
	for name, v := range ft.venues {
		bal := models.VenueBalance{Venue: name, Asset: v.Info.Quote, UpdatedAt: ft.now()}
		available, err := v.Conn.GetAvailableBalance(ctx, v.Info.Quote)
		if err != nil {
			bal.Error = err.Error()
		} else {
			bal.Available = available
			bal.Headroom = available - perLeg
		}
		ft.balances[name] = bal
	}
}

func pairSnapshots(snaps []models.FundingSnapshot, longVenue, shortVenue string) (models.FundingSnapshot, models.FundingSnapshot, bool) {
	var long, short models.FundingSnapshot
	var haveLong, haveShort bool
	for _, s := range snaps {
		switch s.Venue {
		case longVenue:
			long, haveLong = s, true
		case shortVenue:
			short, haveShort = s, true
		}
	}
	return long, short, haveLong && haveShort
}

// Report builds a point-in-time status view. It must be called from the
// engine goroutine; use Status from anywhere else.
func (ft *FundingTrader) Report() models.StatusReport {
	now := ft.now()
	report := models.StatusReport{
		GeneratedAt:  now,
		LastTick:     ft.lastTick,
		Ticks:        ft.ticks,
		Availability: ft.index.Snapshot(),
	}

	for _, b := range ft.balances {
		report.Balances = append(report.Balances, b)
	}
	sort.Slice(report.Balances, func(i, j int) bool { return report.Balances[i].Venue < report.Balances[j].Venue })

	for _, s := range ft.spreads {
		report.Spreads = append(report.Spreads, s)
	}
	sort.Slice(report.Spreads, func(i, j int) bool { return report.Spreads[i].HourlySpread > report.Spreads[j].HourlySpread })

	for _, pos := range ft.positions.Active() {
		report.Positions = append(report.Positions, positionStatus(pos, now))
	}
	for _, pos := range ft.positions.Recent() {
		report.RecentCloses = append(report.RecentCloses, positionStatus(pos, now))
	}
	return report
}

func positionStatus(pos *models.ActiveArbitragePosition, now time.Time) models.PositionStatus {
	end := now
	if pos.ClosedAt != nil {
		end = *pos.ClosedAt
	}
	return models.PositionStatus{
		ID:           pos.ID,
		Token:        pos.Token,
		LongVenue:    pos.LongVenue,
		ShortVenue:   pos.ShortVenue,
		State:        pos.State,
		EntrySpread:  pos.EntrySpread,
		EntryTime:    pos.EntryTime,
		Duration:     end.Sub(pos.EntryTime).Round(time.Second).String(),
		FundingTotal: pos.FundingTotal(),
		FundingCount: len(pos.FundingPayments),
		Notional:     pos.Notional,
		ExitReason:   pos.ExitReason,
	}
}

func (ft *FundingTrader) setClock(now func() time.Time) {
	ft.now = now
	ft.reader.now = now
	ft.scanner.now = now
	ft.positions.now = now
}
