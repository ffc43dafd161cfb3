package trader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

var errFake = errors.New("fake venue error")

type fakeConn struct {
	name string

	mu          sync.Mutex
	tokens      []string
	listErr     error
	rates       map[string]float64 // token -> rate per interval
	marks       map[string]float64 // token -> mark price
	fundingErr  error
	balance     float64
	balanceErr  error
	mids        map[string]float64 // pair -> mid
	volumes     map[string]float64 // pair -> 24h volume, missing = unavailable
	openErr     error
	closeErr    error
	opened      []models.OpenLegRequest
	closed      []string
	nextHandle  int
	fundingHits int
	listHits    int
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{
		name:    name,
		rates:   make(map[string]float64),
		marks:   make(map[string]float64),
		mids:    make(map[string]float64),
		volumes: make(map[string]float64),
		balance: 1_000_000,
	}
}

func (f *fakeConn) ListTokens(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHits++
	return f.tokens, f.listErr
}

func (f *fakeConn) GetFundingSnapshot(ctx context.Context, token string) (*models.FundingSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingHits++
	if f.fundingErr != nil {
		return nil, f.fundingErr
	}
	rate, ok := f.rates[token]
	if !ok {
		return nil, fmt.Errorf("%w: no funding for %s", ErrDataUnavailable, token)
	}
	return &models.FundingSnapshot{Rate: rate, MarkPrice: f.marks[token]}, nil
}

func (f *fakeConn) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balanceErr
}

func (f *fakeConn) GetMidPrice(ctx context.Context, pair string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mid, ok := f.mids[pair]
	if !ok {
		return 0, errFake
	}
	return mid, nil
}

func (f *fakeConn) Get24hVolume(ctx context.Context, pair string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol, ok := f.volumes[pair]
	if !ok {
		return 0, ErrDataUnavailable
	}
	return vol, nil
}

func (f *fakeConn) OpenLeg(ctx context.Context, req models.OpenLegRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return "", f.openErr
	}
	f.nextHandle++
	f.opened = append(f.opened, req)
	return fmt.Sprintf("%s-leg-%d", f.name, f.nextHandle), nil
}

func (f *fakeConn) CloseLeg(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, handle)
	return nil
}

func (f *fakeConn) closedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func (f *fakeConn) openedLegs() []models.OpenLegRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OpenLegRequest(nil), f.opened...)
}

// lotConn rounds amounts down to a fixed number of decimals.
type lotConn struct {
	*fakeConn
	decimals int
}

func (l *lotConn) QuantizeAmount(pair string, amount float64) float64 {
	scale := math.Pow(10, float64(l.decimals))
	return math.Trunc(amount*scale) / scale
}

type memoryStore struct {
	saved map[string]*models.ActiveArbitragePosition
	saves int
}

func (s *memoryStore) SavePosition(ctx context.Context, pos *models.ActiveArbitragePosition) error {
	if s.saved == nil {
		s.saved = make(map[string]*models.ActiveArbitragePosition)
	}
	s.saved[pos.ID] = pos
	s.saves++
	return nil
}

type recordingPublisher struct {
	events []models.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []models.EventType {
	out := make([]models.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func hourly(name string, conn Connector) Venue {
	return Venue{Info: models.VenueInfo{Name: name, Quote: "USDT", FundingInterval: time.Hour}, Conn: conn}
}

func eightHourly(name string, conn Connector) Venue {
	return Venue{Info: models.VenueInfo{Name: name, Quote: "USDT", FundingInterval: 8 * time.Hour}, Conn: conn}
}

func snapshot(venue string, rate float64, interval time.Duration) models.FundingSnapshot {
	return models.FundingSnapshot{Token: "KAITO", Venue: venue, Rate: rate, FundingInterval: interval}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
