package venue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/trader"
	"github.com/sirupsen/logrus"
)

var _ trader.Connector = (*PaperConnector)(nil)

// PaperExecutor simulates order execution. Every leg fills at its limit
// price and every close succeeds; the resulting status changes are reported
// through the leg update handler. Open legs hold margin the same way the
// entry gate sizes it.
type PaperExecutor struct {
	venue        string
	marginBuffer float64
	logger       *logrus.Logger

	mu       sync.Mutex
	legs     map[string]models.OpenLegRequest
	onUpdate func(models.LegUpdate)
}

func NewPaperExecutor(venue string, marginBuffer float64, logger *logrus.Logger) *PaperExecutor {
	return &PaperExecutor{
		venue:        venue,
		marginBuffer: marginBuffer,
		logger:       logger,
		legs:         make(map[string]models.OpenLegRequest),
	}
}

func (p *PaperExecutor) SetLegUpdateHandler(fn func(models.LegUpdate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

func (p *PaperExecutor) OpenLeg(ctx context.Context, req models.OpenLegRequest) (string, error) {
	if req.Amount <= 0 || req.LimitPrice <= 0 {
		return "", fmt.Errorf("paper %s: invalid order amount=%v price=%v", p.venue, req.Amount, req.LimitPrice)
	}
	handle := "paper-" + uuid.NewString()

	p.mu.Lock()
	p.legs[handle] = req
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"venue":  p.venue,
		"pair":   req.TradingPair,
		"side":   req.Side,
		"amount": req.Amount,
		"price":  req.LimitPrice,
		"handle": handle,
	}).Info("Paper leg filled")

	p.emit(models.LegUpdate{Handle: handle, Status: models.LegStatusFilled})
	return handle, nil
}

func (p *PaperExecutor) CloseLeg(ctx context.Context, handle string) error {
	p.mu.Lock()
	_, ok := p.legs[handle]
	delete(p.legs, handle)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("paper %s: unknown leg %s", p.venue, handle)
	}

	p.logger.WithFields(logrus.Fields{
		"venue":  p.venue,
		"handle": handle,
	}).Info("Paper leg closed")

	p.emit(models.LegUpdate{Handle: handle, Status: models.LegStatusClosed})
	return nil
}

// OpenLegs returns the number of simulated legs still open.
func (p *PaperExecutor) OpenLegs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.legs)
}

// ReservedMargin is the margin held by open legs: notional over leverage,
// plus the margin buffer.
func (p *PaperExecutor) ReservedMargin() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0.0
	for _, req := range p.legs {
		lev := req.Leverage
		if lev <= 0 {
			lev = 1
		}
		total += req.Amount * req.LimitPrice / lev * (1 + p.marginBuffer)
	}
	return total
}

// emit delivers the update from its own goroutine so callers running on the
// engine loop never block on their own inbound channel.
func (p *PaperExecutor) emit(u models.LegUpdate) {
	p.mu.Lock()
	fn := p.onUpdate
	p.mu.Unlock()
	if fn == nil {
		return
	}
	u.Timestamp = time.Now().UTC()
	go fn(u)
}

// PaperConnector reads live market data through a gateway client and routes
// execution to a PaperExecutor.
type PaperConnector struct {
	*GatewayClient
	Executor *PaperExecutor
	balance  float64
}

// NewPaperConnector wires paper execution on top of gateway market data. A
// positive balance replaces the venue's real balance.
func NewPaperConnector(client *GatewayClient, balance, marginBuffer float64, logger *logrus.Logger) *PaperConnector {
	return &PaperConnector{
		GatewayClient: client,
		Executor:      NewPaperExecutor(client.Info().Name, marginBuffer, logger),
		balance:       balance,
	}
}

// GetAvailableBalance reports the starting balance less the margin held by
// open paper legs.
func (c *PaperConnector) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	base := c.balance
	if base <= 0 {
		var err error
		base, err = c.GatewayClient.GetAvailableBalance(ctx, asset)
		if err != nil {
			return 0, err
		}
	}
	return math.Max(base-c.Executor.ReservedMargin(), 0), nil
}

func (c *PaperConnector) OpenLeg(ctx context.Context, req models.OpenLegRequest) (string, error) {
	return c.Executor.OpenLeg(ctx, req)
}

func (c *PaperConnector) CloseLeg(ctx context.Context, handle string) error {
	return c.Executor.CloseLeg(ctx, handle)
}
