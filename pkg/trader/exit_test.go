package trader

import (
	"strings"
	"testing"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
)

var testExitRules = ExitRules{
	MinHourlySpread:      0.002,
	CompressionThreshold: 0.4,
	MaxDuration:          24 * time.Hour,
	MaxLossPct:           0.03,
}

func exitPosition(entrySpread float64, entry time.Time) *models.ActiveArbitragePosition {
	return &models.ActiveArbitragePosition{
		Token:       "KAITO",
		LongVenue:   "a",
		ShortVenue:  "b",
		EntrySpread: entrySpread,
		EntryTime:   entry,
		State:       models.PositionStateOpen,
		Legs: [2]models.Leg{
			{Venue: "a", Side: models.OrderSideBuy, Amount: 500, EntryPrice: 2},
			{Venue: "b", Side: models.OrderSideSell, Amount: 500, EntryPrice: 2},
		},
	}
}

func TestExit_FlipWinsOverFloorAndCompression(t *testing.T) {
	e := NewExitEvaluator(testExitRules)
	now := time.Now()
	pos := exitPosition(0.006, now.Add(-48*time.Hour))

	d := e.decide(pos, -0.001, -0.5, now)
	if !d.Exit || d.Rule != ExitSpreadFlip {
		t.Fatalf("exit=%v rule=%s want spread flip", d.Exit, d.Rule)
	}
	if d.Reason != "spread flipped negative" {
		t.Fatalf("reason=%q", d.Reason)
	}
}

func TestExit_FloorBeforeCompression(t *testing.T) {
	e := NewExitEvaluator(testExitRules)
	now := time.Now()
	d := e.decide(exitPosition(0.006, now), 0.0015, 0, now)
	if d.Rule != ExitFloor {
		t.Fatalf("rule=%s want %s", d.Rule, ExitFloor)
	}
}

func TestExit_Compression(t *testing.T) {
	e := NewExitEvaluator(testExitRules)
	now := time.Now()
	pos := exitPosition(0.006, now.Add(-time.Hour))

	d := e.decide(pos, 0.002, 0, now)
	if !d.Exit || d.Rule != ExitCompression {
		t.Fatalf("exit=%v rule=%s want compression", d.Exit, d.Rule)
	}
	if !strings.Contains(d.Reason, "66.7%") {
		t.Fatalf("reason=%q should carry compression percentage", d.Reason)
	}

	d = e.decide(pos, 0.0025, 0, now)
	if d.Exit {
		t.Fatalf("ratio 0.417 should not exit, got %s", d.Rule)
	}
}

func TestExit_MaxDuration(t *testing.T) {
	e := NewExitEvaluator(testExitRules)
	now := time.Now()

	if d := e.decide(exitPosition(0.006, now.Add(-24*time.Hour)), 0.006, 0, now); d.Rule != ExitMaxDuration {
		t.Fatalf("rule=%s want %s", d.Rule, ExitMaxDuration)
	}
	if d := e.decide(exitPosition(0.006, now.Add(-23*time.Hour)), 0.006, 0, now); d.Exit {
		t.Fatalf("exited before max duration: %s", d.Rule)
	}
}

func TestExit_StopLoss(t *testing.T) {
	e := NewExitEvaluator(testExitRules)
	now := time.Now()
	pos := exitPosition(0.006, now)

	if d := e.decide(pos, 0.006, -0.03, now); d.Rule != ExitStopLoss {
		t.Fatalf("rule=%s want %s", d.Rule, ExitStopLoss)
	}
	if d := e.decide(pos, 0.006, -0.029, now); d.Exit {
		t.Fatalf("exited above loss limit: %s", d.Rule)
	}
}

func TestExit_EvaluateUsesRecordedDirection(t *testing.T) {
	e := NewExitEvaluator(testExitRules)
	now := time.Now()
	pos := exitPosition(0.006, now)

	// the long venue now pays more than the short venue
	long := snapshot("a", 0.004, time.Hour)
	short := snapshot("b", 0.001, time.Hour)
	d := e.Evaluate(pos, long, short, now)
	if d.Rule != ExitSpreadFlip || !approxEqual(d.CurrentSpread, -0.003) {
		t.Fatalf("rule=%s spread=%v", d.Rule, d.CurrentSpread)
	}

	d = e.Evaluate(pos, short, long, now)
	if d.Exit || !approxEqual(d.CurrentSpread, 0.003) {
		t.Fatalf("exit=%v spread=%v", d.Exit, d.CurrentSpread)
	}
}

func TestPnLPct_IncludesFunding(t *testing.T) {
	pos := exitPosition(0.006, time.Now())
	pos.FundingPayments = []models.FundingPayment{{Venue: "b", Amount: 5}, {Venue: "a", Amount: -1}}

	// long +0.1*500 = 50, short -(0.2*500) = -100, funding +4 over 2000 notional
	got := PnLPct(pos, 2.1, 2.2)
	want := (50.0 - 100.0 + 4.0) / 2000.0
	if !approxEqual(got, want) {
		t.Fatalf("pnl=%v want %v", got, want)
	}

	if got := PnLPct(pos, 0, 0); !approxEqual(got, 4.0/2000.0) {
		t.Fatalf("unmarked pnl=%v", got)
	}
}
