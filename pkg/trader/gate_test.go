package trader

import (
	"context"
	"testing"

	"github.com/gregtusar/fundingarb/pkg/models"
)

func newGateFixture(minVolume float64) (*Gate, *fakeConn, *fakeConn) {
	long := newFakeConn("a")
	short := newFakeConn("b")
	venues := NewVenueSet(hourly("a", long), hourly("b", short))
	calc := NewLeverageCalculator(10, nil, DefaultMarginBuffer)
	return NewGate(venues, calc, minVolume, testLogger()), long, short
}

var gateOpp = models.ArbitrageOpportunity{Token: "KAITO", LongVenue: "a", ShortVenue: "b", HourlySpread: 0.005}

func TestGate_ApprovesWhenBothLegsFunded(t *testing.T) {
	g, long, short := newGateFixture(0)
	long.balance = 111
	short.balance = 500

	d := g.Check(context.Background(), gateOpp, 1000)
	if !d.Approved {
		t.Fatalf("rejected: %s", d.Reason)
	}
	if d.Leverage != 10 || !approxEqual(d.RequiredMargin, 110) {
		t.Fatalf("leverage=%v margin=%v", d.Leverage, d.RequiredMargin)
	}
}

func TestGate_RejectsWhenEitherLegShort(t *testing.T) {
	g, long, short := newGateFixture(0)
	long.balance = 1_000_000
	short.balance = 50

	d := g.Check(context.Background(), gateOpp, 1000)
	if d.Approved {
		t.Fatalf("approved with short leg underfunded")
	}
	if d.Venue != "b" || !approxEqual(d.Shortfall, 60) {
		t.Fatalf("venue=%s shortfall=%v want b/60", d.Venue, d.Shortfall)
	}

	long.balance = 10
	short.balance = 1_000_000
	d = g.Check(context.Background(), gateOpp, 1000)
	if d.Approved || d.Venue != "a" {
		t.Fatalf("approved=%v venue=%s want reject on a", d.Approved, d.Venue)
	}
}

func TestGate_RejectsWhenBalanceUnavailable(t *testing.T) {
	g, long, _ := newGateFixture(0)
	long.balanceErr = errFake

	if d := g.Check(context.Background(), gateOpp, 1000); d.Approved {
		t.Fatalf("approved without balance data")
	}
}

func TestGate_VolumeFloor(t *testing.T) {
	g, long, short := newGateFixture(1_000_000)
	long.volumes["KAITO-USDT"] = 5_000_000
	short.volumes["KAITO-USDT"] = 200_000

	d := g.Check(context.Background(), gateOpp, 1000)
	if d.Approved {
		t.Fatalf("approved below volume floor")
	}
	if d.Venue != "b" || !approxEqual(d.Shortfall, 800_000) {
		t.Fatalf("venue=%s shortfall=%v", d.Venue, d.Shortfall)
	}

	// missing volume data skips the check
	delete(short.volumes, "KAITO-USDT")
	if d := g.Check(context.Background(), gateOpp, 1000); !d.Approved {
		t.Fatalf("rejected with unavailable volume: %s", d.Reason)
	}
}
