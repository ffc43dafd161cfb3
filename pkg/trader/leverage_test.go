package trader

import "testing"

func TestRequiredMargin(t *testing.T) {
	lc := NewLeverageCalculator(10, nil, DefaultMarginBuffer)
	if got := lc.RequiredMargin(1000, 10); !approxEqual(got, 110) {
		t.Fatalf("margin=%v want 110", got)
	}
	if got := lc.RequiredMargin(500, 5); !approxEqual(got, 110) {
		t.Fatalf("margin=%v want 110", got)
	}
}

func TestLeverage_StricterVenueCapWins(t *testing.T) {
	caps := map[string]map[string]float64{
		"KAITO": {"binance": 5, "hyperliquid": 3},
	}
	lc := NewLeverageCalculator(10, caps, DefaultMarginBuffer)

	if got := lc.Leverage("KAITO", "binance", "hyperliquid"); got != 3 {
		t.Fatalf("leverage=%v want 3", got)
	}
	if got := lc.Leverage("KAITO", "binance", "okx"); got != 5 {
		t.Fatalf("leverage=%v want 5", got)
	}
	if got := lc.Leverage("WIF", "binance", "hyperliquid"); got != 10 {
		t.Fatalf("uncapped leverage=%v want 10", got)
	}

	low := NewLeverageCalculator(2, caps, DefaultMarginBuffer)
	if got := low.Leverage("KAITO", "binance", "hyperliquid"); got != 2 {
		t.Fatalf("leverage=%v want user leverage 2", got)
	}
}
