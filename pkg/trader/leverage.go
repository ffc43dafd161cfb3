package trader

// DefaultMarginBuffer covers fees and slippage between margin check and fill.
const DefaultMarginBuffer = 0.10

// LeverageCalculator derives the leverage both legs of a pair use and the
// margin each leg needs.
type LeverageCalculator struct {
	userLeverage float64
	caps         map[string]map[string]float64 // token -> venue -> max leverage
	marginBuffer float64
}

func NewLeverageCalculator(userLeverage float64, caps map[string]map[string]float64, marginBuffer float64) *LeverageCalculator {
	if userLeverage <= 0 {
		userLeverage = 1
	}
	if caps == nil {
		caps = make(map[string]map[string]float64)
	}
	return &LeverageCalculator{
		userLeverage: userLeverage,
		caps:         caps,
		marginBuffer: marginBuffer,
	}
}

// Leverage is the configured leverage clipped by the strictest venue cap for
// the token. The same value applies to both legs.
func (lc *LeverageCalculator) Leverage(token string, venues ...string) float64 {
	lev := lc.userLeverage
	venueCaps := lc.caps[token]
	for _, v := range venues {
		if c, ok := venueCaps[v]; ok && c > 0 && c < lev {
			lev = c
		}
	}
	return lev
}

// RequiredMargin is notional / leverage plus the margin buffer.
func (lc *LeverageCalculator) RequiredMargin(notional, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return notional / leverage * (1 + lc.marginBuffer)
}
