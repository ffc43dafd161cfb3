package trader

import (
	"fmt"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
)

type ExitRule string

const (
	ExitNone        ExitRule = ""
	ExitSpreadFlip  ExitRule = "spread_flip"
	ExitFloor       ExitRule = "spread_floor"
	ExitCompression ExitRule = "compression"
	ExitMaxDuration ExitRule = "max_duration"
	ExitStopLoss    ExitRule = "stop_loss"
)

const ReasonSpreadFlipped = "spread flipped negative"

type ExitRules struct {
	MinHourlySpread      float64
	CompressionThreshold float64
	MaxDuration          time.Duration
	MaxLossPct           float64
}

type ExitDecision struct {
	Exit          bool
	Rule          ExitRule
	Reason        string
	CurrentSpread float64
	PnLPct        float64
}

// ExitEvaluator runs the ordered exit rule chain. The first rule that fires
// wins; later rules are not checked.
type ExitEvaluator struct {
	rules ExitRules
}

func NewExitEvaluator(rules ExitRules) *ExitEvaluator {
	return &ExitEvaluator{rules: rules}
}

// Evaluate recomputes the position's directed spread and PnL from fresh
// snapshots of its two venues.
func (e *ExitEvaluator) Evaluate(pos *models.ActiveArbitragePosition, longSnap, shortSnap models.FundingSnapshot, now time.Time) ExitDecision {
	current := DirectedHourlySpread(longSnap, shortSnap)
	return e.decide(pos, current, PnLPct(pos, longSnap.MarkPrice, shortSnap.MarkPrice), now)
}

func (e *ExitEvaluator) decide(pos *models.ActiveArbitragePosition, current, pnlPct float64, now time.Time) ExitDecision {
	d := ExitDecision{CurrentSpread: current, PnLPct: pnlPct}
	fire := func(rule ExitRule, reason string) ExitDecision {
		d.Exit = true
		d.Rule = rule
		d.Reason = reason
		return d
	}

	if current < 0 {
		return fire(ExitSpreadFlip, ReasonSpreadFlipped)
	}
	if current < e.rules.MinHourlySpread {
		return fire(ExitFloor, fmt.Sprintf("spread %.4f%%/h below floor %.4f%%/h",
			current*100, e.rules.MinHourlySpread*100))
	}
	if pos.EntrySpread > 0 {
		ratio := current / pos.EntrySpread
		if ratio < e.rules.CompressionThreshold {
			return fire(ExitCompression, fmt.Sprintf("spread compressed %.1f%% (entry %.4f%%/h, now %.4f%%/h)",
				(1-ratio)*100, pos.EntrySpread*100, current*100))
		}
	}
	if e.rules.MaxDuration > 0 {
		if held := now.Sub(pos.EntryTime); held >= e.rules.MaxDuration {
			return fire(ExitMaxDuration, fmt.Sprintf("max duration reached after %s", held.Round(time.Minute)))
		}
	}
	if e.rules.MaxLossPct > 0 && pnlPct <= -e.rules.MaxLossPct {
		return fire(ExitStopLoss, fmt.Sprintf("stop loss: pnl %.2f%% of notional", pnlPct*100))
	}
	return d
}

// PnLPct is mark-to-market PnL of both legs plus collected funding, over
// the combined entry notional. A zero mark leaves that leg unmarked.
func PnLPct(pos *models.ActiveArbitragePosition, longMark, shortMark float64) float64 {
	notional := pos.EntryNotional()
	if notional <= 0 {
		return 0
	}
	long, short := pos.Legs[0], pos.Legs[1]
	pnl := pos.FundingTotal()
	if longMark > 0 {
		pnl += (longMark - long.EntryPrice) * long.Amount
	}
	if shortMark > 0 {
		pnl += (short.EntryPrice - shortMark) * short.Amount
	}
	return pnl / notional
}
