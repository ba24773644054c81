// Package scoring computes the 0-100 quality score of a candidate signal from
// confluence, session context and spread/volatility gates.
package scoring

import (
	"fmt"
	"math"

	"fxpilot/internal/indicators"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
)

// Fixed component weights. They sum to 1.
const (
	wConfluence = 0.40
	wSession    = 0.25
	wStrength   = 0.20
	wSpread     = 0.15
)

// Confluence factor names.
const (
	FactorTrend     = "trend_alignment"
	FactorMomentum  = "momentum"
	FactorStrength  = "trend_strength"
	FactorCandle    = "candle_direction"
	confluenceTotal = 4
)

// MarketContext is everything besides the signal that the score depends on.
type MarketContext struct {
	Instrument            market.Instrument
	Candles               []model.Candle
	Quote                 model.Quote
	StrategyMaxSpreadPips float64
	Sessions              []market.Session
}

// Scorer is stateless; the same signal and context always yield the same
// ScoredSignal.
type Scorer struct {
	trendPeriod  int
	rsiPeriod    int
	adxPeriod    int
	atrPeriod    int
	adxThreshold float64
}

// NewScorer creates a scorer with standard indicator periods.
func NewScorer() *Scorer {
	return &Scorer{
		trendPeriod:  50,
		rsiPeriod:    14,
		adxPeriod:    14,
		atrPeriod:    14,
		adxThreshold: 20,
	}
}

// Score evaluates sig against mc. A signal failing the spread or volatility
// gate is still scored but marked not Passed with the first failing gate.
func (s *Scorer) Score(sig model.Signal, mc MarketContext) model.ScoredSignal {
	inst := mc.Instrument
	out := model.ScoredSignal{Signal: sig}
	g := &out.Gates

	// Spread gate: the tighter of the instrument and strategy ceilings.
	g.SpreadPips = round(inst.ToPips(mc.Quote.Spread()), 2)
	g.SpreadCeilingPips = inst.MaxSpreadPips
	if mc.StrategyMaxSpreadPips > 0 && (g.SpreadCeilingPips == 0 || mc.StrategyMaxSpreadPips < g.SpreadCeilingPips) {
		g.SpreadCeilingPips = mc.StrategyMaxSpreadPips
	}
	g.SpreadOK = g.SpreadCeilingPips == 0 || g.SpreadPips <= g.SpreadCeilingPips
	headroom := 100.0
	if g.SpreadCeilingPips > 0 {
		headroom = indicators.Clamp((g.SpreadCeilingPips-g.SpreadPips)/g.SpreadCeilingPips*100, 0, 100)
	}

	// Volatility floor.
	if atr, ok := indicators.ATR(mc.Candles, s.atrPeriod); ok {
		g.ATRPips = round(inst.ToPips(atr), 2)
	}
	g.ATRFloorPips = inst.MinATRPips
	g.VolatilityOK = g.ATRPips >= g.ATRFloorPips && g.ATRPips > 0

	// Confluence.
	g.ConfluenceMax = confluenceTotal
	g.Factors = s.confluence(sig.Side, mc.Candles)
	g.Confluence = len(g.Factors)

	// Session.
	g.SessionQuality, g.ActiveSessions = market.SessionQuality(mc.Sessions, inst, mc.Quote.Time)

	confPct := float64(g.Confluence) / float64(confluenceTotal) * 100
	strength := indicators.Clamp(sig.Strength, 0, 1) * 100
	out.Quality = round(wConfluence*confPct+wSession*g.SessionQuality+wStrength*strength+wSpread*headroom, 2)

	switch {
	case !g.SpreadOK:
		out.RejectGate = model.GateSpread
	case !g.VolatilityOK:
		out.RejectGate = model.GateVolatility
	default:
		out.Passed = true
	}
	return out
}

// confluence returns the names of the factors confirming side.
func (s *Scorer) confluence(side model.Side, candles []model.Candle) []string {
	if len(candles) == 0 {
		return nil
	}
	closes := indicators.Closes(candles)
	last := candles[len(candles)-1]
	sign := side.Sign()
	var factors []string

	if ema, ok := indicators.EMA(closes, s.trendPeriod); ok && sign*(last.Close-ema) > 0 {
		factors = append(factors, FactorTrend)
	}
	if rsi, ok := indicators.RSI(closes, s.rsiPeriod); ok && sign*(rsi-50) > 0 {
		factors = append(factors, FactorMomentum)
	}
	if adx, ok := indicators.ADX(candles, s.adxPeriod); ok && adx >= s.adxThreshold {
		factors = append(factors, FactorStrength)
	}
	if sign*(last.Close-last.Open) > 0 {
		factors = append(factors, FactorCandle)
	}
	return factors
}

// Filter decides whether a scored signal proceeds to the risk governor. When
// it does not, reason explains why.
func Filter(ss model.ScoredSignal, threshold float64) (ok bool, reason string) {
	if !ss.Passed {
		g := ss.Gates
		switch ss.RejectGate {
		case model.GateSpread:
			return false, fmt.Sprintf("spread %.2f pips exceeds ceiling %.2f", g.SpreadPips, g.SpreadCeilingPips)
		case model.GateVolatility:
			return false, fmt.Sprintf("atr %.2f pips below floor %.2f", g.ATRPips, g.ATRFloorPips)
		default:
			return false, "gate failed: " + ss.RejectGate
		}
	}
	if ss.Quality < threshold {
		return false, fmt.Sprintf("quality %.2f below threshold %.2f", ss.Quality, threshold)
	}
	return true, ""
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
