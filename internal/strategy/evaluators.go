package strategy

import (
	"fmt"

	"fxpilot/internal/config"
	"fxpilot/internal/indicators"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
)

// Evaluator kinds accepted in configuration.
const (
	KindEMACross     = "ema_cross"
	KindRSIReversion = "rsi_reversion"
	KindBreakout     = "breakout"
)

// defaultMinHistory applies when configuration leaves minHistory unset.
const defaultMinHistory = 50

// emaCross signals when the fast EMA crosses the slow EMA on the last bar.
type emaCross struct {
	base
	fast, slow, atrPeriod int
	stopATR, targetATR    float64
}

func newEMACross(cfg config.StrategyConfig, deps Deps) (Evaluator, error) {
	e := &emaCross{
		fast:      int(cfg.Param("fast", 9)),
		slow:      int(cfg.Param("slow", 21)),
		atrPeriod: int(cfg.Param("atrPeriod", 14)),
		stopATR:   cfg.Param("stopAtr", 1.5),
		targetATR: cfg.Param("targetAtr", 3.0),
	}
	if e.fast <= 0 || e.slow <= e.fast {
		return nil, fmt.Errorf("strategy %s: need 0 < fast < slow, got fast=%d slow=%d", cfg.Name, e.fast, e.slow)
	}
	if e.stopATR <= 0 || e.targetATR <= 0 {
		return nil, fmt.Errorf("strategy %s: stopAtr and targetAtr must be positive", cfg.Name)
	}
	warmup := max(e.slow+1, e.atrPeriod+1)
	if cfg.MinHistory == 0 {
		cfg.MinHistory = max(defaultMinHistory, warmup)
	}
	e.base = newBase(cfg, KindEMACross, warmup, deps)
	return e, nil
}

func (e *emaCross) Evaluate(accountID string, inst market.Instrument, candles []model.Candle, quote model.Quote) []model.Signal {
	buf, ok := e.prepare(accountID, inst, candles, quote)
	if !ok {
		return nil
	}
	closes := indicators.Closes(buf)
	fast := indicators.EMASeries(closes, e.fast)
	slow := indicators.EMASeries(closes, e.slow)
	atr, atrOK := indicators.ATR(buf, e.atrPeriod)
	if len(slow) < 2 || !atrOK || atr <= 0 {
		return nil
	}
	fNow, fPrev := fast[len(fast)-1], fast[len(fast)-2]
	sNow, sPrev := slow[len(slow)-1], slow[len(slow)-2]

	var side model.Side
	switch {
	case fPrev <= sPrev && fNow > sNow:
		side = model.SideLong
	case fPrev >= sPrev && fNow < sNow:
		side = model.SideShort
	default:
		return nil
	}
	gap := fNow - sNow
	if gap < 0 {
		gap = -gap
	}
	strength := indicators.Clamp(0.5+gap/atr, 0, 1)
	tag := "cross_up"
	if side == model.SideShort {
		tag = "cross_down"
	}
	return []model.Signal{e.signal(accountID, inst, side, quote, atr, e.stopATR, e.targetATR, strength,
		tag, fmt.Sprintf("ema%d/ema%d", e.fast, e.slow))}
}

// rsiReversion signals when RSI returns inside the band from an extreme.
type rsiReversion struct {
	base
	period, atrPeriod, trendPeriod int
	oversold, overbought           float64
	stopATR, targetATR             float64
}

func newRSIReversion(cfg config.StrategyConfig, deps Deps) (Evaluator, error) {
	r := &rsiReversion{
		period:      int(cfg.Param("period", 14)),
		atrPeriod:   int(cfg.Param("atrPeriod", 14)),
		trendPeriod: int(cfg.Param("trendPeriod", 0)),
		oversold:    cfg.Param("oversold", 30),
		overbought:  cfg.Param("overbought", 70),
		stopATR:     cfg.Param("stopAtr", 1.0),
		targetATR:   cfg.Param("targetAtr", 1.5),
	}
	if r.period <= 1 || r.oversold <= 0 || r.overbought >= 100 || r.oversold >= r.overbought {
		return nil, fmt.Errorf("strategy %s: invalid rsi band %.0f/%.0f period %d", cfg.Name, r.oversold, r.overbought, r.period)
	}
	warmup := max(r.period+2, r.atrPeriod+1, r.trendPeriod)
	if cfg.MinHistory == 0 {
		cfg.MinHistory = max(defaultMinHistory, warmup)
	}
	r.base = newBase(cfg, KindRSIReversion, warmup, deps)
	return r, nil
}

func (r *rsiReversion) Evaluate(accountID string, inst market.Instrument, candles []model.Candle, quote model.Quote) []model.Signal {
	buf, ok := r.prepare(accountID, inst, candles, quote)
	if !ok {
		return nil
	}
	closes := indicators.Closes(buf)
	now, okNow := indicators.RSI(closes, r.period)
	prev, okPrev := indicators.RSI(closes[:len(closes)-1], r.period)
	atr, atrOK := indicators.ATR(buf, r.atrPeriod)
	if !okNow || !okPrev || !atrOK || atr <= 0 {
		return nil
	}

	var (
		side     model.Side
		strength float64
		tag      string
	)
	switch {
	case prev < r.oversold && now >= r.oversold:
		side, tag = model.SideLong, "rsi_exit_oversold"
		strength = 0.5 + (r.oversold-prev)/r.oversold
	case prev > r.overbought && now <= r.overbought:
		side, tag = model.SideShort, "rsi_exit_overbought"
		strength = 0.5 + (prev-r.overbought)/(100-r.overbought)
	default:
		return nil
	}

	if r.trendPeriod > 0 {
		ema, ok := indicators.EMA(closes, r.trendPeriod)
		if !ok {
			return nil
		}
		last := closes[len(closes)-1]
		if (side == model.SideLong && last < ema) || (side == model.SideShort && last > ema) {
			return nil
		}
		tag += "_with_trend"
	}

	return []model.Signal{r.signal(accountID, inst, side, quote, atr, r.stopATR, r.targetATR,
		indicators.Clamp(strength, 0, 1), tag, fmt.Sprintf("rsi%d=%.1f", r.period, now))}
}

// breakout signals when the last close leaves the Donchian channel of the
// preceding bars by at least a fraction of ATR.
type breakout struct {
	base
	channel, atrPeriod            int
	minBreakATR, stopATR, targetATR float64
}

func newBreakout(cfg config.StrategyConfig, deps Deps) (Evaluator, error) {
	b := &breakout{
		channel:     int(cfg.Param("channel", 20)),
		atrPeriod:   int(cfg.Param("atrPeriod", 14)),
		minBreakATR: cfg.Param("minBreakAtr", 0.1),
		stopATR:     cfg.Param("stopAtr", 1.0),
		targetATR:   cfg.Param("targetAtr", 2.0),
	}
	if b.channel < 2 {
		return nil, fmt.Errorf("strategy %s: channel must be at least 2", cfg.Name)
	}
	warmup := max(b.channel+1, b.atrPeriod+1)
	if cfg.MinHistory == 0 {
		cfg.MinHistory = max(defaultMinHistory, warmup)
	}
	b.base = newBase(cfg, KindBreakout, warmup, deps)
	return b, nil
}

func (b *breakout) Evaluate(accountID string, inst market.Instrument, candles []model.Candle, quote model.Quote) []model.Signal {
	buf, ok := b.prepare(accountID, inst, candles, quote)
	if !ok {
		return nil
	}
	hi, lo, chOK := indicators.Donchian(buf, b.channel)
	atr, atrOK := indicators.ATR(buf, b.atrPeriod)
	if !chOK || !atrOK || atr <= 0 {
		return nil
	}
	last := buf[len(buf)-1].Close
	prevHi, prevLo, prevOK := indicators.Donchian(buf[:len(buf)-1], b.channel)
	prev := buf[len(buf)-2].Close

	var (
		side model.Side
		dist float64
		tag  string
	)
	switch {
	case last-hi >= b.minBreakATR*atr && (!prevOK || prev <= prevHi):
		side, dist, tag = model.SideLong, last-hi, "channel_break_high"
	case lo-last >= b.minBreakATR*atr && (!prevOK || prev >= prevLo):
		side, dist, tag = model.SideShort, lo-last, "channel_break_low"
	default:
		return nil
	}
	return []model.Signal{b.signal(accountID, inst, side, quote, atr, b.stopATR, b.targetATR,
		indicators.Clamp(dist/atr, 0, 1), tag, fmt.Sprintf("donchian%d", b.channel))}
}
