package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpilot/internal/config"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
)

var overlap = time.Date(2026, 1, 7, 13, 0, 0, 0, time.UTC)

func candles(n int, start, step, rng float64) []model.Candle {
	out := make([]model.Candle, n)
	p := start
	for i := range out {
		open := p
		p += step
		out[i] = model.Candle{
			Time:     overlap.Add(-time.Duration(n-i) * 5 * time.Minute),
			Open:     open,
			Close:    p,
			High:     max(open, p) + rng/2,
			Low:      min(open, p) - rng/2,
			Complete: true,
		}
	}
	return out
}

func marketCtx(t *testing.T, cs []model.Candle, bid, ask, strategyMax float64) MarketContext {
	t.Helper()
	inst, err := market.NewCatalog(nil).Lookup("EUR_USD")
	require.NoError(t, err)
	sessions, err := market.SessionsFromConfig(config.DefaultSessions())
	require.NoError(t, err)
	return MarketContext{
		Instrument:            inst,
		Candles:               cs,
		Quote:                 model.Quote{Instrument: "EUR_USD", Bid: bid, Ask: ask, Time: overlap},
		StrategyMaxSpreadPips: strategyMax,
		Sessions:              sessions,
	}
}

func longSignal(strength float64) model.Signal {
	return model.Signal{
		AccountID: "acct", Strategy: "trend", Instrument: "EUR_USD", Side: model.SideLong,
		Entry: 1.1245, Stop: 1.1225, Target: 1.1285, Strength: strength,
	}
}

func TestScore_FullConfluence(t *testing.T) {
	t.Parallel()

	cs := candles(80, 1.1, 0.0003, 0.0004)
	mc := marketCtx(t, cs, 1.12400, 1.12405, 0)

	ss := NewScorer().Score(longSignal(0.8), mc)
	assert.True(t, ss.Passed)
	assert.Empty(t, ss.RejectGate)
	assert.Equal(t, 4, ss.Gates.Confluence)
	assert.ElementsMatch(t, []string{FactorTrend, FactorMomentum, FactorStrength, FactorCandle}, ss.Gates.Factors)
	assert.Equal(t, 100.0, ss.Gates.SessionQuality)
	assert.Equal(t, []string{"london", "new_york"}, ss.Gates.ActiveSessions)
	assert.Equal(t, 0.5, ss.Gates.SpreadPips)
	assert.Equal(t, 1.5, ss.Gates.SpreadCeilingPips)
	assert.Equal(t, 7.0, ss.Gates.ATRPips)
	// 0.40*100 + 0.25*100 + 0.20*80 + 0.15*(1.0/1.5*100)
	assert.InDelta(t, 91.0, ss.Quality, 0.01)
}

func TestScore_Deterministic(t *testing.T) {
	t.Parallel()

	cs := candles(80, 1.1, 0.0003, 0.0004)
	mc := marketCtx(t, cs, 1.12400, 1.12405, 1.0)
	s := NewScorer()

	first := s.Score(longSignal(0.6), mc)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.Score(longSignal(0.6), mc))
	}
	assert.Equal(t, first, NewScorer().Score(longSignal(0.6), mc))
}

func TestScore_SpreadGateRejectsButStillScores(t *testing.T) {
	t.Parallel()

	cs := candles(80, 1.1, 0.0003, 0.0004)
	mc := marketCtx(t, cs, 1.10000, 1.10012, 0.5)

	ss := NewScorer().Score(longSignal(0.8), mc)
	assert.False(t, ss.Passed)
	assert.Equal(t, model.GateSpread, ss.RejectGate)
	assert.Equal(t, 1.2, ss.Gates.SpreadPips)
	assert.Equal(t, 0.5, ss.Gates.SpreadCeilingPips)
	assert.Greater(t, ss.Quality, 0.0)

	ok, reason := Filter(ss, 0)
	assert.False(t, ok)
	assert.Equal(t, "spread 1.20 pips exceeds ceiling 0.50", reason)
}

func TestScore_VolatilityFloor(t *testing.T) {
	t.Parallel()

	cs := candles(80, 1.1, 0, 0.0001)
	mc := marketCtx(t, cs, 1.10000, 1.10002, 0)

	ss := NewScorer().Score(longSignal(0.5), mc)
	assert.False(t, ss.Passed)
	assert.Equal(t, model.GateVolatility, ss.RejectGate)
	ok, reason := Filter(ss, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "below floor")
}

func TestScore_OpposingSideHasNoConfluence(t *testing.T) {
	t.Parallel()

	cs := candles(80, 1.1, 0.0003, 0.0004)
	mc := marketCtx(t, cs, 1.12400, 1.12405, 0)
	sig := longSignal(0.8)
	sig.Side = model.SideShort

	ss := NewScorer().Score(sig, mc)
	assert.Equal(t, 1, ss.Gates.Confluence)
	assert.Equal(t, []string{FactorStrength}, ss.Gates.Factors)
}

func TestFilter_Threshold(t *testing.T) {
	t.Parallel()

	ss := model.ScoredSignal{Quality: 68.5, Passed: true}
	ok, reason := Filter(ss, 70)
	assert.False(t, ok)
	assert.Equal(t, "quality 68.50 below threshold 70.00", reason)

	ok, reason = Filter(ss, 68.5)
	assert.True(t, ok)
	assert.Empty(t, reason)
}
