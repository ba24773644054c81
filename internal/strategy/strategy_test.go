package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"fxpilot/internal/config"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
)

var t0 = time.Date(2026, 1, 7, 8, 0, 0, 0, time.UTC)

func series(closes []float64, rng float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	prev := closes[0]
	for i, c := range closes {
		out[i] = model.Candle{
			Instrument: "EUR_USD",
			Time:       t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:       prev,
			Close:      c,
			High:       max(prev, c) + rng/2,
			Low:        min(prev, c) - rng/2,
			Complete:   true,
		}
		prev = c
	}
	return out
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func quoteAt(price float64, at time.Time) model.Quote {
	return model.Quote{Instrument: "EUR_USD", Bid: price - 0.00005, Ask: price + 0.00005, Time: at}
}

func eurusd(t *testing.T) market.Instrument {
	inst, err := market.NewCatalog(nil).Lookup("EUR_USD")
	require.NoError(t, err)
	return inst
}

func build(t *testing.T, cfg config.StrategyConfig, deps Deps) Evaluator {
	t.Helper()
	if cfg.Granularity == "" {
		cfg.Granularity = "M5"
	}
	ev, err := New(cfg, deps)
	require.NoError(t, err)
	return ev
}

func TestEvaluate_InsufficientHistory(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ev := build(t, config.StrategyConfig{Name: "trend", Kind: KindEMACross, MinHistory: 50}, Deps{Logger: zap.New(core)})

	candles := series(ramp(5, 1.1, 0.0001), 0.0002)
	var signals []model.Signal
	require.NotPanics(t, func() {
		signals = ev.Evaluate("acct", eurusd(t), candles, quoteAt(1.1, t0))
	})
	assert.Empty(t, signals)
	entries := logs.FilterMessage("insufficient history").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(50), entries[0].ContextMap()["need"])
	assert.Equal(t, int64(5), entries[0].ContextMap()["have"])
}

func TestEMACross_LongOnCrossUp(t *testing.T) {
	t.Parallel()

	ev := build(t, config.StrategyConfig{Name: "trend", Kind: KindEMACross}, Deps{})
	closes := append(ramp(59, 1.1200, -0.0002), 1.1200-58*0.0002+0.03)
	candles := series(closes, 0.0004)
	q := quoteAt(closes[len(closes)-1], candles[len(candles)-1].Time)

	signals := ev.Evaluate("acct", eurusd(t), candles, q)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, model.SideLong, s.Side)
	assert.Equal(t, "trend", s.Strategy)
	assert.Equal(t, "acct", s.AccountID)
	assert.Less(t, s.Stop, s.Entry)
	assert.Greater(t, s.Target, s.Entry)
	assert.Contains(t, s.Rationale, "cross_up")
	assert.GreaterOrEqual(t, s.Strength, 0.0)
	assert.LessOrEqual(t, s.Strength, 1.0)
}

func TestEMACross_NoCrossNoSignal(t *testing.T) {
	t.Parallel()

	ev := build(t, config.StrategyConfig{Name: "trend", Kind: KindEMACross}, Deps{})
	candles := series(ramp(80, 1.1, 0.0002), 0.0004)
	assert.Empty(t, ev.Evaluate("acct", eurusd(t), candles, quoteAt(1.116, t0)))
}

func TestRSIReversion_LongFromOversold(t *testing.T) {
	t.Parallel()

	ev := build(t, config.StrategyConfig{Name: "revert", Kind: KindRSIReversion}, Deps{})
	closes := ramp(59, 1.1300, -0.0005)
	closes = append(closes, closes[len(closes)-1]+0.005)
	candles := series(closes, 0.0004)

	signals := ev.Evaluate("acct", eurusd(t), candles, quoteAt(closes[len(closes)-1], t0))
	require.Len(t, signals, 1)
	assert.Equal(t, model.SideLong, signals[0].Side)
	assert.Equal(t, 1.0, signals[0].Strength)
	assert.Contains(t, signals[0].Rationale, "rsi_exit_oversold")
}

func TestRSIReversion_TrendFilterBlocksCounterTrend(t *testing.T) {
	t.Parallel()

	ev := build(t, config.StrategyConfig{
		Name: "revert", Kind: KindRSIReversion,
		Params: map[string]float64{"trendPeriod": 50},
	}, Deps{})
	closes := ramp(59, 1.1300, -0.0005)
	closes = append(closes, closes[len(closes)-1]+0.005)

	assert.Empty(t, ev.Evaluate("acct", eurusd(t), series(closes, 0.0004), quoteAt(closes[len(closes)-1], t0)))
}

func TestBreakout_ShortOnChannelBreak(t *testing.T) {
	t.Parallel()

	ev := build(t, config.StrategyConfig{Name: "brk", Kind: KindBreakout}, Deps{})
	closes := append(ramp(59, 1.1, 0), 1.0990)
	candles := series(closes, 0.0004)

	signals := ev.Evaluate("acct", eurusd(t), candles, quoteAt(1.0990, t0))
	require.Len(t, signals, 1)
	assert.Equal(t, model.SideShort, signals[0].Side)
	assert.Greater(t, signals[0].Stop, signals[0].Entry)
	assert.Contains(t, signals[0].Rationale, "channel_break_low")
}

func TestSessionRestriction(t *testing.T) {
	t.Parallel()

	sessions := []market.Session{{Name: "london", Start: 7 * 60, End: 16 * 60}}
	ev := build(t, config.StrategyConfig{Name: "brk", Kind: KindBreakout, SessionRestricted: true}, Deps{Sessions: sessions})
	closes := append(ramp(59, 1.1, 0), 1.0990)
	candles := series(closes, 0.0004)

	night := time.Date(2026, 1, 7, 3, 0, 0, 0, time.UTC)
	assert.Empty(t, ev.Evaluate("acct", eurusd(t), candles, quoteAt(1.0990, night)))

	day := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	assert.Len(t, ev.Evaluate("acct", eurusd(t), candles, quoteAt(1.0990, day)), 1)
}

func TestEvaluatorsDeclareContract(t *testing.T) {
	t.Parallel()

	ev := build(t, config.StrategyConfig{
		Name: "trend", Kind: KindEMACross, Instruments: []string{"EUR_USD"},
		MaxSpreadPips: 0.5, Threshold: 72, Granularity: "M15",
	}, Deps{})
	assert.Equal(t, "trend", ev.Name())
	assert.Equal(t, KindEMACross, ev.Kind())
	assert.Equal(t, 50, ev.MinHistory())
	assert.Equal(t, []string{"EUR_USD"}, ev.Instruments())
	assert.Equal(t, "M15", ev.Granularity())
	assert.Equal(t, 0.5, ev.MaxSpreadPips())
	assert.Equal(t, 72.0, ev.Threshold())
	assert.False(t, ev.SessionRestricted())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(config.StrategyConfig{Name: "x", Kind: "martingale", Granularity: "M5"}, Deps{})
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = New(config.StrategyConfig{Name: "x", Kind: KindEMACross, Granularity: "M7"}, Deps{})
	assert.ErrorContains(t, err, "granularity")

	_, err = New(config.StrategyConfig{Name: "x", Kind: KindEMACross, Granularity: "M5",
		Params: map[string]float64{"fast": 30, "slow": 10}}, Deps{})
	assert.ErrorContains(t, err, "fast < slow")
}

func TestBuild_PartialRegistry(t *testing.T) {
	t.Parallel()

	reg, err := Build([]config.StrategyConfig{
		{Name: "good", Kind: KindBreakout, Granularity: "M5"},
		{Name: "bad", Kind: "grid", Granularity: "M5"},
	}, Deps{})

	var berr *BuildError
	require.ErrorAs(t, err, &berr)
	assert.Contains(t, berr.Strategies, "bad")
	assert.Equal(t, []string{"good"}, reg.Names())
	_, ok := reg.Get("bad")
	assert.False(t, ok)
	assert.Equal(t, []string{KindBreakout, KindEMACross, KindRSIReversion}, Kinds())
}

func TestHistory_MergeAndCap(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	c := series(ramp(5, 1.1, 0.0001), 0)
	h.Merge("EUR_USD", c[:2])

	updated := c[1]
	updated.Close = 9
	out := h.Merge("EUR_USD", []model.Candle{c[0], updated, c[2]})
	require.Len(t, out, 3)
	assert.Equal(t, 9.0, out[1].Close)

	out = h.Merge("EUR_USD", c[3:])
	require.Len(t, out, 3)
	assert.Equal(t, c[2].Time, out[0].Time)
	assert.Equal(t, c[4].Time, out[2].Time)
	assert.Equal(t, 3, h.Len("EUR_USD"))
	assert.Equal(t, 0, h.Len("USD_JPY"))
}
