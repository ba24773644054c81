package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpilot/internal/config"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
)

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Notify(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func account() config.AccountConfig {
	return config.AccountConfig{
		ID:       "acct-1",
		Currency: "USD",
		Risk: config.RiskLimits{
			MaxRiskPerTradePct:  1,
			DailyRiskCapPct:     3,
			MaxOpenPositions:    3,
			DailyTradeCap:       5,
			MaxDailyDrawdownPct: 5,
			MaxTotalDrawdownPct: 15,
		},
	}
}

func eurusd(t *testing.T) market.Instrument {
	t.Helper()
	inst, err := market.NewCatalog(nil).Lookup("EUR_USD")
	require.NoError(t, err)
	return inst
}

func request(t *testing.T) Request {
	return Request{
		Account:  account(),
		Active:   true,
		Snapshot: model.AccountSnapshot{ID: "acct-1", Balance: 10_000, Equity: 10_000},
		Scored: model.ScoredSignal{
			Signal: model.Signal{
				AccountID: "acct-1", Strategy: "trend", Instrument: "EUR_USD", Side: model.SideLong,
				Entry: 1.1000, Stop: 1.0980, Target: 1.1040,
			},
			Quality: 78,
			Passed:  true,
		},
		Instrument:     eurusd(t),
		QuoteToAccount: 1,
	}
}

func newGovernor(cal *Calendar, n *recorder) *Governor {
	g := NewGovernor(time.UTC, cal, n)
	g.SetClock(func() time.Time { return noon })
	return g
}

func TestSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 50_000.0, Size(100, 0.0020, 1))
	// Quote currency worth half the account currency.
	assert.Equal(t, 800.0, Size(100, 0.25, 0.5))
	assert.Zero(t, Size(100, 0, 1))
	assert.Zero(t, Size(0, 0.002, 1))
	assert.Equal(t, 2.0, RR(1.1, 1.098, 1.104))
}

func TestSize_NeverExceedsBudget(t *testing.T) {
	t.Parallel()

	for _, stop := range []float64{0.0007, 0.0013, 0.00173, 0.0021, 0.0099} {
		for _, q := range []float64{1, 0.73, 1.27, 0.0066} {
			units := Size(123.45, stop, q)
			assert.LessOrEqual(t, PlannedRisk(units, stop, q), 123.45+1e-9)
			assert.Greater(t, PlannedRisk(units+1, stop, q), 123.45)
		}
	}
}

func TestAuthorize_Approves(t *testing.T) {
	t.Parallel()

	g := newGovernor(nil, &recorder{})
	d := g.Authorize(context.Background(), request(t))

	require.True(t, d.Approved, d.Detail)
	assert.Equal(t, 50_000.0, d.Units)
	assert.Equal(t, 100.0, d.RiskAmount)
	assert.InDelta(t, 20.0, d.StopPips, 1e-6)
	assert.Equal(t, 1.0980, d.StopLoss)
	assert.Equal(t, 1.1040, d.TakeProfit)
	assert.Len(t, d.ClientRef, 26)
	assert.Equal(t, noon, d.DecidedAt)
}

func TestAuthorize_ClientRefsAreUnique(t *testing.T) {
	t.Parallel()

	g := newGovernor(nil, &recorder{})
	a := g.Authorize(context.Background(), request(t))
	b := g.Authorize(context.Background(), request(t))
	require.True(t, a.Approved)
	require.True(t, b.Approved)
	assert.NotEqual(t, a.ClientRef, b.ClientRef)
}

func TestAuthorize_InactiveAccount(t *testing.T) {
	t.Parallel()

	req := request(t)
	req.Active = false
	d := newGovernor(nil, &recorder{}).Authorize(context.Background(), req)
	assert.False(t, d.Approved)
	assert.Equal(t, model.RejectAccountInactive, d.Reason)
	assert.Empty(t, d.ClientRef)
}

func TestAuthorize_DailyTradeCap(t *testing.T) {
	t.Parallel()

	g := newGovernor(nil, &recorder{})
	for i := 0; i < 5; i++ {
		g.RecordExecution("acct-1", 10, noon.Add(-time.Hour))
	}
	d := g.Authorize(context.Background(), request(t))
	assert.False(t, d.Approved)
	assert.Equal(t, model.RejectDailyCap, d.Reason)
	assert.Contains(t, d.Detail, "5/5")
}

func TestAuthorize_DailyCapResetsNextDay(t *testing.T) {
	t.Parallel()

	g := newGovernor(nil, &recorder{})
	for i := 0; i < 5; i++ {
		g.RecordExecution("acct-1", 10, noon.Add(-24*time.Hour))
	}
	d := g.Authorize(context.Background(), request(t))
	assert.True(t, d.Approved, d.Detail)
}

func TestAuthorize_DailyRiskBudget(t *testing.T) {
	t.Parallel()

	g := newGovernor(nil, &recorder{})
	g.RecordExecution("acct-1", 250, noon)

	d := g.Authorize(context.Background(), request(t))
	require.True(t, d.Approved, d.Detail)
	assert.Equal(t, 50.0, d.RiskAmount)
	assert.Equal(t, 25_000.0, d.Units)

	g.RecordExecution("acct-1", 50, noon)
	d = g.Authorize(context.Background(), request(t))
	assert.Equal(t, model.RejectDailyCap, d.Reason)
}

func TestAuthorize_PositionCap(t *testing.T) {
	t.Parallel()

	req := request(t)
	req.Exposure.OpenPositions = 3
	d := newGovernor(nil, &recorder{}).Authorize(context.Background(), req)
	assert.Equal(t, model.RejectPositionCap, d.Reason)
}

func TestAuthorize_Blackout(t *testing.T) {
	t.Parallel()

	cal := NewCalendar(config.CalendarConfig{
		BlackoutMinutes: 30,
		Events: []config.EventConfig{
			{Time: noon.Add(20 * time.Minute), Currencies: []string{"USD"}, Impact: "high", Title: "NFP"},
			{Time: noon, Currencies: []string{"EUR"}, Impact: "low", Title: "minor"},
		},
	})
	d := newGovernor(cal, &recorder{}).Authorize(context.Background(), request(t))
	assert.Equal(t, model.RejectBlackout, d.Reason)
	assert.Contains(t, d.Detail, "NFP")

	req := request(t)
	req.Instrument, _ = market.NewCatalog(nil).Lookup("EUR_GBP")
	d = newGovernor(cal, &recorder{}).Authorize(context.Background(), req)
	assert.True(t, d.Approved, "low impact EUR event and USD event do not affect EUR_GBP")
}

func TestAuthorize_BreakerBlocksUntilCleared(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	g := newGovernor(nil, rec)
	ctx := context.Background()

	req := request(t)
	require.True(t, g.Authorize(ctx, req).Approved)

	req.Snapshot.Equity = 9_400
	d := g.Authorize(ctx, req)
	assert.Equal(t, model.RejectCircuitBreaker, d.Reason)
	assert.Contains(t, d.Detail, "daily_drawdown")

	req.Snapshot.Equity = 9_450
	assert.Equal(t, model.RejectCircuitBreaker, g.Authorize(ctx, req).Reason)

	req.Snapshot.Equity = 9_600
	assert.True(t, g.Authorize(ctx, req).Approved)

	assert.Equal(t, 2, rec.count(model.EventCircuitBreaker))
	status, ok := g.Breaker("acct-1")
	require.True(t, ok)
	assert.False(t, status.Tripped)
	assert.Equal(t, 10_000.0, status.PeakEquity)
}

func TestAuthorize_TotalDrawdownAcrossDays(t *testing.T) {
	t.Parallel()

	g := newGovernor(nil, &recorder{})
	ctx := context.Background()
	acct := account()

	// Each day loses 4%, under the daily limit, but the peak stays at 10k.
	equity := 10_000.0
	for day := 0; day < 4; day++ {
		at := noon.Add(time.Duration(day) * 24 * time.Hour)
		g.SetClock(func() time.Time { return at })
		g.UpdateEquity(ctx, acct, equity)
		equity *= 0.96
		g.UpdateEquity(ctx, acct, equity)
	}
	status, _ := g.Breaker("acct-1")
	assert.True(t, status.Tripped)
	assert.Equal(t, "total_drawdown", status.Reason)
}

func TestAuthorize_InsufficientSize(t *testing.T) {
	t.Parallel()

	req := request(t)
	req.Snapshot.Balance = 1
	req.Snapshot.Equity = 1
	req.Scored.Signal.Stop = 1.0000
	d := newGovernor(nil, &recorder{}).Authorize(context.Background(), req)
	assert.Equal(t, model.RejectInsufficientSize, d.Reason)
}

func TestAuthorize_Exposure(t *testing.T) {
	t.Parallel()

	req := request(t)
	req.Exposure.InstrumentUnits = 960_000
	d := newGovernor(nil, &recorder{}).Authorize(context.Background(), req)
	assert.Equal(t, model.RejectExposure, d.Reason)
}

func TestAuthorize_CheckOrder(t *testing.T) {
	t.Parallel()

	// Every check fails; the first in order wins.
	cal := NewCalendar(config.CalendarConfig{
		BlackoutMinutes: 30,
		Events:          []config.EventConfig{{Time: noon, Currencies: []string{"USD"}, Impact: "high", Title: "CPI"}},
	})
	g := newGovernor(cal, &recorder{})
	for i := 0; i < 5; i++ {
		g.RecordExecution("acct-1", 1, noon)
	}
	req := request(t)
	req.Active = false
	req.Exposure.OpenPositions = 9
	ctx := context.Background()

	assert.Equal(t, model.RejectAccountInactive, g.Authorize(ctx, req).Reason)
	req.Active = true
	assert.Equal(t, model.RejectDailyCap, g.Authorize(ctx, req).Reason)
	g.Days().Seed("acct-1", 0, 0, noon)
	assert.Equal(t, model.RejectPositionCap, g.Authorize(ctx, req).Reason)
	req.Exposure.OpenPositions = 0
	assert.Equal(t, model.RejectBlackout, g.Authorize(ctx, req).Reason)
}

func TestDayBook_TimezoneRollover(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	d := NewDayBook(ny)

	// 03:00 UTC is still the previous day in New York.
	late := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	d.Record("a", 10, late)
	trades, risk := d.Count("a", time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, trades)
	assert.Equal(t, 10.0, risk)

	trades, _ = d.Count("a", time.Date(2026, 3, 11, 13, 0, 0, 0, time.UTC))
	assert.Zero(t, trades)
	assert.Equal(t, 10, d.DayStart(late).Day())
}
