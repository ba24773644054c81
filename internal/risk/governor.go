// Package risk is the sole authority on whether a scored signal may become an
// order and at what size.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxpilot/internal/config"
	"fxpilot/internal/ids"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
	"fxpilot/internal/notify"
)

// Exposure is the account's current footprint as seen by the trade book.
type Exposure struct {
	OpenPositions   int
	InstrumentUnits float64
}

// Request is everything Authorize needs about one scored signal. Active is
// false when the account is deactivated at runtime even if configured active.
type Request struct {
	Account        config.AccountConfig
	Active         bool
	Snapshot       model.AccountSnapshot
	Exposure       Exposure
	Scored         model.ScoredSignal
	Instrument     market.Instrument
	QuoteToAccount float64
}

// Governor authorises scored signals against per-account limits. Checks run
// in a fixed order and the first failure is the rejection reason.
type Governor struct {
	mu       sync.Mutex
	days     *DayBook
	breakers map[string]*breaker
	calendar *Calendar
	notifier notify.Notifier
	newID    func() string
	now      func() time.Time
	logger   *zap.Logger
}

// NewGovernor creates a governor. loc is the trading-day timezone.
func NewGovernor(loc *time.Location, cal *Calendar, n notify.Notifier) *Governor {
	if n == nil {
		n = notify.Nop{}
	}
	if cal == nil {
		cal = NewCalendar(config.CalendarConfig{})
	}
	return &Governor{
		days:     NewDayBook(loc),
		breakers: make(map[string]*breaker),
		calendar: cal,
		notifier: n,
		newID:    ids.New,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
}

// SetLogger sets the logger.
func (g *Governor) SetLogger(l *zap.Logger) { g.logger = l }

// SetClock overrides the time source.
func (g *Governor) SetClock(now func() time.Time) { g.now = now }

// SetCalendar swaps the blackout calendar on reload.
func (g *Governor) SetCalendar(c *Calendar) {
	g.mu.Lock()
	g.calendar = c
	g.mu.Unlock()
}

// Days exposes the daily counters.
func (g *Governor) Days() *DayBook { return g.days }

// Authorize runs the checks in order: active flag, daily cap, open position
// cap, blackout window, drawdown breaker, sizing and exposure.
func (g *Governor) Authorize(ctx context.Context, req Request) model.RiskDecision {
	now := g.now()
	acct := req.Account
	lim := acct.Risk
	sig := req.Scored.Signal
	d := model.RiskDecision{Scored: req.Scored, DecidedAt: now}

	reject := func(reason model.RejectReason, format string, args ...any) model.RiskDecision {
		d.Reason = reason
		d.Detail = fmt.Sprintf(format, args...)
		g.logger.Info("risk_rejected",
			zap.String("account", acct.ID),
			zap.String("strategy", sig.Strategy),
			zap.String("instrument", sig.Instrument),
			zap.String("reason", string(reason)),
			zap.String("detail", d.Detail),
		)
		return d
	}

	if !req.Active {
		return reject(model.RejectAccountInactive, "account %s is inactive", acct.ID)
	}

	balance := req.Snapshot.Balance
	trades, committed := g.days.Count(acct.ID, now)
	dailyBudget := balance * lim.DailyRiskCapPct / 100
	if trades >= lim.DailyTradeCap {
		return reject(model.RejectDailyCap, "%d/%d trades today", trades, lim.DailyTradeCap)
	}
	if dailyBudget > 0 && committed >= dailyBudget {
		return reject(model.RejectDailyCap, "risk committed %.2f of daily cap %.2f", committed, dailyBudget)
	}

	if req.Exposure.OpenPositions >= lim.MaxOpenPositions {
		return reject(model.RejectPositionCap, "%d/%d positions open", req.Exposure.OpenPositions, lim.MaxOpenPositions)
	}

	g.mu.Lock()
	cal := g.calendar
	g.mu.Unlock()
	if ev, ok := cal.Blackout(req.Instrument, now); ok {
		return reject(model.RejectBlackout, "%s at %s", ev.Title, ev.Time.UTC().Format(time.RFC3339))
	}

	if status := g.UpdateEquity(ctx, acct, req.Snapshot.Equity); status.Tripped {
		return reject(model.RejectCircuitBreaker, "%s: daily %.2f%% total %.2f%%", status.Reason, status.DailyDrawdownPct, status.TotalDrawdownPct)
	}

	riskAmount := balance * lim.MaxRiskPerTradePct / 100
	if dailyBudget > 0 && dailyBudget-committed < riskAmount {
		riskAmount = dailyBudget - committed
	}
	stop := sig.StopDistance()
	units := Size(riskAmount, stop, req.QuoteToAccount)
	if units < 1 {
		return reject(model.RejectInsufficientSize, "risk %.2f over stop %.5f gives %.0f units", riskAmount, stop, units)
	}
	if max := req.Instrument.MaxUnits; max > 0 && req.Exposure.InstrumentUnits+units > max {
		return reject(model.RejectExposure, "%.0f open + %.0f new exceeds %.0f units", req.Exposure.InstrumentUnits, units, max)
	}

	d.Approved = true
	d.Units = units
	d.StopDistance = stop
	d.StopPips = req.Instrument.ToPips(stop)
	d.QuoteToAccount = req.QuoteToAccount
	d.RiskAmount = riskAmount
	d.StopLoss = sig.Stop
	d.TakeProfit = sig.Target
	d.ClientRef = g.newID()

	g.logger.Info("risk_approved",
		zap.String("account", acct.ID),
		zap.String("strategy", sig.Strategy),
		zap.String("instrument", sig.Instrument),
		zap.Float64("units", units),
		zap.Float64("risk_amount", riskAmount),
		zap.Float64("stop_pips", d.StopPips),
		zap.String("client_ref", d.ClientRef),
	)
	return d
}

// RecordExecution counts a filled order against the account's daily caps.
func (g *Governor) RecordExecution(accountID string, riskAmount float64, at time.Time) {
	g.days.Record(accountID, riskAmount, at)
}

// UpdateEquity feeds the drawdown breaker and emits a circuit_breaker event
// when it trips or clears.
func (g *Governor) UpdateEquity(ctx context.Context, acct config.AccountConfig, equity float64) BreakerStatus {
	now := g.now()
	g.mu.Lock()
	b, ok := g.breakers[acct.ID]
	if !ok {
		b = &breaker{}
		g.breakers[acct.ID] = b
	}
	changed := b.update(equity, g.days.dayKey(now), acct.Risk, now)
	status := b.status
	g.mu.Unlock()

	if changed {
		state := "cleared"
		if status.Tripped {
			state = "tripped"
		}
		g.logger.Warn("circuit_breaker_changed",
			zap.String("account", acct.ID),
			zap.String("state", state),
			zap.String("reason", status.Reason),
			zap.Float64("daily_drawdown_pct", status.DailyDrawdownPct),
			zap.Float64("total_drawdown_pct", status.TotalDrawdownPct),
		)
		_ = g.notifier.Notify(ctx, model.Event{
			Time:      now,
			AccountID: acct.ID,
			Type:      model.EventCircuitBreaker,
			Payload: map[string]any{
				"state":            state,
				"reason":           status.Reason,
				"equity":           equity,
				"dailyDrawdownPct": status.DailyDrawdownPct,
				"totalDrawdownPct": status.TotalDrawdownPct,
			},
		})
	}
	return status
}

// Breaker returns the breaker status for an account.
func (g *Governor) Breaker(accountID string) (BreakerStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[accountID]
	if !ok {
		return BreakerStatus{}, false
	}
	return b.status, true
}
