// Package protection walks open trades through the profit-protection state
// machine: breakeven, partial close, trailing stop and max-hold handling.
package protection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxpilot/internal/book"
	"fxpilot/internal/broker"
	"fxpilot/internal/config"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
	"fxpilot/internal/notify"
)

// QuoteSource supplies the price trades are valued at.
type QuoteSource interface {
	LatestQuote(ctx context.Context, accountID, instrument string) (model.Quote, error)
}

// Store persists trade state changes. The execution ledger satisfies it.
type Store interface {
	SaveTrade(ctx context.Context, t model.Trade) error
}

// OutcomeRecorder receives the result of every trade the monitor sees close.
type OutcomeRecorder interface {
	RecordOutcome(strategy string, won bool, at time.Time)
}

// Instruments resolves instrument metadata.
type Instruments interface {
	Lookup(name string) (market.Instrument, error)
}

// Transition is one state change made during a poll.
type Transition struct {
	AccountID string                `json:"accountId"`
	TradeID   string                `json:"tradeId"`
	From      model.ProtectionState `json:"from"`
	To        model.ProtectionState `json:"to"`
	Action    string                `json:"action"`
	Price     float64               `json:"price"`
	GainPips  float64               `json:"gainPips"`
}

// PollReport summarises one PollOnce call.
type PollReport struct {
	Checked     int          `json:"checked"`
	Transitions []Transition `json:"transitions"`
	Closed      int          `json:"closed"`
	Quarantined int          `json:"quarantined"`
	Errors      int          `json:"errors"`
}

// Monitor is the only writer of protection state. It never opens trades.
type Monitor struct {
	broker      broker.Broker
	quotes      QuoteSource
	book        *book.Book
	instruments Instruments
	store       Store
	outcomes    OutcomeRecorder
	notifier    notify.Notifier
	timeout     time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu       sync.RWMutex
	cfg      config.ProtectionConfig
	accounts map[string]bool
}

// NewMonitor creates a monitor. store and outcomes may be nil.
func NewMonitor(b broker.Broker, quotes QuoteSource, bk *book.Book, instruments Instruments, cfg config.ProtectionConfig, n notify.Notifier) *Monitor {
	if n == nil {
		n = notify.Nop{}
	}
	return &Monitor{
		broker:      b,
		quotes:      quotes,
		book:        bk,
		instruments: instruments,
		notifier:    n,
		now:         time.Now,
		logger:      zap.NewNop(),
		cfg:         cfg,
	}
}

// SetLogger sets the logger.
func (m *Monitor) SetLogger(l *zap.Logger) { m.logger = l }

// SetClock overrides the time source.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// SetStore sets where trade changes are persisted.
func (m *Monitor) SetStore(s Store) { m.store = s }

// SetOutcomeRecorder sets the receiver of closed-trade outcomes.
func (m *Monitor) SetOutcomeRecorder(r OutcomeRecorder) { m.outcomes = r }

// SetTimeout bounds each broker call.
func (m *Monitor) SetTimeout(d time.Duration) { m.timeout = d }

// SetConfig replaces the thresholds on reload.
func (m *Monitor) SetConfig(cfg config.ProtectionConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// SetAccounts sets the configured account ids. Trades of any other account
// are quarantined. A nil set disables the check.
func (m *Monitor) SetAccounts(ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	m.mu.Lock()
	m.accounts = set
	m.mu.Unlock()
}

func (m *Monitor) snapshot() (config.ProtectionConfig, map[string]bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.accounts
}

// PollOnce evaluates every open, non-quarantined trade once. A trade whose
// broker state or quote cannot be fetched is left untouched until the next
// poll.
func (m *Monitor) PollOnce(ctx context.Context) PollReport {
	cfg, accounts := m.snapshot()
	var rep PollReport
	for _, t := range m.book.Open("") {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		m.pollTrade(ctx, cfg, accounts, t, &rep)
	}
	if len(rep.Transitions) > 0 || rep.Errors > 0 {
		m.logger.Info("monitor_poll_complete",
			zap.Int("checked", rep.Checked),
			zap.Int("transitions", len(rep.Transitions)),
			zap.Int("closed", rep.Closed),
			zap.Int("quarantined", rep.Quarantined),
			zap.Int("errors", rep.Errors),
		)
	}
	return rep
}

func (m *Monitor) pollTrade(ctx context.Context, cfg config.ProtectionConfig, accounts map[string]bool, t model.Trade, rep *PollReport) {
	log := m.logger.With(
		zap.String("account", t.AccountID),
		zap.String("trade_id", t.ID),
		zap.String("instrument", t.Instrument),
	)

	if accounts != nil && !accounts[t.AccountID] {
		m.quarantine(ctx, log, t, "account not configured")
		rep.Quarantined++
		return
	}
	inst, err := m.instruments.Lookup(t.Instrument)
	if err != nil {
		m.quarantine(ctx, log, t, err.Error())
		rep.Quarantined++
		return
	}

	callCtx, cancel := m.bound(ctx)
	ts, err := m.broker.Trade(callCtx, t.AccountID, t.ID)
	cancel()
	switch {
	case errors.Is(err, broker.ErrNotFound):
		m.quarantine(ctx, log, t, "trade unknown at broker")
		rep.Quarantined++
		return
	case err != nil:
		log.Warn("monitor_broker_unreachable", zap.Error(err))
		rep.Errors++
		return
	}

	before := t
	if !ts.Open || ts.Units <= 0 {
		t.RealizedPL = ts.RealizedPL
		m.finish(ctx, log, &t, rep, Transition{Action: "closed_at_broker"})
		m.commit(ctx, log, before, t)
		return
	}
	if ts.Units < t.Units {
		t.Units = ts.Units
	}
	if ts.StopLoss > 0 {
		t.StopLoss = ts.StopLoss
	}
	t.RealizedPL = ts.RealizedPL

	q, err := m.quotes.LatestQuote(ctx, t.AccountID, t.Instrument)
	if err != nil {
		if errors.Is(err, market.ErrStaleQuote) {
			log.Debug("monitor_quote_stale", zap.Error(err))
		} else {
			log.Warn("monitor_quote_failed", zap.Error(err))
		}
		rep.Errors++
		m.commit(ctx, log, before, t)
		return
	}

	if err := m.advance(ctx, log, cfg, inst, &t, q, rep); err != nil {
		log.Warn("protection_action_failed", zap.String("state", string(t.State)), zap.Error(err))
		rep.Errors++
	}
	m.commit(ctx, log, before, t)
}

// advance applies every transition the current price allows, in order. The
// first failing broker action stops the walk; it is retried next poll.
func (m *Monitor) advance(ctx context.Context, log *zap.Logger, cfg config.ProtectionConfig, inst market.Instrument, t *model.Trade, q model.Quote, rep *PollReport) error {
	sign := t.Side.Sign()
	price := q.ExitPrice(t.Side)
	gain := inst.ToPips((price - t.EntryPrice) * sign)
	step := func(to model.ProtectionState, action string) {
		tr := Transition{
			AccountID: t.AccountID, TradeID: t.ID, From: t.State, To: to,
			Action: action, Price: price, GainPips: round2(gain),
		}
		t.State = to
		m.record(ctx, log, *t, tr, rep)
	}

	for {
		switch t.State {
		case model.StateEntry:
			if gain < cfg.BreakevenPips {
				return m.checkHold(ctx, log, cfg, inst, t, price, gain, rep)
			}
			stop := inst.Round(t.EntryPrice + sign*inst.FromPips(cfg.BufferPips))
			if err := m.moveStop(ctx, t, stop); err != nil {
				return fmt.Errorf("arming breakeven: %w", err)
			}
			step(model.StateBreakevenArmed, "stop_to_breakeven")

		case model.StateBreakevenArmed:
			if gain < cfg.PartialPips {
				return m.checkHold(ctx, log, cfg, inst, t, price, gain, rep)
			}
			units := math.Floor(t.Units * cfg.PartialFraction)
			if partialDone(*t, cfg.PartialFraction) {
				// An earlier close went through but its response was lost.
				log.Info("partial_already_taken", zap.Float64("units", t.Units), zap.Float64("initial_units", t.InitialUnits))
			} else if units >= 1 && units < t.Units {
				res, err := m.close(ctx, t, units)
				if err != nil {
					return fmt.Errorf("taking partial: %w", err)
				}
				t.Units -= res.ClosedUnits
				t.RealizedPL += res.RealizedPL
			}
			step(model.StatePartialTaken, "partial_close")

		case model.StatePartialTaken:
			if gain < cfg.TrailingActivationPips {
				return m.checkHold(ctx, log, cfg, inst, t, price, gain, rep)
			}
			trail := inst.Round(price - sign*inst.FromPips(cfg.TrailingDistancePips))
			if err := m.moveStop(ctx, t, trail); err != nil {
				return fmt.Errorf("starting trail: %w", err)
			}
			t.TrailingStop = trail
			step(model.StateTrailing, "trailing_started")

		case model.StateTrailing:
			if t.TrailingStop > 0 && (price-t.TrailingStop)*sign <= 0 {
				if err := m.closeAll(ctx, t); err != nil {
					return fmt.Errorf("closing at trail: %w", err)
				}
				m.finish(ctx, log, t, rep, Transition{Action: "trailing_stop_hit", Price: price, GainPips: round2(gain)})
				return nil
			}
			trail := inst.Round(price - sign*inst.FromPips(cfg.TrailingDistancePips))
			if (trail-t.TrailingStop)*sign > 0 {
				if err := m.moveStop(ctx, t, trail); err != nil {
					return fmt.Errorf("ratcheting trail: %w", err)
				}
				t.TrailingStop = trail
				log.Debug("trailing_stop_ratcheted", zap.Float64("stop", trail), zap.Float64("price", price))
			}
			return m.checkHold(ctx, log, cfg, inst, t, price, gain, rep)

		default:
			return nil
		}
	}
}

// checkHold enforces the maximum holding time: a trade in profit is closed,
// otherwise its stop is tightened once the tighter level is an improvement.
func (m *Monitor) checkHold(ctx context.Context, log *zap.Logger, cfg config.ProtectionConfig, inst market.Instrument, t *model.Trade, price, gain float64, rep *PollReport) error {
	if cfg.MaxHold <= 0 || m.now().Sub(t.OpenedAt) < cfg.MaxHold {
		return nil
	}
	if gain > 0 {
		if err := m.closeAll(ctx, t); err != nil {
			return fmt.Errorf("closing at max hold: %w", err)
		}
		t.HoldExpired = true
		m.finish(ctx, log, t, rep, Transition{Action: "max_hold_close", Price: price, GainPips: round2(gain)})
		return nil
	}
	sign := t.Side.Sign()
	tight := inst.Round(price - sign*inst.FromPips(cfg.TightenPips))
	if !t.HoldExpired {
		log.Info("max_hold_reached", zap.Duration("held", m.now().Sub(t.OpenedAt)), zap.Float64("gain_pips", round2(gain)))
	}
	t.HoldExpired = true
	if t.StopLoss > 0 && (tight-t.StopLoss)*sign <= 0 {
		return nil
	}
	if err := m.moveStop(ctx, t, tight); err != nil {
		return fmt.Errorf("tightening at max hold: %w", err)
	}
	if t.State == model.StateTrailing {
		t.TrailingStop = tight
	}
	log.Info("max_hold_stop_tightened", zap.Float64("stop", tight), zap.Float64("price", price))
	return nil
}

// moveStop sends a new stop unless the current one is already at least as
// protective.
func (m *Monitor) moveStop(ctx context.Context, t *model.Trade, stop float64) error {
	if t.StopLoss > 0 && (stop-t.StopLoss)*t.Side.Sign() <= 0 {
		return nil
	}
	callCtx, cancel := m.bound(ctx)
	defer cancel()
	if err := m.broker.SetStopLoss(callCtx, t.AccountID, t.ID, stop); err != nil {
		return err
	}
	t.StopLoss = stop
	return nil
}

func (m *Monitor) close(ctx context.Context, t *model.Trade, units float64) (broker.CloseResult, error) {
	callCtx, cancel := m.bound(ctx)
	defer cancel()
	return m.broker.CloseTrade(callCtx, t.AccountID, t.ID, units)
}

func (m *Monitor) closeAll(ctx context.Context, t *model.Trade) error {
	res, err := m.close(ctx, t, 0)
	if err != nil {
		return err
	}
	t.RealizedPL += res.RealizedPL
	t.Units = 0
	return nil
}

// finish moves t to CLOSED and reports the outcome.
func (m *Monitor) finish(ctx context.Context, log *zap.Logger, t *model.Trade, rep *PollReport, tr Transition) {
	tr.AccountID, tr.TradeID = t.AccountID, t.ID
	tr.From, tr.To = t.State, model.StateClosed
	t.State = model.StateClosed
	t.Units = 0
	t.ClosedAt = m.now()
	m.record(ctx, log, *t, tr, rep)
	rep.Closed++
	if m.outcomes != nil {
		m.outcomes.RecordOutcome(t.Strategy, t.RealizedPL > 0, t.ClosedAt)
	}
}

func (m *Monitor) record(ctx context.Context, log *zap.Logger, t model.Trade, tr Transition, rep *PollReport) {
	rep.Transitions = append(rep.Transitions, tr)
	log.Info("protection_transition",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("action", tr.Action),
		zap.Float64("price", tr.Price),
		zap.Float64("gain_pips", tr.GainPips),
		zap.Float64("units", t.Units),
		zap.Float64("stop_loss", t.StopLoss),
	)
	_ = m.notifier.Notify(ctx, model.Event{
		Time:       m.now(),
		AccountID:  t.AccountID,
		Instrument: t.Instrument,
		Type:       model.EventProtectionTransition,
		Payload: map[string]any{
			"tradeId":    t.ID,
			"strategy":   t.Strategy,
			"from":       string(tr.From),
			"to":         string(tr.To),
			"action":     tr.Action,
			"price":      tr.Price,
			"gainPips":   tr.GainPips,
			"units":      t.Units,
			"stopLoss":   t.StopLoss,
			"realizedPl": t.RealizedPL,
		},
	})
}

func (m *Monitor) quarantine(ctx context.Context, log *zap.Logger, t model.Trade, reason string) {
	before := t
	t.Quarantined = true
	t.QuarantineReason = reason
	log.Warn("trade_quarantined", zap.String("reason", reason))
	_ = m.notifier.Notify(ctx, model.Event{
		Time:       m.now(),
		AccountID:  t.AccountID,
		Instrument: t.Instrument,
		Type:       model.EventTradeQuarantined,
		Payload: map[string]any{
			"tradeId":   t.ID,
			"clientRef": t.ClientRef,
			"reason":    reason,
		},
	})
	m.commit(ctx, log, before, t)
}

// commit writes t to the book and the store when anything changed.
func (m *Monitor) commit(ctx context.Context, log *zap.Logger, before, t model.Trade) {
	if before == t {
		return
	}
	t.UpdatedAt = m.now()
	if err := m.book.Update(t); err != nil {
		log.Error("book_update_failed", zap.Error(err))
		return
	}
	if m.store == nil {
		return
	}
	if err := m.store.SaveTrade(ctx, t); err != nil {
		log.Error("trade_persist_failed", zap.Error(err))
	}
}

func (m *Monitor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// partialDone reports whether the broker already holds no more than the size
// left after the partial close, measured against the opening size.
func partialDone(t model.Trade, fraction float64) bool {
	if t.InitialUnits <= 0 {
		return false
	}
	left := t.InitialUnits - math.Floor(t.InitialUnits*fraction)
	return t.Units <= left
}
