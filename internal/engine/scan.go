package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fxpilot/internal/config"
	"fxpilot/internal/execution"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
	"fxpilot/internal/risk"
	"fxpilot/internal/scoring"
	"fxpilot/internal/strategy"
)

// ScanOnce runs one scan tick over every active account unless the previous
// tick is still running. Accounts are scanned with bounded parallelism; a
// failure in one account never stops the others.
func (e *Engine) ScanOnce(ctx context.Context) {
	if !e.scanMu.TryLock() {
		e.count(func(c *Counters) { c.ScansSkipped++ })
		e.deps.Metrics.ScanTick("skipped", 0)
		e.logger.Warn("scan_tick_skipped")
		return
	}
	defer e.scanMu.Unlock()

	began := time.Now()
	rt := e.rt.Load()
	info := ScanInfo{At: e.now()}
	var failed atomic.Int64

	defer func() {
		if r := recover(); r != nil {
			info.Error = fmt.Sprintf("panic: %v", r)
			e.logger.Error("scan_tick_failed", zap.Any("panic", r), zap.Stack("stack"))
		}
		info.DurationMs = time.Since(began).Milliseconds()
		info.Errors = int(failed.Load())
		result := "ok"
		if info.Error != "" {
			result = "failed"
		}
		e.mu.Lock()
		e.lastScan = info
		e.counters.ScanTicks++
		if info.Error != "" {
			e.counters.ScanFailures++
		}
		e.mu.Unlock()
		e.deps.Metrics.ScanTick(result, time.Since(began))
		e.logger.Info("scan_tick_complete",
			zap.Int("accounts", info.Accounts),
			zap.Int("account_errors", info.Errors),
			zap.Int64("duration_ms", info.DurationMs),
		)
	}()

	workers := rt.cfg.Engine.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, acct := range rt.cfg.Accounts {
		if !e.active(rt, acct) {
			continue
		}
		info.Accounts++
		g.Go(func() error {
			if err := e.scanAccount(ctx, rt, acct); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) active(rt *runtime, acct config.AccountConfig) bool {
	return acct.IsActive() && rt.disabled[acct.ID] == ""
}

// scanAccount refreshes the account snapshot and walks every bound strategy
// and instrument. It returns the last iteration error, already recorded on
// the account's health.
func (e *Engine) scanAccount(ctx context.Context, rt *runtime, acct config.AccountConfig) (err error) {
	log := e.logger.With(zap.String("account", acct.ID))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("account scan panic: %v", r)
			log.Error("account_scan_panic", zap.Any("panic", r), zap.Stack("stack"))
			e.recordError(acct.ID, err)
		}
	}()

	snap, err := e.snapshot(ctx, acct.ID)
	if err != nil {
		err = fmt.Errorf("account snapshot: %w", err)
		log.Warn("account_snapshot_failed", zap.Error(err))
		e.recordError(acct.ID, err)
		e.recordDecision(Decision{Time: e.now(), AccountID: acct.ID, Stage: StageData, Reason: err.Error()})
		return err
	}
	e.deps.Book.SetAccount(snap)
	e.deps.Metrics.Equity(acct.ID, snap.Equity)
	if e.deps.Governor != nil {
		status := e.deps.Governor.UpdateEquity(ctx, acct, snap.Equity)
		e.deps.Metrics.Breaker(acct.ID, status.Tripped)
	}
	e.mu.Lock()
	if h, ok := e.health[acct.ID]; ok {
		h.Balance = snap.Balance
		h.Equity = snap.Equity
		h.LastScan = e.now()
	}
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return nil
	}

	var last error
	for _, name := range acct.Strategies {
		ev, ok := rt.strategies.Get(name)
		if !ok {
			last = fmt.Errorf("strategy %s is not available", name)
			e.recordError(acct.ID, last)
			continue
		}
		scfg, _ := rt.cfg.Strategy(name)
		for _, inst := range config.InstrumentsFor(acct, scfg) {
			if ierr := e.scanInstrument(ctx, rt, acct, snap, ev, inst); ierr != nil {
				last = ierr
				log.Warn("scan_iteration_failed",
					zap.String("strategy", name),
					zap.String("instrument", inst),
					zap.Error(ierr),
				)
				e.recordError(acct.ID, ierr)
			}
		}
	}
	if last == nil {
		e.mu.Lock()
		if h, ok := e.health[acct.ID]; ok {
			h.LastSuccess = e.now()
		}
		e.mu.Unlock()
	}
	return last
}

func (e *Engine) snapshot(ctx context.Context, accountID string) (model.AccountSnapshot, error) {
	if e.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deps.Timeout)
		defer cancel()
	}
	return e.deps.Accounts.Account(ctx, accountID)
}

// scanInstrument evaluates one strategy on one instrument and pushes every
// signal through scoring, risk and execution. Data gaps are not errors.
func (e *Engine) scanInstrument(ctx context.Context, rt *runtime, acct config.AccountConfig, snap model.AccountSnapshot, ev strategy.Evaluator, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s %s: panic: %v", ev.Name(), name, r)
			e.logger.Error("scan_iteration_panic",
				zap.String("account", acct.ID),
				zap.String("strategy", ev.Name()),
				zap.String("instrument", name),
				zap.Any("panic", r),
			)
		}
	}()

	inst, err := e.deps.Catalog.Lookup(name)
	if err != nil {
		return err
	}
	skip := func(reason string) {
		e.logger.Debug("scan_data_unavailable",
			zap.String("account", acct.ID),
			zap.String("strategy", ev.Name()),
			zap.String("instrument", name),
			zap.String("reason", reason),
		)
		e.recordDecision(Decision{
			Time: e.now(), AccountID: acct.ID, Strategy: ev.Name(), Instrument: name,
			Stage: StageData, Reason: reason,
		})
	}

	candles, err := e.deps.Market.Candles(ctx, name, ev.Granularity(), rt.cfg.Engine.HistoryCount)
	switch {
	case errors.Is(err, market.ErrNoCandles):
		skip("no candles")
		return nil
	case err != nil:
		return fmt.Errorf("candles %s: %w", name, err)
	}
	quote, err := e.deps.Market.LatestQuote(ctx, acct.ID, name)
	switch {
	case errors.Is(err, market.ErrStaleQuote):
		skip("stale quote")
		return nil
	case err != nil:
		return fmt.Errorf("quote %s: %w", name, err)
	}

	key := acct.ID + "|" + ev.Name() + "|" + name
	if !e.newBar(key, candles[len(candles)-1].Time) {
		return nil
	}

	for i, sig := range ev.Evaluate(acct.ID, inst, candles, quote) {
		if err := e.handleSignal(ctx, rt, acct, snap, ev, inst, candles, quote, sig, key); err != nil {
			// Nothing reached the broker, so the next scan may try this bar again.
			if i == 0 && !execution.InDoubt(err) {
				e.forgetBar(key)
			}
			return err
		}
	}
	return nil
}

// newBar reports whether bar is newer than the last one evaluated for key and
// remembers it. A bar is evaluated at most once per account and strategy.
func (e *Engine) newBar(key string, bar time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastBar[key]; ok && !bar.After(last) {
		return false
	}
	e.lastBar[key] = bar
	return true
}

func (e *Engine) forgetBar(key string) {
	e.mu.Lock()
	delete(e.lastBar, key)
	e.mu.Unlock()
}

// track ties a submission to the bar that produced it until its outcome is
// known.
func (e *Engine) track(ref, key string) {
	e.mu.Lock()
	e.inDoubt[ref] = key
	e.mu.Unlock()
}

func (e *Engine) untrack(ref string) {
	e.mu.Lock()
	delete(e.inDoubt, ref)
	e.mu.Unlock()
}

func (e *Engine) handleSignal(ctx context.Context, rt *runtime, acct config.AccountConfig, snap model.AccountSnapshot,
	ev strategy.Evaluator, inst market.Instrument, candles []model.Candle, quote model.Quote, sig model.Signal, key string) error {
	log := e.logger.With(
		zap.String("account", acct.ID),
		zap.String("strategy", sig.Strategy),
		zap.String("instrument", sig.Instrument),
		zap.String("side", string(sig.Side)),
	)
	now := e.now()
	dec := Decision{
		Time: now, AccountID: acct.ID, Strategy: sig.Strategy,
		Instrument: sig.Instrument, Side: string(sig.Side),
	}

	scored := e.deps.Scorer.Score(sig, scoring.MarketContext{
		Instrument:            inst,
		Candles:               candles,
		Quote:                 quote,
		StrategyMaxSpreadPips: ev.MaxSpreadPips(),
		Sessions:              rt.sessions,
	})
	threshold := ev.Threshold()
	if e.deps.Thresholds != nil {
		threshold = e.deps.Thresholds.Threshold(ev.Name())
	}
	dec.Quality = scored.Quality
	dec.Threshold = threshold

	ok, reason := scoring.Filter(scored, threshold)
	e.deps.Metrics.Signal(ev.Name(), ok)
	e.count(func(c *Counters) {
		c.Signals++
		if !ok {
			c.SignalsDropped++
		}
	})
	if !ok {
		log.Info("signal_dropped", zap.Float64("quality", scored.Quality), zap.String("reason", reason))
		dec.Stage = StageScore
		dec.Reason = reason
		e.recordDecision(dec)
		return nil
	}
	if e.deps.Thresholds != nil {
		e.deps.Thresholds.RecordSignal(ev.Name(), now)
	}
	_ = e.deps.Notifier.Notify(ctx, model.Event{
		Time:       now,
		AccountID:  acct.ID,
		Instrument: sig.Instrument,
		Type:       model.EventSignalGenerated,
		Payload: map[string]any{
			"strategy":  sig.Strategy,
			"side":      string(sig.Side),
			"entry":     sig.Entry,
			"stop":      sig.Stop,
			"target":    sig.Target,
			"quality":   scored.Quality,
			"threshold": threshold,
			"rationale": sig.Rationale,
		},
	})

	rate, err := e.quoteToAccount(ctx, acct, inst, quote)
	if err != nil {
		dec.Stage = StageRisk
		dec.Reason = "conversion rate unavailable: " + err.Error()
		e.recordDecision(dec)
		return fmt.Errorf("conversion for %s: %w", inst.Name, err)
	}
	positions, units := e.deps.Book.Exposure(acct.ID, inst.Name)
	d := e.deps.Governor.Authorize(ctx, risk.Request{
		Account:        acct,
		Active:         e.active(rt, acct),
		Snapshot:       snap,
		Exposure:       risk.Exposure{OpenPositions: positions, InstrumentUnits: units},
		Scored:         scored,
		Instrument:     inst,
		QuoteToAccount: rate,
	})
	e.deps.Metrics.Decision(acct.ID, string(d.Reason))
	if !d.Approved {
		e.count(func(c *Counters) { c.Rejected++ })
		dec.Stage = StageRisk
		dec.Reason = string(d.Reason) + ": " + d.Detail
		e.recordDecision(dec)
		return nil
	}
	e.count(func(c *Counters) { c.Approved++ })
	dec.Units = d.Units
	dec.ClientRef = d.ClientRef

	e.track(d.ClientRef, key)
	trade, err := e.deps.Executor.Execute(ctx, d)
	if !execution.InDoubt(err) {
		e.untrack(d.ClientRef)
	}
	if err != nil {
		e.count(func(c *Counters) { c.OrdersFailed++ })
		kind := "error"
		var ef *execution.ExecutionFailure
		if errors.As(err, &ef) {
			kind = string(ef.Kind)
		}
		e.deps.Metrics.Order(acct.ID, kind)
		dec.Stage = StageExecute
		dec.Reason = err.Error()
		e.recordDecision(dec)
		if ef != nil && ef.Kind == execution.FailureRejected {
			return nil
		}
		return err
	}
	e.deps.Governor.RecordExecution(acct.ID, d.RiskAmount, now)
	e.deps.Metrics.Order(acct.ID, "filled")
	e.count(func(c *Counters) { c.OrdersFilled++ })
	dec.Stage = StageFilled
	dec.TradeID = trade.ID
	e.recordDecision(dec)
	log.Info("signal_executed",
		zap.String("trade_id", trade.ID),
		zap.String("client_ref", d.ClientRef),
		zap.Float64("units", trade.Units),
	)
	return nil
}

// quoteToAccount returns the rate converting quote-currency amounts into the
// account currency.
func (e *Engine) quoteToAccount(ctx context.Context, acct config.AccountConfig, inst market.Instrument, quote model.Quote) (float64, error) {
	pair, invert, err := e.deps.Catalog.ConversionPair(inst, acct.Currency)
	if err != nil {
		return 0, err
	}
	if pair == "" {
		return 1, nil
	}
	q := quote
	if pair != inst.Name {
		if q, err = e.deps.Market.LatestQuote(ctx, acct.ID, pair); err != nil {
			return 0, err
		}
	}
	mid := q.Mid()
	if mid <= 0 {
		return 0, fmt.Errorf("no price for %s", pair)
	}
	if invert {
		return 1 / mid, nil
	}
	return mid, nil
}
