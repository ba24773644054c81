// Package engine drives the scan, monitor and adaptive loops and keeps the
// per-account health that the status API reports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fxpilot/internal/adaptive"
	"fxpilot/internal/book"
	"fxpilot/internal/config"
	"fxpilot/internal/execution"
	"fxpilot/internal/market"
	"fxpilot/internal/metrics"
	"fxpilot/internal/model"
	"fxpilot/internal/notify"
	"fxpilot/internal/protection"
	"fxpilot/internal/risk"
	"fxpilot/internal/scoring"
	"fxpilot/internal/strategy"
)

// MarketData is the slice of the gateway the scan loop reads from.
type MarketData interface {
	Candles(ctx context.Context, instrument, granularity string, count int) ([]model.Candle, error)
	LatestQuote(ctx context.Context, accountID, instrument string) (model.Quote, error)
}

// Accounts supplies broker account snapshots.
type Accounts interface {
	Account(ctx context.Context, accountID string) (model.AccountSnapshot, error)
}

// Executor places approved decisions.
type Executor interface {
	Execute(ctx context.Context, d model.RiskDecision) (model.Trade, error)
}

// Reconciler settles submissions whose outcome was unknown when Execute
// returned. The monitor loop runs it when the executor supports it.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]execution.Resolution, error)
}

// Deps are the collaborators the engine orchestrates. Notifier, Metrics and
// Logger may be nil.
type Deps struct {
	Accounts   Accounts
	Market     MarketData
	Catalog    *market.Catalog
	Scorer     *scoring.Scorer
	Governor   *risk.Governor
	Executor   Executor
	Monitor    *protection.Monitor
	Thresholds *adaptive.Controller
	Book       *book.Book
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Timeout    time.Duration
}

// runtime is the immutable view built from one config snapshot. Reload
// swaps it whole.
type runtime struct {
	cfg        *config.Config
	strategies *strategy.Registry
	sessions   []market.Session
	disabled   map[string]string // account id -> reason
}

// Engine is the orchestrator.
type Engine struct {
	deps    Deps
	rt      atomic.Pointer[runtime]
	started time.Time
	now     func() time.Time
	logger  *zap.Logger

	scanMu    sync.Mutex
	monitorMu sync.Mutex
	adjustMu  sync.Mutex

	mu        sync.Mutex
	health    map[string]*AccountHealth
	decisions []Decision
	counters  Counters
	lastScan  ScanInfo
	lastBar   map[string]time.Time
	inDoubt   map[string]string // client ref -> bar key
	paused    bool
}

// New validates cfg, builds the strategy registry and returns an engine.
// Any validation or strategy build problem is fatal here; Reload is lenient.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Scorer == nil {
		deps.Scorer = scoring.NewScorer()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := &Engine{
		deps:    deps,
		now:     time.Now,
		logger:  deps.Logger,
		health:  make(map[string]*AccountHealth),
		lastBar: make(map[string]time.Time),
		inDoubt: make(map[string]string),
	}
	e.started = e.now()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt, err := e.build(cfg)
	if err != nil {
		return nil, err
	}
	e.install(rt)
	return e, nil
}

// SetLogger sets the structured logger for the engine.
func (e *Engine) SetLogger(logger *zap.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.started = now()
}

// Config returns the active configuration snapshot.
func (e *Engine) Config() *config.Config { return e.rt.Load().cfg }

// build compiles a runtime from cfg. Strategy build failures are reported as
// a *strategy.BuildError alongside a usable runtime.
func (e *Engine) build(cfg *config.Config) (*runtime, error) {
	sessions, err := market.SessionsFromConfig(cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	reg, err := strategy.Build(cfg.Strategies, strategy.Deps{
		Sessions:   sessions,
		HistoryCap: cfg.Engine.HistoryCap,
		Logger:     e.logger,
	})
	rt := &runtime{cfg: cfg, strategies: reg, sessions: sessions, disabled: map[string]string{}}
	return rt, err
}

// install publishes rt and propagates it to the components that keep their
// own copy of configuration.
func (e *Engine) install(rt *runtime) {
	e.rt.Store(rt)

	ids := make([]string, 0, len(rt.cfg.Accounts))
	e.mu.Lock()
	for _, a := range rt.cfg.Accounts {
		ids = append(ids, a.ID)
		h, ok := e.health[a.ID]
		if !ok {
			h = &AccountHealth{ID: a.ID}
			e.health[a.ID] = h
		}
		h.Name = a.Name
		h.Active = a.IsActive() && rt.disabled[a.ID] == ""
		h.DeactivatedReason = rt.disabled[a.ID]
		if !a.IsActive() {
			h.DeactivatedReason = "inactive in configuration"
		}
	}
	for id, h := range e.health {
		if _, ok := rt.cfg.Account(id); !ok {
			h.Active = false
			h.DeactivatedReason = "removed from configuration"
		}
	}
	e.mu.Unlock()

	if m := e.deps.Monitor; m != nil {
		m.SetConfig(rt.cfg.Protection)
		m.SetAccounts(ids)
	}
	if c := e.deps.Thresholds; c != nil {
		c.Reload(rt.cfg.Thresholds, rt.cfg.Strategies)
	}
	if g := e.deps.Governor; g != nil {
		g.SetCalendar(risk.NewCalendar(rt.cfg.Calendar))
	}
}

// Reload swaps in a new configuration. Global problems reject the reload and
// keep the current snapshot; accounts with their own problems, or bound to a
// strategy that failed to build, are deactivated while the rest proceed.
// Broker, ledger and API settings take effect only after a restart.
func (e *Engine) Reload(cfg *config.Config) error {
	var verr *config.ValidationError
	if err := cfg.Validate(); err != nil {
		if !errors.As(err, &verr) || verr.Fatal() {
			e.logger.Error("config_reload_rejected", zap.Error(err))
			return err
		}
	}
	rt, err := e.build(cfg)
	var berr *strategy.BuildError
	if err != nil && !errors.As(err, &berr) {
		e.logger.Error("config_reload_rejected", zap.Error(err))
		return err
	}
	if verr != nil {
		for id, aerr := range verr.Accounts {
			rt.disabled[id] = aerr.Error()
		}
	}
	if berr != nil {
		for _, a := range cfg.Accounts {
			for _, name := range a.Strategies {
				if serr, ok := berr.Strategies[name]; ok && rt.disabled[a.ID] == "" {
					rt.disabled[a.ID] = serr.Error()
				}
			}
		}
	}
	e.install(rt)
	for id, reason := range rt.disabled {
		e.logger.Warn("account_deactivated", zap.String("account", id), zap.String("reason", reason))
	}
	e.logger.Info("config_reloaded",
		zap.Int("accounts", len(cfg.Accounts)),
		zap.Int("strategies", len(rt.strategies.Names())),
		zap.Int("deactivated", len(rt.disabled)),
	)
	return nil
}

// Pause stops new entries. Open trades stay under protection.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Info("engine_paused")
}

// Resume re-enables new entries.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("engine_resumed")
}

// Paused reports whether new entries are suspended.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Run starts the three periodic tasks and blocks until ctx is cancelled or
// one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine_started", zap.Int("accounts", len(e.Config().Accounts)))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.RunScanLoop(ctx) })
	g.Go(func() error { return e.RunMonitorLoop(ctx) })
	g.Go(func() error { return e.RunAdaptiveLoop(ctx) })
	err := g.Wait()
	e.logger.Info("engine_stopped")
	return err
}

// RunScanLoop scans immediately and then every scan interval.
func (e *Engine) RunScanLoop(ctx context.Context) error {
	return e.loop(ctx, "scan", func(c *config.Config) time.Duration { return c.Engine.ScanInterval }, e.ScanOnce)
}

// RunMonitorLoop polls open trades every monitor interval.
func (e *Engine) RunMonitorLoop(ctx context.Context) error {
	return e.loop(ctx, "monitor", func(c *config.Config) time.Duration { return c.Engine.MonitorInterval }, e.MonitorOnce)
}

// RunAdaptiveLoop adjusts thresholds every adaptive interval.
func (e *Engine) RunAdaptiveLoop(ctx context.Context) error {
	return e.loop(ctx, "adaptive", func(c *config.Config) time.Duration { return c.Engine.AdaptiveInterval }, e.AdjustOnce)
}

// fallbackInterval replaces a non-positive configured interval at start.
const fallbackInterval = time.Minute

// loop runs tick on a ticker whose period follows the active config. A tick
// that panics is logged and the loop carries on. A non-positive interval
// keeps the current period.
func (e *Engine) loop(ctx context.Context, task string, interval func(*config.Config) time.Duration, tick func(context.Context)) error {
	every := interval(e.Config())
	if every <= 0 {
		e.logger.Warn("task_interval_invalid", zap.String("task", task), zap.Duration("interval", every))
		every = fallbackInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	run := func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task_panic", zap.String("task", task), zap.Any("panic", r))
			}
		}()
		tick(ctx)
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run()
			if next := interval(e.Config()); next <= 0 {
				e.logger.Warn("task_interval_invalid", zap.String("task", task), zap.Duration("interval", next))
			} else if next != every {
				every = next
				ticker.Reset(every)
				e.logger.Info("task_interval_changed", zap.String("task", task), zap.Duration("interval", every))
			}
		}
	}
}

// MonitorOnce runs one protection poll unless one is already running.
func (e *Engine) MonitorOnce(ctx context.Context) {
	if e.deps.Monitor == nil {
		return
	}
	if !e.monitorMu.TryLock() {
		e.logger.Debug("monitor_tick_skipped")
		return
	}
	defer e.monitorMu.Unlock()

	e.reconcile(ctx)
	rep := e.deps.Monitor.PollOnce(ctx)
	for _, tr := range rep.Transitions {
		e.deps.Metrics.Transition(string(tr.To))
	}
	purged := e.deps.Book.PurgeClosed(e.now().Add(-24 * time.Hour))

	e.mu.Lock()
	e.counters.Transitions += int64(len(rep.Transitions))
	e.counters.Closed += int64(rep.Closed)
	e.counters.Quarantined += int64(rep.Quarantined)
	e.mu.Unlock()

	snap := e.deps.Book.Snapshot()
	e.deps.Metrics.Book(len(snap.Open), len(snap.Quarantined))
	if len(rep.Transitions) > 0 || rep.Errors > 0 || purged > 0 {
		e.logger.Info("monitor_tick_complete",
			zap.Int("checked", rep.Checked),
			zap.Int("transitions", len(rep.Transitions)),
			zap.Int("closed", rep.Closed),
			zap.Int("errors", rep.Errors),
			zap.Int("purged", purged),
		)
	}
}

// reconcile settles in-doubt submissions before the book is polled. A fill
// counts against the daily limits. An order the broker never saw frees its
// bar for the next scan.
func (e *Engine) reconcile(ctx context.Context) {
	r, ok := e.deps.Executor.(Reconciler)
	if !ok {
		return
	}
	res, err := r.Reconcile(ctx)
	if err != nil {
		e.logger.Warn("reconcile_failed", zap.Error(err))
	}
	for _, rs := range res {
		e.mu.Lock()
		key, tracked := e.inDoubt[rs.ClientRef]
		delete(e.inDoubt, rs.ClientRef)
		if tracked && !rs.Filled {
			delete(e.lastBar, key)
		}
		e.mu.Unlock()
		if !rs.Filled {
			continue
		}
		e.deps.Governor.RecordExecution(rs.AccountID, rs.RiskAmount, e.now())
		e.deps.Metrics.Order(rs.AccountID, "filled")
		e.count(func(c *Counters) { c.OrdersFilled++ })
	}
}

// AdjustOnce runs one adaptive threshold pass unless one is already running.
func (e *Engine) AdjustOnce(ctx context.Context) {
	c := e.deps.Thresholds
	if c == nil {
		return
	}
	if !e.adjustMu.TryLock() {
		e.logger.Debug("adaptive_tick_skipped")
		return
	}
	defer e.adjustMu.Unlock()

	adj := c.Adjust(ctx, e.now())
	e.mu.Lock()
	e.counters.Adjustments += int64(len(adj))
	e.mu.Unlock()
	for _, s := range c.Snapshot() {
		e.deps.Metrics.Threshold(s.Strategy, s.Threshold)
	}
}

// Status returns a point-in-time snapshot for the status API.
func (e *Engine) Status() Status {
	snap := e.deps.Book.Snapshot()

	e.mu.Lock()
	mode := "RUNNING"
	if e.paused {
		mode = "PAUSED"
	}
	accounts := make([]AccountHealth, 0, len(e.health))
	for _, h := range e.health {
		accounts = append(accounts, *h)
	}
	decisions := make([]Decision, len(e.decisions))
	copy(decisions, e.decisions)
	st := Status{
		Time:      e.now(),
		StartedAt: e.started,
		Mode:      mode,
		LastScan:  e.lastScan,
		Counters:  e.counters,
		Decisions: decisions,
	}
	e.mu.Unlock()

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	for i := range accounts {
		if e.deps.Governor != nil {
			if b, ok := e.deps.Governor.Breaker(accounts[i].ID); ok {
				accounts[i].Breaker = &b
			}
		}
		accounts[i].OpenTrades = len(e.deps.Book.Open(accounts[i].ID))
	}
	st.Accounts = accounts
	st.Open = snap.Open
	st.Quarantined = snap.Quarantined
	if e.deps.Thresholds != nil {
		st.Thresholds = e.deps.Thresholds.Snapshot()
	}
	return st
}

// Decisions returns the most recent decisions, newest last.
func (e *Engine) Decisions() []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Decision, len(e.decisions))
	copy(out, e.decisions)
	return out
}

// Health returns one account's health record.
func (e *Engine) Health(accountID string) (AccountHealth, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.health[accountID]
	if !ok {
		return AccountHealth{}, false
	}
	return *h, true
}
