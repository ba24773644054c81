// Package app wires fxpilot's components together and owns the process
// lifecycle: startup recovery, the periodic engine, the API server, reload on
// SIGHUP and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fxpilot/internal/adaptive"
	"fxpilot/internal/api"
	"fxpilot/internal/book"
	"fxpilot/internal/broker"
	"fxpilot/internal/broker/oanda"
	"fxpilot/internal/broker/paper"
	"fxpilot/internal/config"
	"fxpilot/internal/engine"
	"fxpilot/internal/execution"
	"fxpilot/internal/logging"
	"fxpilot/internal/market"
	"fxpilot/internal/metrics"
	"fxpilot/internal/notify"
	"fxpilot/internal/protection"
	"fxpilot/internal/retry"
	"fxpilot/internal/risk"
	"fxpilot/internal/scoring"
)

// paperBalance is the starting balance of every simulated account.
const paperBalance = 100_000

// ErrStartup marks failures that must stop the daemon before trading starts.
var ErrStartup = errors.New("startup failed")

// App is the application lifecycle manager.
type App struct {
	cfgPath string
	cfg     *config.Config
	version string
}

// New creates an App for a loaded configuration. cfgPath is re-read on
// reload.
func New(cfgPath string, cfg *config.Config, version string) *App {
	return &App{cfgPath: cfgPath, cfg: cfg, version: version}
}

// venue is a broker plus the demo feed that drives it in paper mode.
type venue struct {
	broker broker.Broker
	feed   *paper.Feed
}

// Run starts the daemon and blocks until a shutdown signal or a fatal error.
func (a *App) Run(parent context.Context) error {
	cfg := a.cfg
	log, err := logging.Build(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting fxpilot",
		zap.String("version", a.version),
		zap.String("env", cfg.App.Env),
		zap.String("broker", cfg.Broker.Kind),
		zap.Int("accounts", len(cfg.Accounts)),
	)

	// At startup every problem is fatal, including per-account ones that a
	// reload would only deactivate.
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	catalog := market.NewCatalog(cfg.Instruments)
	v, err := openVenue(cfg, catalog, log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	if err := probe(ctx, v.broker, cfg, log); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	ledger, err := execution.OpenLedger(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	defer ledger.Close()

	// Notification fan-out: log, journal, websocket subscribers.
	hub := api.NewHub(log)
	fanout := notify.NewFanout(log, notify.NewLogNotifier(log), hub)
	var events api.EventSource
	if cfg.Journal.Path != "" {
		journal, err := notify.OpenJournal(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		defer journal.Close()
		fanout.Add(journal)
		events = journal
	}

	policy := retry.Policy{
		MaxRetries: cfg.Broker.Retries(),
		Backoff:    cfg.Broker.RetryBackoff,
		Retryable:  broker.IsTransient,
		Logger:     log,
	}

	var candles market.CandleSource = v.broker
	if rdb := openCache(ctx, cfg.Cache, log); rdb != nil {
		defer rdb.Close()
		candles = market.NewCachingCandleSource(rdb, cfg.Cache.TTL, v.broker, "fxpilot:candles")
	}
	gateway := market.NewGateway(candles, v.broker, policy, cfg.Engine.MaxQuoteAge, cfg.Broker.Timeout)
	gateway.SetLogger(log)

	loc, err := time.LoadLocation(cfg.App.TradingDayTimezone)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	governor := risk.NewGovernor(loc, risk.NewCalendar(cfg.Calendar), fanout)
	governor.SetLogger(log)

	bk := book.New()
	executor := execution.NewExecutor(v.broker, ledger, bk, policy, cfg.Broker.Timeout, fanout)
	executor.SetLogger(log)

	controller := adaptive.NewController(cfg.Thresholds, cfg.Strategies, fanout)
	controller.SetLogger(log)

	monitor := protection.NewMonitor(v.broker, gateway, bk, catalog, cfg.Protection, fanout)
	monitor.SetLogger(log)
	monitor.SetStore(ledger)
	monitor.SetOutcomeRecorder(controller)
	monitor.SetTimeout(cfg.Broker.Timeout)

	rep, err := executor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("%w: recovering ledger: %v", ErrStartup, err)
	}
	log.Info("ledger_recovered",
		zap.Int("resolved", rep.Resolved),
		zap.Int("dropped", rep.Dropped),
		zap.Int("restored", rep.Restored),
	)
	if err := seedDays(ctx, governor, ledger, log); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	m := metrics.New()
	eng, err := engine.New(cfg, engine.Deps{
		Accounts:   v.broker,
		Market:     gateway,
		Catalog:    catalog,
		Scorer:     scoring.NewScorer(),
		Governor:   governor,
		Executor:   executor,
		Monitor:    monitor,
		Thresholds: controller,
		Book:       bk,
		Notifier:   fanout,
		Metrics:    m,
		Logger:     log,
		Timeout:    cfg.Broker.Timeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	reload := func(context.Context) error {
		next, err := config.Load(a.cfgPath)
		if err != nil {
			return err
		}
		return eng.Reload(next)
	}
	srv := api.NewServer(eng, hub, api.Options{
		Address:   cfg.API.ListenAddress,
		JWTSecret: cfg.API.JwtSecret,
		Reload:    reload,
		Events:    events,
		Metrics:   m.Handler(),
	}, log)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if v.feed != nil {
		g.Go(func() error {
			v.feed.Run(gctx, time.Second)
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := reload(ctx); err != nil {
					log.Error("config_reload_failed", zap.Error(err))
				}
				continue
			}
			log.Info("shutdown_signal", zap.String("signal", sig.String()))
		case <-parent.Done():
			log.Info("shutdown_requested")
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("fatal_error", zap.Error(err))
				return err
			}
			log.Info("fxpilot stopped")
			return nil
		}
		break
	}

	stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("shutdown_error", zap.Error(err))
		}
	case <-time.After(cfg.Engine.ShutdownGrace):
		log.Warn("shutdown_grace_exceeded", zap.Duration("grace", cfg.Engine.ShutdownGrace))
	}
	log.Info("fxpilot stopped")
	return nil
}

// Check validates cfg and probes the broker for every active account without
// trading. It returns every problem found.
func Check(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	var problems []error
	if err := cfg.Validate(); err != nil {
		problems = append(problems, err)
		var verr *config.ValidationError
		if errors.As(err, &verr) && verr.Fatal() {
			return err
		}
	}
	v, err := openVenue(cfg, market.NewCatalog(cfg.Instruments), log)
	if err != nil {
		return errors.Join(append(problems, err)...)
	}
	for _, acct := range cfg.Accounts {
		if !acct.IsActive() {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
		snap, err := v.broker.Account(callCtx, acct.ID)
		cancel()
		if err != nil {
			problems = append(problems, fmt.Errorf("account %s: %w", acct.ID, err))
			continue
		}
		log.Info("account_reachable",
			zap.String("account_id", acct.ID),
			zap.String("currency", snap.Currency),
			zap.Float64("balance", snap.Balance),
		)
	}
	return errors.Join(problems...)
}

// openVenue builds the configured broker. Paper mode also prepares a demo
// feed with backfilled history.
func openVenue(cfg *config.Config, catalog *market.Catalog, log *zap.Logger) (venue, error) {
	switch cfg.Broker.Kind {
	case "oanda":
		base, err := oanda.BaseURL(cfg.Broker.Environment)
		if err != nil {
			return venue{}, err
		}
		c, err := oanda.New(oanda.Options{
			BaseURL:           base,
			Token:             cfg.Broker.Token,
			Timeout:           cfg.Broker.Timeout,
			RequestsPerSecond: cfg.Broker.RequestsPerSecond,
			Precision:         catalog.Precision,
			Logger:            log,
		})
		if err != nil {
			return venue{}, err
		}
		return venue{broker: c}, nil
	case "paper", "":
		pb := paper.New()
		pb.SetLogger(log)
		for _, acct := range cfg.Accounts {
			pb.AddAccount(acct.ID, acct.Currency, paperBalance)
		}
		feed := paper.NewFeed(pb, seedsFor(cfg, log), cfg.Engine.Granularity, log)
		feed.Backfill(time.Now().UTC(), cfg.Engine.HistoryCount)
		return venue{broker: pb, feed: feed}, nil
	default:
		return venue{}, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

// seedsFor narrows the demo instruments to those some account trades.
func seedsFor(cfg *config.Config, log *zap.Logger) []paper.Seed {
	wanted := make(map[string]bool)
	for _, acct := range cfg.Accounts {
		for _, inst := range acct.Instruments {
			wanted[inst] = true
		}
	}
	var seeds []paper.Seed
	for _, s := range paper.DefaultSeeds {
		if wanted[s.Instrument] {
			seeds = append(seeds, s)
			delete(wanted, s.Instrument)
		}
	}
	for inst := range wanted {
		log.Warn("demo_feed_no_seed", zap.String("instrument", inst))
	}
	return seeds
}

// probe checks broker reachability for every active account. Rejected
// credentials abort startup; other failures surface later as account errors.
func probe(ctx context.Context, b broker.Broker, cfg *config.Config, log *zap.Logger) error {
	for _, acct := range cfg.Accounts {
		if !acct.IsActive() {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
		_, err := b.Account(callCtx, acct.ID)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrUnauthorized):
			return fmt.Errorf("account %s: %w", acct.ID, err)
		default:
			log.Warn("broker_probe_failed", zap.String("account_id", acct.ID), zap.Error(err))
		}
	}
	return nil
}

// openCache connects to Redis when configured. An unreachable server
// disables the cache rather than blocking startup.
func openCache(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("candle_cache_disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	log.Info("candle_cache_connected", zap.String("addr", cfg.RedisAddr))
	return rdb
}

// seedDays restores today's trade counts and committed risk from the ledger
// so daily caps survive a restart.
func seedDays(ctx context.Context, g *risk.Governor, ledger *execution.Ledger, log *zap.Logger) error {
	now := time.Now()
	counts, err := ledger.DailyCounts(ctx, g.Days().DayStart(now))
	if err != nil {
		return fmt.Errorf("loading daily counts: %w", err)
	}
	for id, c := range counts {
		g.Days().Seed(id, c.Trades, c.Risk, now)
		log.Info("daily_counts_restored",
			zap.String("account_id", id),
			zap.Int("trades", c.Trades),
			zap.Float64("risk", c.Risk),
		)
	}
	return nil
}
