// Package strategy holds the signal evaluators and the typed registry that
// binds configured strategy instances to them.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"fxpilot/internal/config"
	"fxpilot/internal/market"
	"fxpilot/internal/model"
)

// ErrUnknownKind is returned when a configured kind has no constructor.
var ErrUnknownKind = errors.New("unknown strategy kind")

// Evaluator proposes candidate signals for one instrument from a data
// snapshot. Implementations keep no state beyond a bounded candle history per
// instrument and are safe for concurrent use.
type Evaluator interface {
	Name() string
	Kind() string
	// MinHistory is the number of candles below which the evaluator declines
	// to emit anything.
	MinHistory() int
	// Instruments lists the instruments the evaluator is bound to; empty
	// means every instrument of the account.
	Instruments() []string
	SessionRestricted() bool
	Granularity() string
	MaxSpreadPips() float64
	Threshold() float64
	Evaluate(accountID string, inst market.Instrument, candles []model.Candle, quote model.Quote) []model.Signal
}

// Deps are the shared collaborators handed to constructors.
type Deps struct {
	Sessions   []market.Session
	HistoryCap int
	Logger     *zap.Logger
}

// Constructor builds an evaluator for one configured strategy instance.
type Constructor func(cfg config.StrategyConfig, deps Deps) (Evaluator, error)

var constructors = map[string]Constructor{
	KindEMACross:     newEMACross,
	KindRSIReversion: newRSIReversion,
	KindBreakout:     newBreakout,
}

// Kinds lists the known evaluator kinds.
func Kinds() []string {
	out := make([]string, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds a single evaluator.
func New(cfg config.StrategyConfig, deps Deps) (Evaluator, error) {
	ctor, ok := constructors[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w %q (known: %s)", cfg.Name, ErrUnknownKind, cfg.Kind, strings.Join(Kinds(), ", "))
	}
	if !market.ValidGranularity(cfg.Granularity) {
		return nil, fmt.Errorf("strategy %s: unknown granularity %q", cfg.Name, cfg.Granularity)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return ctor(cfg, deps)
}

// BuildError lists the strategies that failed to build.
type BuildError struct {
	Strategies map[string]error
}

func (e *BuildError) Error() string {
	names := make([]string, 0, len(e.Strategies))
	for n := range e.Strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, e.Strategies[n].Error())
	}
	return "building strategies: " + strings.Join(parts, "; ")
}

// Registry maps strategy instance names to evaluators.
type Registry struct {
	byName map[string]Evaluator
}

// Build constructs every configured strategy. The returned registry holds the
// ones that built; the error, a *BuildError, names the ones that did not.
func Build(cfgs []config.StrategyConfig, deps Deps) (*Registry, error) {
	r := &Registry{byName: make(map[string]Evaluator, len(cfgs))}
	berr := &BuildError{Strategies: map[string]error{}}
	for _, c := range cfgs {
		ev, err := New(c, deps)
		if err != nil {
			berr.Strategies[c.Name] = err
			continue
		}
		r.byName[c.Name] = ev
	}
	if len(berr.Strategies) > 0 {
		return r, berr
	}
	return r, nil
}

// Get returns the evaluator for a strategy name.
func (r *Registry) Get(name string) (Evaluator, bool) {
	ev, ok := r.byName[name]
	return ev, ok
}

// Names returns registered strategy names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// History is a bounded rolling candle buffer per instrument.
type History struct {
	mu     sync.Mutex
	cap    int
	byInst map[string][]model.Candle
}

// NewHistory creates a buffer holding at most capacity candles per instrument.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 500
	}
	return &History{cap: capacity, byInst: make(map[string][]model.Candle)}
}

// Merge folds candles (oldest first) into the instrument's buffer and returns
// a copy of the updated buffer. A candle with the same timestamp as the
// newest buffered one replaces it; older candles are ignored.
func (h *History) Merge(instrument string, candles []model.Candle) []model.Candle {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.byInst[instrument]
	for _, c := range candles {
		n := len(buf)
		switch {
		case n == 0 || c.Time.After(buf[n-1].Time):
			buf = append(buf, c)
		case c.Time.Equal(buf[n-1].Time):
			buf[n-1] = c
		}
	}
	if len(buf) > h.cap {
		buf = append([]model.Candle(nil), buf[len(buf)-h.cap:]...)
	}
	h.byInst[instrument] = buf
	return append([]model.Candle(nil), buf...)
}

// Len returns the buffered candle count for an instrument.
func (h *History) Len(instrument string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byInst[instrument])
}

// base carries the behaviour shared by all evaluators.
type base struct {
	cfg        config.StrategyConfig
	kind       string
	minHistory int
	sessions   []market.Session
	history    *History
	logger     *zap.Logger
}

func newBase(cfg config.StrategyConfig, kind string, warmup int, deps Deps) base {
	minHistory := cfg.MinHistory
	if minHistory < warmup {
		minHistory = warmup
	}
	return base{
		cfg:        cfg,
		kind:       kind,
		minHistory: minHistory,
		sessions:   deps.Sessions,
		history:    NewHistory(deps.HistoryCap),
		logger:     deps.Logger.With(zap.String("strategy", cfg.Name)),
	}
}

func (b *base) Name() string            { return b.cfg.Name }
func (b *base) Kind() string            { return b.kind }
func (b *base) MinHistory() int         { return b.minHistory }
func (b *base) Instruments() []string   { return b.cfg.Instruments }
func (b *base) SessionRestricted() bool { return b.cfg.SessionRestricted }
func (b *base) Granularity() string     { return b.cfg.Granularity }
func (b *base) MaxSpreadPips() float64  { return b.cfg.MaxSpreadPips }
func (b *base) Threshold() float64      { return b.cfg.Threshold }

// prepare merges fresh candles into history and applies the history and
// session preconditions. ok=false means the evaluator must emit nothing.
func (b *base) prepare(accountID string, inst market.Instrument, candles []model.Candle, quote model.Quote) ([]model.Candle, bool) {
	buf := b.history.Merge(inst.Name, candles)
	if len(buf) < b.minHistory {
		b.logger.Debug("insufficient history",
			zap.String("account", accountID),
			zap.String("instrument", inst.Name),
			zap.Int("have", len(buf)),
			zap.Int("need", b.minHistory),
		)
		return nil, false
	}
	if b.cfg.SessionRestricted && len(market.ActiveSessions(b.sessions, quote.Time)) == 0 {
		b.logger.Debug("outside trading sessions",
			zap.String("account", accountID),
			zap.String("instrument", inst.Name),
			zap.Time("at", quote.Time),
		)
		return nil, false
	}
	return buf, true
}

// signal builds a signal with ATR-multiple protective levels rounded to the
// instrument's precision.
func (b *base) signal(accountID string, inst market.Instrument, side model.Side, quote model.Quote, atr, stopATR, targetATR, strength float64, tags ...string) model.Signal {
	entry := quote.EntryPrice(side)
	sign := side.Sign()
	return model.Signal{
		AccountID:  accountID,
		Strategy:   b.cfg.Name,
		Instrument: inst.Name,
		Side:       side,
		Entry:      inst.Round(entry),
		Stop:       inst.Round(entry - sign*stopATR*atr),
		Target:     inst.Round(entry + sign*targetATR*atr),
		Strength:   strength,
		Rationale:  append([]string{b.kind}, tags...),
		CreatedAt:  quote.Time,
	}
}
