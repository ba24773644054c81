// Package adaptive nudges per-strategy quality thresholds between a floor
// and a ceiling: loosening after a quiet spell, tightening when the recent
// win rate is poor.
package adaptive

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxpilot/internal/config"
	"fxpilot/internal/model"
	"fxpilot/internal/notify"
)

// UniformKey is the single threshold slot used in uniform mode.
const UniformKey = "*"

// Directions of an adjustment.
const (
	Loosen  = "loosen"
	Tighten = "tighten"
)

// Adjustment records one threshold change and the metric that triggered it.
type Adjustment struct {
	Strategy  string    `json:"strategy"`
	Direction string    `json:"direction"`
	Before    float64   `json:"before"`
	After     float64   `json:"after"`
	Trigger   string    `json:"trigger"`
	Metric    float64   `json:"metric"`
	At        time.Time `json:"at"`
}

// StrategyState is the controller's view of one threshold slot.
type StrategyState struct {
	Strategy   string    `json:"strategy"`
	Threshold  float64   `json:"threshold"`
	Signals    int       `json:"signals"`
	Wins       int       `json:"wins"`
	Sample     int       `json:"sample"`
	WinRate    float64   `json:"winRate"`
	LastSignal time.Time `json:"lastSignal,omitempty"`
	LastAdjust time.Time `json:"lastAdjust,omitempty"`
}

type slot struct {
	threshold  float64
	signals    int
	outcomes   []bool
	fresh      int
	lastSignal time.Time
	lastAdjust time.Time
	lastDir    string
	streak     int
}

func (s *slot) winRate() (float64, int) {
	if len(s.outcomes) == 0 {
		return 0, 0
	}
	wins := 0
	for _, w := range s.outcomes {
		if w {
			wins++
		}
	}
	return float64(wins) / float64(len(s.outcomes)), wins
}

// Controller owns the active thresholds. It is safe for concurrent use: the
// scan loop reads thresholds and records signals while the monitor records
// outcomes and the adaptive loop adjusts.
type Controller struct {
	mu       sync.Mutex
	cfg      config.ThresholdConfig
	slots    map[string]*slot
	started  time.Time
	notifier notify.Notifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewController creates a controller seeded with each strategy's configured
// threshold, or the shared default in uniform mode.
func NewController(cfg config.ThresholdConfig, strategies []config.StrategyConfig, n notify.Notifier) *Controller {
	if n == nil {
		n = notify.Nop{}
	}
	c := &Controller{
		notifier: n,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	c.started = c.now()
	c.cfg = cfg
	c.slots = c.buildSlots(cfg, strategies, nil)
	return c
}

// SetLogger sets the logger.
func (c *Controller) SetLogger(l *zap.Logger) { c.logger = l }

// SetClock overrides the time source and restarts the quiescence clock.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.started = now()
}

// Reload applies new bounds and strategies. Existing thresholds survive,
// clamped into the new range; a mode change resets every slot.
func (c *Controller) Reload(cfg config.ThresholdConfig, strategies []config.StrategyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.slots
	if cfg.Mode != c.cfg.Mode {
		prev = nil
	}
	c.cfg = cfg
	c.slots = c.buildSlots(cfg, strategies, prev)
}

func (c *Controller) buildSlots(cfg config.ThresholdConfig, strategies []config.StrategyConfig, prev map[string]*slot) map[string]*slot {
	out := make(map[string]*slot)
	add := func(key string, initial float64) {
		if s, ok := prev[key]; ok {
			s.threshold = clamp(s.threshold, cfg.Floor, cfg.Ceiling)
			out[key] = s
			return
		}
		out[key] = &slot{threshold: clamp(initial, cfg.Floor, cfg.Ceiling)}
	}
	if cfg.Mode == config.ThresholdModeUniform {
		add(UniformKey, cfg.Default)
		return out
	}
	for _, s := range strategies {
		initial := s.Threshold
		if initial == 0 {
			initial = cfg.Default
		}
		add(s.Name, initial)
	}
	return out
}

// key maps a strategy to its slot, creating one at the default if needed.
// Callers hold c.mu.
func (c *Controller) key(strategy string) *slot {
	k := strategy
	if c.cfg.Mode == config.ThresholdModeUniform {
		k = UniformKey
	}
	s, ok := c.slots[k]
	if !ok {
		s = &slot{threshold: clamp(c.cfg.Default, c.cfg.Floor, c.cfg.Ceiling)}
		c.slots[k] = s
	}
	return s
}

// Threshold returns the active quality threshold for a strategy.
func (c *Controller) Threshold(strategy string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key(strategy).threshold
}

// RecordSignal notes that the strategy produced a signal that passed its
// threshold.
func (c *Controller) RecordSignal(strategy string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.key(strategy)
	s.signals++
	if at.After(s.lastSignal) {
		s.lastSignal = at
	}
}

// RecordOutcome adds a closed trade's result to the strategy's sample.
func (c *Controller) RecordOutcome(strategy string, won bool, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.key(strategy)
	s.outcomes = append(s.outcomes, won)
	if n := c.cfg.SampleSize; n > 0 && len(s.outcomes) > n {
		s.outcomes = s.outcomes[len(s.outcomes)-n:]
	}
	s.fresh++
}

// Adjust evaluates every slot once. Tightening takes precedence: it needs at
// least MinSample outcomes, a win rate under WinRateFloor and at least one
// outcome since the last adjustment. Otherwise a slot that has been quiet
// for the quiescence window is loosened.
func (c *Controller) Adjust(ctx context.Context, now time.Time) []Adjustment {
	c.mu.Lock()
	var out []Adjustment
	for _, k := range c.keys() {
		if adj, ok := c.adjustSlot(k, c.slots[k], now); ok {
			out = append(out, adj)
		}
	}
	c.mu.Unlock()

	for _, a := range out {
		c.logger.Info("threshold_adjusted",
			zap.String("strategy", a.Strategy),
			zap.String("direction", a.Direction),
			zap.Float64("before", a.Before),
			zap.Float64("after", a.After),
			zap.String("trigger", a.Trigger),
			zap.Float64("metric", a.Metric),
		)
		_ = c.notifier.Notify(ctx, model.Event{
			Time: a.At,
			Type: model.EventThresholdAdjusted,
			Payload: map[string]any{
				"strategy":  a.Strategy,
				"direction": a.Direction,
				"before":    a.Before,
				"after":     a.After,
				"trigger":   a.Trigger,
				"metric":    a.Metric,
			},
		})
	}
	return out
}

func (c *Controller) adjustSlot(key string, s *slot, now time.Time) (Adjustment, bool) {
	cfg := c.cfg
	rate, _ := s.winRate()
	if s.fresh > 0 && len(s.outcomes) >= cfg.MinSample && rate < cfg.WinRateFloor {
		s.fresh = 0
		return c.move(key, s, Tighten, "win_rate", round4(rate), now)
	}

	quietSince := c.started
	if s.lastSignal.After(quietSince) {
		quietSince = s.lastSignal
	}
	if s.lastAdjust.After(quietSince) {
		quietSince = s.lastAdjust
	}
	if quiet := now.Sub(quietSince); quiet >= cfg.Quiescence {
		return c.move(key, s, Loosen, "minutes_since_signal", math.Floor(quiet.Minutes()), now)
	}
	return Adjustment{}, false
}

// move shifts a slot one step in dir. A slot already at its bound is left
// alone and reports no adjustment.
func (c *Controller) move(key string, s *slot, dir, trigger string, metric float64, now time.Time) (Adjustment, bool) {
	cfg := c.cfg
	streak := 0
	if s.lastDir == dir {
		streak = s.streak
	}
	step := cfg.Step
	if cfg.StepMode == config.StepModeScaled {
		step *= math.Min(float64(1+streak), 3)
	}
	target := s.threshold + step
	if dir == Loosen {
		target = s.threshold - step
	}
	target = round2(clamp(target, cfg.Floor, cfg.Ceiling))
	if target == s.threshold {
		return Adjustment{}, false
	}
	adj := Adjustment{
		Strategy:  key,
		Direction: dir,
		Before:    s.threshold,
		After:     target,
		Trigger:   trigger,
		Metric:    metric,
		At:        now,
	}
	s.threshold = target
	s.lastAdjust = now
	s.lastDir = dir
	s.streak = streak + 1
	return adj, true
}

// Snapshot returns every slot, sorted by strategy.
func (c *Controller) Snapshot() []StrategyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StrategyState, 0, len(c.slots))
	for _, k := range c.keys() {
		s := c.slots[k]
		rate, wins := s.winRate()
		out = append(out, StrategyState{
			Strategy:   k,
			Threshold:  s.threshold,
			Signals:    s.signals,
			Wins:       wins,
			Sample:     len(s.outcomes),
			WinRate:    round4(rate),
			LastSignal: s.lastSignal,
			LastAdjust: s.lastAdjust,
		})
	}
	return out
}

func (c *Controller) keys() []string {
	keys := make([]string, 0, len(c.slots))
	for k := range c.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
