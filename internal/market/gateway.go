package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"fxpilot/internal/model"
	"fxpilot/internal/retry"
)

var (
	// ErrStaleQuote marks a quote older than the configured freshness bound.
	ErrStaleQuote = errors.New("market: stale quote")
	// ErrNoCandles is returned when the source yields no complete candles.
	ErrNoCandles = errors.New("market: no complete candles")
)

// CandleSource supplies historical candles, oldest first.
type CandleSource interface {
	Candles(ctx context.Context, instrument, granularity string, count int) ([]model.Candle, error)
}

// QuoteSource supplies the latest two-sided price for an account.
type QuoteSource interface {
	Quote(ctx context.Context, accountID, instrument string) (model.Quote, error)
}

// Gateway is the market data adapter used by the scan loop and the monitor.
// Every call is bounded by a per-attempt timeout and the shared retry policy.
type Gateway struct {
	candles CandleSource
	quotes  QuoteSource
	retry   retry.Policy
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewGateway creates a gateway. A zero maxQuoteAge disables the freshness
// check; a zero timeout leaves calls bounded only by the caller's context.
func NewGateway(candles CandleSource, quotes QuoteSource, policy retry.Policy, maxQuoteAge, timeout time.Duration) *Gateway {
	return &Gateway{
		candles: candles,
		quotes:  quotes,
		retry:   policy,
		maxAge:  maxQuoteAge,
		timeout: timeout,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
}

// SetLogger sets the logger.
func (g *Gateway) SetLogger(l *zap.Logger) { g.logger = l }

// SetClock overrides the time source.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// LatestQuote returns the current quote with Age filled in. Quotes older than
// the freshness bound are returned together with ErrStaleQuote.
func (g *Gateway) LatestQuote(ctx context.Context, accountID, instrument string) (model.Quote, error) {
	var q model.Quote
	key := "quote:" + accountID + ":" + instrument
	err := g.retry.Do(ctx, key, func(ctx context.Context, _ int) error {
		callCtx, cancel := g.bound(ctx)
		defer cancel()
		var err error
		q, err = g.quotes.Quote(callCtx, accountID, instrument)
		return err
	})
	if err != nil {
		return model.Quote{}, fmt.Errorf("fetching quote %s: %w", instrument, err)
	}

	q.Age = g.now().Sub(q.Time)
	if q.Age < 0 {
		q.Age = 0
	}
	if g.maxAge > 0 && q.Age > g.maxAge {
		return q, fmt.Errorf("%s quote is %s old: %w", instrument, q.Age.Round(time.Second), ErrStaleQuote)
	}
	return q, nil
}

// Candles returns up to count complete candles, oldest first.
func (g *Gateway) Candles(ctx context.Context, instrument, granularity string, count int) ([]model.Candle, error) {
	var raw []model.Candle
	key := "candles:" + instrument + ":" + granularity
	err := g.retry.Do(ctx, key, func(ctx context.Context, _ int) error {
		callCtx, cancel := g.bound(ctx)
		defer cancel()
		var err error
		raw, err = g.candles.Candles(callCtx, instrument, granularity, count)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching candles %s %s: %w", instrument, granularity, err)
	}

	out := make([]model.Candle, 0, len(raw))
	for _, c := range raw {
		if c.Complete {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s: %w", instrument, granularity, ErrNoCandles)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// CandleAge is the time elapsed since the close of the last candle.
func (g *Gateway) CandleAge(candles []model.Candle, granularity string) time.Duration {
	if len(candles) == 0 {
		return 0
	}
	closeAt := candles[len(candles)-1].Time.Add(GranularityDuration(granularity))
	age := g.now().Sub(closeAt)
	if age < 0 {
		return 0
	}
	return age
}

func (g *Gateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

var granularities = map[string]time.Duration{
	"S5": 5 * time.Second, "S10": 10 * time.Second, "S15": 15 * time.Second, "S30": 30 * time.Second,
	"M1": time.Minute, "M2": 2 * time.Minute, "M4": 4 * time.Minute, "M5": 5 * time.Minute,
	"M10": 10 * time.Minute, "M15": 15 * time.Minute, "M30": 30 * time.Minute,
	"H1": time.Hour, "H2": 2 * time.Hour, "H3": 3 * time.Hour, "H4": 4 * time.Hour,
	"H6": 6 * time.Hour, "H8": 8 * time.Hour, "H12": 12 * time.Hour,
	"D": 24 * time.Hour, "W": 7 * 24 * time.Hour,
}

// GranularityDuration returns the bar length for an OANDA granularity code,
// or zero when unknown.
func GranularityDuration(g string) time.Duration {
	return granularities[g]
}

// ValidGranularity reports whether g is a known granularity code.
func ValidGranularity(g string) bool {
	_, ok := granularities[g]
	return ok
}
