package paper

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"fxpilot/internal/market"
	"fxpilot/internal/model"
)

// Seed describes one simulated instrument for the demo feed.
type Seed struct {
	Instrument string
	Price      float64
	Spread     float64
	Digits     int
}

// DefaultSeeds are the instruments simulated when none are configured.
var DefaultSeeds = []Seed{
	{"EUR_USD", 1.08342, 0.00012, 5},
	{"GBP_USD", 1.26185, 0.00016, 5},
	{"USD_JPY", 151.823, 0.018, 3},
	{"AUD_USD", 0.65420, 0.00014, 5},
	{"USD_CHF", 0.87645, 0.00018, 5},
}

// Feed drives a random-walk market for the paper broker: it backfills
// candle history and then keeps quotes and the in-progress candle moving.
type Feed struct {
	broker      *Broker
	seeds       []Seed
	granularity string
	bar         time.Duration
	rng         *rand.Rand
	logger      *zap.Logger
	step        int
}

// NewFeed creates a demo feed over seeds at one candle granularity.
func NewFeed(b *Broker, seeds []Seed, granularity string, logger *zap.Logger) *Feed {
	if len(seeds) == 0 {
		seeds = DefaultSeeds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bar := market.GranularityDuration(granularity)
	if bar == 0 {
		bar = 5 * time.Minute
	}
	return &Feed{
		broker:      b,
		seeds:       append([]Seed(nil), seeds...),
		granularity: granularity,
		bar:         bar,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger,
	}
}

// Backfill writes count complete candles per instrument ending just before
// now, plus an open candle for the current bar.
func (f *Feed) Backfill(now time.Time, count int) {
	start := now.Truncate(f.bar).Add(-time.Duration(count) * f.bar)
	for i := range f.seeds {
		s := &f.seeds[i]
		cs := make([]model.Candle, 0, count+1)
		price := s.Price
		for n := 0; n <= count; n++ {
			open := price
			hi, lo := open, open
			for k := 0; k < 6; k++ {
				price += f.move(s, n*6+k, i)
				hi = math.Max(hi, price)
				lo = math.Min(lo, price)
			}
			cs = append(cs, model.Candle{
				Instrument: s.Instrument,
				Time:       start.Add(time.Duration(n) * f.bar),
				Open:       round(open, s.Digits),
				High:       round(hi, s.Digits),
				Low:        round(lo, s.Digits),
				Close:      round(price, s.Digits),
				Volume:     int64(50 + f.rng.Intn(200)),
				Complete:   n < count,
			})
		}
		s.Price = price
		f.broker.SetCandles(s.Instrument, f.granularity, cs)
		f.broker.SetQuote(model.Quote{
			Instrument: s.Instrument,
			Bid:        round(price, s.Digits),
			Ask:        round(price+s.Spread, s.Digits),
			Time:       now,
		})
	}
	f.logger.Info("demo_backfill_complete",
		zap.Int("instruments", len(f.seeds)),
		zap.Int("candles", count),
		zap.String("granularity", f.granularity),
	)
}

// Run ticks every interval until ctx ends.
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	f.logger.Info("starting demo tick simulator", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.Tick(now.UTC())
		}
	}
}

// Tick advances every instrument one step.
func (f *Feed) Tick(now time.Time) {
	f.step++
	for i := range f.seeds {
		s := &f.seeds[i]
		s.Price += f.move(s, f.step, i)
		bid := round(s.Price, s.Digits)
		f.broker.SetQuote(model.Quote{
			Instrument: s.Instrument,
			Bid:        bid,
			Ask:        round(s.Price+s.Spread, s.Digits),
			Time:       now,
		})
		f.broker.appendTick(s.Instrument, f.granularity, f.bar, bid, now)
	}
}

func (f *Feed) move(s *Seed, step, i int) float64 {
	delta := (f.rng.Float64() - 0.5) * s.Spread * 3
	wave := math.Sin(float64(step)/20.0+float64(i)*1.5) * s.Spread * 0.5
	return delta + wave
}

// appendTick folds a price into the open candle, rolling to a new bar when
// the tick falls past the current one.
func (b *Broker) appendTick(instrument, granularity string, bar time.Duration, price float64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := candleKey(instrument, granularity)
	cs := b.candles[key]
	bucket := at.Truncate(bar)
	if n := len(cs); n > 0 && cs[n-1].Time.Equal(bucket) {
		c := &cs[n-1]
		c.High = math.Max(c.High, price)
		c.Low = math.Min(c.Low, price)
		c.Close = price
		c.Volume++
		return
	}
	if n := len(cs); n > 0 {
		cs[n-1].Complete = true
	}
	cs = append(cs, model.Candle{
		Instrument: instrument, Time: bucket,
		Open: price, High: price, Low: price, Close: price, Volume: 1,
	})
	if len(cs) > 5000 {
		cs = cs[len(cs)-5000:]
	}
	b.candles[key] = cs
}

func round(v float64, digits int) float64 {
	p := math.Pow10(digits)
	return math.Round(v*p) / p
}
