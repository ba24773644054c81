package risk

import (
	"sync"
	"time"
)

// DayBook keeps per-account daily trade counts and committed risk, rolling
// over at midnight in the trading-day timezone.
type DayBook struct {
	mu   sync.Mutex
	loc  *time.Location
	days map[string]*dayCount
}

type dayCount struct {
	key    string
	trades int
	risk   float64
}

// NewDayBook creates a day book; a nil location means UTC.
func NewDayBook(loc *time.Location) *DayBook {
	if loc == nil {
		loc = time.UTC
	}
	return &DayBook{loc: loc, days: make(map[string]*dayCount)}
}

// DayStart returns the start of the trading day containing t.
func (d *DayBook) DayStart(t time.Time) time.Time {
	lt := t.In(d.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, d.loc)
}

func (d *DayBook) dayKey(t time.Time) string {
	return t.In(d.loc).Format("2006-01-02")
}

// current returns today's counter for the account, resetting it when the day
// has rolled over. Callers hold d.mu.
func (d *DayBook) current(accountID string, now time.Time) *dayCount {
	key := d.dayKey(now)
	c, ok := d.days[accountID]
	if !ok || c.key != key {
		c = &dayCount{key: key}
		d.days[accountID] = c
	}
	return c
}

// Count returns today's executed trades and committed risk amount.
func (d *DayBook) Count(accountID string, now time.Time) (trades int, risk float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.current(accountID, now)
	return c.trades, c.risk
}

// Record adds one executed trade with its risk amount.
func (d *DayBook) Record(accountID string, riskAmount float64, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.current(accountID, at)
	c.trades++
	c.risk += riskAmount
}

// Seed overwrites today's counters, used to restore state after a restart.
func (d *DayBook) Seed(accountID string, trades int, riskAmount float64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.current(accountID, now)
	c.trades = trades
	c.risk = riskAmount
}
