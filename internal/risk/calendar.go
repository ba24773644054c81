package risk

import (
	"sort"
	"strings"
	"time"

	"fxpilot/internal/config"
	"fxpilot/internal/market"
)

// Calendar answers whether an instrument is inside a high-impact event
// blackout window.
type Calendar struct {
	events []config.EventConfig
	window time.Duration
}

// NewCalendar keeps only high-impact events, sorted by time.
func NewCalendar(cfg config.CalendarConfig) *Calendar {
	c := &Calendar{window: time.Duration(cfg.BlackoutMinutes) * time.Minute}
	for _, ev := range cfg.Events {
		if strings.EqualFold(ev.Impact, "high") {
			c.events = append(c.events, ev)
		}
	}
	sort.Slice(c.events, func(i, j int) bool { return c.events[i].Time.Before(c.events[j].Time) })
	return c
}

// Blackout returns the event whose window contains at and which affects
// either currency of inst.
func (c *Calendar) Blackout(inst market.Instrument, at time.Time) (config.EventConfig, bool) {
	for _, ev := range c.events {
		d := at.Sub(ev.Time)
		if d < -c.window || d > c.window {
			continue
		}
		for _, ccy := range ev.Currencies {
			if inst.HasCurrency(strings.ToUpper(ccy)) {
				return ev, true
			}
		}
	}
	return config.EventConfig{}, false
}
