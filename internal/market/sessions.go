package market

import (
	"fmt"
	"time"

	"fxpilot/internal/config"
)

// Session is a daily trading window in minutes after UTC midnight. Windows
// with Start > End wrap past midnight.
type Session struct {
	Name       string
	Start      int
	End        int
	Currencies []string
}

// Contains reports whether t falls inside the window.
func (s Session) Contains(t time.Time) bool {
	u := t.UTC()
	m := u.Hour()*60 + u.Minute()
	if s.Start <= s.End {
		return m >= s.Start && m < s.End
	}
	return m >= s.Start || m < s.End
}

// HomeTo reports whether the session is a home market for either currency
// of inst.
func (s Session) HomeTo(inst Instrument) bool {
	for _, c := range s.Currencies {
		if inst.HasCurrency(c) {
			return true
		}
	}
	return false
}

// SessionsFromConfig parses configured windows.
func SessionsFromConfig(cfgs []config.SessionConfig) ([]Session, error) {
	out := make([]Session, 0, len(cfgs))
	for _, c := range cfgs {
		start, end, err := c.Window()
		if err != nil {
			return nil, fmt.Errorf("building sessions: %w", err)
		}
		out = append(out, Session{Name: c.Name, Start: start, End: end, Currencies: c.Currencies})
	}
	return out, nil
}

// ActiveSessions returns the names of sessions open at t.
func ActiveSessions(sessions []Session, t time.Time) []string {
	var names []string
	for _, s := range sessions {
		if s.Contains(t) {
			names = append(names, s.Name)
		}
	}
	return names
}

// SessionQuality rates trading conditions for inst at t on 0..100. No open
// session scores 10, one scores 55, an overlap of two or more scores 90, and
// a session that is home to one of the pair's currencies adds 10.
func SessionQuality(sessions []Session, inst Instrument, t time.Time) (float64, []string) {
	var (
		active []string
		home   bool
	)
	for _, s := range sessions {
		if !s.Contains(t) {
			continue
		}
		active = append(active, s.Name)
		if s.HomeTo(inst) {
			home = true
		}
	}

	var q float64
	switch len(active) {
	case 0:
		q = 10
	case 1:
		q = 55
	default:
		q = 90
	}
	if home {
		q += 10
	}
	if q > 100 {
		q = 100
	}
	return q, active
}
