package risk

import (
	"time"

	"fxpilot/internal/config"
)

// BreakerStatus is a snapshot of an account's drawdown circuit breaker.
type BreakerStatus struct {
	Tripped          bool      `json:"tripped"`
	Reason           string    `json:"reason,omitempty"`
	DayOpenEquity    float64   `json:"dayOpenEquity"`
	PeakEquity       float64   `json:"peakEquity"`
	Equity           float64   `json:"equity"`
	DailyDrawdownPct float64   `json:"dailyDrawdownPct"`
	TotalDrawdownPct float64   `json:"totalDrawdownPct"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// breaker tracks day-open and peak equity for one account. It trips while
// either drawdown meets its limit and clears as soon as neither does.
type breaker struct {
	dayKey string
	status BreakerStatus
}

// update folds a new equity observation in and reports whether the tripped
// state changed.
func (b *breaker) update(equity float64, dayKey string, limits config.RiskLimits, now time.Time) bool {
	s := &b.status
	if b.dayKey != dayKey || s.DayOpenEquity == 0 {
		b.dayKey = dayKey
		s.DayOpenEquity = equity
	}
	if equity > s.PeakEquity || s.PeakEquity == 0 {
		s.PeakEquity = equity
	}
	s.Equity = equity
	s.UpdatedAt = now

	s.DailyDrawdownPct = 0
	if s.DayOpenEquity > 0 && equity < s.DayOpenEquity {
		s.DailyDrawdownPct = (s.DayOpenEquity - equity) / s.DayOpenEquity * 100
	}
	s.TotalDrawdownPct = 0
	if s.PeakEquity > 0 {
		s.TotalDrawdownPct = (s.PeakEquity - equity) / s.PeakEquity * 100
	}

	was := s.Tripped
	switch {
	case limits.MaxDailyDrawdownPct > 0 && s.DailyDrawdownPct >= limits.MaxDailyDrawdownPct:
		s.Tripped, s.Reason = true, "daily_drawdown"
	case limits.MaxTotalDrawdownPct > 0 && s.TotalDrawdownPct >= limits.MaxTotalDrawdownPct:
		s.Tripped, s.Reason = true, "total_drawdown"
	default:
		s.Tripped, s.Reason = false, ""
	}
	return was != s.Tripped
}
