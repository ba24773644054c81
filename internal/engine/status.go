package engine

import (
	"time"

	"fxpilot/internal/adaptive"
	"fxpilot/internal/model"
	"fxpilot/internal/risk"
)

// Status represents the current engine state for API consumers.
type Status struct {
	Time        time.Time                `json:"time"`
	StartedAt   time.Time                `json:"startedAt"`
	Mode        string                   `json:"mode"`
	Accounts    []AccountHealth          `json:"accounts"`
	Open        []model.Trade            `json:"open"`
	Quarantined []model.Trade            `json:"quarantined"`
	LastScan    ScanInfo                 `json:"lastScan"`
	Thresholds  []adaptive.StrategyState `json:"thresholds"`
	Decisions   []Decision               `json:"decisions"`
	Counters    Counters                 `json:"counters"`
}

// AccountHealth is the per-account record the scan loop maintains. Errors
// from isolated iterations land here instead of aborting the tick.
type AccountHealth struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Active            bool                `json:"active"`
	DeactivatedReason string              `json:"deactivatedReason,omitempty"`
	LastError         string              `json:"lastError,omitempty"`
	LastErrorAt       time.Time           `json:"lastErrorAt,omitempty"`
	LastScan          time.Time           `json:"lastScan,omitempty"`
	LastSuccess       time.Time           `json:"lastSuccess,omitempty"`
	Balance           float64             `json:"balance"`
	Equity            float64             `json:"equity"`
	OpenTrades        int                 `json:"openTrades"`
	Breaker           *risk.BreakerStatus `json:"breaker,omitempty"`
}

// ScanInfo describes the last completed scan tick.
type ScanInfo struct {
	At         time.Time `json:"at,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Accounts   int       `json:"accounts"`
	Errors     int       `json:"errors"`
	Error      string    `json:"error,omitempty"`
}

// Counters tracks engine processing totals since start.
type Counters struct {
	ScanTicks      int64 `json:"scanTicks"`
	ScansSkipped   int64 `json:"scansSkipped"`
	ScanFailures   int64 `json:"scanFailures"`
	Signals        int64 `json:"signals"`
	SignalsDropped int64 `json:"signalsDropped"`
	Approved       int64 `json:"approved"`
	Rejected       int64 `json:"rejected"`
	OrdersFilled   int64 `json:"ordersFilled"`
	OrdersFailed   int64 `json:"ordersFailed"`
	Transitions    int64 `json:"transitions"`
	Closed         int64 `json:"closed"`
	Quarantined    int64 `json:"quarantined"`
	Adjustments    int64 `json:"adjustments"`
}

// Decision stages.
const (
	StageData    = "data"
	StageScore   = "score"
	StageRisk    = "risk"
	StageExecute = "execute"
	StageFilled  = "filled"
)

// Decision explains what happened to one signal or why a scan iteration
// produced nothing.
type Decision struct {
	Time       time.Time `json:"time"`
	AccountID  string    `json:"accountId"`
	Strategy   string    `json:"strategy,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	Side       string    `json:"side,omitempty"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason,omitempty"`
	Quality    float64   `json:"quality,omitempty"`
	Threshold  float64   `json:"threshold,omitempty"`
	Units      float64   `json:"units,omitempty"`
	ClientRef  string    `json:"clientRef,omitempty"`
	TradeID    string    `json:"tradeId,omitempty"`
}

// recordDecision appends to the bounded decision ring.
func (e *Engine) recordDecision(d Decision) {
	limit := e.Config().Engine.DecisionLog
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decisions = append(e.decisions, d)
	if limit > 0 && len(e.decisions) > limit {
		e.decisions = e.decisions[len(e.decisions)-limit:]
	}
}

// recordError notes an iteration failure on the account's health record.
func (e *Engine) recordError(accountID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.health[accountID]; ok {
		h.LastError = err.Error()
		h.LastErrorAt = e.now()
	}
}

func (e *Engine) count(f func(c *Counters)) {
	e.mu.Lock()
	f(&e.counters)
	e.mu.Unlock()
}
