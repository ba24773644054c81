// Package model defines shared data types used across all fxpilot modules.
package model

import "time"

// Side represents a trading direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Candle is one OHLC bar at a given granularity.
type Candle struct {
	Instrument string    `json:"instrument"`
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	Complete   bool      `json:"complete"`
}

// Quote is a two-sided price with freshness metadata.
type Quote struct {
	Instrument string        `json:"instrument"`
	Bid        float64       `json:"bid"`
	Ask        float64       `json:"ask"`
	Time       time.Time     `json:"time"`
	Age        time.Duration `json:"age"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// Spread returns ask minus bid in price units.
func (q Quote) Spread() float64 { return q.Ask - q.Bid }

// EntryPrice returns the price a market order on side would fill at.
func (q Quote) EntryPrice(side Side) float64 {
	if side == SideShort {
		return q.Bid
	}
	return q.Ask
}

// ExitPrice returns the price a position on side would be closed at.
func (q Quote) ExitPrice(side Side) float64 {
	if side == SideShort {
		return q.Ask
	}
	return q.Bid
}

// Signal is a candidate trade proposed by one evaluator for one instrument.
// It never outlives the scan cycle that produced it.
type Signal struct {
	AccountID  string    `json:"accountId"`
	Strategy   string    `json:"strategy"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Entry      float64   `json:"entry"`
	Stop       float64   `json:"stop"`
	Target     float64   `json:"target"`
	Strength   float64   `json:"strength"`
	Rationale  []string  `json:"rationale"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StopDistance is the absolute price distance between entry and stop.
func (s Signal) StopDistance() float64 {
	d := s.Entry - s.Stop
	if d < 0 {
		return -d
	}
	return d
}

// Gate names reported on a ScoredSignal that failed scoring.
const (
	GateSpread     = "spread"
	GateVolatility = "volatility"
	GateThreshold  = "threshold"
)

// GateOutcome records the inputs and results of each scoring gate.
type GateOutcome struct {
	SpreadPips        float64  `json:"spreadPips"`
	SpreadCeilingPips float64  `json:"spreadCeilingPips"`
	SpreadOK          bool     `json:"spreadOk"`
	ATRPips           float64  `json:"atrPips"`
	ATRFloorPips      float64  `json:"atrFloorPips"`
	VolatilityOK      bool     `json:"volatilityOk"`
	Confluence        int      `json:"confluence"`
	ConfluenceMax     int      `json:"confluenceMax"`
	Factors           []string `json:"factors"`
	SessionQuality    float64  `json:"sessionQuality"`
	ActiveSessions    []string `json:"activeSessions"`
}

// ScoredSignal is a Signal with its quality score and gate outcomes.
type ScoredSignal struct {
	Signal     Signal      `json:"signal"`
	Quality    float64     `json:"quality"`
	Gates      GateOutcome `json:"gates"`
	Passed     bool        `json:"passed"`
	RejectGate string      `json:"rejectGate,omitempty"`
}

// RejectReason is the closed set of risk rejection codes.
type RejectReason string

const (
	RejectAccountInactive  RejectReason = "ACCOUNT_INACTIVE"
	RejectDailyCap         RejectReason = "DAILY_CAP_REACHED"
	RejectPositionCap      RejectReason = "POSITION_CAP_REACHED"
	RejectBlackout         RejectReason = "BLACKOUT_WINDOW"
	RejectCircuitBreaker   RejectReason = "CIRCUIT_BREAKER"
	RejectInsufficientSize RejectReason = "INSUFFICIENT_SIZE"
	RejectExposure         RejectReason = "EXPOSURE_EXCEEDED"
)

// RiskDecision is the governor's verdict on a ScoredSignal. Approved
// decisions always carry units, protective levels and a client reference.
type RiskDecision struct {
	Approved       bool         `json:"approved"`
	Reason         RejectReason `json:"reason,omitempty"`
	Detail         string       `json:"detail,omitempty"`
	Scored         ScoredSignal `json:"scored"`
	Units          float64      `json:"units"`
	StopDistance   float64      `json:"stopDistance"`
	StopPips       float64      `json:"stopPips"`
	QuoteToAccount float64      `json:"quoteToAccount"`
	RiskAmount     float64      `json:"riskAmount"`
	StopLoss       float64      `json:"stopLoss"`
	TakeProfit     float64      `json:"takeProfit"`
	ClientRef      string       `json:"clientRef,omitempty"`
	DecidedAt      time.Time    `json:"decidedAt"`
}

// ProtectionState is the per-trade profit-protection stage.
type ProtectionState string

const (
	StateEntry          ProtectionState = "ENTRY"
	StateBreakevenArmed ProtectionState = "BREAKEVEN_ARMED"
	StatePartialTaken   ProtectionState = "PARTIAL_TAKEN"
	StateTrailing       ProtectionState = "TRAILING"
	StateClosed         ProtectionState = "CLOSED"
)

var stateRank = map[ProtectionState]int{
	StateEntry:          0,
	StateBreakevenArmed: 1,
	StatePartialTaken:   2,
	StateTrailing:       3,
	StateClosed:         4,
}

// Rank orders protection states; unknown states rank -1.
func (s ProtectionState) Rank() int {
	r, ok := stateRank[s]
	if !ok {
		return -1
	}
	return r
}

// Before reports whether s precedes other.
func (s ProtectionState) Before(other ProtectionState) bool {
	return s.Rank() < other.Rank()
}

// Trade is an open or closed position owned by exactly one account.
type Trade struct {
	ID               string          `json:"id"`
	ClientRef        string          `json:"clientRef"`
	AccountID        string          `json:"accountId"`
	Strategy         string          `json:"strategy"`
	Instrument       string          `json:"instrument"`
	Side             Side            `json:"side"`
	EntryPrice       float64         `json:"entryPrice"`
	OpenedAt         time.Time       `json:"openedAt"`
	InitialUnits     float64         `json:"initialUnits"`
	Units            float64         `json:"units"`
	StopLoss         float64         `json:"stopLoss"`
	TakeProfit       float64         `json:"takeProfit"`
	State            ProtectionState `json:"state"`
	TrailingStop     float64         `json:"trailingStop,omitempty"`
	HoldExpired      bool            `json:"holdExpired,omitempty"`
	Quarantined      bool            `json:"quarantined,omitempty"`
	QuarantineReason string          `json:"quarantineReason,omitempty"`
	RealizedPL       float64         `json:"realizedPl"`
	ClosedAt         time.Time       `json:"closedAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Open reports whether the trade still holds size.
func (t Trade) Open() bool {
	return t.State != StateClosed
}

// AccountSnapshot is the broker's view of an account at a point in time.
type AccountSnapshot struct {
	ID             string    `json:"id"`
	Currency       string    `json:"currency"`
	Balance        float64   `json:"balance"`
	Equity         float64   `json:"equity"`
	UnrealizedPL   float64   `json:"unrealizedPl"`
	MarginUsed     float64   `json:"marginUsed"`
	OpenTradeCount int       `json:"openTradeCount"`
	Time           time.Time `json:"time"`
}

// EventType names a notification event.
type EventType string

const (
	EventSignalGenerated      EventType = "signal_generated"
	EventOrderFilled          EventType = "order_filled"
	EventOrderRejected        EventType = "order_rejected"
	EventProtectionTransition EventType = "protection_transition"
	EventCircuitBreaker       EventType = "circuit_breaker"
	EventTradeQuarantined     EventType = "trade_quarantined"
	EventThresholdAdjusted    EventType = "threshold_adjusted"
)

// Event is a flat notification record suitable for any push transport.
type Event struct {
	Time       time.Time      `json:"time"`
	AccountID  string         `json:"accountId,omitempty"`
	Instrument string         `json:"instrument,omitempty"`
	Type       EventType      `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIResponse is the standard JSON envelope for REST responses.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
