// Package broker defines the order-execution API the core consumes and the
// error taxonomy adapters map their failures into.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fxpilot/internal/model"
)

var (
	// ErrTransient marks timeouts, 5xx and rate-limit responses.
	ErrTransient = errors.New("broker: transient failure")
	// ErrNotFound is returned when a trade or client reference is unknown.
	ErrNotFound = errors.New("broker: not found")
	// ErrUnauthorized is returned when credentials are rejected.
	ErrUnauthorized = errors.New("broker: unauthorized")
)

// RejectedError is an order-level rejection (invalid price, insufficient
// margin, market halted). It is never retried.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "broker rejected: " + e.Code
	}
	return fmt.Sprintf("broker rejected: %s: %s", e.Code, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected reports whether err is an order-level rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// OrderRequest is a market entry with bundled protective levels.
type OrderRequest struct {
	AccountID  string
	Instrument string
	Side       model.Side
	Units      float64
	StopLoss   float64
	TakeProfit float64
	// ClientRef is the idempotency key attached to the order and the trade.
	ClientRef string
	Tag       string
}

// TradeState is the broker's view of a single trade.
type TradeState struct {
	ID           string
	ClientRef    string
	AccountID    string
	Instrument   string
	Side         model.Side
	InitialUnits float64
	Units        float64
	EntryPrice   float64
	OpenedAt     time.Time
	Open         bool
	StopLoss     float64
	TakeProfit   float64
	RealizedPL   float64
	UnrealizedPL float64
}

// CloseResult reports a full or partial close.
type CloseResult struct {
	ClosedUnits float64
	Price       float64
	RealizedPL  float64
}

// Broker is the subset of a broker REST API used by fxpilot.
type Broker interface {
	Account(ctx context.Context, accountID string) (model.AccountSnapshot, error)
	Quote(ctx context.Context, accountID, instrument string) (model.Quote, error)
	Candles(ctx context.Context, instrument, granularity string, count int) ([]model.Candle, error)

	// PlaceMarketOrder submits a market entry. A successful fill returns the
	// opened trade.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (TradeState, error)
	// TradeByClientRef looks up a trade by the idempotency key attached at
	// submission. It returns ErrNotFound when no such trade exists.
	TradeByClientRef(ctx context.Context, accountID, clientRef string) (TradeState, error)
	OpenTrades(ctx context.Context, accountID string) ([]TradeState, error)
	Trade(ctx context.Context, accountID, tradeID string) (TradeState, error)

	SetStopLoss(ctx context.Context, accountID, tradeID string, price float64) error
	// CloseTrade closes units of a trade; units <= 0 closes everything.
	CloseTrade(ctx context.Context, accountID, tradeID string, units float64) (CloseResult, error)
}
