// Package paper is an in-memory broker. It fills market orders at the current
// quote, enforces client reference uniqueness and closes trades whose stop or
// target is crossed by a new quote. Failures can be injected per operation.
package paper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxpilot/internal/broker"
	"fxpilot/internal/model"
)

// Op names a broker operation for failure injection.
type Op string

const (
	OpAccount    Op = "account"
	OpQuote      Op = "quote"
	OpCandles    Op = "candles"
	OpPlaceOrder Op = "place_order"
	OpTradeByRef Op = "trade_by_ref"
	OpOpenTrades Op = "open_trades"
	OpTrade      Op = "trade"
	OpSetStop    Op = "set_stop"
	OpClose      Op = "close"
)

type failure struct {
	err   error
	after bool
}

type account struct {
	id       string
	currency string
	balance  float64
}

// Broker is a paper broker. The zero value is not usable; call New.
type Broker struct {
	mu       sync.Mutex
	accounts map[string]*account
	quotes   map[string]model.Quote
	candles  map[string][]model.Candle
	trades   map[string]*broker.TradeState
	byRef    map[string]string
	failures map[Op][]failure
	calls    map[Op]int
	nextID   int
	now      func() time.Time
	logger   *zap.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty paper broker.
func New() *Broker {
	return &Broker{
		accounts: make(map[string]*account),
		quotes:   make(map[string]model.Quote),
		candles:  make(map[string][]model.Candle),
		trades:   make(map[string]*broker.TradeState),
		byRef:    make(map[string]string),
		failures: make(map[Op][]failure),
		calls:    make(map[Op]int),
		nextID:   1000,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
}

// SetLogger sets the logger.
func (b *Broker) SetLogger(l *zap.Logger) { b.logger = l }

// SetClock overrides the time source.
func (b *Broker) SetClock(now func() time.Time) { b.now = now }

// AddAccount registers an account with a starting balance.
func (b *Broker) AddAccount(id, currency string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[id] = &account{id: id, currency: currency, balance: balance}
}

// SetBalance overwrites an account balance.
func (b *Broker) SetBalance(id string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.accounts[id]; ok {
		a.balance = balance
	}
}

// SetQuote publishes a quote and closes any trade whose stop or target it
// crosses.
func (b *Broker) SetQuote(q model.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.Time.IsZero() {
		q.Time = b.now()
	}
	b.quotes[q.Instrument] = q
	for _, t := range b.sortedTrades() {
		if !t.Open || t.Instrument != q.Instrument {
			continue
		}
		exit := q.ExitPrice(t.Side)
		sign := t.Side.Sign()
		switch {
		case t.StopLoss > 0 && (exit-t.StopLoss)*sign <= 0:
			b.closeLocked(t, t.Units, t.StopLoss, "stop_loss")
		case t.TakeProfit > 0 && (exit-t.TakeProfit)*sign >= 0:
			b.closeLocked(t, t.Units, t.TakeProfit, "take_profit")
		}
	}
}

// SetCandles replaces the candle history for an instrument and granularity.
func (b *Broker) SetCandles(instrument, granularity string, cs []model.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles[candleKey(instrument, granularity)] = append([]model.Candle(nil), cs...)
}

// FailNext makes the next call to op return err without doing anything.
func (b *Broker) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], failure{err: err})
}

// FailAfterNext makes the next call to op take effect and then return err,
// as when the response to a successful request is lost.
func (b *Broker) FailAfterNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], failure{err: err, after: true})
}

// Calls returns how often op has been invoked.
func (b *Broker) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// ForceClose closes a trade as if the broker did it, e.g. a manual close.
func (b *Broker) ForceClose(tradeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trades[tradeID]
	if !ok || !t.Open {
		return
	}
	q := b.quotes[t.Instrument]
	b.closeLocked(t, t.Units, q.ExitPrice(t.Side), "external")
}

// Forget drops a trade entirely so lookups return ErrNotFound.
func (b *Broker) Forget(tradeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.trades[tradeID]; ok {
		delete(b.byRef, refKey(t.AccountID, t.ClientRef))
		delete(b.trades, tradeID)
	}
}

// begin counts the call and pops an injected failure. Callers hold b.mu.
func (b *Broker) begin(op Op) (before, after error) {
	b.calls[op]++
	q := b.failures[op]
	if len(q) == 0 {
		return nil, nil
	}
	f := q[0]
	b.failures[op] = q[1:]
	if f.after {
		return nil, f.err
	}
	return f.err, nil
}

// Account implements broker.Broker.
func (b *Broker) Account(_ context.Context, accountID string) (model.AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, _ := b.begin(OpAccount); err != nil {
		return model.AccountSnapshot{}, err
	}
	a, ok := b.accounts[accountID]
	if !ok {
		return model.AccountSnapshot{}, fmt.Errorf("account %s: %w", accountID, broker.ErrNotFound)
	}
	snap := model.AccountSnapshot{ID: a.id, Currency: a.currency, Balance: a.balance, Time: b.now()}
	for _, t := range b.trades {
		if t.AccountID != accountID || !t.Open {
			continue
		}
		snap.OpenTradeCount++
		if q, ok := b.quotes[t.Instrument]; ok {
			snap.UnrealizedPL += b.pl(t, q.ExitPrice(t.Side), t.Units, a.currency)
		}
	}
	snap.Equity = snap.Balance + snap.UnrealizedPL
	return snap, nil
}

// Quote implements broker.Broker.
func (b *Broker) Quote(_ context.Context, _, instrument string) (model.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, _ := b.begin(OpQuote); err != nil {
		return model.Quote{}, err
	}
	q, ok := b.quotes[instrument]
	if !ok {
		return model.Quote{}, fmt.Errorf("quote %s: %w", instrument, broker.ErrNotFound)
	}
	return q, nil
}

// Candles implements broker.Broker.
func (b *Broker) Candles(_ context.Context, instrument, granularity string, count int) ([]model.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, _ := b.begin(OpCandles); err != nil {
		return nil, err
	}
	cs := b.candles[candleKey(instrument, granularity)]
	if count > 0 && len(cs) > count {
		cs = cs[len(cs)-count:]
	}
	return append([]model.Candle(nil), cs...), nil
}

// PlaceMarketOrder implements broker.Broker.
func (b *Broker) PlaceMarketOrder(_ context.Context, req broker.OrderRequest) (broker.TradeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, after := b.begin(OpPlaceOrder)
	if before != nil {
		return broker.TradeState{}, before
	}
	if _, ok := b.accounts[req.AccountID]; !ok {
		return broker.TradeState{}, fmt.Errorf("account %s: %w", req.AccountID, broker.ErrNotFound)
	}
	if req.ClientRef != "" {
		if _, dup := b.byRef[refKey(req.AccountID, req.ClientRef)]; dup {
			return broker.TradeState{}, &broker.RejectedError{Code: "CLIENT_TRADE_ID_ALREADY_EXISTS", Message: req.ClientRef}
		}
	}
	if req.Units < 1 {
		return broker.TradeState{}, &broker.RejectedError{Code: "UNITS_INVALID"}
	}
	q, ok := b.quotes[req.Instrument]
	if !ok {
		return broker.TradeState{}, &broker.RejectedError{Code: "MARKET_HALTED", Message: req.Instrument}
	}
	price := q.EntryPrice(req.Side)
	sign := req.Side.Sign()
	if req.StopLoss > 0 && (price-req.StopLoss)*sign <= 0 {
		return broker.TradeState{}, &broker.RejectedError{Code: "STOP_LOSS_ON_FILL_LOSS"}
	}
	if req.TakeProfit > 0 && (req.TakeProfit-price)*sign <= 0 {
		return broker.TradeState{}, &broker.RejectedError{Code: "TAKE_PROFIT_ON_FILL_LOSS"}
	}

	b.nextID++
	t := &broker.TradeState{
		ID:           strconv.Itoa(b.nextID),
		ClientRef:    req.ClientRef,
		AccountID:    req.AccountID,
		Instrument:   req.Instrument,
		Side:         req.Side,
		InitialUnits: req.Units,
		Units:        req.Units,
		EntryPrice:   price,
		OpenedAt:     b.now(),
		Open:         true,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
	}
	b.trades[t.ID] = t
	if req.ClientRef != "" {
		b.byRef[refKey(req.AccountID, req.ClientRef)] = t.ID
	}
	b.logger.Info("paper_order_filled",
		zap.String("account", req.AccountID),
		zap.String("instrument", req.Instrument),
		zap.String("trade_id", t.ID),
		zap.String("client_ref", req.ClientRef),
		zap.Float64("price", price),
		zap.Float64("units", req.Units),
	)
	if after != nil {
		return broker.TradeState{}, after
	}
	return *t, nil
}

// TradeByClientRef implements broker.Broker.
func (b *Broker) TradeByClientRef(_ context.Context, accountID, clientRef string) (broker.TradeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, _ := b.begin(OpTradeByRef); err != nil {
		return broker.TradeState{}, err
	}
	id, ok := b.byRef[refKey(accountID, clientRef)]
	if !ok {
		return broker.TradeState{}, fmt.Errorf("client ref %s: %w", clientRef, broker.ErrNotFound)
	}
	return *b.trades[id], nil
}

// OpenTrades implements broker.Broker.
func (b *Broker) OpenTrades(_ context.Context, accountID string) ([]broker.TradeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, _ := b.begin(OpOpenTrades); err != nil {
		return nil, err
	}
	var out []broker.TradeState
	for _, t := range b.sortedTrades() {
		if t.AccountID == accountID && t.Open {
			out = append(out, b.withUnrealized(t))
		}
	}
	return out, nil
}

// Trade implements broker.Broker.
func (b *Broker) Trade(_ context.Context, accountID, tradeID string) (broker.TradeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, _ := b.begin(OpTrade); err != nil {
		return broker.TradeState{}, err
	}
	t, ok := b.trades[tradeID]
	if !ok || t.AccountID != accountID {
		return broker.TradeState{}, fmt.Errorf("trade %s: %w", tradeID, broker.ErrNotFound)
	}
	return b.withUnrealized(t), nil
}

// SetStopLoss implements broker.Broker.
func (b *Broker) SetStopLoss(_ context.Context, accountID, tradeID string, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, after := b.begin(OpSetStop)
	if before != nil {
		return before
	}
	t, ok := b.trades[tradeID]
	if !ok || t.AccountID != accountID {
		return fmt.Errorf("trade %s: %w", tradeID, broker.ErrNotFound)
	}
	if !t.Open {
		return &broker.RejectedError{Code: "TRADE_DOESNT_EXIST", Message: "trade is closed"}
	}
	if q, ok := b.quotes[t.Instrument]; ok {
		if (q.ExitPrice(t.Side)-price)*t.Side.Sign() <= 0 {
			return &broker.RejectedError{Code: "STOP_LOSS_ON_FILL_LOSS", Message: "stop is through the market"}
		}
	}
	t.StopLoss = price
	return after
}

// CloseTrade implements broker.Broker.
func (b *Broker) CloseTrade(_ context.Context, accountID, tradeID string, units float64) (broker.CloseResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	before, after := b.begin(OpClose)
	if before != nil {
		return broker.CloseResult{}, before
	}
	t, ok := b.trades[tradeID]
	if !ok || t.AccountID != accountID {
		return broker.CloseResult{}, fmt.Errorf("trade %s: %w", tradeID, broker.ErrNotFound)
	}
	if !t.Open {
		return broker.CloseResult{}, &broker.RejectedError{Code: "TRADE_DOESNT_EXIST", Message: "trade is closed"}
	}
	q, ok := b.quotes[t.Instrument]
	if !ok {
		return broker.CloseResult{}, &broker.RejectedError{Code: "MARKET_HALTED", Message: t.Instrument}
	}
	if units <= 0 || units > t.Units {
		units = t.Units
	}
	res := b.closeLocked(t, units, q.ExitPrice(t.Side), "requested")
	return res, after
}

// closeLocked books a full or partial close. Callers hold b.mu.
func (b *Broker) closeLocked(t *broker.TradeState, units, price float64, reason string) broker.CloseResult {
	ccy := ""
	if a, ok := b.accounts[t.AccountID]; ok {
		ccy = a.currency
	}
	pl := b.pl(t, price, units, ccy)
	t.Units -= units
	t.RealizedPL += pl
	if t.Units <= 0 {
		t.Units = 0
		t.Open = false
		t.UnrealizedPL = 0
	}
	if a, ok := b.accounts[t.AccountID]; ok {
		a.balance += pl
	}
	b.logger.Info("paper_trade_closed",
		zap.String("trade_id", t.ID),
		zap.String("reason", reason),
		zap.Float64("units", units),
		zap.Float64("price", price),
		zap.Float64("pl", pl),
	)
	return broker.CloseResult{ClosedUnits: units, Price: price, RealizedPL: pl}
}

// pl converts a price move into account currency. Instruments quoted in the
// account currency convert at 1, those based in it at 1/price; anything else
// is booked unconverted.
func (b *Broker) pl(t *broker.TradeState, price, units float64, accountCcy string) float64 {
	raw := (price - t.EntryPrice) * t.Side.Sign() * units
	base, quote := splitPair(t.Instrument)
	switch accountCcy {
	case quote:
		return raw
	case base:
		if price != 0 {
			return raw / price
		}
	}
	return raw
}

func (b *Broker) withUnrealized(t *broker.TradeState) broker.TradeState {
	out := *t
	if q, ok := b.quotes[t.Instrument]; ok && t.Open {
		ccy := ""
		if a, ok := b.accounts[t.AccountID]; ok {
			ccy = a.currency
		}
		out.UnrealizedPL = b.pl(t, q.ExitPrice(t.Side), t.Units, ccy)
	}
	return out
}

func (b *Broker) sortedTrades() []*broker.TradeState {
	out := make([]*broker.TradeState, 0, len(b.trades))
	for _, t := range b.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, _ := strconv.Atoi(out[i].ID)
		nj, _ := strconv.Atoi(out[j].ID)
		return ni < nj
	})
	return out
}

func candleKey(instrument, granularity string) string { return instrument + "|" + granularity }

func refKey(accountID, ref string) string { return accountID + "|" + ref }

func splitPair(name string) (string, string) {
	for i := 0; i < len(name); i++ {
		if name[i] == '_' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}
