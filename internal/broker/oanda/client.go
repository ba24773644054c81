// Package oanda implements broker.Broker against the OANDA v20 REST API.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fxpilot/internal/broker"
	"fxpilot/internal/model"
)

const (
	// PracticeURL is the fxPractice REST endpoint.
	PracticeURL = "https://api-fxpractice.oanda.com"
	// LiveURL is the fxTrade REST endpoint.
	LiveURL = "https://api-fxtrade.oanda.com"

	maxErrorBody = 64 * 1024
)

// BaseURL maps an environment name to its REST endpoint.
func BaseURL(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "practice", "demo":
		return PracticeURL, nil
	case "live":
		return LiveURL, nil
	default:
		return "", fmt.Errorf("unknown OANDA environment %q (want practice|live)", env)
	}
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	// Precision returns the display precision used when sending prices.
	Precision  func(instrument string) int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a rate-limited OANDA v20 REST client.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	limiter   *rate.Limiter
	precision func(string) int
	logger    *zap.Logger
}

var _ broker.Broker = (*Client)(nil)

// New creates a client. A token is required.
func New(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.New("oanda: API token is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = PracticeURL
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("oanda: base URL: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	prec := opts.Precision
	if prec == nil {
		prec = func(string) int { return 5 }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		http:      hc,
		limiter:   rate.NewLimiter(limit, burst),
		precision: prec,
		logger:    logger,
	}, nil
}

// --- wire types ---

type priceValue struct {
	Price string `json:"price"`
}

type apiError struct {
	ErrorCode              string `json:"errorCode"`
	ErrorMessage           string `json:"errorMessage"`
	OrderRejectTransaction *struct {
		RejectReason string `json:"rejectReason"`
	} `json:"orderRejectTransaction"`
}

type accountSummary struct {
	Account struct {
		ID             string `json:"id"`
		Currency       string `json:"currency"`
		Balance        string `json:"balance"`
		NAV            string `json:"NAV"`
		UnrealizedPL   string `json:"unrealizedPL"`
		MarginUsed     string `json:"marginUsed"`
		OpenTradeCount int    `json:"openTradeCount"`
	} `json:"account"`
}

type pricingResponse struct {
	Prices []struct {
		Instrument string       `json:"instrument"`
		Time       string       `json:"time"`
		Bids       []priceValue `json:"bids"`
		Asks       []priceValue `json:"asks"`
	} `json:"prices"`
}

type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int64      `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid"`
}

type candlesResponse struct {
	Instrument string      `json:"instrument"`
	Candles    []apiCandle `json:"candles"`
}

type extensions struct {
	ID  string `json:"id,omitempty"`
	Tag string `json:"tag,omitempty"`
}

type marketOrder struct {
	Type                  string      `json:"type"`
	Instrument            string      `json:"instrument"`
	Units                 string      `json:"units"`
	TimeInForce           string      `json:"timeInForce"`
	PositionFill          string      `json:"positionFill"`
	StopLossOnFill        *priceValue `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill      *priceValue `json:"takeProfitOnFill,omitempty"`
	ClientExtensions      *extensions `json:"clientExtensions,omitempty"`
	TradeClientExtensions *extensions `json:"tradeClientExtensions,omitempty"`
}

type fillTransaction struct {
	ID          string `json:"id"`
	Time        string `json:"time"`
	Price       string `json:"price"`
	Units       string `json:"units"`
	PL          string `json:"pl"`
	TradeOpened *struct {
		TradeID string `json:"tradeID"`
		Units   string `json:"units"`
		Price   string `json:"price"`
	} `json:"tradeOpened"`
}

type cancelTransaction struct {
	Reason string `json:"reason"`
}

type orderResponse struct {
	OrderFillTransaction   *fillTransaction   `json:"orderFillTransaction"`
	OrderCancelTransaction *cancelTransaction `json:"orderCancelTransaction"`
}

type apiTrade struct {
	ID               string      `json:"id"`
	Instrument       string      `json:"instrument"`
	Price            string      `json:"price"`
	OpenTime         string      `json:"openTime"`
	State            string      `json:"state"`
	InitialUnits     string      `json:"initialUnits"`
	CurrentUnits     string      `json:"currentUnits"`
	RealizedPL       string      `json:"realizedPL"`
	UnrealizedPL     string      `json:"unrealizedPL"`
	ClientExtensions *extensions `json:"clientExtensions"`
	StopLossOrder    *priceValue `json:"stopLossOrder"`
	TakeProfitOrder  *priceValue `json:"takeProfitOrder"`
}

type tradeResponse struct {
	Trade apiTrade `json:"trade"`
}

type tradesResponse struct {
	Trades []apiTrade `json:"trades"`
}

// --- broker.Broker ---

// Account implements broker.Broker.
func (c *Client) Account(ctx context.Context, accountID string) (model.AccountSnapshot, error) {
	var resp accountSummary
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, "summary"), nil, nil, &resp); err != nil {
		return model.AccountSnapshot{}, err
	}
	a := resp.Account
	snap := model.AccountSnapshot{
		ID:             a.ID,
		Currency:       a.Currency,
		OpenTradeCount: a.OpenTradeCount,
		Time:           time.Now().UTC(),
	}
	var err error
	if snap.Balance, err = parseNumber(a.Balance); err != nil {
		return model.AccountSnapshot{}, fmt.Errorf("oanda: balance: %w", err)
	}
	if snap.Equity, err = parseNumber(a.NAV); err != nil {
		return model.AccountSnapshot{}, fmt.Errorf("oanda: NAV: %w", err)
	}
	snap.UnrealizedPL, _ = parseNumber(a.UnrealizedPL)
	snap.MarginUsed, _ = parseNumber(a.MarginUsed)
	return snap, nil
}

// Quote implements broker.Broker.
func (c *Client) Quote(ctx context.Context, accountID, instrument string) (model.Quote, error) {
	q := url.Values{"instruments": {instrument}}
	var resp pricingResponse
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, "pricing"), q, nil, &resp); err != nil {
		return model.Quote{}, err
	}
	for _, p := range resp.Prices {
		if p.Instrument != instrument {
			continue
		}
		if len(p.Bids) == 0 || len(p.Asks) == 0 {
			return model.Quote{}, fmt.Errorf("oanda: empty book for %s: %w", instrument, broker.ErrTransient)
		}
		bid, err := parseNumber(p.Bids[0].Price)
		if err != nil {
			return model.Quote{}, fmt.Errorf("oanda: bid: %w", err)
		}
		ask, err := parseNumber(p.Asks[0].Price)
		if err != nil {
			return model.Quote{}, fmt.Errorf("oanda: ask: %w", err)
		}
		ts, err := parseTime(p.Time)
		if err != nil {
			return model.Quote{}, fmt.Errorf("oanda: price time: %w", err)
		}
		return model.Quote{Instrument: instrument, Bid: bid, Ask: ask, Time: ts}, nil
	}
	return model.Quote{}, fmt.Errorf("oanda: no price for %s: %w", instrument, broker.ErrNotFound)
}

// Candles implements broker.Broker. Mid prices are requested and the
// in-progress candle is returned with Complete false.
func (c *Client) Candles(ctx context.Context, instrument, granularity string, count int) ([]model.Candle, error) {
	if count <= 0 || count > 5000 {
		return nil, fmt.Errorf("oanda: candle count %d out of range 1..5000", count)
	}
	q := url.Values{
		"price":       {"M"},
		"granularity": {granularity},
		"count":       {strconv.Itoa(count)},
	}
	var resp candlesResponse
	if err := c.do(ctx, http.MethodGet, "/v3/instruments/"+url.PathEscape(instrument)+"/candles", q, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(resp.Candles))
	for _, ac := range resp.Candles {
		ts, err := parseTime(ac.Time)
		if err != nil {
			return nil, fmt.Errorf("oanda: candle time %q: %w", ac.Time, err)
		}
		var ohlc [4]float64
		for i, s := range []string{ac.Mid.O, ac.Mid.H, ac.Mid.L, ac.Mid.C} {
			if ohlc[i], err = parseNumber(s); err != nil {
				return nil, fmt.Errorf("oanda: candle %s: %w", ac.Time, err)
			}
		}
		out = append(out, model.Candle{
			Instrument: instrument,
			Time:       ts,
			Open:       ohlc[0],
			High:       ohlc[1],
			Low:        ohlc[2],
			Close:      ohlc[3],
			Volume:     ac.Volume,
			Complete:   ac.Complete,
		})
	}
	return out, nil
}

// PlaceMarketOrder implements broker.Broker. The client reference is attached
// to both the order and the resulting trade so the trade can be found again
// by TradeByClientRef.
func (c *Client) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.TradeState, error) {
	if req.Units < 1 {
		return broker.TradeState{}, &broker.RejectedError{Code: "UNITS_INVALID", Message: "units must be at least 1"}
	}
	prec := c.precision(req.Instrument)
	units := decimal.NewFromFloat(req.Units).Floor()
	if req.Side == model.SideShort {
		units = units.Neg()
	}
	ext := &extensions{ID: req.ClientRef, Tag: req.Tag}
	order := marketOrder{
		Type:                  "MARKET",
		Instrument:            req.Instrument,
		Units:                 units.String(),
		TimeInForce:           "FOK",
		PositionFill:          "OPEN_ONLY",
		ClientExtensions:      ext,
		TradeClientExtensions: ext,
	}
	if req.StopLoss > 0 {
		order.StopLossOnFill = &priceValue{Price: formatPrice(req.StopLoss, prec)}
	}
	if req.TakeProfit > 0 {
		order.TakeProfitOnFill = &priceValue{Price: formatPrice(req.TakeProfit, prec)}
	}

	var resp orderResponse
	body := map[string]any{"order": order}
	if err := c.do(ctx, http.MethodPost, accountPath(req.AccountID, "orders"), nil, body, &resp); err != nil {
		return broker.TradeState{}, err
	}
	if resp.OrderCancelTransaction != nil {
		return broker.TradeState{}, &broker.RejectedError{Code: resp.OrderCancelTransaction.Reason, Message: "order cancelled"}
	}
	fill := resp.OrderFillTransaction
	if fill == nil || fill.TradeOpened == nil {
		return broker.TradeState{}, &broker.RejectedError{Code: "NO_FILL", Message: "order accepted without opening a trade"}
	}

	price, err := parseNumber(fill.TradeOpened.Price)
	if err != nil {
		if price, err = parseNumber(fill.Price); err != nil {
			return broker.TradeState{}, fmt.Errorf("oanda: fill price: %w", err)
		}
	}
	filled, err := parseNumber(fill.TradeOpened.Units)
	if err != nil {
		return broker.TradeState{}, fmt.Errorf("oanda: fill units: %w", err)
	}
	opened, _ := parseTime(fill.Time)

	c.logger.Info("oanda_order_filled",
		zap.String("account", req.AccountID),
		zap.String("instrument", req.Instrument),
		zap.String("trade_id", fill.TradeOpened.TradeID),
		zap.String("client_ref", req.ClientRef),
		zap.Float64("price", price),
		zap.Float64("units", filled),
	)
	return broker.TradeState{
		ID:           fill.TradeOpened.TradeID,
		ClientRef:    req.ClientRef,
		AccountID:    req.AccountID,
		Instrument:   req.Instrument,
		Side:         req.Side,
		InitialUnits: abs(filled),
		Units:        abs(filled),
		EntryPrice:   price,
		OpenedAt:     opened,
		Open:         true,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
	}, nil
}

// TradeByClientRef implements broker.Broker.
func (c *Client) TradeByClientRef(ctx context.Context, accountID, clientRef string) (broker.TradeState, error) {
	return c.Trade(ctx, accountID, "@"+clientRef)
}

// Trade implements broker.Broker.
func (c *Client) Trade(ctx context.Context, accountID, tradeID string) (broker.TradeState, error) {
	var resp tradeResponse
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, "trades", tradeID), nil, nil, &resp); err != nil {
		return broker.TradeState{}, err
	}
	return toTradeState(accountID, resp.Trade)
}

// OpenTrades implements broker.Broker.
func (c *Client) OpenTrades(ctx context.Context, accountID string) ([]broker.TradeState, error) {
	var resp tradesResponse
	if err := c.do(ctx, http.MethodGet, accountPath(accountID, "openTrades"), nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]broker.TradeState, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		ts, err := toTradeState(accountID, t)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

// SetStopLoss implements broker.Broker. It replaces the trade's dependent
// stop loss order.
func (c *Client) SetStopLoss(ctx context.Context, accountID, tradeID string, price float64) error {
	// Callers round to the instrument's precision; the shortest decimal form
	// keeps it.
	body := map[string]any{
		"stopLoss": map[string]string{
			"price":       decimal.NewFromFloat(price).String(),
			"timeInForce": "GTC",
		},
	}
	return c.do(ctx, http.MethodPut, accountPath(accountID, "trades", tradeID, "orders"), nil, body, nil)
}

// CloseTrade implements broker.Broker.
func (c *Client) CloseTrade(ctx context.Context, accountID, tradeID string, units float64) (broker.CloseResult, error) {
	amount := "ALL"
	if units > 0 {
		amount = decimal.NewFromFloat(units).Floor().String()
	}
	var resp orderResponse
	body := map[string]string{"units": amount}
	if err := c.do(ctx, http.MethodPut, accountPath(accountID, "trades", tradeID, "close"), nil, body, &resp); err != nil {
		return broker.CloseResult{}, err
	}
	if resp.OrderCancelTransaction != nil {
		return broker.CloseResult{}, &broker.RejectedError{Code: resp.OrderCancelTransaction.Reason, Message: "close cancelled"}
	}
	if resp.OrderFillTransaction == nil {
		return broker.CloseResult{}, &broker.RejectedError{Code: "NO_FILL", Message: "close not filled"}
	}
	fill := resp.OrderFillTransaction
	res := broker.CloseResult{}
	closed, _ := parseNumber(fill.Units)
	res.ClosedUnits = abs(closed)
	res.Price, _ = parseNumber(fill.Price)
	res.RealizedPL, _ = parseNumber(fill.PL)
	return res, nil
}

// --- transport ---

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("oanda: rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("oanda: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("oanda: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("oanda: %s %s: %w: %w", method, path, broker.ErrTransient, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("oanda_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classify(resp.StatusCode, raw)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oanda: decode %s: %w", path, err)
	}
	return nil
}

// classify maps an error response to the broker error taxonomy.
func classify(status int, raw []byte) error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)
	msg := ae.ErrorMessage
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("oanda: http %d: %s: %w", status, msg, broker.ErrUnauthorized)
	case status == http.StatusNotFound:
		return fmt.Errorf("oanda: http %d: %s: %w", status, msg, broker.ErrNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("oanda: http %d: %s: %w", status, msg, broker.ErrTransient)
	}
	code := ae.ErrorCode
	if ae.OrderRejectTransaction != nil && ae.OrderRejectTransaction.RejectReason != "" {
		code = ae.OrderRejectTransaction.RejectReason
	}
	if code == "" {
		code = "HTTP_" + strconv.Itoa(status)
	}
	return &broker.RejectedError{Code: code, Message: msg}
}

func accountPath(accountID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/v3/accounts/")
	b.WriteString(url.PathEscape(accountID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func toTradeState(accountID string, t apiTrade) (broker.TradeState, error) {
	price, err := parseNumber(t.Price)
	if err != nil {
		return broker.TradeState{}, fmt.Errorf("oanda: trade %s price: %w", t.ID, err)
	}
	initial, err := parseNumber(t.InitialUnits)
	if err != nil {
		return broker.TradeState{}, fmt.Errorf("oanda: trade %s units: %w", t.ID, err)
	}
	current, _ := parseNumber(t.CurrentUnits)
	opened, _ := parseTime(t.OpenTime)
	side := model.SideLong
	if initial < 0 {
		side = model.SideShort
	}
	ts := broker.TradeState{
		ID:           t.ID,
		AccountID:    accountID,
		Instrument:   t.Instrument,
		Side:         side,
		InitialUnits: abs(initial),
		Units:        abs(current),
		EntryPrice:   price,
		OpenedAt:     opened,
		Open:         t.State == "OPEN",
	}
	ts.RealizedPL, _ = parseNumber(t.RealizedPL)
	ts.UnrealizedPL, _ = parseNumber(t.UnrealizedPL)
	if t.ClientExtensions != nil {
		ts.ClientRef = t.ClientExtensions.ID
	}
	if t.StopLossOrder != nil {
		ts.StopLoss, _ = parseNumber(t.StopLossOrder.Price)
	}
	if t.TakeProfitOrder != nil {
		ts.TakeProfit, _ = parseNumber(t.TakeProfitOrder.Price)
	}
	return ts, nil
}

func parseNumber(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func formatPrice(p float64, precision int) string {
	return decimal.NewFromFloat(p).StringFixed(int32(precision))
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	// Unix timestamps are returned when the datetime header is ignored.
	if !strings.ContainsRune(s, 'T') {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return time.Time{}, err
		}
		sec := d.IntPart()
		nsec := d.Sub(decimal.NewFromInt(sec)).Shift(9).IntPart()
		return time.Unix(sec, nsec).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
