package oanda

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpilot/internal/broker"
	"fxpilot/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL: srv.URL,
		Token:   "test-token",
		Timeout: 5 * time.Second,
		Precision: func(inst string) int {
			if inst == "USD_JPY" {
				return 3
			}
			return 5
		},
	})
	require.NoError(t, err)
	return c
}

func TestBaseURL(t *testing.T) {
	t.Parallel()

	u, err := BaseURL("practice")
	require.NoError(t, err)
	assert.Equal(t, PracticeURL, u)

	u, err = BaseURL("LIVE")
	require.NoError(t, err)
	assert.Equal(t, LiveURL, u)

	_, err = BaseURL("staging")
	assert.Error(t, err)
}

func TestNew_RequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	assert.Error(t, err)
}

func TestAccount(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/v3/accounts/101-001/summary", r.URL.Path)
		_, _ = io.WriteString(w, `{"account":{"id":"101-001","currency":"USD","balance":"10000.0000","NAV":"9950.5000","unrealizedPL":"-49.5000","marginUsed":"120.00","openTradeCount":2}}`)
	})

	snap, err := c.Account(context.Background(), "101-001")
	require.NoError(t, err)
	assert.Equal(t, "USD", snap.Currency)
	assert.Equal(t, 10000.0, snap.Balance)
	assert.Equal(t, 9950.5, snap.Equity)
	assert.Equal(t, -49.5, snap.UnrealizedPL)
	assert.Equal(t, 2, snap.OpenTradeCount)
}

func TestQuote(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/a/pricing", r.URL.Path)
		assert.Equal(t, "EUR_USD", r.URL.Query().Get("instruments"))
		_, _ = io.WriteString(w, `{"prices":[{"instrument":"EUR_USD","time":"2026-03-10T12:00:00.123456789Z","bids":[{"price":"1.10001"}],"asks":[{"price":"1.10011"}]}]}`)
	})

	q, err := c.Quote(context.Background(), "a", "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.10001, q.Bid)
	assert.Equal(t, 1.10011, q.Ask)
	assert.Equal(t, 123456789, q.Time.Nanosecond())
}

func TestCandles(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/instruments/EUR_USD/candles", r.URL.Path)
		assert.Equal(t, "M", r.URL.Query().Get("price"))
		assert.Equal(t, "M5", r.URL.Query().Get("granularity"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		_, _ = io.WriteString(w, `{"instrument":"EUR_USD","candles":[
			{"complete":true,"volume":100,"time":"2026-03-10T10:00:00.000000000Z","mid":{"o":"1.0850","h":"1.0860","l":"1.0840","c":"1.0855"}},
			{"complete":false,"volume":7,"time":"2026-03-10T10:05:00.000000000Z","mid":{"o":"1.0855","h":"1.0857","l":"1.0854","c":"1.0856"}}]}`)
	})

	cs, err := c.Candles(context.Background(), "EUR_USD", "M5", 2)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, 1.0850, cs[0].Open)
	assert.Equal(t, 1.0860, cs[0].High)
	assert.Equal(t, 1.0840, cs[0].Low)
	assert.Equal(t, 1.0855, cs[0].Close)
	assert.Equal(t, int64(100), cs[0].Volume)
	assert.True(t, cs[0].Complete)
	assert.False(t, cs[1].Complete)

	_, err = c.Candles(context.Background(), "EUR_USD", "M5", 6000)
	assert.Error(t, err)
}

func TestPlaceMarketOrder(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/accounts/a/orders", r.URL.Path)

		var body struct {
			Order marketOrder `json:"order"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		o := body.Order
		assert.Equal(t, "MARKET", o.Type)
		assert.Equal(t, "-25000", o.Units)
		assert.Equal(t, "150.250", o.StopLossOnFill.Price)
		assert.Equal(t, "149.100", o.TakeProfitOnFill.Price)
		assert.Equal(t, "01HREF", o.ClientExtensions.ID)
		assert.Equal(t, "01HREF", o.TradeClientExtensions.ID)

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderFillTransaction":{"id":"77","time":"2026-03-10T12:00:01Z","price":"149.870","units":"-25000","tradeOpened":{"tradeID":"78","units":"-25000","price":"149.870"}}}`)
	})

	ts, err := c.PlaceMarketOrder(context.Background(), broker.OrderRequest{
		AccountID:  "a",
		Instrument: "USD_JPY",
		Side:       model.SideShort,
		Units:      25000.7,
		StopLoss:   150.25,
		TakeProfit: 149.1,
		ClientRef:  "01HREF",
	})
	require.NoError(t, err)
	assert.Equal(t, "78", ts.ID)
	assert.Equal(t, 149.87, ts.EntryPrice)
	assert.Equal(t, 25000.0, ts.Units)
	assert.Equal(t, model.SideShort, ts.Side)
	assert.True(t, ts.Open)
}

func TestPlaceMarketOrder_Cancelled(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderCancelTransaction":{"reason":"INSUFFICIENT_MARGIN"}}`)
	})

	_, err := c.PlaceMarketOrder(context.Background(), broker.OrderRequest{AccountID: "a", Instrument: "EUR_USD", Side: model.SideLong, Units: 1000})
	var rej *broker.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "INSUFFICIENT_MARGIN", rej.Code)
	assert.False(t, broker.IsTransient(err))
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, `{"errorMessage":"bad token"}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, broker.ErrUnauthorized)
		}},
		{http.StatusNotFound, `{"errorMessage":"no such trade"}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, broker.ErrNotFound)
		}},
		{http.StatusTooManyRequests, ``, func(t *testing.T, err error) {
			assert.True(t, broker.IsTransient(err))
		}},
		{http.StatusBadGateway, `upstream`, func(t *testing.T, err error) {
			assert.True(t, broker.IsTransient(err))
		}},
		{http.StatusBadRequest, `{"errorCode":"X","orderRejectTransaction":{"rejectReason":"STOP_LOSS_ON_FILL_LOSS"},"errorMessage":"bad stop"}`, func(t *testing.T, err error) {
			var rej *broker.RejectedError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, "STOP_LOSS_ON_FILL_LOSS", rej.Code)
			assert.Equal(t, "bad stop", rej.Message)
		}},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := c.Trade(context.Background(), "a", "1")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: url, Token: "t"})
	require.NoError(t, err)
	_, err = c.Account(context.Background(), "a")
	assert.True(t, broker.IsTransient(err))
}

func TestTradeByClientRef(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/a/trades/@01HREF", r.URL.Path)
		_, _ = io.WriteString(w, `{"trade":{"id":"78","instrument":"EUR_USD","price":"1.10010","openTime":"2026-03-10T12:00:01Z","state":"OPEN","initialUnits":"50000","currentUnits":"25000","realizedPL":"12.5","unrealizedPL":"3.1","clientExtensions":{"id":"01HREF"},"stopLossOrder":{"price":"1.09810"},"takeProfitOrder":{"price":"1.10410"}}}`)
	})

	ts, err := c.TradeByClientRef(context.Background(), "a", "01HREF")
	require.NoError(t, err)
	assert.Equal(t, "78", ts.ID)
	assert.Equal(t, "01HREF", ts.ClientRef)
	assert.Equal(t, model.SideLong, ts.Side)
	assert.Equal(t, 50000.0, ts.InitialUnits)
	assert.Equal(t, 25000.0, ts.Units)
	assert.Equal(t, 1.0981, ts.StopLoss)
	assert.Equal(t, 1.1041, ts.TakeProfit)
	assert.Equal(t, 12.5, ts.RealizedPL)
}

func TestOpenTrades(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/a/openTrades", r.URL.Path)
		_, _ = io.WriteString(w, `{"trades":[
			{"id":"1","instrument":"EUR_USD","price":"1.1","openTime":"2026-03-10T12:00:01Z","state":"OPEN","initialUnits":"-1000","currentUnits":"-1000"},
			{"id":"2","instrument":"GBP_USD","price":"1.3","openTime":"2026-03-10T12:00:02Z","state":"OPEN","initialUnits":"2000","currentUnits":"2000"}]}`)
	})

	trades, err := c.OpenTrades(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, model.SideShort, trades[0].Side)
	assert.Equal(t, 1000.0, trades[0].Units)
	assert.Equal(t, model.SideLong, trades[1].Side)
}

func TestSetStopLossAndClose(t *testing.T) {
	t.Parallel()

	var paths []string
	var bodies []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		paths = append(paths, r.URL.Path)
		var b map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		bodies = append(bodies, b)
		if r.URL.Path == "/v3/accounts/a/trades/9/close" {
			_, _ = io.WriteString(w, `{"orderFillTransaction":{"price":"1.10250","units":"-500","pl":"12.5000"}}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})

	ctx := context.Background()
	require.NoError(t, c.SetStopLoss(ctx, "a", "9", 1.1001))
	res, err := c.CloseTrade(ctx, "a", "9", 500)
	require.NoError(t, err)
	_, err = c.CloseTrade(ctx, "a", "9", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"/v3/accounts/a/trades/9/orders", "/v3/accounts/a/trades/9/close", "/v3/accounts/a/trades/9/close"}, paths)
	assert.Equal(t, "1.1001", bodies[0]["stopLoss"].(map[string]any)["price"])
	assert.Equal(t, "500", bodies[1]["units"])
	assert.Equal(t, "ALL", bodies[2]["units"])
	assert.Equal(t, 500.0, res.ClosedUnits)
	assert.Equal(t, 1.1025, res.Price)
	assert.Equal(t, 12.5, res.RealizedPL)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"trades":[]}`)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Token: "t", RequestsPerSecond: 0.001})
	require.NoError(t, err)

	_, err = c.OpenTrades(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.OpenTrades(ctx, "a")
	require.Error(t, err)
	assert.False(t, errors.Is(err, broker.ErrTransient))
}
