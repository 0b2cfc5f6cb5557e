package futures

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

// newTestClient answers the time-sync endpoint itself so individual test
// handlers only see the calls under test.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:    "test-key",
		APISecret: "test-secret",
		BaseURL:   srv.URL,
	})
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))

		require.NoError(t, r.ParseForm())
		got = r.PostForm

		w.Write([]byte(`{"orderId":12345,"clientOrderId":"exec-7","status":"NEW","executedQty":"0","avgPrice":"0"}`))
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:   "btcusdt",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Qty:      0.5,
		Price:    50000,
		ClientID: "exec-7",
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", got.Get("symbol"))
	assert.Equal(t, "BUY", got.Get("side"))
	assert.Equal(t, "LIMIT", got.Get("type"))
	assert.Equal(t, "0.5", got.Get("quantity"))
	assert.Equal(t, "50000", got.Get("price"))
	assert.Equal(t, "GTC", got.Get("timeInForce"))
	assert.Equal(t, "exec-7", got.Get("newClientOrderId"))
	assert.NotEmpty(t, got.Get("timestamp"))
	assert.NotEmpty(t, got.Get("signature"))
	assert.Equal(t, "5000", got.Get("recvWindow"))

	assert.Equal(t, "12345", res.ExchangeOrderID)
	assert.Equal(t, common.StatusPending, res.Status)
}

func TestPlaceOrderStopLimitMapsToStop(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Write([]byte(`{"orderId":1,"status":"NEW"}`))
	})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeStopLimit,
		Qty: 1, Price: 49000, StopPrice: 49500,
	})
	require.NoError(t, err)
	assert.Equal(t, "STOP", got.Get("type"))
	assert.Equal(t, "49000", got.Get("price"))
	assert.Equal(t, "49500", got.Get("stopPrice"))
}

func TestGetOrderByClientID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "exec-9", q.Get("origClientOrderId"))
		assert.Empty(t, q.Get("orderId"))
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":77,"clientOrderId":"exec-9","status":"PARTIALLY_FILLED","origQty":"2","executedQty":"0.75","price":"50000"}`))
	})

	state, err := c.GetOrder(context.Background(), "BTCUSDT", "", "exec-9")
	require.NoError(t, err)
	assert.Equal(t, "77", state.ExchangeOrderID)
	assert.Equal(t, common.StatusPartiallyFilled, state.Status)
	assert.Equal(t, 0.75, state.ExecutedQty)
}

func TestGetPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/ticker/price", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"ETHUSDT","price":"3123.45"}`))
	})

	price, err := c.GetPrice(context.Background(), "ethusdt")
	require.NoError(t, err)
	assert.Equal(t, 3123.45, price)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"insufficient margin", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, common.ErrInsufficientBalance},
		{"would reject", 400, `{"code":-2010,"msg":"Order would immediately trigger."}`, common.ErrInsufficientBalance},
		{"bad symbol", 400, `{"code":-1121,"msg":"Invalid symbol."}`, common.ErrInvalidSymbol},
		{"bad api key", 401, `{"code":-2014,"msg":"API-key format invalid."}`, common.ErrAuthFailure},
		{"signature mismatch", 400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, common.ErrAuthFailure},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests."}`, common.ErrRateLimited},
		{"unknown order", 400, `{"code":-2013,"msg":"Order does not exist."}`, common.ErrOrderNotFound},
		{"server error", 502, `{}`, common.ErrNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
				Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSignedTimestampTracksServerClock(t *testing.T) {
	const skew = int64(10 * 60 * 1000) // server runs 10 minutes ahead

	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli()+skew)
			return
		}
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Write([]byte(`{"orderId":1,"status":"NEW"}`))
	}))
	t.Cleanup(srv.Close)
	c := New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
	})
	require.NoError(t, err)

	ts, err := strconv.ParseInt(got.Get("timestamp"), 10, 64)
	require.NoError(t, err)
	// Allow generous slack for the round trip; the point is the offset.
	assert.Greater(t, ts, time.Now().UnixMilli()+skew-5000)
}

func TestTransportErrorIsNetwork(t *testing.T) {
	c := New(Config{APIKey: "k", APISecret: "s", BaseURL: "http://127.0.0.1:1"})
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, common.ErrNetwork)
}

func TestCreateListenKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		assert.Empty(t, r.URL.Query().Get("signature"))
		w.Write([]byte(`{"listenKey":"abc123"}`))
	})

	key, err := c.CreateListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", key)
}

func TestKeepAliveListenKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		w.Write([]byte(`{}`))
	})

	require.NoError(t, c.KeepAliveListenKey(context.Background()))
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]common.OrderStatus{
		"NEW":              common.StatusPending,
		"PARTIALLY_FILLED": common.StatusPartiallyFilled,
		"FILLED":           common.StatusFilled,
		"CANCELED":         common.StatusCancelled,
		"EXPIRED":          common.StatusCancelled,
		"REJECTED":         common.StatusFailed,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStatus(in), in)
	}
}
