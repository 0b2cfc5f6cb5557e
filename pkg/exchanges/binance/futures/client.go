package futures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"execution-core/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials and endpoint overrides.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the default/testnet base when set
	Timeout    time.Duration
}

// Client is a Binance USDT-M futures trading client implementing
// common.Gateway. One Client per credential: the nonce source is owned by
// the instance, which keeps request timestamps strictly increasing per key.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	nonce       *common.NonceSource
}

func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	client.timeSync = common.NewTimeSync(client.GetServerTime)
	// 2400 weight/min for USDT-M futures
	client.rateLimiter = common.NewRateLimiter(2400, time.Minute)
	client.nonce = common.NewNonceSource(client.timeSync.Now)
	return client
}

// PlaceOrder submits a new order. STOP_LIMIT maps to the venue's STOP type
// (stop trigger plus a limit price).
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, common.ErrAuthFailure
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("quantity", formatFloat(req.Qty))

	switch req.Type {
	case common.OrderTypeMarket:
		params.Set("type", "MARKET")
	case common.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(tifOrDefault(req.TimeInForce)))
	case common.OrderTypeStopLimit:
		params.Set("type", "STOP")
		params.Set("price", formatFloat(req.Price))
		params.Set("stopPrice", formatFloat(req.StopPrice))
		params.Set("timeInForce", string(tifOrDefault(req.TimeInForce)))
	default:
		return common.OrderResult{}, fmt.Errorf("unsupported order type %q", req.Type)
	}

	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return resp.toResult(), nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.ErrAuthFailure
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", exchangeOrderID)

	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// GetOrder queries an order by exchange id or, when that is empty, by the
// client order id it was submitted with.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (common.OrderState, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderState{}, common.ErrAuthFailure
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	switch {
	case exchangeOrderID != "":
		params.Set("orderId", exchangeOrderID)
	case clientOrderID != "":
		params.Set("origClientOrderId", clientOrderID)
	default:
		return common.OrderState{}, errors.New("order id or client order id required")
	}

	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderState{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderState{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toState(), nil
}

// GetPrice returns the latest traded price for a symbol. Unsigned endpoint.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := c.baseURL + "/fapi/v1/ticker/price?symbol=" + url.QueryEscape(strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	body, err := c.do(req)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", resp.Price, err)
	}
	return price, nil
}

// GetBalance returns a live account snapshot. Zero-balance assets are
// dropped from the per-asset list.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.Balance{}, common.ErrAuthFailure
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return common.Balance{}, err
	}

	var resp struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		AvailableBalance      string `json:"availableBalance"`
		TotalMarginBalance    string `json:"totalMarginBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
		Assets                []struct {
			Asset            string `json:"asset"`
			WalletBalance    string `json:"walletBalance"`
			AvailableBalance string `json:"availableBalance"`
			UnrealizedProfit string `json:"unrealizedProfit"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Balance{}, fmt.Errorf("decode account: %w", err)
	}

	bal := common.Balance{
		TotalWalletBalance:    parseFloat(resp.TotalWalletBalance),
		AvailableBalance:      parseFloat(resp.AvailableBalance),
		TotalMarginBalance:    parseFloat(resp.TotalMarginBalance),
		TotalUnrealizedProfit: parseFloat(resp.TotalUnrealizedProfit),
	}
	for _, a := range resp.Assets {
		wallet := parseFloat(a.WalletBalance)
		if wallet == 0 {
			continue
		}
		bal.Assets = append(bal.Assets, common.AssetBalance{
			Asset:            a.Asset,
			WalletBalance:    wallet,
			AvailableBalance: parseFloat(a.AvailableBalance),
			UnrealizedProfit: parseFloat(a.UnrealizedProfit),
		})
	}
	return bal, nil
}

// Ping checks venue reachability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/ping", nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	body, err := c.do(req)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// doSigned signs the query and performs the HTTP request. The timestamp
// comes from the per-instance nonce source so it never repeats or steps
// backwards for this credential.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	// Keep the server clock offset fresh so timestamps stay inside the
	// recv window. A failed sync falls back to the local clock.
	if err := c.timeSync.SyncIfStale(ctx); err != nil {
		log.Printf("futures: time sync: %v", err)
	}

	params.Set("timestamp", strconv.FormatInt(c.nonce.Next(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	endpoint := c.baseURL + path
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		// GET/DELETE carry signed params in the query string.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	return c.do(req)
}

// do performs the request and maps failures onto the common sentinel
// taxonomy.
func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	defer res.Body.Close()

	c.rateLimiter.ObserveHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", common.ErrNetwork, err)
	}
	if res.StatusCode >= 300 {
		return nil, mapAPIError(res.StatusCode, body)
	}
	return body, nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapAPIError converts a Binance error payload to a sentinel error. The
// raw message is kept in the wrap for logs.
func mapAPIError(status int, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)

	var sentinel error
	switch {
	case status == http.StatusTooManyRequests || status == 418 || e.Code == -1003:
		sentinel = common.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		e.Code == -2014, e.Code == -2015, e.Code == -1022:
		sentinel = common.ErrAuthFailure
	case e.Code == -1121:
		sentinel = common.ErrInvalidSymbol
	case e.Code == -2010, e.Code == -2018, e.Code == -2019:
		sentinel = common.ErrInsufficientBalance
	case e.Code == -2011, e.Code == -2013:
		sentinel = common.ErrOrderNotFound
	case status >= 500:
		sentinel = common.ErrNetwork
	default:
		return fmt.Errorf("binance error %d (code %d): %s", status, e.Code, e.Msg)
	}
	return fmt.Errorf("%w: binance %d (code %d): %s", sentinel, status, e.Code, e.Msg)
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	AvgPrice      string `json:"avgPrice"`
}

func (r orderResponse) toResult() common.OrderResult {
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          mapStatus(r.Status),
		ExecutedQty:     parseFloat(r.ExecutedQty),
		AvgPrice:        parseFloat(r.AvgPrice),
	}
}

func (r orderResponse) toState() common.OrderState {
	return common.OrderState{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Type:            mapType(r.Type),
		Status:          mapStatus(r.Status),
		Qty:             parseFloat(r.OrigQty),
		ExecutedQty:     parseFloat(r.ExecutedQty),
		Price:           parseFloat(r.Price),
		StopPrice:       parseFloat(r.StopPrice),
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusPending
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "EXPIRED":
		return common.StatusCancelled
	case "REJECTED":
		return common.StatusFailed
	default:
		return common.StatusPending
	}
}

func mapType(s string) common.OrderType {
	switch strings.ToUpper(s) {
	case "MARKET":
		return common.OrderTypeMarket
	case "LIMIT":
		return common.OrderTypeLimit
	case "STOP", "STOP_MARKET":
		return common.OrderTypeStopLimit
	default:
		return common.OrderType(s)
	}
}

func tifOrDefault(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
