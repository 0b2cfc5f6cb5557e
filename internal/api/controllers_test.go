package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/engine"
	"execution-core/internal/stats"
	"execution-core/internal/vault"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

type fakeGateway struct {
	placeFn func(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if g.placeFn != nil {
		return g.placeFn(ctx, req)
	}
	return common.OrderResult{ExchangeOrderID: "ex-1", Status: common.StatusFilled}, nil
}
func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}
func (g *fakeGateway) GetOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (common.OrderState, error) {
	return common.OrderState{}, common.ErrOrderNotFound
}
func (g *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}
func (g *fakeGateway) GetBalance(ctx context.Context) (common.Balance, error) {
	return common.Balance{}, nil
}
func (g *fakeGateway) Ping(ctx context.Context) error { return nil }

type fakeProvider struct{ gw *fakeGateway }

func (p *fakeProvider) GetOrCreate(ctx context.Context, userID, credentialID string) (common.Gateway, error) {
	return p.gw, nil
}
func (p *fakeProvider) RecordFailure(credentialID string) {}
func (p *fakeProvider) RecordSuccess(credentialID string) {}

type testServer struct {
	srv   *Server
	store *db.Database
	gw    *fakeGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))

	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, db.ApplyMigrations(store))

	keys, err := crypto.NewKeyManager()
	require.NoError(t, err)

	gw := &fakeGateway{}
	eng := engine.New(store, &fakeProvider{gw: gw}, nil, nil, engine.Config{
		SweepInterval:   time.Minute,
		SweepStaleAfter: time.Minute,
	})

	srv := NewServer(Options{
		DB:        store,
		Engine:    eng,
		Vault:     vault.New(store, keys, nil),
		Stats:     stats.New(store),
		JWTSecret: "test-secret",
		RateLimit: 1000,
		RateBurst: 1000,
		Meta:      SystemMeta{Venue: "binance-futures", Version: "test"},
	})
	return &testServer{srv: srv, store: store, gw: gw}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// registerAndLogin creates a user and returns its auth token.
func (ts *testServer) registerAndLogin(t *testing.T, email string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "trader", "email": email, "password": "hunter22",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": email, "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)["token"].(string)
}

// addCredential stores an active credential for the token's user.
func (ts *testServer) addCredential(t *testing.T, token, name string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/credentials", token, gin.H{
		"name": name, "api_key": "AKIAEXAMPLEKEY", "api_secret": "sekret",
		"is_active": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	t.Run("register rejects bad email", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
			"email": "not-an-email", "password": "x",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	token := ts.registerAndLogin(t, "trader@example.com")
	assert.NotEmpty(t, token)

	t.Run("duplicate email conflicts", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
			"email": "trader@example.com", "password": "hunter22",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("wrong password unauthorized", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
			"email": "trader@example.com", "password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("protected routes need a token", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/trading/trades", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = ts.do(t, http.MethodGet, "/api/trading/trades", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestCredentialEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.registerAndLogin(t, "vault@example.com")

	id := ts.addCredential(t, token, "main")

	t.Run("read view masks the key", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/credentials/"+id, token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "AKIA****", body["api_key_masked"])
		assert.NotContains(t, w.Body.String(), "sekret")
		assert.NotContains(t, w.Body.String(), "AKIAEXAMPLEKEY")
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/credentials", token, gin.H{
			"name": "main", "api_key": "k2", "api_secret": "s2",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("update flips flags", func(t *testing.T) {
		w := ts.do(t, http.MethodPut, "/api/credentials/"+id, token, gin.H{
			"is_testnet": true,
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["is_testnet"])
	})

	t.Run("foreign credential is not found", func(t *testing.T) {
		other := ts.registerAndLogin(t, "other@example.com")
		w := ts.do(t, http.MethodGet, "/api/credentials/"+id, other, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		w := ts.do(t, http.MethodDelete, "/api/credentials/"+id, token, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		w = ts.do(t, http.MethodGet, "/api/credentials/"+id, token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTradingEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.registerAndLogin(t, "exec@example.com")
	ts.addCredential(t, token, "main")

	t.Run("execute market order", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/trading/execute", token, gin.H{
			"symbol": "BTCUSDT", "side": "BUY", "order_type": "MARKET", "quantity": 0.5,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, "FILLED", body["status"])
		assert.Equal(t, 0.5, body["executed_qty"])
	})

	t.Run("validation errors are 400", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/trading/execute", token, gin.H{
			"symbol": "BTCUSDT", "side": "BUY", "order_type": "LIMIT", "quantity": 1,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_REQUEST", decode(t, w)["code"])
	})

	t.Run("venue rejection is 422 with the failed order", func(t *testing.T) {
		ts.gw.placeFn = func(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
			return common.OrderResult{}, common.ErrInsufficientBalance
		}
		defer func() { ts.gw.placeFn = nil }()

		w := ts.do(t, http.MethodPost, "/api/trading/execute", token, gin.H{
			"symbol": "BTCUSDT", "side": "BUY", "order_type": "MARKET", "quantity": 1,
		})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		body := decode(t, w)
		assert.Equal(t, "ORDER_REJECTED", body["code"])
		assert.Equal(t, "FAILED", body["order"].(map[string]any)["status"])
	})

	t.Run("transient failure is 202 pending", func(t *testing.T) {
		ts.gw.placeFn = func(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
			return common.OrderResult{}, common.ErrNetwork
		}
		defer func() { ts.gw.placeFn = nil }()

		w := ts.do(t, http.MethodPost, "/api/trading/execute", token, gin.H{
			"symbol": "BTCUSDT", "side": "SELL", "order_type": "LIMIT", "quantity": 1, "price": 100,
		})
		require.Equal(t, http.StatusAccepted, w.Code)
		body := decode(t, w)
		assert.Equal(t, "PENDING", body["order"].(map[string]any)["status"])
	})

	t.Run("no credential is 403", func(t *testing.T) {
		poor := ts.registerAndLogin(t, "nocreds@example.com")
		w := ts.do(t, http.MethodPost, "/api/trading/execute", poor, gin.H{
			"symbol": "BTCUSDT", "side": "BUY", "order_type": "MARKET", "quantity": 1,
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("trade history", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/trading/trades", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(3), body["count"])

		w = ts.do(t, http.MethodGet, "/api/trading/trades?status=FILLED", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decode(t, w)["count"])
	})

	t.Run("foreign trade is 404", func(t *testing.T) {
		other := ts.registerAndLogin(t, "snoop@example.com")
		w := ts.do(t, http.MethodGet, "/api/trading/trades/1", other, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("cancel of filled trade conflicts", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/trading/trades/1/cancel", token, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("stats aggregate the log", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/stats", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(3), body["total_trades"])
		assert.Equal(t, float64(1), body["successful_trades"])
		assert.Equal(t, float64(1), body["failed_trades"])
		assert.Equal(t, float64(1), body["pending_trades"])
	})
}

func TestPriceRequiresSymbol(t *testing.T) {
	ts := newTestServer(t)
	token := ts.registerAndLogin(t, "price@example.com")

	w := ts.do(t, http.MethodGet, "/api/market/price", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/system/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "binance-futures", decode(t, w)["venue"])
}

func TestShortRequestIDLogged(t *testing.T) {
	ts := newTestServer(t)

	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "ab")
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ab", w.Header().Get("X-Request-ID"))
	assert.Contains(t, logs.String(), "[API] ab |")
}
