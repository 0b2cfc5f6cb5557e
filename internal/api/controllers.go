package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/engine"
	"execution-core/internal/vault"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

type listTradesQuery struct {
	Symbol string `form:"symbol"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type createCredentialRequest struct {
	Name      string `json:"name" binding:"required,min=1"`
	APIKey    string `json:"api_key" binding:"required,min=1"`
	APISecret string `json:"api_secret" binding:"required,min=1"`
	IsTestnet bool   `json:"is_testnet"`
	IsActive  bool   `json:"is_active"`
}

type updateCredentialRequest struct {
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	IsTestnet *bool  `json:"is_testnet"`
	IsActive  *bool  `json:"is_active"`
}

// orderView is the JSON shape of an order log row.
type orderView struct {
	ID              int64     `json:"id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	OrderType       string    `json:"order_type"`
	Quantity        float64   `json:"quantity"`
	ExecutedQty     float64   `json:"executed_qty"`
	Price           float64   `json:"price,omitempty"`
	StopPrice       float64   `json:"stop_price,omitempty"`
	AvgPrice        float64   `json:"avg_price,omitempty"`
	Status          string    `json:"status"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CredentialID    string    `json:"credential_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toOrderView(o *db.Order) orderView {
	return orderView{
		ID:              o.ID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		OrderType:       o.OrderType,
		Quantity:        o.Quantity,
		ExecutedQty:     o.ExecutedQty,
		Price:           o.Price,
		StopPrice:       o.StopPrice,
		AvgPrice:        o.AvgPrice,
		Status:          o.Status,
		FailureReason:   o.FailureReason,
		CredentialID:    o.CredentialID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// executeOrder validates and submits an order through the engine.
func (s *Server) executeOrder(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	order, err := s.Engine.SubmitOrder(c.Request.Context(), userID, req)
	if err != nil {
		switch {
		case engine.IsValidation(err):
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		case errors.Is(err, engine.ErrNoCredential):
			respondError(c, http.StatusForbidden, "NO_CREDENTIAL", "no active credential config")
		case order != nil && exchange.IsTransient(err):
			// Submission outcome unknown; the row stays PENDING and the
			// sweep will settle it.
			c.JSON(http.StatusAccepted, gin.H{
				"code":  "SUBMISSION_PENDING",
				"note":  "submission outcome unknown, order left pending for reconciliation",
				"order": toOrderView(order),
			})
		case order != nil:
			// Deterministic venue rejection; the row is FAILED.
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"code":  "ORDER_REJECTED",
				"error": err.Error(),
				"order": toOrderView(order),
			})
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}

	c.JSON(http.StatusCreated, toOrderView(order))
}

// listTrades returns the user's order history, newest first.
func (s *Server) listTrades(c *gin.Context) {
	userID := CurrentUserID(c)

	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.DB.ListUserOrders(c.Request.Context(), userID, q.Symbol, q.Status, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, toOrderView(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"trades": views, "count": len(views)})
}

// getTrade returns a single order by id, ownership verified.
func (s *Server) getTrade(c *gin.Context) {
	userID := CurrentUserID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "trade id must be numeric")
		return
	}

	order, err := s.DB.GetUserOrder(c.Request.Context(), userID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "trade not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, toOrderView(order))
}

// cancelTrade cancels a non-terminal order on the exchange.
func (s *Server) cancelTrade(c *gin.Context) {
	userID := CurrentUserID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "trade id must be numeric")
		return
	}

	order, err := s.Engine.Cancel(c.Request.Context(), userID, id)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			respondError(c, http.StatusNotFound, "NOT_FOUND", "trade not found")
		case errors.Is(err, engine.ErrNotCancellable):
			respondError(c, http.StatusConflict, "NOT_CANCELLABLE", err.Error())
		case exchange.IsTransient(err):
			respondError(c, http.StatusBadGateway, "EXCHANGE_UNAVAILABLE", "exchange unreachable, try again")
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, toOrderView(order))
}

// getBalance proxies the account balance from the exchange.
func (s *Server) getBalance(c *gin.Context) {
	userID := CurrentUserID(c)

	gw, ok := s.gatewayFor(c, userID, c.Query("credential_id"))
	if !ok {
		return
	}

	balance, err := gw.GetBalance(c.Request.Context())
	if err != nil {
		s.respondExchangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// getPrice returns the live mark price for a symbol.
func (s *Server) getPrice(c *gin.Context) {
	userID := CurrentUserID(c)
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "MISSING_SYMBOL", "symbol query parameter is required")
		return
	}

	// A briefly stale price is fine for display; skip the venue round trip.
	if price, ok := s.Prices.GetFresh(symbol, 2*time.Second); ok {
		c.JSON(http.StatusOK, gin.H{
			"symbol":    symbol,
			"price":     price,
			"cached":    true,
			"timestamp": time.Now().UTC(),
		})
		return
	}

	gw, ok := s.gatewayFor(c, userID, c.Query("credential_id"))
	if !ok {
		return
	}

	price, err := gw.GetPrice(c.Request.Context(), symbol)
	if err != nil {
		s.respondExchangeError(c, err)
		return
	}
	s.Prices.Set(symbol, price)
	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"price":     price,
		"timestamp": time.Now().UTC(),
	})
}

// getStats returns aggregate counts from the order log.
func (s *Server) getStats(c *gin.Context) {
	userID := CurrentUserID(c)
	snap, err := s.Stats.Compute(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listCredentials(c *gin.Context) {
	userID := CurrentUserID(c)
	creds, err := s.Vault.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds, "count": len(creds)})
}

func (s *Server) createCredential(c *gin.Context) {
	userID := CurrentUserID(c)

	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	cred, err := s.Vault.Create(c.Request.Context(), userID, vault.CreateRequest{
		Name:      req.Name,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		IsTestnet: req.IsTestnet,
		IsActive:  req.IsActive,
	})
	if err != nil {
		s.respondVaultError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

func (s *Server) getCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	cred, err := s.Vault.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		s.respondVaultError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (s *Server) updateCredential(c *gin.Context) {
	userID := CurrentUserID(c)

	var req updateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	cred, err := s.Vault.Update(c.Request.Context(), userID, c.Param("id"), vault.UpdateRequest{
		Name:      req.Name,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		IsTestnet: req.IsTestnet,
		IsActive:  req.IsActive,
	})
	if err != nil {
		s.respondVaultError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (s *Server) deleteCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Vault.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		s.respondVaultError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	status := gin.H{
		"status":  "ok",
		"venue":   s.Meta.Venue,
		"version": s.Meta.Version,
		"time":    time.Now().UTC(),
	}
	if s.Pool != nil {
		status["gateway_pool"] = s.Pool.Stats()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics not enabled")
		return
	}
	if s.Pool != nil {
		s.Metrics.SetGatewayPoolStats(s.Pool.Stats())
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// gatewayFor resolves a gateway for the user's credential, writing the
// error response itself when resolution fails.
func (s *Server) gatewayFor(c *gin.Context, userID, credentialID string) (exchange.Gateway, bool) {
	ctx := c.Request.Context()

	var (
		cred *db.CredentialConfig
		err  error
	)
	if credentialID == "" {
		cred, err = s.DB.FirstActiveCredential(ctx, userID)
	} else {
		cred, err = s.DB.GetCredential(ctx, userID, credentialID)
	}
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusForbidden, "NO_CREDENTIAL", "no active credential config")
			return nil, false
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return nil, false
	}

	gw, err := s.Pool.GetOrCreate(ctx, userID, cred.ID)
	if err != nil {
		respondError(c, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
		return nil, false
	}
	return gw, true
}

func (s *Server) respondExchangeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, exchange.ErrRateLimited):
		respondError(c, http.StatusTooManyRequests, "EXCHANGE_RATE_LIMITED", "exchange rate limit hit, try again")
	case errors.Is(err, exchange.ErrAuthFailure):
		respondError(c, http.StatusForbidden, "EXCHANGE_AUTH_FAILED", "exchange rejected the stored credential")
	case errors.Is(err, exchange.ErrInvalidSymbol):
		respondError(c, http.StatusBadRequest, "INVALID_SYMBOL", "unknown trading symbol")
	case exchange.IsTransient(err):
		respondError(c, http.StatusBadGateway, "EXCHANGE_UNAVAILABLE", "exchange unreachable, try again")
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) respondVaultError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "credential config not found")
	case errors.Is(err, vault.ErrNameRequired):
		respondError(c, http.StatusBadRequest, "NAME_REQUIRED", err.Error())
	case errors.Is(err, vault.ErrNameTaken):
		respondError(c, http.StatusConflict, "NAME_TAKEN", err.Error())
	case errors.Is(err, vault.ErrConflict):
		respondError(c, http.StatusConflict, "CREDENTIAL_IN_USE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
