package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/stats"
	"execution-core/internal/vault"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"
)

// Server wires the HTTP surface around the execution engine.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Engine    *engine.Engine
	Vault     *vault.Service
	Stats     *stats.Service
	Pool      *gateway.Manager
	Metrics   *monitor.SystemMetrics
	Prices    *cache.ShardedPriceCache
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	Venue   string
	Version string
}

// Options bundles the Server dependencies.
type Options struct {
	Bus       *events.Bus
	DB        *db.Database
	Engine    *engine.Engine
	Vault     *vault.Service
	Stats     *stats.Service
	Pool      *gateway.Manager
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	RateLimit int
	RateBurst int
	Meta      SystemMeta
}

func NewServer(opts Options) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(opts.Metrics))
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       opts.Bus,
		DB:        opts.DB,
		Engine:    opts.Engine,
		Vault:     opts.Vault,
		Stats:     opts.Stats,
		Pool:      opts.Pool,
		Metrics:   opts.Metrics,
		Prices:    cache.NewShardedPriceCache(),
		JWTSecret: opts.JWTSecret,
		Meta:      opts.Meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/trading/execute", s.executeOrder)
			protected.GET("/trading/trades", s.listTrades)
			protected.GET("/trading/trades/:id", s.getTrade)
			protected.POST("/trading/trades/:id/cancel", s.cancelTrade)

			protected.GET("/account/balance", s.getBalance)
			protected.GET("/market/price", s.getPrice)
			protected.GET("/stats", s.getStats)

			protected.GET("/credentials", s.listCredentials)
			protected.POST("/credentials", s.createCredential)
			protected.GET("/credentials/:id", s.getCredential)
			protected.PUT("/credentials/:id", s.updateCredential)
			protected.DELETE("/credentials/:id", s.deleteCredential)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
