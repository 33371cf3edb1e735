package api

import (
	"net/http"
	"time"

	"perp-core/internal/events"
	"perp-core/internal/execution"
	"perp-core/internal/marketdata"
	"perp-core/internal/position"
	"perp-core/internal/reconciliation"
	"perp-core/internal/resilience"
	"perp-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the services and the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Exec      *execution.Service
	Positions *position.Service
	Recon     *reconciliation.Service
	Cache     *marketdata.Cache
	Breaker   *resilience.CircuitBreaker
	Limiter   *resilience.RateLimiter
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed by /api/system/status.
type SystemMeta struct {
	Venue     string
	Symbols   []string
	Version   string
	StartedAt time.Time
}

func NewServer(bus *events.Bus, database *db.Database, exec *execution.Service, positions *position.Service, recon *reconciliation.Service, cache *marketdata.Cache, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Per-IP rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware()) // CORS (last before routes)

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Exec:      exec,
		Positions: positions,
		Recon:     recon,
		Cache:     cache,
		Breaker:   breaker,
		Limiter:   limiter,
		Meta:      meta,
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

		api.POST("/orders", s.placeOrder)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/:id", s.getOrder)
		api.DELETE("/orders/:id", s.cancelOrder)
		api.POST("/orders/cancel-all", s.cancelAllOrders)
		api.POST("/orders/estimate-fees", s.estimateFees)

		api.GET("/positions", s.getPositions)
		api.POST("/positions/:symbol/close", s.closePosition)
		api.GET("/margin", s.getMarginSummary)

		api.GET("/market/:symbol", s.getMarketSnapshot)

		api.POST("/reconcile", s.runReconciliation)
		api.GET("/reconcile/last", s.getLastReconciliation)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venue":      s.Meta.Venue,
		"symbols":    s.Meta.Symbols,
		"version":    s.Meta.Version,
		"uptime":     time.Since(s.Meta.StartedAt).String(),
		"breaker":    s.Breaker.Stats(),
		"rate_limit": s.Limiter.Stats(),
		"cache":      s.Cache.Stats(),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
