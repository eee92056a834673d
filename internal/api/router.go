package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"material-market/internal/metrics"
	"material-market/internal/middleware"
	"material-market/internal/ws"
)

// Deps are the collaborators the HTTP surface is built from. Submitter,
// Fills, Hub and Metrics may be nil; the matching routes are then left out
// or report the feature as unavailable.
type Deps struct {
	Submitter Submitter
	Orders    OrderReader
	Fills     FillHistory
	Hub       *ws.Hub
	Metrics   *metrics.Metrics
	Checks    map[string]HealthCheck
	Logger    *zap.Logger
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware(d.Logger))
	if d.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(d.Metrics))
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	health := &healthHandler{checks: d.Checks}
	r.GET("/health", health.Health)

	h := NewHandler(d.Submitter, d.Orders, d.Fills, d.Logger)

	api := r.Group("/api")
	{
		if d.Submitter != nil {
			api.POST("/orders", h.PlaceOrder)
		}

		materials := api.Group("/materials/:material")
		materials.GET("/orders/:orderKey", h.GetOrder)
		materials.GET("/book", h.GetOrderBook)
		materials.GET("/fills", h.GetFills)
	}

	if d.Hub != nil {
		wsHandler := ws.NewHandler(d.Hub)
		r.GET("/ws/:material", wsHandler.HandleUpgrade)
		r.GET("/ws-stats", wsHandler.HandleStats)
	}

	r.NoRoute(func(c *gin.Context) {
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, "Resource not found")
	})
}
