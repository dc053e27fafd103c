package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter wires the API routes. Everything under /api/v1 needs a bearer token.
func NewRouter(h *Handler, jwtSecret string, logger *logrus.Entry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logger(logger.WithField("component", "http")))

	r.GET("/healthz", func(c *gin.Context) {
		Success(c, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1", JWTAuth(jwtSecret))
	{
		api.POST("/series", h.CreateSeries)
		api.PUT("/series/:id", h.UpdateSeries)
		api.PATCH("/series/:id/items", h.EditItems)
		api.POST("/series/:id/reconcile", h.Reconcile)

		api.POST("/advancements", h.StartAdvancement)
		api.GET("/advancements/:id", h.GetAdvancement)
		api.GET("/advancements/:id/export", h.ExportAdvancement)
		api.POST("/advancements/:id/confirm", h.ConfirmAdvancement)
		api.POST("/advancements/:id/cancel", h.CancelAdvancement)

		api.POST("/orders/:type/:nbr/split", h.SplitItem)
		api.POST("/orders/:type/:nbr/shipments", h.ShipItem)
		api.POST("/orders/:type/:nbr/series", h.AttachSeries)
	}
	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // confirmations run a full reconcile
		IdleTimeout:       2 * time.Minute,
	}
}
