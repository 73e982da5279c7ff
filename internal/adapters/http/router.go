package http

import (
	"context"
	"net/http"

	"github.com/dkeye/rtpfanout/internal/adapters/signal"
	"github.com/dkeye/rtpfanout/internal/app"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Registry SessionRegistry
	Engine   EngineStats
	Hub      *app.Hub

	// RateLimit guards mutating routes when set.
	RateLimit *RateLimiter
}

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// SetupRouter builds the control surface.
func SetupRouter(ctx context.Context, mode string, deps Deps) *gin.Engine {
	r := newEngine(mode)
	h := &controlHandlers{registry: deps.Registry, engine: deps.Engine}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	if deps.RateLimit != nil {
		api.Use(deps.RateLimit.Middleware())
	}
	api.GET("/stats", h.engineStats)

	sessions := api.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.DELETE("/:id", h.deleteSession)
	sessions.GET("/:id/stats", h.getStats)
	sessions.POST("/:id/subscribers", h.addSubscriber)
	sessions.DELETE("/:id/subscribers/:address", h.removeSubscriber)

	if deps.Hub != nil {
		events := signal.NewEventsController(deps.Hub)
		api.GET("/ws/events", func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws events endpoint hit")
			events.HandleEvents(ctx, c)
		})
	}

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

// SetupMetricsRouter serves the pull endpoint for the metrics exporter.
func SetupMetricsRouter(mode string, metrics http.Handler) *gin.Engine {
	r := newEngine(mode)
	r.GET("/metrics", gin.WrapH(metrics))
	return r
}
