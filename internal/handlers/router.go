package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/callrelay/internal/middleware"
	"github.com/rs/zerolog/log"
)

// RouterConfig carries what the router needs beyond the handler itself
type RouterConfig struct {
	AllowedOrigins    []string
	JoinRatePerMinute int
	// TrustedProxies may set X-Forwarded-For. Empty trusts none, so clients
	// are keyed by their socket address.
	TrustedProxies []string
}

// NewRouter wires every gateway route
func (h *Handler) NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Error().Err(err).Msg("Ignoring invalid trusted proxies")
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(gin.Recovery(), requestLogger(), h.metrics.Middleware())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	auth := middleware.JWTAuth(h.jwtSecret)
	// one password-guessing budget per address, shared by every route that
	// checks a room password
	limiter := middleware.NewRateLimiter(cfg.JoinRatePerMinute)
	guarded := middleware.LimitFailures(limiter, http.StatusNotFound)

	apiGroup := router.Group("/api")
	{
		// Anonymous identity (public)
		apiGroup.POST("/auth/anonymous", h.Anonymous)

		apiGroup.POST("/rooms", auth, h.CreateRoom)
		apiGroup.POST("/rooms/:roomId/join", auth, middleware.RateLimit(limiter), h.JoinRoom)
		apiGroup.PATCH("/rooms/:roomId", auth, guarded, h.UpdateRoom)
		apiGroup.POST("/rooms/:roomId/candidates", auth, guarded, h.AppendCandidate)
	}

	// Realtime feed, gated by the room password
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:roomId", middleware.RateLimit(limiter), h.HandleFeed)
	}

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
