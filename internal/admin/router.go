package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postal/internal/logger"
	"postal/pkg/health"
	"postal/pkg/middleware"
	"postal/pkg/ratelimit"
	"postal/pkg/tracing"
)

type RouterConfig struct {
	ServiceName string
	Tracing     bool
	RateLimit   *ratelimit.RateLimitConfig
}

// NewRouter wires middleware, health, metrics and the admin API. ctx bounds
// the rate limiter's background sweep.
func NewRouter(ctx context.Context, cfg RouterConfig, handler *Handler, checks *health.CheckerRegistry, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if cfg.Tracing {
		router.Use(tracing.GinMiddleware(cfg.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())

	if cfg.RateLimit != nil {
		router.Use(ratelimit.RateLimitMiddleware(ctx, *cfg.RateLimit))
		log.Infow("Rate limiting enabled", "rps", cfg.RateLimit.RPS, "burst", cfg.RateLimit.Burst)
	}

	handler.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		h := checks.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
