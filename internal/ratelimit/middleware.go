package ratelimit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// EdgeConfig configures the per-client edge limiter that sits in front of
// every route, independent of the per-token gateway quotas.
type EdgeConfig struct {
	RequestsPerMinute int
	Window            time.Duration
}

// DefaultEdgeConfig returns sensible defaults.
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		RequestsPerMinute: 300,
		Window:            time.Minute,
	}
}

// EdgeMiddleware returns a gin middleware that limits requests per client
// IP using the given limiter.
func EdgeMiddleware(l Limiter, cfg EdgeConfig) gin.HandlerFunc {
	if cfg.RequestsPerMinute <= 0 {
		cfg = DefaultEdgeConfig()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return func(c *gin.Context) {
		key := "edge:" + c.ClientIP()

		res, err := l.Admit(c.Request.Context(), key, cfg.RequestsPerMinute, cfg.Window)
		if err != nil {
			// Edge limiting is protective, not load-bearing. Fail open.
			c.Next()
			return
		}
		if !res.Allowed {
			retry := int(time.Until(res.ResetAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}
