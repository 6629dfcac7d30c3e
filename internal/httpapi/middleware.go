package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/canvasflow/trigger-core/internal/ingress"
	"github.com/canvasflow/trigger-core/internal/logging"
)

const ctxRequestIDHeader = "X-Request-ID"

// requestID preserves an inbound X-Request-ID or mints one, threading
// it through logging.WithRequestID so every log line in the request's
// lifetime carries it (internal/logging.ContextHandler).
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(ctxRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(ctxRequestIDHeader, id)
		c.Next()
	}
}

// securityHeaders sets the common hardening headers on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// cors allows cross-origin requests from the canvas editor frontend,
// grounded on control_plane/middleware/cors.go's header set.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Refly-Api-Key")
		c.Header("Access-Control-Max-Age", "3600")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// writeError emits the {statusCode, message, error} shape spec §6/§7
// standardizes on for every rejected request.
func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"statusCode": status,
		"error":      code,
		"message":    message,
	})
}

// setRateLimitHeaders echoes the four X-RateLimit-* headers §4.3
// requires on every gated response, not only rejected ones.
func setRateLimitHeaders(c *gin.Context, res ingress.RateLimitResult) {
	c.Header("X-RateLimit-Limit-RPM", strconv.Itoa(res.LimitRPM))
	c.Header("X-RateLimit-Remaining-RPM", strconv.Itoa(res.RemainingRPM))
	c.Header("X-RateLimit-Limit-Daily", strconv.Itoa(res.LimitDaily))
	c.Header("X-RateLimit-Remaining-Daily", strconv.Itoa(res.RemainingDaily))
}
