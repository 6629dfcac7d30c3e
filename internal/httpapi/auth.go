package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/canvasflow/trigger-core/internal/authn"
)

const (
	ctxUIDKey  = "uid"
	ctxRoleKey = "role"
)

// jwtAuth enforces the management-surface JWT, mirroring the teacher's
// "STRICT: fail fast on missing/malformed header" posture — no
// anonymous fallback, ever.
func (h *handlers) jwtAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			writeError(c, 401, "authz", "missing Authorization header")
			return
		}
		token, err := authn.BearerToken(header)
		if err != nil {
			writeError(c, 401, "authz", err.Error())
			return
		}
		claims, err := h.d.JWT.Validate(token)
		if err != nil {
			writeError(c, 401, "authz", "invalid or expired token")
			return
		}
		c.Set(ctxUIDKey, claims.UID)
		c.Set(ctxRoleKey, claims.Role)
		c.Next()
	}
}

// apiKeyAuth resolves the /v1/openapi/* caller's uid from either the
// Authorization bearer header or X-Refly-Api-Key (§4.3).
func (h *handlers) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := authn.ExtractAPIKey(c.GetHeader("Authorization"), c.GetHeader("X-Refly-Api-Key"))
		if !ok {
			writeError(c, 401, "authz", "missing API key")
			return
		}
		uid, ok := h.d.APIKeys.ResolveAPIKey(key)
		if !ok {
			writeError(c, 401, "authz", "invalid or revoked API key")
			return
		}
		c.Set(ctxUIDKey, uid)
		c.Next()
	}
}

func uidFrom(c *gin.Context) string {
	v, _ := c.Get(ctxUIDKey)
	uid, _ := v.(string)
	return uid
}
