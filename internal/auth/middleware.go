// Package auth guards the admin API.
//
// Authentication model:
// - Webhook endpoints: no credentials, authenticated by payload signature
// - Admin endpoints: shared secret in the X-Admin-Secret header
// - Ops endpoints (health, metrics): public
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voxreseller/internal/logging"
)

// AdminHeader carries the admin secret.
const AdminHeader = "X-Admin-Secret"

// ContextKeyAdmin is set in the gin context once the admin secret matched.
const ContextKeyAdmin = "authAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// With no secret configured the admin API is closed entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured.",
			})
			return
		}

		got := c.GetHeader(AdminHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the '" + AdminHeader + "' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			logging.L(c.Request.Context()).Warn("SECURITY: admin secret rejected",
				"path", c.FullPath(),
				"client_ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	v, ok := c.Get(ContextKeyAdmin)
	return ok && v == true
}
