package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminHeader carries the operator secret on /v1/admin routes.
const AdminHeader = "X-Admin-Secret"

// AdminMiddleware rejects requests that do not present secret in
// AdminHeader. With an empty secret the admin surface is closed unless
// allowOpen is set, which the server does only in development.
func AdminMiddleware(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if allowOpen {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled: ADMIN_SECRET is not set",
			})
			return
		}

		got := c.GetHeader(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid " + AdminHeader,
			})
			return
		}
		c.Next()
	}
}
