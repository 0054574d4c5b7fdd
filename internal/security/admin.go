package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/freightpay/internal/logging"
)

// AdminSecretHeader carries the operator secret on admin requests.
const AdminSecretHeader = "X-Admin-Secret"

// RequireAdmin rejects requests that do not present secret in
// X-Admin-Secret. With no secret configured every admin request is refused.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		provided := c.GetHeader(AdminSecretHeader)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			logging.L(c.Request.Context()).Warn("admin request rejected",
				"path", c.FullPath(), "remoteAddr", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin credentials required",
			})
			return
		}
		c.Set("actor", "admin")
		c.Next()
	}
}
