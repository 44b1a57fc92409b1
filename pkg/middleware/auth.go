package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuthMiddleware validates `Authorization: Bearer <token>` against the
// configured shared secret. Token comparison is constant-time so a mismatch
// leaks no information about the prefix length that matched. Rejections use
// the ingest response envelope because only ingest routes sit behind it.
func BearerAuthMiddleware(expectedToken string, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !required {
			c.Next()
			return
		}
		if expectedToken == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "server token is not configured"})
			c.Abort()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "missing Authorization header"})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid Authorization header"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expectedToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid bearer token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
