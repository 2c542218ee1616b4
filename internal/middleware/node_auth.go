package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// NodeAuthMiddleware creates middleware for storage node API key
// authentication. Nodes identify with their peer ID and a shared key.
func NodeAuthMiddleware(getAPIKey func(peerID string) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		peerID := c.GetHeader("X-Peer-ID")
		apiKey := c.GetHeader("X-API-Key")

		if peerID == "" || apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			c.Abort()
			return
		}

		expected, err := getAPIKey(peerID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			c.Abort()
			return
		}

		c.Set("peer_id", peerID)
		c.Next()
	}
}
