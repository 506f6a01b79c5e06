package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/auth"
)

const clientIDContextKey = "clientID"

func ClientIDFromContext(c *gin.Context) (string, bool) {
	clientID, ok := c.Get(clientIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := clientID.(string)
	return value, ok && value != ""
}

// RequireAuth accepts a bearer token, or a token query parameter for
// websocket upgrades that cannot set headers.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(clientIDContextKey, claims.ClientID)
		c.Next()
	}
}
