package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"viewer-relay/internal/auth"
)

const adminContextKey = "admin"

// AdminFromContext returns the subject of the admin token that authorized
// the request.
func AdminFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(adminContextKey)
	if !ok {
		return "", false
	}
	value, ok := v.(string)
	return value, ok && value != ""
}

// RequireAdmin admits requests bearing an admin token signed with cfg.
func RequireAdmin(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil || claims.Role != auth.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(adminContextKey, claims.Subject)
		c.Next()
	}
}
