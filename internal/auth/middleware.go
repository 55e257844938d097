package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"classtrack/internal/attendance"
)

// Middleware enforces bearer JWT tokens signed with HS256 and stores the
// caller identity in the gin context.
func Middleware(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("identity", attendance.Identity{
			UserID:      claims.Subject,
			DisplayName: claims.Name,
			Roles:       claims.Roles,
		})
		c.Next()
	}
}

// CallerIdentity extracts the identity the middleware stored.
func CallerIdentity(c *gin.Context) attendance.Identity {
	if v, ok := c.Get("identity"); ok {
		if id, ok := v.(attendance.Identity); ok {
			return id
		}
	}
	return attendance.Identity{}
}
