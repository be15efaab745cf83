package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/immxrtalbeast/sigstream/internal/auth"
)

const hostClaimsKey = "host_claims"

// HostAuth requires a host token for the room named by the :roomID param.
func HostAuth(tokens *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
				"code":  "unauthorized",
			})
			return
		}

		claims, err := tokens.Verify(tokenString, c.Param("roomID"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Invalid host token",
				"code":  "unauthorized",
			})
			return
		}

		c.Set(hostClaimsKey, claims)
		c.Next()
	}
}

// OptionalHostAuth records valid host claims when a token is sent and lets
// every request through.
func OptionalHostAuth(tokens *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := bearerToken(c); ok {
			if claims, err := tokens.Verify(tokenString, c.Param("roomID")); err == nil {
				c.Set(hostClaimsKey, claims)
			}
		}
		c.Next()
	}
}

func hostClaims(c *gin.Context) (*auth.HostClaims, bool) {
	v, ok := c.Get(hostClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.HostClaims)
	return claims, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
