package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tagmanager/internal/security"
)

const claimsKey = "operator_claims"

// OperatorAuth guards the control endpoints with a bearer token signed by
// secret. With an empty secret every request passes.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		claims, err := security.ParseOperatorToken(strings.TrimPrefix(header, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		if !claims.HasScope(security.ScopeOperator) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Set(claimsKey, *claims)
		c.Next()
	}
}

// Operator returns the authenticated subject, or "anonymous".
func Operator(c *gin.Context) string {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(security.OperatorClaims); ok && claims.Subject != "" {
			return claims.Subject
		}
	}
	return "anonymous"
}
