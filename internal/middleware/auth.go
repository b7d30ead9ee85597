package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/auth"
)

// ContextKeyOperator is where AuthMiddleware stores the verified operator
// name. Handlers read it back with GetOperator.
//
// Why a constant instead of the literal "operator" at each call site?
//   - A misspelt key still compiles and c.Get quietly returns nothing.
//     A misspelt constant does not compile.
const ContextKeyOperator = "operator"

// AuthMiddleware returns a Gin middleware that validates control-API tokens.
//
// How it works:
//   - It runs BEFORE the handler. A missing, malformed or expired token
//     aborts the chain with a 401 and the handler never runs.
//   - A valid token's operator claim is stored with c.Set() and the request
//     continues with c.Next().
//
// Why take `secret` as a parameter?
//   - The middleware stays free of the config package; main.go passes
//     cfg.ControlJWTSecret when it builds the router.
//   - Tests can sign tokens with any secret they like.
//
// Only the local control API is guarded here. The game server's access
// token never passes through this middleware.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Expected format: "Bearer eyJhbGciOi..."
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}

		// Checks signature, expiry and signing method.
		claims, err := auth.ParseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyOperator, claims.Operator)
		c.Next()
	}
}

// GetOperator returns the operator name set by AuthMiddleware, or "" when
// the route is not protected.
func GetOperator(c *gin.Context) string {
	val, exists := c.Get(ContextKeyOperator)
	if !exists {
		return ""
	}
	op, ok := val.(string)
	if !ok {
		return ""
	}
	return op
}
