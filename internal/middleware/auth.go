package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/tiledetect/pkg/auth"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey = "authClaims"
	callerKey = "caller"
)

// AuthMiddleware requires a bearer token accepted by validator. A nil
// validator means auth is disabled and every request passes.
func AuthMiddleware(validator auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}
		claims, err := validateBearer(validator, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Set(callerKey, claims.Caller())
		c.Next()
	}
}

// RequireScope rejects authenticated callers whose claims do not grant scope.
// It must run after AuthMiddleware; with auth disabled there are no claims
// and every request passes.
func RequireScope(scope string) gin.HandlerFunc {
	scope = strings.TrimSpace(scope)
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if scope == "" || !ok {
			c.Next()
			return
		}
		if err := auth.Authorize(claims, scope); err != nil {
			Logger(c).Info("caller lacks scope", "caller", claims.Caller(), "scope", scope)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "forbidden"})
			return
		}
		c.Next()
	}
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("invalid Authorization format")
	}
	return validator.Validate(strings.TrimSpace(parts[1]))
}

// Caller returns the authenticated identity, or "" when auth is off.
func Caller(c *gin.Context) string {
	return c.GetString(callerKey)
}

func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
