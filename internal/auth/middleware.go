package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeySubject is the gin context key the Bearer middleware stores
// the token subject (the operator username) under.
const ContextKeySubject = "auth_subject"

// Middleware requires a valid Bearer token on every request it guards.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ErrUnauthorized.Code, "message": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ErrUnauthorized.Code, "message": "invalid authorization header format",
			})
			return
		}

		claims, err := jwtManager.ValidateAccessToken(parts[1])
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": authErr.Code, "message": authErr.Message,
			})
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Next()
	}
}

// Subject extracts the authenticated operator's username from the gin
// context, or "" if the request was not authenticated.
func Subject(c *gin.Context) string {
	if v, ok := c.Get(ContextKeySubject); ok {
		return v.(string)
	}
	return ""
}
