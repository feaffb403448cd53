package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/pkg/response"
)

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// JWT returns a middleware that validates the bearer token and sets user claims in context.
func JWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.AbortWith(c, http.StatusUnauthorized, "missing authorization header")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			response.AbortWith(c, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		claims, err := validator.Validate(token)
		if err != nil {
			response.AbortWith(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set(auth.ContextUserID, claims.UserID)
		c.Set(auth.ContextUserRole, claims.Role)
		c.Set(auth.ContextUserEmail, claims.Email)
		c.Next()
	}
}
