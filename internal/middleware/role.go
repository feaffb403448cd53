package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/response"
)

// RequireRole allows only the given platform roles. Use after JWT.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[string(r)] = struct{}{}
	}
	return func(c *gin.Context) {
		role := c.GetString(auth.ContextUserRole)
		if role == "" {
			response.AbortWith(c, http.StatusUnauthorized, "missing user context")
			return
		}
		if _, ok := allowed[role]; !ok {
			response.AbortWith(c, http.StatusForbidden, "insufficient permissions")
			return
		}
		c.Next()
	}
}
