package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Keys set on the gin context by the JWT middleware.
const (
	ContextUserID    = "user_id"
	ContextUserRole  = "user_role"
	ContextUserEmail = "user_email"
)

// CurrentUserID returns the authenticated user, if any.
func CurrentUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
