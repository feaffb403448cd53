package organizations

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/response"
)

// ContextOrganizationID is the context key for organization ID once org access is enforced.
const ContextOrganizationID = "organization_id"

// ContextOrganizationRole holds the caller's role in that organization.
const ContextOrganizationRole = "organization_role"

// RoleLookup resolves a user's role in an organization ("" when not a member).
type RoleLookup interface {
	GetUserRole(ctx context.Context, orgID, userID uuid.UUID) (string, error)
}

// HasAccess reports whether role grants read/write access to org data.
func HasAccess(role string) bool {
	return role == models.OrgRoleOwner || role == models.OrgRoleAdmin || role == models.OrgRoleStaff
}

// CanManage reports whether role may edit organization settings.
func CanManage(role string) bool {
	return role == models.OrgRoleOwner || role == models.OrgRoleAdmin
}

// CurrentOrgID returns the organization set by an access middleware.
func CurrentOrgID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextOrganizationID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// Authorize checks that the authenticated user belongs to orgID and stores the org in context.
// It writes the error response and returns false on failure.
func Authorize(c *gin.Context, roles RoleLookup, orgID uuid.UUID, logger *zap.Logger) bool {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		response.AbortWith(c, http.StatusUnauthorized, "missing user context")
		return false
	}
	role, err := roles.GetUserRole(c.Request.Context(), orgID, userID)
	if err != nil {
		logger.Error("org role lookup", zap.Error(err), zap.String("organization_id", orgID.String()))
		response.AbortWith(c, http.StatusInternalServerError, "failed to check organization access")
		return false
	}
	if !HasAccess(role) {
		response.AbortWith(c, http.StatusForbidden, "not authorized for this organization")
		return false
	}
	c.Set(ContextOrganizationID, orgID)
	c.Set(ContextOrganizationRole, role)
	return true
}

// RequireOrgAccess guards /organizations/:id routes. Call after JWT.
func RequireOrgAccess(roles RoleLookup, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		orgID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.AbortWith(c, http.StatusBadRequest, "invalid organization id")
			return
		}
		if !Authorize(c, roles, orgID, logger) {
			return
		}
		c.Next()
	}
}
