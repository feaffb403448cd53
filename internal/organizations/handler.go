package organizations

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/response"
)

// Slug must be lowercase alphanumeric and hyphens only, 2-64 chars.
var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

// Store is the persistence the organizations handler needs.
type Store interface {
	RoleLookup
	Create(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
	Update(ctx context.Context, org *models.Organization) error
	AddUser(ctx context.Context, orgID, userID uuid.UUID, role string) error
	ListOrganizationsForUser(ctx context.Context, userID uuid.UUID) ([]*models.Organization, error)
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]Member, error)
}

// Handler handles organization HTTP endpoints.
type Handler struct {
	repo   Store
	logger *zap.Logger
}

// NewHandler creates an organizations handler.
func NewHandler(repo Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// CreateOrganizationRequest is the body for POST /organizations.
type CreateOrganizationRequest struct {
	Name             string          `json:"name" binding:"required"`
	Slug             string          `json:"slug" binding:"required"`
	Mission          string          `json:"mission"`
	PipelineDefaults []string        `json:"pipeline_defaults"`
	AudienceDefaults json.RawMessage `json:"audience_defaults"`
}

// UpdateOrganizationRequest is the body for PATCH /organizations/:id. Nil fields are left unchanged.
type UpdateOrganizationRequest struct {
	Name             *string         `json:"name"`
	Mission          *string         `json:"mission"`
	PipelineDefaults []string        `json:"pipeline_defaults"`
	AudienceDefaults json.RawMessage `json:"audience_defaults"`
}

// JoinOrganizationRequest is the body for POST /organizations/join.
type JoinOrganizationRequest struct {
	Slug string `json:"slug" binding:"required"`
}

// ValidateStages checks a pipeline definition: non-empty names, no duplicates.
func ValidateStages(stages []string) error {
	seen := make(map[string]struct{}, len(stages))
	for _, s := range stages {
		if strings.TrimSpace(s) == "" {
			return errors.New("pipeline stages must not be empty")
		}
		if _, dup := seen[s]; dup {
			return errors.New("duplicate pipeline stage " + s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

func validName(name string) bool {
	return len(name) >= 1 && len(name) <= 255
}

func validAudience(raw json.RawMessage) bool {
	return len(raw) == 0 || json.Valid(raw)
}

// CreateOrganization handles POST /organizations. Creates org and adds current user as owner.
func (h *Handler) CreateOrganization(c *gin.Context) {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body CreateOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name and slug required")
		return
	}
	body.Slug = strings.ToLower(strings.TrimSpace(body.Slug))
	if !slugRegex.MatchString(body.Slug) {
		response.BadRequest(c, "slug must be 2-64 chars, lowercase letters, numbers, hyphens only")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if !validName(body.Name) {
		response.BadRequest(c, "name must be 1-255 characters")
		return
	}
	if err := ValidateStages(body.PipelineDefaults); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !validAudience(body.AudienceDefaults) {
		response.BadRequest(c, "audience_defaults must be valid JSON")
		return
	}
	org := &models.Organization{
		Name:             body.Name,
		Slug:             body.Slug,
		Mission:          strings.TrimSpace(body.Mission),
		PipelineDefaults: body.PipelineDefaults,
		AudienceDefaults: body.AudienceDefaults,
	}
	if err := h.repo.Create(c.Request.Context(), org); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			response.Conflict(c, "an organization with this slug already exists")
			return
		}
		h.logger.Error("create organization", zap.Error(err))
		response.Internal(c, "failed to create organization")
		return
	}
	if err := h.repo.AddUser(c.Request.Context(), org.ID, userID, models.OrgRoleOwner); err != nil {
		h.logger.Error("add organization owner", zap.Error(err))
		response.Internal(c, "failed to add you as owner")
		return
	}
	response.Created(c, org)
}

// GetOrganization handles GET /organizations/:id. Requires RequireOrgAccess.
func (h *Handler) GetOrganization(c *gin.Context) {
	orgID, _ := CurrentOrgID(c)
	org, err := h.repo.GetByID(c.Request.Context(), orgID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "organization not found")
		return
	}
	if err != nil {
		h.logger.Error("get organization", zap.Error(err))
		response.Internal(c, "failed to load organization")
		return
	}
	response.OK(c, org)
}

// UpdateOrganization handles PATCH /organizations/:id. Owners and admins only.
func (h *Handler) UpdateOrganization(c *gin.Context) {
	orgID, _ := CurrentOrgID(c)
	if !CanManage(c.GetString(ContextOrganizationRole)) {
		response.Forbidden(c, "only owners and admins can edit the organization")
		return
	}
	var body UpdateOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	org, err := h.repo.GetByID(c.Request.Context(), orgID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "organization not found")
		return
	}
	if err != nil {
		h.logger.Error("get organization", zap.Error(err))
		response.Internal(c, "failed to load organization")
		return
	}
	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if !validName(name) {
			response.BadRequest(c, "name must be 1-255 characters")
			return
		}
		org.Name = name
	}
	if body.Mission != nil {
		org.Mission = strings.TrimSpace(*body.Mission)
	}
	if body.PipelineDefaults != nil {
		if len(body.PipelineDefaults) == 0 {
			response.BadRequest(c, "pipeline_defaults must not be empty")
			return
		}
		if err := ValidateStages(body.PipelineDefaults); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		org.PipelineDefaults = body.PipelineDefaults
	}
	if body.AudienceDefaults != nil {
		if !validAudience(body.AudienceDefaults) {
			response.BadRequest(c, "audience_defaults must be valid JSON")
			return
		}
		org.AudienceDefaults = body.AudienceDefaults
	}
	if err := h.repo.Update(c.Request.Context(), org); err != nil {
		h.logger.Error("update organization", zap.Error(err))
		response.Internal(c, "failed to update organization")
		return
	}
	response.OK(c, org)
}

// JoinOrganization handles POST /organizations/join. Adds current user to org by slug as staff.
func (h *Handler) JoinOrganization(c *gin.Context) {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body JoinOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "slug required")
		return
	}
	slug := strings.ToLower(strings.TrimSpace(body.Slug))
	if slug == "" {
		response.BadRequest(c, "slug required")
		return
	}
	org, err := h.repo.GetBySlug(c.Request.Context(), slug)
	if err != nil {
		response.NotFound(c, "organization not found")
		return
	}
	role, err := h.repo.GetUserRole(c.Request.Context(), org.ID, userID)
	if err != nil {
		h.logger.Error("org role lookup", zap.Error(err))
		response.Internal(c, "failed to join organization")
		return
	}
	if role != "" {
		// already a member; keep the existing role
		response.OK(c, org)
		return
	}
	if err := h.repo.AddUser(c.Request.Context(), org.ID, userID, models.OrgRoleStaff); err != nil {
		h.logger.Error("join organization", zap.Error(err))
		response.Internal(c, "failed to join organization")
		return
	}
	response.OK(c, org)
}

// ListMyOrganizations handles GET /organizations.
func (h *Handler) ListMyOrganizations(c *gin.Context) {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	orgs, err := h.repo.ListOrganizationsForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list organizations", zap.Error(err))
		response.Internal(c, "failed to load organizations")
		return
	}
	response.OK(c, orgs)
}

// ListMembers handles GET /organizations/:id/members. Requires RequireOrgAccess.
func (h *Handler) ListMembers(c *gin.Context) {
	orgID, _ := CurrentOrgID(c)
	members, err := h.repo.ListMembers(c.Request.Context(), orgID)
	if err != nil {
		h.logger.Error("list members", zap.Error(err))
		response.Internal(c, "failed to load members")
		return
	}
	response.OK(c, members)
}
