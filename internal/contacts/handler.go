package contacts

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/pkg/response"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ContextContact holds the *models.Contact loaded by RequireContactOrgAccess.
const ContextContact = "contact"

// Store is the persistence the contacts handler needs.
type Store interface {
	Create(ctx context.Context, ct *models.Contact) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error)
	ListByOrganization(ctx context.Context, orgID uuid.UUID, search string, limit, offset int) ([]*models.Contact, error)
	Update(ctx context.Context, ct *models.Contact) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Handler handles contact HTTP endpoints.
type Handler struct {
	repo   Store
	logger *zap.Logger
}

// NewHandler creates a contacts handler.
func NewHandler(repo Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// CreateRequest is the body for POST /organizations/:id/contacts.
type CreateRequest struct {
	Name  string   `json:"name"`
	Email string   `json:"email" binding:"required"`
	Phone string   `json:"phone"`
	Tags  []string `json:"tags"`
}

// UpdateRequest is the body for PATCH /contacts/:id.
type UpdateRequest struct {
	Name  *string  `json:"name"`
	Email *string  `json:"email"`
	Phone *string  `json:"phone"`
	Tags  []string `json:"tags"`
}

// ValidEmail reports whether s parses as a bare address.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// RequireContactOrgAccess loads the contact named by :id and checks org membership. Call after JWT.
func RequireContactOrgAccess(repo Store, roles organizations.RoleLookup, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.AbortWith(c, http.StatusBadRequest, "invalid contact id")
			return
		}
		ct, err := repo.GetByID(c.Request.Context(), id)
		if errors.Is(err, ErrNotFound) {
			response.AbortWith(c, http.StatusNotFound, "contact not found")
			return
		}
		if err != nil {
			logger.Error("load contact", zap.Error(err))
			response.AbortWith(c, http.StatusInternalServerError, "failed to load contact")
			return
		}
		if !organizations.Authorize(c, roles, ct.OrganizationID, logger) {
			return
		}
		c.Set(ContextContact, ct)
		c.Next()
	}
}

func currentContact(c *gin.Context) *models.Contact {
	ct, _ := c.MustGet(ContextContact).(*models.Contact)
	return ct
}

// Create handles POST /organizations/:id/contacts.
func (h *Handler) Create(c *gin.Context) {
	orgID, _ := organizations.CurrentOrgID(c)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email is required")
		return
	}
	email := models.NormalizeEmail(req.Email)
	if !ValidEmail(email) {
		response.BadRequest(c, "invalid email")
		return
	}
	ct := &models.Contact{
		OrganizationID: orgID,
		Name:           strings.TrimSpace(req.Name),
		Email:          email,
		Phone:          strings.TrimSpace(req.Phone),
		Tags:           req.Tags,
	}
	if err := h.repo.Create(c.Request.Context(), ct); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			response.Conflict(c, "a contact with this email already exists")
			return
		}
		h.logger.Error("create contact", zap.Error(err))
		response.Internal(c, "failed to create contact")
		return
	}
	response.Created(c, ct)
}

// List handles GET /organizations/:id/contacts?q=&limit=&offset=.
func (h *Handler) List(c *gin.Context) {
	orgID, _ := organizations.CurrentOrgID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	list, err := h.repo.ListByOrganization(c.Request.Context(), orgID, strings.TrimSpace(c.Query("q")), limit, offset)
	if err != nil {
		h.logger.Error("list contacts", zap.Error(err))
		response.Internal(c, "failed to list contacts")
		return
	}
	response.OK(c, list)
}

// Get handles GET /contacts/:id.
func (h *Handler) Get(c *gin.Context) {
	response.OK(c, currentContact(c))
}

// Update handles PATCH /contacts/:id.
func (h *Handler) Update(c *gin.Context) {
	ct := *currentContact(c)
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	if req.Name != nil {
		ct.Name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		email := models.NormalizeEmail(*req.Email)
		if !ValidEmail(email) {
			response.BadRequest(c, "invalid email")
			return
		}
		ct.Email = email
	}
	if req.Phone != nil {
		ct.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.Tags != nil {
		ct.Tags = req.Tags
	}
	if err := h.repo.Update(c.Request.Context(), &ct); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			response.Conflict(c, "a contact with this email already exists")
			return
		}
		h.logger.Error("update contact", zap.Error(err))
		response.Internal(c, "failed to update contact")
		return
	}
	response.OK(c, ct)
}

// Delete handles DELETE /contacts/:id.
func (h *Handler) Delete(c *gin.Context) {
	ct := currentContact(c)
	if err := h.repo.Delete(c.Request.Context(), ct.ID); err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("delete contact", zap.Error(err))
		response.Internal(c, "failed to delete contact")
		return
	}
	response.NoContent(c)
}
