package memberships

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/internal/pipeline"
	"github.com/rally-crm/backend/pkg/response"
)

// ContextMembership holds the *models.Membership loaded by RequireMembershipOrgAccess.
const ContextMembership = "membership"

// Handler handles membership HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a memberships handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// FormRequest is the public landing-form body.
type FormRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email" binding:"required"`
	Phone  string `json:"phone"`
	RSVP   bool   `json:"rsvp"`
	Source string `json:"source"`
}

// AddRequest is the admin "add attendee" body: an existing contact, or contact details.
type AddRequest struct {
	ContactID *uuid.UUID `json:"contact_id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone"`
	Tags      []string   `json:"tags"`
}

// PatchRequest is the manual edit body.
type PatchRequest struct {
	Stage    *string  `json:"stage"`
	Tags     []string `json:"tags"`
	Champion *bool    `json:"champion"`
}

// ChampionRequest is the body for POST /memberships/:id/champion.
type ChampionRequest struct {
	Note string `json:"note"`
}

// FormResponse is returned by the public intake route.
type FormResponse struct {
	Contact    *models.Contact    `json:"contact"`
	Membership *models.Membership `json:"membership"`
	Message    string             `json:"message"`
}

// publicSources are the intake sources an anonymous form may claim.
var publicSources = map[string]bool{
	models.SourceLandingForm: true,
	models.SourceQR:          true,
}

// RequireMembershipOrgAccess loads the membership named by :id and checks org membership. Call after JWT.
func RequireMembershipOrgAccess(store interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Membership, error)
}, roles organizations.RoleLookup, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.AbortWith(c, http.StatusBadRequest, "invalid membership id")
			return
		}
		m, err := store.Get(c.Request.Context(), id)
		if errors.Is(err, ErrNotFound) {
			response.AbortWith(c, http.StatusNotFound, "membership not found")
			return
		}
		if err != nil {
			logger.Error("load membership", zap.Error(err))
			response.AbortWith(c, http.StatusInternalServerError, "failed to load membership")
			return
		}
		if !organizations.Authorize(c, roles, m.OrganizationID, logger) {
			return
		}
		c.Set(ContextMembership, m)
		c.Next()
	}
}

func membershipID(c *gin.Context) uuid.UUID {
	m, _ := c.MustGet(ContextMembership).(*models.Membership)
	return m.ID
}

// writeError maps service errors onto the response envelope.
func (h *Handler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "membership not found")
	case errors.Is(err, ErrEventNotFound):
		response.NotFound(c, "event not found")
	case errors.Is(err, ErrContactNotFound):
		response.NotFound(c, "contact not found")
	case errors.Is(err, ErrInvalidEmail):
		response.BadRequest(c, "invalid email")
	case errors.Is(err, pipeline.ErrInvalidStage):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrWrongOrganization):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrManualOverrideDisabled):
		response.Forbidden(c, err.Error())
	default:
		h.logger.Error(op, zap.Error(err))
		response.Internal(c, "failed to "+op)
	}
}

// FromForm handles POST /memberships/:id/memberships/from-form, where :id is the event. Public.
func (h *Handler) FromForm(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req FormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email is required")
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = models.SourceLandingForm
	}
	if !publicSources[source] {
		response.BadRequest(c, "source must be landing_form or qr")
		return
	}
	res, err := h.svc.IntakeFromForm(c.Request.Context(), eventID,
		ContactInput{Name: req.Name, Email: req.Email, Phone: req.Phone}, source, pipeline.FormPayload{RSVP: req.RSVP})
	if err != nil {
		h.writeError(c, "submit form", err)
		return
	}
	msg := "Thanks! You're on the list."
	if res.Membership.RSVP {
		msg = "Thanks! Your RSVP is confirmed."
	}
	response.OK(c, FormResponse{Contact: res.Contact, Membership: res.Membership, Message: msg})
}

// Add handles POST /events/:id/memberships. Requires RequireEventOrgAccess.
func (h *Handler) Add(c *gin.Context) {
	ev, _ := events.CurrentEvent(c)
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	var (
		res *IntakeResult
		err error
	)
	switch {
	case req.ContactID != nil:
		res, err = h.svc.AddExistingContact(c.Request.Context(), ev, *req.ContactID)
	case req.Email != "":
		res, err = h.svc.Intake(c.Request.Context(), ev,
			ContactInput{Name: req.Name, Email: req.Email, Phone: req.Phone, Tags: req.Tags}, models.SourceAdminAdd, nil)
	default:
		response.BadRequest(c, "contact_id or email is required")
		return
	}
	if err != nil {
		h.writeError(c, "add attendee", err)
		return
	}
	if res.Created {
		response.Created(c, res)
		return
	}
	response.OK(c, res)
}

// List handles GET /events/:id/memberships?stage=. Requires RequireEventOrgAccess.
func (h *Handler) List(c *gin.Context) {
	ev, _ := events.CurrentEvent(c)
	rows, err := h.svc.ListByEvent(c.Request.Context(), ev.ID, strings.TrimSpace(c.Query("stage")))
	if err != nil {
		h.writeError(c, "list memberships", err)
		return
	}
	response.OK(c, rows)
}

// Get handles GET /memberships/:id.
func (h *Handler) Get(c *gin.Context) {
	response.OK(c, c.MustGet(ContextMembership))
}

// Patch handles PATCH /memberships/:id.
func (h *Handler) Patch(c *gin.Context) {
	var req PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	m, err := h.svc.Patch(c.Request.Context(), membershipID(c), PatchInput{Stage: req.Stage, Tags: req.Tags, Champion: req.Champion})
	if err != nil {
		h.writeError(c, "update membership", err)
		return
	}
	response.OK(c, m)
}

// Champion handles POST /memberships/:id/champion.
func (h *Handler) Champion(c *gin.Context) {
	var req ChampionRequest
	// the body is optional
	_ = c.ShouldBindJSON(&req)
	m, err := h.svc.MarkChampion(c.Request.Context(), membershipID(c), req.Note)
	if err != nil {
		h.writeError(c, "mark champion", err)
		return
	}
	response.OK(c, m)
}

// Attended handles POST /memberships/:id/attended (check-in).
func (h *Handler) Attended(c *gin.Context) {
	m, err := h.svc.MarkAttended(c.Request.Context(), membershipID(c))
	if err != nil {
		h.writeError(c, "check in", err)
		return
	}
	response.OK(c, m)
}

// Delete handles DELETE /memberships/:id (remove attendee).
func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.Remove(c.Request.Context(), membershipID(c)); err != nil && !errors.Is(err, ErrNotFound) {
		h.writeError(c, "remove attendee", err)
		return
	}
	response.NoContent(c)
}
