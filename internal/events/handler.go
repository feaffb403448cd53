package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/internal/pipeline"
	"github.com/rally-crm/backend/pkg/response"
)

// Store is the persistence the events handler needs.
type Store interface {
	Getter
	Create(ctx context.Context, e *models.Event) error
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*models.Event, error)
	Update(ctx context.Context, e *models.Event) error
	Delete(ctx context.Context, id uuid.UUID) error
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// CreateRequest is the body for POST /organizations/:id/events.
// PipelineRules and RulesPreset are mutually exclusive; with neither, the default preset applies.
type CreateRequest struct {
	Name             string                `json:"name" binding:"required"`
	Description      string                `json:"description"`
	Location         string                `json:"location"`
	StartsAt         *string               `json:"starts_at"`
	EndsAt           *string               `json:"ends_at"`
	TicketPriceCents int                   `json:"ticket_price_cents" binding:"min=0"`
	Currency         string                `json:"currency"`
	Pipelines        []string              `json:"pipelines"`
	PipelineRules    *models.PipelineRules `json:"pipeline_rules"`
	RulesPreset      string                `json:"rules_preset"`
}

// UpdateRequest is the body for PATCH /events/:id. Nil fields are left unchanged.
type UpdateRequest struct {
	Name             *string               `json:"name"`
	Description      *string               `json:"description"`
	Location         *string               `json:"location"`
	StartsAt         *string               `json:"starts_at"`
	EndsAt           *string               `json:"ends_at"`
	TicketPriceCents *int                  `json:"ticket_price_cents"`
	Currency         *string               `json:"currency"`
	Pipelines        []string              `json:"pipelines"`
	PipelineRules    *models.PipelineRules `json:"pipeline_rules"`
	RulesPreset      *string               `json:"rules_preset"`
}

// Handler handles event HTTP endpoints.
type Handler struct {
	repo    Store
	presets pipeline.Presets
	logger  *zap.Logger
}

// NewHandler creates an event handler.
func NewHandler(repo Store, presets pipeline.Presets, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if presets == nil {
		presets = pipeline.Presets{pipeline.DefaultPresetName: pipeline.DefaultRules()}
	}
	return &Handler{repo: repo, presets: presets, logger: logger}
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func validateRules(r *models.PipelineRules) error {
	if r == nil || r.ChampionCriteria == nil {
		return nil
	}
	if r.ChampionCriteria.MinEngagement != nil && *r.ChampionCriteria.MinEngagement < 0 {
		return errors.New("champion_criteria.min_engagement must not be negative")
	}
	return nil
}

// resolveRules picks explicit rules, then the named preset, then the default preset.
func (h *Handler) resolveRules(explicit *models.PipelineRules, preset string) (*models.PipelineRules, error) {
	if explicit != nil && preset != "" {
		return nil, errors.New("pipeline_rules and rules_preset are mutually exclusive")
	}
	if explicit != nil {
		return explicit, validateRules(explicit)
	}
	if preset == "" {
		preset = pipeline.DefaultPresetName
	}
	rules, ok := h.presets.Lookup(preset)
	if !ok {
		return nil, errors.New("unknown rules_preset " + preset)
	}
	return &rules, nil
}

// Create handles POST /organizations/:id/events. Requires RequireOrgAccess.
func (h *Handler) Create(c *gin.Context) {
	orgID, _ := organizations.CurrentOrgID(c)
	userID, _ := auth.CurrentUserID(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		response.BadRequest(c, "name is required")
		return
	}
	startsAt, err := parseOptionalTime(req.StartsAt)
	if err != nil {
		response.BadRequest(c, "invalid starts_at")
		return
	}
	endsAt, err := parseOptionalTime(req.EndsAt)
	if err != nil {
		response.BadRequest(c, "invalid ends_at")
		return
	}
	if startsAt != nil && endsAt != nil && endsAt.Before(*startsAt) {
		response.BadRequest(c, "ends_at must not be before starts_at")
		return
	}
	if err := organizations.ValidateStages(req.Pipelines); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	rules, err := h.resolveRules(req.PipelineRules, req.RulesPreset)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}

	ev := &models.Event{
		OrganizationID:   orgID,
		Name:             name,
		Description:      req.Description,
		Location:         req.Location,
		StartsAt:         startsAt,
		EndsAt:           endsAt,
		TicketPriceCents: req.TicketPriceCents,
		Currency:         currency,
		Pipelines:        req.Pipelines,
		PipelineRules:    rules,
		CreatedBy:        userID,
	}
	if err := h.repo.Create(c.Request.Context(), ev); err != nil {
		h.logger.Error("create event", zap.Error(err))
		response.Internal(c, "failed to create event")
		return
	}
	response.Created(c, ev)
}

// ListByOrganization handles GET /organizations/:id/events. Requires RequireOrgAccess.
func (h *Handler) ListByOrganization(c *gin.Context) {
	orgID, _ := organizations.CurrentOrgID(c)
	list, err := h.repo.ListByOrganization(c.Request.Context(), orgID)
	if err != nil {
		h.logger.Error("list events", zap.Error(err))
		response.Internal(c, "failed to list events")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /events/:id. Requires RequireEventOrgAccess.
func (h *Handler) GetByID(c *gin.Context) {
	ev, _ := CurrentEvent(c)
	response.OK(c, ev)
}

// Update handles PATCH /events/:id. Requires RequireEventOrgAccess.
func (h *Handler) Update(c *gin.Context) {
	current, _ := CurrentEvent(c)
	ev := *current

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			response.BadRequest(c, "name must not be empty")
			return
		}
		ev.Name = name
	}
	if req.Description != nil {
		ev.Description = *req.Description
	}
	if req.Location != nil {
		ev.Location = *req.Location
	}
	if req.StartsAt != nil {
		t, err := parseOptionalTime(req.StartsAt)
		if err != nil {
			response.BadRequest(c, "invalid starts_at")
			return
		}
		ev.StartsAt = t
	}
	if req.EndsAt != nil {
		t, err := parseOptionalTime(req.EndsAt)
		if err != nil {
			response.BadRequest(c, "invalid ends_at")
			return
		}
		ev.EndsAt = t
	}
	if ev.StartsAt != nil && ev.EndsAt != nil && ev.EndsAt.Before(*ev.StartsAt) {
		response.BadRequest(c, "ends_at must not be before starts_at")
		return
	}
	if req.TicketPriceCents != nil {
		if *req.TicketPriceCents < 0 {
			response.BadRequest(c, "ticket_price_cents must not be negative")
			return
		}
		ev.TicketPriceCents = *req.TicketPriceCents
	}
	if req.Currency != nil && strings.TrimSpace(*req.Currency) != "" {
		ev.Currency = strings.ToLower(strings.TrimSpace(*req.Currency))
	}
	if req.Pipelines != nil {
		if err := organizations.ValidateStages(req.Pipelines); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		ev.Pipelines = req.Pipelines
	}
	if req.PipelineRules != nil || req.RulesPreset != nil {
		preset := ""
		if req.RulesPreset != nil {
			preset = *req.RulesPreset
		}
		rules, err := h.resolveRules(req.PipelineRules, preset)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		ev.PipelineRules = rules
	}
	if err := h.repo.Update(c.Request.Context(), &ev); err != nil {
		h.logger.Error("update event", zap.Error(err), zap.String("event_id", ev.ID.String()))
		response.Internal(c, "failed to update event")
		return
	}
	response.OK(c, ev)
}

// Delete handles DELETE /events/:id. Requires RequireEventOrgAccess.
func (h *Handler) Delete(c *gin.Context) {
	ev, _ := CurrentEvent(c)
	if err := h.repo.Delete(c.Request.Context(), ev.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "event not found")
			return
		}
		h.logger.Error("delete event", zap.Error(err), zap.String("event_id", ev.ID.String()))
		response.Internal(c, "failed to delete event")
		return
	}
	response.NoContent(c)
}

// Presets handles GET /pipeline/presets.
func (h *Handler) Presets(c *gin.Context) {
	out := make(map[string]models.PipelineRules, len(h.presets))
	for _, name := range h.presets.Names() {
		out[name], _ = h.presets.Lookup(name)
	}
	response.OK(c, out)
}
