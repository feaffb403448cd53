package analytics

import (
	"context"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/pipeline"
	"github.com/rally-crm/backend/pkg/response"
)

// CountSource loads raw aggregates for an event.
type CountSource interface {
	EventCounts(ctx context.Context, eventID uuid.UUID) (*Counts, error)
}

// OrgLookup loads the organization that owns an event.
type OrgLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

// Handler handles GET /events/:id/funnel.
type Handler struct {
	counts CountSource
	orgs   OrgLookup
	logger *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(counts CountSource, orgs OrgLookup, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{counts: counts, orgs: orgs, logger: logger}
}

// StageCount is one funnel step.
type StageCount struct {
	Stage models.Stage `json:"stage"`
	Count int          `json:"count"`
}

// FunnelResponse is the JSON shape for an event funnel.
type FunnelResponse struct {
	EventID        uuid.UUID    `json:"event_id"`
	Total          int          `json:"total"`
	Stages         []StageCount `json:"stages"`
	Unlisted       []StageCount `json:"unlisted,omitempty"`
	RSVP           int          `json:"rsvp"`
	Paid           int          `json:"paid"`
	Champion       int          `json:"champion"`
	Revenue        float64      `json:"revenue"`
	RevenueCents   int64        `json:"revenue_cents"`
	Payments       int          `json:"payments"`
	ConversionRate *float64     `json:"conversion_rate,omitempty"`
}

// BuildFunnel orders counts by the pipeline. Stages stored on memberships but missing from
// the pipeline (e.g. after the pipeline was edited) are reported under Unlisted.
func BuildFunnel(eventID uuid.UUID, p pipeline.Pipeline, counts *Counts) FunnelResponse {
	out := FunnelResponse{
		EventID:      eventID,
		Total:        counts.Total,
		Stages:       make([]StageCount, 0, len(p)),
		RSVP:         counts.RSVP,
		Paid:         counts.Paid,
		Champion:     counts.Champion,
		Revenue:      counts.Revenue,
		RevenueCents: counts.RevenueCents,
		Payments:     counts.Payments,
	}
	for _, s := range p {
		out.Stages = append(out.Stages, StageCount{Stage: s, Count: counts.ByStage[s]})
	}
	for s, n := range counts.ByStage {
		if !p.Contains(s) {
			out.Unlisted = append(out.Unlisted, StageCount{Stage: s, Count: n})
		}
	}
	slices.SortFunc(out.Unlisted, func(a, b StageCount) int {
		return strings.Compare(string(a.Stage), string(b.Stage))
	})
	if counts.Total > 0 {
		conv := float64(counts.Paid) / float64(counts.Total)
		out.ConversionRate = &conv
	}
	return out
}

// Funnel handles GET /events/:id/funnel. Org access is enforced by route middleware.
func (h *Handler) Funnel(c *gin.Context) {
	ev, ok := events.CurrentEvent(c)
	if !ok {
		response.NotFound(c, "event not found")
		return
	}
	ctx := c.Request.Context()

	org, err := h.orgs.GetByID(ctx, ev.OrganizationID)
	if err != nil {
		h.logger.Error("load organization for funnel", zap.Error(err), zap.String("event_id", ev.ID.String()))
		response.Internal(c, "failed to load organization")
		return
	}
	counts, err := h.counts.EventCounts(ctx, ev.ID)
	if err != nil {
		h.logger.Error("funnel counts", zap.Error(err), zap.String("event_id", ev.ID.String()))
		response.Internal(c, "failed to load funnel")
		return
	}
	response.OK(c, BuildFunnel(ev.ID, pipeline.ResolvePipeline(org, ev), counts))
}
