package events

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/pkg/response"
)

// ContextEvent holds the *models.Event loaded by RequireEventOrgAccess.
const ContextEvent = "event"

// Getter loads a single event.
type Getter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// CurrentEvent returns the event loaded by RequireEventOrgAccess.
func CurrentEvent(c *gin.Context) (*models.Event, bool) {
	v, ok := c.Get(ContextEvent)
	if !ok {
		return nil, false
	}
	ev, ok := v.(*models.Event)
	return ev, ok
}

// RequireEventOrgAccess loads the event named by :id and checks the user belongs to its organization.
// Call after JWT.
func RequireEventOrgAccess(events Getter, roles organizations.RoleLookup, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		eventID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.AbortWith(c, http.StatusBadRequest, "invalid event id")
			return
		}
		ev, err := events.GetByID(c.Request.Context(), eventID)
		if errors.Is(err, ErrNotFound) {
			response.AbortWith(c, http.StatusNotFound, "event not found")
			return
		}
		if err != nil {
			logger.Error("load event", zap.Error(err), zap.String("event_id", eventID.String()))
			response.AbortWith(c, http.StatusInternalServerError, "failed to load event")
			return
		}
		if !organizations.Authorize(c, roles, ev.OrganizationID, logger) {
			return
		}
		c.Set(ContextEvent, ev)
		c.Next()
	}
}
