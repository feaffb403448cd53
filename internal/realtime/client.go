package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/pkg/response"
)

var (
	ErrUnauthorized = errors.New("invalid token")
	ErrForbidden    = errors.New("not authorized for this event")
	ErrNoEvent      = errors.New("event not found")
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is a single read-only WebSocket connection watching one event.
type Client struct {
	ID       string
	EventID  uuid.UUID
	UserID   uuid.UUID
	JoinedAt time.Time
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// EventLookup loads events.
type EventLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// Access decides who may watch an event feed: a valid token whose user belongs to the event's organization.
type Access struct {
	tokens TokenValidator
	events EventLookup
	roles  organizations.RoleLookup
}

// NewAccess creates a feed access checker.
func NewAccess(tokens TokenValidator, evs EventLookup, roles organizations.RoleLookup) *Access {
	return &Access{tokens: tokens, events: evs, roles: roles}
}

// Check returns the user allowed to watch eventID.
func (a *Access) Check(ctx context.Context, token string, eventID uuid.UUID) (uuid.UUID, error) {
	claims, err := a.tokens.Validate(token)
	if err != nil {
		return uuid.Nil, ErrUnauthorized
	}
	ev, err := a.events.GetByID(ctx, eventID)
	if err != nil {
		return uuid.Nil, ErrNoEvent
	}
	role, err := a.roles.GetUserRole(ctx, ev.OrganizationID, claims.UserID)
	if err != nil {
		return uuid.Nil, err
	}
	if !organizations.HasAccess(role) {
		return uuid.Nil, ErrForbidden
	}
	return claims.UserID, nil
}

// Checker is implemented by *Access.
type Checker interface {
	Check(ctx context.Context, token string, eventID uuid.UUID) (uuid.UUID, error)
}

// NewUpgrader builds a websocket upgrader that accepts the given origins ("*" for any).
// Requests without an Origin header (non-browser clients) are accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] {
				return true
			}
			if allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// ServeWs handles GET /ws?event_id=&token= and streams the event's membership feed.
func ServeWs(hub *Hub, access Checker, upgrader *websocket.Upgrader, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		eventIDStr := c.Query("event_id")
		token := c.Query("token")
		if eventIDStr == "" || token == "" {
			response.BadRequest(c, "event_id and token required")
			return
		}
		eventID, err := uuid.Parse(eventIDStr)
		if err != nil {
			response.BadRequest(c, "invalid event_id")
			return
		}
		userID, err := access.Check(c.Request.Context(), token, eventID)
		switch {
		case errors.Is(err, ErrUnauthorized):
			response.Unauthorized(c, err.Error())
			return
		case errors.Is(err, ErrNoEvent):
			response.NotFound(c, err.Error())
			return
		case errors.Is(err, ErrForbidden):
			response.Forbidden(c, err.Error())
			return
		case err != nil:
			logger.Error("feed access check", zap.Error(err))
			response.Internal(c, "failed to check access")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			EventID:  eventID,
			UserID:   userID,
			JoinedAt: time.Now(),
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump keeps the connection alive; the feed is read-only so client messages other than ping are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if msg.Event == "ping" {
			select {
			case c.send <- WSMessage{Event: "pong"}:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
