package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Feed event names.
const (
	EventMembershipUpdated = "membership_updated"
	EventViewerCount       = "viewer_count"
)

// Hub maintains event_id -> set of connections and broadcasts membership changes.
// With Redis configured, changes are published once and every instance's subscriber broadcasts locally.
type Hub struct {
	// eventID -> map[clientID]*Client
	rooms    map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per event
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	counter  ViewerCounter
}

// RedisPublisher publishes feed messages for other instances.
type RedisPublisher interface {
	PublishEventMessage(eventID uuid.UUID, name string, payload []byte) error
}

// RedisSubscriber subscribes to an event's channel and invokes handler for incoming messages.
type RedisSubscriber interface {
	SubscribeEvent(eventID uuid.UUID, handler func(name string, payload []byte)) (cancel func(), err error)
}

// ViewerCounter keeps viewer counts shared by all instances.
type ViewerCounter interface {
	AdjustViewers(eventID uuid.UUID, delta int64) (int64, error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
// When redisPub also implements ViewerCounter, viewer_count reports the cluster-wide total.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		rooms:    make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
	if vc, ok := redisPub.(ViewerCounter); ok {
		h.counter = vc
	}
	return h
}

// Register adds a client to an event room. Starts the Redis subscription for the event on first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.EventID] == nil {
		h.rooms[c.EventID] = make(map[string]*Client)
		if h.redisSub != nil {
			eventID := c.EventID
			cancel, err := h.redisSub.SubscribeEvent(eventID, func(name string, payload []byte) {
				h.Broadcast(eventID, name, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.Error(err), zap.String("event_id", eventID.String()))
			} else {
				h.subs[eventID] = cancel
			}
		}
	}
	h.rooms[c.EventID][c.ID] = c
	count := len(h.rooms[c.EventID])
	h.mu.Unlock()

	h.announceViewers(c.EventID, 1, count)
	h.logger.Debug("client joined event feed", zap.String("client_id", c.ID), zap.String("event_id", c.EventID.String()))
}

// Unregister removes a client. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var (
		count   int
		removed bool
	)
	if m, ok := h.rooms[c.EventID]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			close(c.send)
			removed = true
		}
		count = len(m)
		if count == 0 {
			delete(h.rooms, c.EventID)
			if cancel, ok := h.subs[c.EventID]; ok {
				cancel()
				delete(h.subs, c.EventID)
			}
		}
	}
	h.mu.Unlock()
	if removed {
		h.announceViewers(c.EventID, -1, count)
	}
	h.logger.Debug("client left event feed", zap.String("client_id", c.ID), zap.String("event_id", c.EventID.String()))
}

// announceViewers publishes the event's viewer count after a join (delta 1) or leave (delta -1).
// Without a shared counter only this instance's clients are counted.
func (h *Hub) announceViewers(eventID uuid.UUID, delta int64, local int) {
	if h.counter == nil {
		if local > 0 {
			h.Broadcast(eventID, EventViewerCount, map[string]int64{"count": int64(local)})
		}
		return
	}
	total, err := h.counter.AdjustViewers(eventID, delta)
	if err != nil {
		h.logger.Warn("shared viewer count failed, reporting local count", zap.Error(err))
		h.Broadcast(eventID, EventViewerCount, map[string]int64{"count": int64(local)})
		return
	}
	h.Publish(eventID, EventViewerCount, map[string]int64{"count": total})
}

// Broadcast sends a message to all local clients watching eventID.
func (h *Hub) Broadcast(eventID uuid.UUID, name string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal feed payload", zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: name, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[eventID] {
		select {
		case c.send <- msg:
		default:
			// slow consumer, drop
		}
	}
}

// Publish delivers a message to every instance. Without Redis it broadcasts locally.
func (h *Hub) Publish(eventID uuid.UUID, name string, payload any) {
	if h.redis == nil {
		h.Broadcast(eventID, name, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal feed payload", zap.Error(err))
		return
	}
	if err := h.redis.PublishEventMessage(eventID, name, data); err != nil {
		h.logger.Warn("redis publish failed, broadcasting locally", zap.Error(err))
		h.Broadcast(eventID, name, json.RawMessage(data))
	}
}

// MembershipUpdated publishes a committed membership change to the event's feed.
func (h *Hub) MembershipUpdated(m *models.Membership) {
	if m == nil {
		return
	}
	h.Publish(m.EventID, EventMembershipUpdated, m)
}

// ViewerCount returns the number of clients connected to this instance for an event.
func (h *Hub) ViewerCount(eventID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[eventID])
}
