package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "event-feed:"
	viewersPrefix  = "event-feed:viewers:"
	publishTimeout = 5 * time.Second
	// viewersTTL expires counts left behind by instances that died without unregistering.
	viewersTTL = 12 * time.Hour
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber using Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for event feeds.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishEventMessage publishes a message to the event's Redis channel.
func (r *RedisPubSub) PublishEventMessage(eventID uuid.UUID, name string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: name, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+eventID.String(), body).Err()
}

// SubscribeEvent subscribes to an event's Redis channel and calls handler for each message.
// The returned cancel stops the subscription.
func (r *RedisPubSub) SubscribeEvent(eventID uuid.UUID, handler func(name string, payload []byte)) (cancel func(), err error) {
	channel := channelPrefix + eventID.String()
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Warn("invalid feed message", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}

// AdjustViewers changes the cluster-wide viewer count for an event and returns the new total.
func (r *RedisPubSub) AdjustViewers(eventID uuid.UUID, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	key := viewersPrefix + eventID.String()
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, viewersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("adjust viewers: %w", err)
	}
	total := incr.Val()
	if total <= 0 {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			r.logger.Warn("reset viewer count", zap.String("key", key), zap.Error(err))
		}
		return 0, nil
	}
	return total, nil
}
