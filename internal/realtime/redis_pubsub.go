package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	tribeChannelPrefix = "tribe:"
	globalChannel      = "projects"
	publishTimeout     = 5 * time.Second
	subscribeTimeout   = 5 * time.Second
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

// NewRedisPubSub creates a Redis pub/sub bridge for tribe and project events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishRoomEvent publishes an event to the tribe's Redis channel.
func (r *RedisPubSub) PublishRoomEvent(tribeID, event string, payload []byte) error {
	return r.publish(tribeChannelPrefix+tribeID, event, payload)
}

// PublishGlobalEvent publishes an event addressed to every connection.
func (r *RedisPubSub) PublishGlobalEvent(event string, payload []byte) error {
	return r.publish(globalChannel, event, payload)
}

func (r *RedisPubSub) publish(channel, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// SubscribeRoom subscribes to a tribe's Redis channel and calls handler for each message.
func (r *RedisPubSub) SubscribeRoom(tribeID string, handler func(event string, payload []byte)) (func(), error) {
	return r.subscribe(tribeChannelPrefix+tribeID, handler)
}

// SubscribeGlobal subscribes to the channel carrying project updates.
func (r *RedisPubSub) SubscribeGlobal(handler func(event string, payload []byte)) (func(), error) {
	return r.subscribe(globalChannel, handler)
}

// subscribe returns once the subscription is confirmed, or fails after subscribeTimeout.
// Messages are handled in order on one goroutine.
func (r *RedisPubSub) subscribe(channel string, handler func(event string, payload []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	confirmCtx, confirmCancel := context.WithTimeout(ctx, subscribeTimeout)
	defer confirmCancel()
	pubsub := r.client.Subscribe(confirmCtx, channel)
	if _, err := pubsub.ReceiveTimeout(confirmCtx, subscribeTimeout); err != nil {
		cancel()
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
					r.logger.Warn("bad pubsub payload", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancel, nil
}
