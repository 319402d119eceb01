package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dcm-project/gpu-node-provisioner/internal/metrics"
)

// redisPublisher is the part of the redis client the notifier uses
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisNotifier publishes miner events on a redis pub/sub channel
type RedisNotifier struct {
	client  redisPublisher
	channel string
}

var _ Notifier = (*RedisNotifier)(nil)

type minerEvent struct {
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
}

func NewRedisNotifier(redisURL, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisNotifier(client, channel), nil
}

func newRedisNotifier(client redisPublisher, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) ServerDeleted(ctx context.Context, event ServerEvent) (err error) {
	defer func() { metrics.NotificationSent(BackendRedis, err) }()

	payload, err := json.Marshal(minerEvent{
		EventType: EventTypeServerDeleted,
		EventData: map[string]any{"server_id": event.ServerID},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal miner event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis channel %s: %w", r.channel, err)
	}

	zap.S().Named("events:redis").Infow("Published server event", "serverId", event.ServerID, "channel", r.channel)
	return nil
}

func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
