package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dcm-project/gpu-node-provisioner/internal/config"
	"github.com/dcm-project/gpu-node-provisioner/internal/metrics"
)

const (
	BackendNone  = "none"
	BackendNATS  = "nats"
	BackendRedis = "redis"

	EventTypeServerDeleted = "server_deleted"
)

// ServerEvent describes a server leaving the inventory
type ServerEvent struct {
	ServerID  string    `json:"server_id"`
	Name      string    `json:"name"`
	Validator string    `json:"validator"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier announces inventory changes to the rest of the miner
type Notifier interface {
	ServerDeleted(ctx context.Context, event ServerEvent) error
	Close() error
}

// NewNotifier builds the notifier selected by cfg.Backend.
func NewNotifier(cfg *config.EventsConfig) (Notifier, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return NoopNotifier{}, nil
	case BackendNATS:
		publisher, err := NewPublisher(PublisherConfig{
			NATSURL:      cfg.NATSURL,
			Timeout:      cfg.Timeout,
			MaxReconnect: cfg.MaxReconnect,
		})
		if err != nil {
			return nil, err
		}
		return publisher, nil
	case BackendRedis:
		notifier, err := NewRedisNotifier(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		return notifier, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

// NoopNotifier only logs
type NoopNotifier struct{}

func (NoopNotifier) ServerDeleted(_ context.Context, event ServerEvent) error {
	zap.S().Named("events:noop").Infow("Server deleted", "serverId", event.ServerID, "name", event.Name)
	metrics.NotificationSent(BackendNone, nil)
	return nil
}

func (NoopNotifier) Close() error {
	return nil
}
