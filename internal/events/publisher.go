package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dcm-project/gpu-node-provisioner/internal/metrics"
)

const (
	cloudEventType   = "chutes.miner.server.deleted"
	cloudEventSource = "gpu-node-provisioner"
)

// Publisher sends server events to NATS as CloudEvents
type Publisher struct {
	natsConn     *nats.Conn
	natsURL      string
	timeout      time.Duration
	maxReconnect int
}

var _ Notifier = (*Publisher)(nil)

type PublisherConfig struct {
	NATSURL      string
	Timeout      time.Duration
	MaxReconnect int
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	p := &Publisher{
		natsURL:      cfg.NATSURL,
		timeout:      cfg.Timeout,
		maxReconnect: cfg.MaxReconnect,
	}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
	}
	return p, nil
}

func (p *Publisher) connect() error {
	logger := zap.S().Named("events:nats")
	opts := []nats.Option{
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(p.maxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warnw("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(p.natsURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.natsConn = nc
	return nil
}

// Subject is the per-server NATS subject events are published on.
func Subject(serverID string) string {
	return fmt.Sprintf("miner.server.%s", serverID)
}

// NewServerDeletedEvent wraps a server event into a CloudEvent.
func NewServerDeletedEvent(serverEvent ServerEvent) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetType(cloudEventType)
	event.SetSource(cloudEventSource)
	event.SetSubject(Subject(serverEvent.ServerID))
	event.SetTime(serverEvent.Timestamp)
	if err := event.SetData(cloudevents.ApplicationJSON, serverEvent); err != nil {
		return event, fmt.Errorf("failed to set CloudEvent data: %w", err)
	}
	return event, nil
}

func (p *Publisher) ServerDeleted(ctx context.Context, serverEvent ServerEvent) (err error) {
	defer func() { metrics.NotificationSent(BackendNATS, err) }()

	if !p.IsConnected() {
		return errors.New("NATS connection not available")
	}

	event, err := NewServerDeletedEvent(serverEvent)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal CloudEvent: %w", err)
	}

	subject := Subject(serverEvent.ServerID)
	if err := p.natsConn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish event to NATS: %w", err)
	}
	if err := p.natsConn.FlushTimeout(p.timeout); err != nil {
		return fmt.Errorf("failed to flush NATS message: %w", err)
	}

	zap.S().Named("events:nats").Infow("Published server event", "serverId", serverEvent.ServerID, "subject", subject)
	return nil
}

func (p *Publisher) Close() error {
	if p.natsConn != nil {
		p.natsConn.Close()
	}
	return nil
}

func (p *Publisher) IsConnected() bool {
	return p.natsConn != nil && p.natsConn.IsConnected()
}
