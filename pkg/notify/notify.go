// Package notify delivers deployment lifecycle events to an external sink.
//
// Delivery is fire-and-forget: callers never wait for it and a failed delivery never
// fails the operation that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventDeploymentCreated        EventType = "deployment.created"
	EventDeploymentVersionCreated EventType = "deployment.version_created"
	EventDeploymentActivated      EventType = "deployment.activated"
	EventDeploymentDeactivated    EventType = "deployment.deactivated"
	EventDeploymentArchived       EventType = "deployment.archived"
	EventDeploymentDeleted        EventType = "deployment.deleted"
)

// Event is one lifecycle notification.
type Event struct {
	Type         EventType `json:"type"`
	OwnerID      string    `json:"owner_id,omitempty"`
	DeploymentID uuid.UUID `json:"deployment_id"`
	Name         string    `json:"name,omitempty"`
	Version      int       `json:"version,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// deliveryTimeout bounds one delivery attempt.
const deliveryTimeout = 5 * time.Second

// Dispatch delivers event in the background. The delivery outlives request cancellation
// but not deliveryTimeout; failures are logged.
func Dispatch(ctx context.Context, n Notifier, event Event, logger *zap.Logger) {
	if n == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		sendCtx, cancel := context.WithTimeout(detached, deliveryTimeout)
		defer cancel()
		if err := n.Notify(sendCtx, event); err != nil {
			logger.Warn("Failed to deliver lifecycle event",
				zap.String("type", string(event.Type)),
				zap.String("deployment_id", event.DeploymentID.String()),
				zap.Error(err))
		}
	}()
}

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs every event at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.logger.Info("Lifecycle event",
		zap.String("type", string(event.Type)),
		zap.String("owner_id", event.OwnerID),
		zap.String("deployment_id", event.DeploymentID.String()),
		zap.String("name", event.Name),
		zap.Int("version", event.Version))
	return nil
}

// RedisNotifier publishes events as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Multi delivers each event to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
	_ Notifier = Multi(nil)
)
