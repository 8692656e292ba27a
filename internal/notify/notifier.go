package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/internal/domain"
	"github.com/nitchakan-dev/concert-rush/pkg/kafka"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
)

// Kafka topics for queue notifications
const (
	TopicQueuePosition  = "queue.position"
	TopicQueueActivated = "queue.activated"
	TopicQueueExpired   = "queue.expired"
)

// Notifier publishes queue lifecycle notifications. Delivery is
// at-least-once; failures are logged, never propagated into queue logic.
type Notifier interface {
	NotifyPositions(ctx context.Context, updates []*domain.PositionUpdate)
	NotifyActivated(ctx context.Context, event *domain.TokenActivated)
	NotifyExpired(ctx context.Context, event *domain.TokenExpired)
}

// KafkaNotifier publishes notifications to Kafka keyed by user so each
// user's notifications stay ordered.
type KafkaNotifier struct {
	producer *kafka.Producer
}

// NewKafkaNotifier creates a Kafka-backed notifier
func NewKafkaNotifier(producer *kafka.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

var _ Notifier = (*KafkaNotifier)(nil)

// NotifyPositions implements Notifier
func (n *KafkaNotifier) NotifyPositions(ctx context.Context, updates []*domain.PositionUpdate) {
	log := logger.Get()
	for _, update := range updates {
		if err := n.producer.ProduceJSON(ctx, TopicQueuePosition, update.UserID, update, nil); err != nil {
			log.Warn(fmt.Sprintf("Failed to publish position update: %v", err),
				zap.String("token_id", update.TokenID))
		}
	}
}

// NotifyActivated implements Notifier
func (n *KafkaNotifier) NotifyActivated(ctx context.Context, event *domain.TokenActivated) {
	if err := n.producer.ProduceJSON(ctx, TopicQueueActivated, event.UserID, event, nil); err != nil {
		logger.Get().Warn(fmt.Sprintf("Failed to publish activation: %v", err),
			zap.String("token_id", event.TokenID))
	}
}

// NotifyExpired implements Notifier
func (n *KafkaNotifier) NotifyExpired(ctx context.Context, event *domain.TokenExpired) {
	if err := n.producer.ProduceJSON(ctx, TopicQueueExpired, event.UserID, event, nil); err != nil {
		logger.Get().Warn(fmt.Sprintf("Failed to publish expiry: %v", err),
			zap.String("token_id", event.TokenID))
	}
}

// NoOpNotifier discards all notifications. Used in tests and in deployments
// without a notification pipeline.
type NoOpNotifier struct{}

var _ Notifier = (*NoOpNotifier)(nil)

func (NoOpNotifier) NotifyPositions(context.Context, []*domain.PositionUpdate) {}
func (NoOpNotifier) NotifyActivated(context.Context, *domain.TokenActivated)   {}
func (NoOpNotifier) NotifyExpired(context.Context, *domain.TokenExpired)       {}
