package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nitchakan-dev/concert-rush/pkg/kafka"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
)

// EventConsumerConfig holds connection settings for the step event consumer
type EventConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
}

// EventConsumer feeds step events from Kafka into the orchestrator.
// Offsets are committed only after the orchestrator has applied a batch, so
// a crash replays events; the orchestrator's membership sets absorb the
// duplicates.
type EventConsumer struct {
	consumer     *kafka.Consumer
	orchestrator *Orchestrator
}

// NewEventConsumer creates a consumer subscribed to the step event topic
func NewEventConsumer(ctx context.Context, cfg *EventConsumerConfig, orchestrator *Orchestrator) (*EventConsumer, error) {
	consumer, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		ClientID: cfg.ClientID,
		Topics:   []string{TopicStepEvents},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create saga event consumer: %w", err)
	}
	return &EventConsumer{consumer: consumer, orchestrator: orchestrator}, nil
}

// Run polls until the context is cancelled
func (c *EventConsumer) Run(ctx context.Context) error {
	logger.Get().Info("Saga event consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := c.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Get().Error(fmt.Sprintf("Failed to poll saga events: %v", err))
			time.Sleep(time.Second)
			continue
		}
		if len(records) == 0 {
			continue
		}

		processed := records[:0]
		for _, record := range records {
			event := &StepEvent{}
			if err := json.Unmarshal(record.Value, event); err != nil {
				// malformed events are logged and skipped, not retried
				logger.Get().Error(fmt.Sprintf("Failed to decode saga event: %v", err),
					zap.String("topic", record.Topic),
					zap.Int64("offset", record.Offset))
				processed = append(processed, record)
				continue
			}

			if err := c.orchestrator.HandleStepEvent(ctx, event); err != nil {
				logger.Get().Error(fmt.Sprintf("Failed to handle saga event: %v", err),
					zap.String("saga_id", event.SagaID),
					zap.String("step", event.StepName))
				// stop committing here so the event is redelivered
				break
			}
			processed = append(processed, record)
		}

		if len(processed) > 0 {
			if err := c.consumer.CommitRecords(ctx, processed); err != nil {
				logger.Get().Error(fmt.Sprintf("Failed to commit saga event offsets: %v", err))
			}
		}
	}
}

// Close shuts the underlying consumer down
func (c *EventConsumer) Close() {
	c.consumer.Close()
}
