package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nitchakan-dev/concert-rush/pkg/kafka"
)

// Producer publishes saga messages to the event bus
type Producer interface {
	SendCommand(ctx context.Context, cmd *Command) error
	SendCompensation(ctx context.Context, cmd *CompensationCommand) error
	SendStepEvent(ctx context.Context, event *StepEvent) error
	SendLifecycleEvent(ctx context.Context, event *LifecycleEvent) error
}

// KafkaProducerConfig holds connection settings for the saga producer
type KafkaProducerConfig struct {
	Brokers       []string
	ClientID      string
	MaxRetries    int
	RetryInterval time.Duration
}

// KafkaProducer publishes saga messages to Kafka keyed by saga id so all
// of a saga's messages land on one partition, preserving order.
type KafkaProducer struct {
	producer *kafka.Producer
}

// NewKafkaProducer creates a Kafka saga producer
func NewKafkaProducer(ctx context.Context, cfg *KafkaProducerConfig) (*KafkaProducer, error) {
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Brokers,
		ClientID:      cfg.ClientID,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create saga producer: %w", err)
	}
	return &KafkaProducer{producer: producer}, nil
}

var _ Producer = (*KafkaProducer)(nil)

// Raw exposes the underlying Kafka producer so callers can reuse the
// connection for adjacent concerns like dead letter publishing.
func (p *KafkaProducer) Raw() *kafka.Producer {
	return p.producer
}

// SendCommand implements Producer
func (p *KafkaProducer) SendCommand(ctx context.Context, cmd *Command) error {
	topic := CommandTopic(cmd.StepName)
	if topic == "" {
		return fmt.Errorf("no topic for step %q", cmd.StepName)
	}
	return p.producer.ProduceJSON(ctx, topic, cmd.SagaID, cmd, map[string]string{
		"message_type": "command",
	})
}

// SendCompensation implements Producer
func (p *KafkaProducer) SendCompensation(ctx context.Context, cmd *CompensationCommand) error {
	topic := CommandTopic(cmd.StepName)
	if topic == "" {
		return fmt.Errorf("no topic for compensation step %q", cmd.StepName)
	}
	return p.producer.ProduceJSON(ctx, topic, cmd.SagaID, cmd, map[string]string{
		"message_type": "compensation",
	})
}

// SendStepEvent implements Producer
func (p *KafkaProducer) SendStepEvent(ctx context.Context, event *StepEvent) error {
	return p.producer.ProduceJSON(ctx, TopicStepEvents, event.SagaID, event, map[string]string{
		"message_type": "event",
	})
}

// SendLifecycleEvent implements Producer
func (p *KafkaProducer) SendLifecycleEvent(ctx context.Context, event *LifecycleEvent) error {
	return p.producer.ProduceJSON(ctx, TopicLifecycleEvents, event.SagaID, event, map[string]string{
		"message_type": "lifecycle",
	})
}

// Close closes the underlying producer
func (p *KafkaProducer) Close() {
	p.producer.Close()
}

// MockProducer records messages for tests
type MockProducer struct {
	mu sync.Mutex

	Commands        []*Command
	Compensations   []*CompensationCommand
	StepEvents      []*StepEvent
	LifecycleEvents []*LifecycleEvent

	// ShouldFail makes every send return an error
	ShouldFail bool
}

// NewMockProducer creates an empty mock producer
func NewMockProducer() *MockProducer {
	return &MockProducer{}
}

var _ Producer = (*MockProducer)(nil)

func (m *MockProducer) SendCommand(_ context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return fmt.Errorf("mock producer failure")
	}
	m.Commands = append(m.Commands, cmd)
	return nil
}

func (m *MockProducer) SendCompensation(_ context.Context, cmd *CompensationCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return fmt.Errorf("mock producer failure")
	}
	m.Compensations = append(m.Compensations, cmd)
	return nil
}

func (m *MockProducer) SendStepEvent(_ context.Context, event *StepEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return fmt.Errorf("mock producer failure")
	}
	m.StepEvents = append(m.StepEvents, event)
	return nil
}

func (m *MockProducer) SendLifecycleEvent(_ context.Context, event *LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return fmt.Errorf("mock producer failure")
	}
	m.LifecycleEvents = append(m.LifecycleEvents, event)
	return nil
}

// LastLifecycle returns the most recent lifecycle event, or nil
func (m *MockProducer) LastLifecycle() *LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.LifecycleEvents) == 0 {
		return nil
	}
	return m.LifecycleEvents[len(m.LifecycleEvents)-1]
}
