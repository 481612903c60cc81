package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DLQMessage represents a saga log entry parked in the dead letter queue
// after its processing attempts are exhausted
type DLQMessage struct {
	// EntryID is the saga log entry identifier
	EntryID string `json:"entry_id"`
	// SagaID is the saga the entry belongs to
	SagaID string `json:"saga_id"`
	// EventType is the event type of the exhausted entry
	EventType string `json:"event_type"`
	// OriginalTopic is the topic the event arrived on, when known
	OriginalTopic string `json:"original_topic,omitempty"`
	// Payload is the raw event payload
	Payload json.RawMessage `json:"payload"`
	// Error is the last error message recorded for the entry
	Error string `json:"error"`
	// Attempts is the number of processing attempts made
	Attempts int `json:"attempts"`
	// ReceivedAt is when the entry was first recorded
	ReceivedAt time.Time `json:"received_at"`
	// MovedToDLQAt is when the entry was parked
	MovedToDLQAt time.Time `json:"moved_to_dlq_at"`
	// Source is the service that parked the entry
	Source string `json:"source"`
}

// Publisher is the transport used to emit DLQ messages
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DLQPublisher publishes exhausted entries to a dead letter topic
type DLQPublisher interface {
	// PublishToDLQ publishes a message to the dead letter topic
	PublishToDLQ(ctx context.Context, msg *DLQMessage) error
	// Topic returns the dead letter topic name
	Topic() string
}

// BusDLQPublisher publishes exhausted entries through the event bus
type BusDLQPublisher struct {
	publisher Publisher
	topic     string
	source    string
}

// NewBusDLQPublisher creates a DLQ publisher backed by the event bus
func NewBusDLQPublisher(publisher Publisher, topic, source string) *BusDLQPublisher {
	if topic == "" {
		topic = "saga-log-dlq"
	}
	return &BusDLQPublisher{
		publisher: publisher,
		topic:     topic,
		source:    source,
	}
}

// PublishToDLQ publishes a message to the dead letter topic
func (p *BusDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	if msg == nil {
		return fmt.Errorf("DLQ message cannot be nil")
	}

	msg.MovedToDLQAt = time.Now().UTC()
	msg.Source = p.source

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message %s: %w", msg.EntryID, err)
	}

	if err := p.publisher.Publish(ctx, p.topic, payload); err != nil {
		return fmt.Errorf("failed to publish entry %s to DLQ topic %s: %w", msg.EntryID, p.topic, err)
	}

	return nil
}

// Topic returns the dead letter topic name
func (p *BusDLQPublisher) Topic() string {
	return p.topic
}

// NoOpDLQPublisher is a DLQ publisher that does nothing (for testing or disabled DLQ)
type NoOpDLQPublisher struct {
	topic string
}

// NewNoOpDLQPublisher creates a new no-op DLQ publisher
func NewNoOpDLQPublisher() *NoOpDLQPublisher {
	return &NoOpDLQPublisher{topic: "saga-log-dlq"}
}

// PublishToDLQ does nothing
func (p *NoOpDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	return nil
}

// Topic returns the dead letter topic name
func (p *NoOpDLQPublisher) Topic() string {
	return p.topic
}
