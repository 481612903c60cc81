package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Common errors
var (
	// ErrClosed is returned when the bus is used after Close
	ErrClosed = errors.New("event bus is closed")
	// ErrUnknownDriver is returned for an unrecognized driver name
	ErrUnknownDriver = errors.New("unknown bus driver")
)

// Driver names accepted by New
const (
	DriverPulsar = "pulsar"
	DriverKafka  = "kafka"
	DriverMemory = "memory"
)

// PublishError wraps a failure to publish to a topic
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to topic %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Message is a single delivery handed to a Handler. The handler must
// settle it exactly once with Ack or Nack; a message left unsettled is
// redelivered by the broker after the lease timeout.
type Message struct {
	// ID identifies this delivery for logging
	ID string
	// Topic the message was received on
	Topic string
	// Payload is the raw message body
	Payload []byte

	settled atomic.Bool
	ackFn   func()
	nackFn  func()
}

// NewMessage builds a delivery with the given settle callbacks
func NewMessage(id, topic string, payload []byte, ack, nack func()) *Message {
	return &Message{
		ID:      id,
		Topic:   topic,
		Payload: payload,
		ackFn:   ack,
		nackFn:  nack,
	}
}

// Ack marks the delivery as successfully processed. Further calls to
// Ack or Nack are ignored.
func (m *Message) Ack() {
	if m.settled.CompareAndSwap(false, true) && m.ackFn != nil {
		m.ackFn()
	}
}

// Nack signals the delivery failed and should be redelivered
func (m *Message) Nack() {
	if m.settled.CompareAndSwap(false, true) && m.nackFn != nil {
		m.nackFn()
	}
}

// Settled reports whether Ack or Nack has been called
func (m *Message) Settled() bool {
	return m.settled.Load()
}

// Handler processes one delivery. Implementations must call msg.Ack or
// msg.Nack before returning.
type Handler func(ctx context.Context, msg *Message)

// EventBus is the messaging port shared by the coordinator and the
// participant services. Subscriptions with the same name on a topic
// load-balance messages between them; distinct names each receive a copy.
type EventBus interface {
	// Publish sends a payload to a topic. Failures are reported as *PublishError.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler on a topic under a subscription name
	// and starts a consumer loop for it.
	Subscribe(ctx context.Context, topic, subscription string, handler Handler) error
	// HealthCheck reports whether the bus connection is usable
	HealthCheck(ctx context.Context) error
	// Close releases producers first, then consumers, then the client
	Close() error
}

// Config holds driver-independent bus settings
type Config struct {
	// Driver selects the transport: pulsar, kafka or memory
	Driver string
	// URL is the Pulsar service URL (pulsar://host:6650)
	URL string
	// Brokers are the Kafka seed brokers
	Brokers []string
	// ClientID identifies this process to the broker
	ClientID string
	// LeaseTimeout is how long the broker waits before redelivering an
	// unsettled message
	LeaseTimeout time.Duration
}

// New creates the event bus for the configured driver
func New(ctx context.Context, cfg *Config) (EventBus, error) {
	switch cfg.Driver {
	case DriverPulsar:
		return NewPulsarBus(cfg)
	case DriverKafka:
		return NewKafkaBus(ctx, cfg)
	case DriverMemory:
		return NewMemoryBus(cfg.LeaseTimeout), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
