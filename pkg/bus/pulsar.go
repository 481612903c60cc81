package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
)

// PulsarBus is the Pulsar-backed event bus. Producers are created
// lazily per topic and cached; each Subscribe call opens a shared
// subscription with its own receive loop.
type PulsarBus struct {
	client pulsar.Client
	lease  time.Duration

	prodMu    sync.Mutex
	producers map[string]pulsar.Producer

	consMu    sync.Mutex
	consumers []pulsar.Consumer

	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

var _ EventBus = (*PulsarBus)(nil)

// NewPulsarBus connects to the Pulsar cluster at cfg.URL
func NewPulsarBus(cfg *Config) (*PulsarBus, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               cfg.URL,
		ConnectionTimeout: 10 * time.Second,
		OperationTimeout:  30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pulsar client for %s: %w", cfg.URL, err)
	}

	lease := cfg.LeaseTimeout
	if lease <= 0 {
		lease = 5 * time.Second
	}

	return &PulsarBus{
		client:    client,
		lease:     lease,
		producers: make(map[string]pulsar.Producer),
	}, nil
}

// Publish sends a payload to a topic
func (b *PulsarBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return &PublishError{Topic: topic, Err: ErrClosed}
	}

	producer, err := b.producer(topic)
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}

	if _, err := producer.Send(ctx, &pulsar.ProducerMessage{Payload: payload}); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}

	return nil
}

func (b *PulsarBus) producer(topic string) (pulsar.Producer, error) {
	b.prodMu.Lock()
	defer b.prodMu.Unlock()

	if p, ok := b.producers[topic]; ok {
		return p, nil
	}

	p, err := b.client.CreateProducer(pulsar.ProducerOptions{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer for topic %s: %w", topic, err)
	}

	b.producers[topic] = p
	return p, nil
}

// Subscribe opens a shared subscription on the topic and starts a
// receive loop that hands deliveries to the handler
func (b *PulsarBus) Subscribe(ctx context.Context, topic, subscription string, handler Handler) error {
	if b.isClosed() {
		return ErrClosed
	}

	consumer, err := b.client.Subscribe(pulsar.ConsumerOptions{
		Topic:               topic,
		SubscriptionName:    subscription,
		Type:                pulsar.Shared,
		NackRedeliveryDelay: b.lease,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s as %s: %w", topic, subscription, err)
	}

	b.consMu.Lock()
	b.consumers = append(b.consumers, consumer)
	b.consMu.Unlock()

	b.wg.Add(1)
	go b.receiveLoop(ctx, consumer, topic, handler)

	return nil
}

func (b *PulsarBus) receiveLoop(ctx context.Context, consumer pulsar.Consumer, topic string, handler Handler) {
	defer b.wg.Done()
	log := logger.Get()

	for {
		msg, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || b.isClosed() {
				return
			}
			log.Error(fmt.Sprintf("Failed to receive from topic %s: %v", topic, err))
			time.Sleep(time.Second)
			continue
		}

		delivery := NewMessage(
			fmt.Sprintf("%v", msg.ID()),
			topic,
			msg.Payload(),
			func() { consumer.Ack(msg) },
			func() { consumer.Nack(msg) },
		)

		handler(ctx, delivery)
	}
}

// HealthCheck reports whether the client is open. The Pulsar client
// reconnects to the broker internally.
func (b *PulsarBus) HealthCheck(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return nil
}

// Close releases producers first, then consumers, then the client
func (b *PulsarBus) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()

	b.prodMu.Lock()
	for _, p := range b.producers {
		p.Close()
	}
	b.producers = make(map[string]pulsar.Producer)
	b.prodMu.Unlock()

	b.consMu.Lock()
	for _, c := range b.consumers {
		c.Close()
	}
	b.consumers = nil
	b.consMu.Unlock()

	b.wg.Wait()
	b.client.Close()
	return nil
}

func (b *PulsarBus) isClosed() bool {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	return b.closed
}
