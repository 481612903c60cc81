package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
)

// KafkaBus is the Kafka-backed event bus. A subscription name maps to a
// consumer group, so subscriptions sharing a name load-balance messages
// the same way a Pulsar shared subscription does. Commits are manual:
// Ack commits the record offset, Nack rewinds so the record is fetched
// again.
type KafkaBus struct {
	brokers  []string
	clientID string

	producer *kgo.Client

	consMu    sync.Mutex
	consumers []*kgo.Client

	closeMu sync.Mutex
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ EventBus = (*KafkaBus)(nil)

// NewKafkaBus connects a produce-only client to the seed brokers
func NewKafkaBus(ctx context.Context, cfg *Config) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to ping kafka brokers: %w", err)
	}

	return &KafkaBus{
		brokers:  cfg.Brokers,
		clientID: cfg.ClientID,
		producer: producer,
		stopCh:   make(chan struct{}),
	}, nil
}

// Publish sends a payload to a topic
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return &PublishError{Topic: topic, Err: ErrClosed}
	}

	record := &kgo.Record{Topic: topic, Value: payload}
	if err := b.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}

	return nil
}

// Subscribe joins the consumer group named by subscription and starts a
// poll loop for the topic
func (b *KafkaBus) Subscribe(ctx context.Context, topic, subscription string, handler Handler) error {
	if b.isClosed() {
		return ErrClosed
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(subscription),
		kgo.ConsumeTopics(topic),
		kgo.ClientID(b.clientID),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s as %s: %w", topic, subscription, err)
	}

	b.consMu.Lock()
	b.consumers = append(b.consumers, client)
	b.consMu.Unlock()

	b.wg.Add(1)
	go b.pollLoop(ctx, client, topic, handler)

	return nil
}

func (b *KafkaBus) pollLoop(ctx context.Context, client *kgo.Client, topic string, handler Handler) {
	defer b.wg.Done()
	log := logger.Get()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}

		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if ctx.Err() != nil {
					return
				}
				log.Error(fmt.Sprintf("Fetch error: topic=%s, partition=%d, err=%v",
					err.Topic, err.Partition, err.Err))
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			delivery := NewMessage(
				fmt.Sprintf("%s-%d-%d", record.Topic, record.Partition, record.Offset),
				topic,
				record.Value,
				func() {
					if err := client.CommitRecords(context.Background(), record); err != nil {
						log.Error(fmt.Sprintf("Failed to commit offset for topic %s: %v", topic, err))
					}
				},
				func() {
					// Rewind so the record is fetched again on a later poll
					client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
						record.Topic: {record.Partition: {
							Epoch:  record.LeaderEpoch,
							Offset: record.Offset,
						}},
					})
				},
			)

			handler(ctx, delivery)
		})
	}
}

// HealthCheck pings the brokers through the producer client
func (b *KafkaBus) HealthCheck(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.producer.Ping(ctx)
}

// Close releases the producer first, then the consumer group clients
func (b *KafkaBus) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.closeMu.Unlock()

	b.producer.Close()

	b.consMu.Lock()
	for _, c := range b.consumers {
		c.Close()
	}
	b.consumers = nil
	b.consMu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *KafkaBus) isClosed() bool {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	return b.closed
}
