package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	memoryQueueSize        = 1024
	defaultMaxRedeliveries = 3
)

// MemoryBus is an in-process event bus used by tests and local runs.
// It keeps the shared-subscription semantics of the broker drivers:
// subscriptions with the same name load-balance a topic's messages,
// and nacked deliveries are requeued after the lease timeout.
type MemoryBus struct {
	mu        sync.Mutex
	topics    map[string]map[string]*memorySubscription
	published map[string][][]byte

	lease           time.Duration
	maxRedeliveries int

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
	seq    atomic.Int64
}

type memorySubscription struct {
	ch chan *memoryDelivery
}

type memoryDelivery struct {
	id      string
	payload []byte
	attempt int
}

var _ EventBus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus. Nacked messages are requeued
// after the lease duration.
func NewMemoryBus(lease time.Duration) *MemoryBus {
	if lease <= 0 {
		lease = 50 * time.Millisecond
	}
	return &MemoryBus{
		topics:          make(map[string]map[string]*memorySubscription),
		published:       make(map[string][][]byte),
		lease:           lease,
		maxRedeliveries: defaultMaxRedeliveries,
		stopCh:          make(chan struct{}),
	}
}

// SetMaxRedeliveries bounds how many times a nacked message is requeued
func (b *MemoryBus) SetMaxRedeliveries(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxRedeliveries = n
}

// Publish delivers a payload to every subscription on the topic
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	body := make([]byte, len(payload))
	copy(body, payload)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &PublishError{Topic: topic, Err: ErrClosed}
	}

	b.published[topic] = append(b.published[topic], body)

	id := fmt.Sprintf("mem-%d", b.seq.Add(1))
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- &memoryDelivery{id: id, payload: body, attempt: 1}:
		default:
			b.mu.Unlock()
			return &PublishError{Topic: topic, Err: fmt.Errorf("subscription queue full")}
		}
	}
	b.mu.Unlock()

	return nil
}

// Subscribe registers a handler under a subscription name. Handlers
// registered under the same name share one queue.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, subscription string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*memorySubscription)
		b.topics[topic] = subs
	}

	sub, ok := subs[subscription]
	if !ok {
		sub = &memorySubscription{ch: make(chan *memoryDelivery, memoryQueueSize)}
		subs[subscription] = sub
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(ctx, topic, sub, handler)

	return nil
}

func (b *MemoryBus) deliverLoop(ctx context.Context, topic string, sub *memorySubscription, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case d := <-sub.ch:
			delivery := NewMessage(
				d.id,
				topic,
				d.payload,
				nil,
				func() { b.requeue(sub, d) },
			)
			handler(ctx, delivery)
		}
	}
}

// requeue schedules a nacked delivery to reappear after the lease
func (b *MemoryBus) requeue(sub *memorySubscription, d *memoryDelivery) {
	b.mu.Lock()
	max := b.maxRedeliveries
	b.mu.Unlock()

	if d.attempt > max {
		return
	}

	time.AfterFunc(b.lease, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		select {
		case sub.ch <- &memoryDelivery{id: d.id, payload: d.payload, attempt: d.attempt + 1}:
		default:
		}
	})
}

// Published returns the payloads published to a topic, in order
func (b *MemoryBus) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// HealthCheck reports whether the bus is open
func (b *MemoryBus) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all delivery loops
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
