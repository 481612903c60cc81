package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/redis"
)

// DedupeIndex remembers which event deliveries have already been fully
// processed. At-least-once delivery means the same event can arrive
// more than once; a redelivery is still logged but must not repeat
// side effects. Seen and MarkSeen are separate so a delivery is only
// recorded once processing actually succeeded; the coordinator
// serializes both calls per partner.
type DedupeIndex interface {
	// Seen reports whether an identical delivery was already processed
	Seen(ctx context.Context, sagaID string, eventType domain.EventType, payload []byte) (bool, error)

	// MarkSeen records the delivery as fully processed
	MarkSeen(ctx context.Context, sagaID string, eventType domain.EventType, payload []byte) error
}

// dedupeKey derives the identity of a delivery from the saga, the event
// tag and the payload content
func dedupeKey(sagaID string, eventType domain.EventType, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("saga:dedupe:%s:%s:%s", sagaID, eventType, hex.EncodeToString(sum[:]))
}

// RedisDedupeIndex implements DedupeIndex using Redis
type RedisDedupeIndex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedupeIndex creates a Redis-backed dedupe index. Keys expire
// after ttl; sagas finish well within it.
func NewRedisDedupeIndex(client *redis.Client, ttl time.Duration) *RedisDedupeIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupeIndex{client: client, ttl: ttl}
}

var _ DedupeIndex = (*RedisDedupeIndex)(nil)

// Seen reports whether an identical delivery was already processed
func (d *RedisDedupeIndex) Seen(ctx context.Context, sagaID string, eventType domain.EventType, payload []byte) (bool, error) {
	key := dedupeKey(sagaID, eventType, payload)

	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check delivery: %w", err)
	}

	return n > 0, nil
}

// MarkSeen records the delivery as fully processed
func (d *RedisDedupeIndex) MarkSeen(ctx context.Context, sagaID string, eventType domain.EventType, payload []byte) error {
	key := dedupeKey(sagaID, eventType, payload)

	if err := d.client.Set(ctx, key, 1, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark delivery seen: %w", err)
	}

	return nil
}

// MemoryDedupeIndex implements DedupeIndex using in-memory storage
// This is useful for testing and development
type MemoryDedupeIndex struct {
	seen map[string]struct{}
	mu   sync.Mutex
}

// NewMemoryDedupeIndex creates a new in-memory dedupe index
func NewMemoryDedupeIndex() *MemoryDedupeIndex {
	return &MemoryDedupeIndex{seen: make(map[string]struct{})}
}

var _ DedupeIndex = (*MemoryDedupeIndex)(nil)

// Seen reports whether an identical delivery was already processed
func (d *MemoryDedupeIndex) Seen(ctx context.Context, sagaID string, eventType domain.EventType, payload []byte) (bool, error) {
	key := dedupeKey(sagaID, eventType, payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	_, exists := d.seen[key]
	return exists, nil
}

// MarkSeen records the delivery as fully processed
func (d *MemoryDedupeIndex) MarkSeen(ctx context.Context, sagaID string, eventType domain.EventType, payload []byte) error {
	key := dedupeKey(sagaID, eventType, payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen[key] = struct{}{}
	return nil
}

// Clear clears all data (for testing)
func (d *MemoryDedupeIndex) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}
