package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

// MemorySagaLogRepository implements SagaLogRepository using in-memory storage
// This is useful for testing and development
type MemorySagaLogRepository struct {
	entries []*domain.SagaLogEntry
	byID    map[string]*domain.SagaLogEntry
	mu      sync.RWMutex
}

// NewMemorySagaLogRepository creates a new in-memory saga log repository
func NewMemorySagaLogRepository() *MemorySagaLogRepository {
	return &MemorySagaLogRepository{
		byID: make(map[string]*domain.SagaLogEntry),
	}
}

var _ SagaLogRepository = (*MemorySagaLogRepository)(nil)

// copyEntry clones an entry so callers cannot mutate stored state
func copyEntry(entry *domain.SagaLogEntry) *domain.SagaLogEntry {
	e := *entry
	e.Payload = append([]byte(nil), entry.Payload...)
	if entry.ProcessedAt != nil {
		at := *entry.ProcessedAt
		e.ProcessedAt = &at
	}
	return &e
}

// Append stores a new log entry
func (r *MemorySagaLogRepository) Append(ctx context.Context, entry *domain.SagaLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[entry.ID]; exists {
		return fmt.Errorf("duplicate log entry %s", entry.ID)
	}

	e := copyEntry(entry)
	r.entries = append(r.entries, e)
	r.byID[e.ID] = e

	return nil
}

// GetByID retrieves a log entry by its ID
func (r *MemorySagaLogRepository) GetByID(ctx context.Context, entryID string) (*domain.SagaLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.byID[entryID]
	if !exists {
		return nil, domain.ErrLogEntryNotFound
	}

	return copyEntry(entry), nil
}

// FindBySaga returns the entries of a saga ordered by received_at ascending
func (r *MemorySagaLogRepository) FindBySaga(ctx context.Context, sagaID string, limit int) ([]*domain.SagaLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.SagaLogEntry
	for _, entry := range r.entries {
		if entry.SagaID == sagaID {
			result = append(result, copyEntry(entry))
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// FindPending returns unfinished entries eligible for reprocessing
func (r *MemorySagaLogRepository) FindPending(ctx context.Context, maxAttempts, limit int) ([]*domain.SagaLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.SagaLogEntry
	for _, entry := range r.entries {
		if entry.IsPending() && entry.Attempts <= maxAttempts {
			result = append(result, copyEntry(entry))
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// UpdateStatus persists a status transition already applied to the entry
func (r *MemorySagaLogRepository) UpdateStatus(ctx context.Context, entry *domain.SagaLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.byID[entry.ID]
	if !exists {
		return domain.ErrLogEntryNotFound
	}

	if !stored.CanTransitionTo(entry.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidEntryTransition, stored.Status, entry.Status)
	}

	stored.Status = entry.Status
	stored.ErrorMessage = entry.ErrorMessage
	stored.Attempts = entry.Attempts
	if entry.ProcessedAt != nil {
		at := *entry.ProcessedAt
		stored.ProcessedAt = &at
	}

	return nil
}

// Clear clears all data (for testing)
func (r *MemorySagaLogRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = nil
	r.byID = make(map[string]*domain.SagaLogEntry)
}

// Count returns the total number of entries (for testing)
func (r *MemorySagaLogRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
