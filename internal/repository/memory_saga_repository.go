package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

// MemorySagaRepository implements SagaRepository using in-memory storage
// This is useful for testing and development
type MemorySagaRepository struct {
	byPartner map[string]domain.Saga
	mu        sync.RWMutex
}

// NewMemorySagaRepository creates a new in-memory saga repository
func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{
		byPartner: make(map[string]domain.Saga),
	}
}

var _ SagaRepository = (*MemorySagaRepository)(nil)

// Save upserts the saga keyed by partner ID
func (r *MemorySagaRepository) Save(ctx context.Context, saga *domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byPartner[saga.PartnerID] = saga.Snapshot()
	return nil
}

// GetByPartnerID retrieves the saga for a partner
func (r *MemorySagaRepository) GetByPartnerID(ctx context.Context, partnerID string) (*domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	saga, exists := r.byPartner[partnerID]
	if !exists {
		return nil, domain.ErrSagaNotFound
	}

	s := saga
	return &s, nil
}

// ListActive returns sagas that have not reached a terminal state
func (r *MemorySagaRepository) ListActive(ctx context.Context, limit int) ([]*domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Saga
	for _, saga := range r.byPartner {
		if !saga.State.IsTerminal() {
			s := saga
			result = append(result, &s)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Clear clears all data (for testing)
func (r *MemorySagaRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byPartner = make(map[string]domain.Saga)
}

// Count returns the total number of sagas (for testing)
func (r *MemorySagaRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPartner)
}
