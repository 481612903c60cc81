package repository

import (
	"context"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

// SagaRepository defines the interface for saga header persistence.
// The coordinator keeps the live map in memory; this store exists so a
// restarted coordinator can pick up where it left off.
type SagaRepository interface {
	// Save upserts the saga keyed by partner ID
	Save(ctx context.Context, saga *domain.Saga) error

	// GetByPartnerID retrieves the saga for a partner
	GetByPartnerID(ctx context.Context, partnerID string) (*domain.Saga, error)

	// ListActive returns sagas that have not reached a terminal state
	ListActive(ctx context.Context, limit int) ([]*domain.Saga, error)
}
