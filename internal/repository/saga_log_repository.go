package repository

import (
	"context"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

// SagaLogRepository defines the interface for the append-only saga event log
type SagaLogRepository interface {
	// Append stores a new log entry. Entries are never rewritten;
	// redeliveries and retries append fresh entries.
	Append(ctx context.Context, entry *domain.SagaLogEntry) error

	// GetByID retrieves a log entry by its ID
	GetByID(ctx context.Context, entryID string) (*domain.SagaLogEntry, error)

	// FindBySaga returns the entries of a saga ordered by received_at
	// ascending. A non-positive limit returns the full history.
	FindBySaga(ctx context.Context, sagaID string, limit int) ([]*domain.SagaLogEntry, error)

	// FindPending returns entries still awaiting processing: status
	// Received or Error with attempts at or below maxAttempts.
	FindPending(ctx context.Context, maxAttempts, limit int) ([]*domain.SagaLogEntry, error)

	// UpdateStatus persists a status transition already applied to the
	// entry. The store enforces the same transition graph as the
	// entity and rejects anything else.
	UpdateStatus(ctx context.Context, entry *domain.SagaLogEntry) error
}
