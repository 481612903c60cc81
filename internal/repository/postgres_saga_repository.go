package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/database"
)

// PostgresSagaRepository implements SagaRepository using PostgreSQL
type PostgresSagaRepository struct {
	db *database.PostgresDB
}

// NewPostgresSagaRepository creates a new PostgreSQL saga repository
func NewPostgresSagaRepository(db *database.PostgresDB) *PostgresSagaRepository {
	return &PostgresSagaRepository{db: db}
}

var _ SagaRepository = (*PostgresSagaRepository)(nil)

// sagaColumns defines the columns to select for saga queries
const sagaColumns = `
	id, partner_id, state, created_at, updated_at, completed_at
`

// Save upserts the saga keyed by partner ID
func (r *PostgresSagaRepository) Save(ctx context.Context, saga *domain.Saga) error {
	query := `
		INSERT INTO sagas (id, partner_id, state, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partner_id) DO UPDATE
		SET state = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at,
		    completed_at = EXCLUDED.completed_at`

	snapshot := saga.Snapshot()

	_, err := r.db.Pool().Exec(ctx, query,
		snapshot.ID,
		snapshot.PartnerID,
		string(snapshot.State),
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
		snapshot.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save saga: %w", err)
	}

	return nil
}

// GetByPartnerID retrieves the saga for a partner
func (r *PostgresSagaRepository) GetByPartnerID(ctx context.Context, partnerID string) (*domain.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE partner_id = $1`
	return r.scanSaga(r.db.Pool().QueryRow(ctx, query, partnerID))
}

// ListActive returns sagas that have not reached a terminal state
func (r *PostgresSagaRepository) ListActive(ctx context.Context, limit int) ([]*domain.Saga, error) {
	query := `SELECT ` + sagaColumns + `
		FROM sagas
		WHERE state != ALL($1)
		ORDER BY updated_at ASC`

	terminal := []string{
		string(domain.StateCompletedOk),
		string(domain.StateCompletedFailed),
		string(domain.StatePendingRevision),
	}

	args := []interface{}{terminal}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*domain.Saga
	for rows.Next() {
		var saga domain.Saga
		var state string

		err := rows.Scan(
			&saga.ID,
			&saga.PartnerID,
			&state,
			&saga.CreatedAt,
			&saga.UpdatedAt,
			&saga.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}

		saga.State = domain.SagaState(state)
		sagas = append(sagas, &saga)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sagas: %w", err)
	}

	return sagas, nil
}

// scanSaga scans a single saga from a row
func (r *PostgresSagaRepository) scanSaga(row pgx.Row) (*domain.Saga, error) {
	var saga domain.Saga
	var state string

	err := row.Scan(
		&saga.ID,
		&saga.PartnerID,
		&state,
		&saga.CreatedAt,
		&saga.UpdatedAt,
		&saga.CompletedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to scan saga: %w", err)
	}

	saga.State = domain.SagaState(state)
	return &saga, nil
}
