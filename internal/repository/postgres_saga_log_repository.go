package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/database"
)

// PostgreSQL error code for unique violation
const pgUniqueViolationCode = "23505"

// PostgresSagaLogRepository implements SagaLogRepository using PostgreSQL
type PostgresSagaLogRepository struct {
	db *database.PostgresDB
}

// NewPostgresSagaLogRepository creates a new PostgreSQL saga log repository
func NewPostgresSagaLogRepository(db *database.PostgresDB) *PostgresSagaLogRepository {
	return &PostgresSagaLogRepository{db: db}
}

var _ SagaLogRepository = (*PostgresSagaLogRepository)(nil)

// logColumns defines the columns to select for saga log queries
const logColumns = `
	id, saga_id, event_type, payload, received_at, processed_at, status, error_message, attempts
`

// Append stores a new log entry
func (r *PostgresSagaLogRepository) Append(ctx context.Context, entry *domain.SagaLogEntry) error {
	query := `
		INSERT INTO saga_log (
			id, saga_id, event_type, payload, received_at, processed_at, status, error_message, attempts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)`

	_, err := r.db.Pool().Exec(ctx, query,
		entry.ID,
		entry.SagaID,
		string(entry.EventType),
		[]byte(entry.Payload),
		entry.ReceivedAt,
		entry.ProcessedAt,
		string(entry.Status),
		nullString(entry.ErrorMessage),
		entry.Attempts,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			return fmt.Errorf("duplicate log entry %s: %w", entry.ID, err)
		}
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	return nil
}

// GetByID retrieves a log entry by its ID
func (r *PostgresSagaLogRepository) GetByID(ctx context.Context, entryID string) (*domain.SagaLogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM saga_log WHERE id = $1`
	return r.scanEntry(r.db.Pool().QueryRow(ctx, query, entryID))
}

// FindBySaga returns the entries of a saga ordered by received_at ascending
func (r *PostgresSagaLogRepository) FindBySaga(ctx context.Context, sagaID string, limit int) ([]*domain.SagaLogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM saga_log WHERE saga_id = $1 ORDER BY received_at ASC`

	args := []interface{}{sagaID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query saga log: %w", err)
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

// FindPending returns unfinished entries eligible for reprocessing
func (r *PostgresSagaLogRepository) FindPending(ctx context.Context, maxAttempts, limit int) ([]*domain.SagaLogEntry, error) {
	query := `SELECT ` + logColumns + `
		FROM saga_log
		WHERE status = ANY($1) AND attempts <= $2
		ORDER BY received_at ASC`

	statuses := []string{string(domain.EntryStatusReceived), string(domain.EntryStatusError)}

	args := []interface{}{statuses, maxAttempts}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

// legalFrom lists the statuses an entry may hold immediately before
// moving to the given one. Mirrors the entity transition graph.
func legalFrom(next domain.EntryStatus) []string {
	switch next {
	case domain.EntryStatusProcessing:
		return []string{string(domain.EntryStatusReceived), string(domain.EntryStatusError)}
	case domain.EntryStatusProcessed, domain.EntryStatusError:
		return []string{string(domain.EntryStatusProcessing)}
	default:
		return nil
	}
}

// UpdateStatus persists a status transition already applied to the entry
func (r *PostgresSagaLogRepository) UpdateStatus(ctx context.Context, entry *domain.SagaLogEntry) error {
	from := legalFrom(entry.Status)
	if from == nil {
		return fmt.Errorf("%w: no transition reaches %s", domain.ErrInvalidEntryTransition, entry.Status)
	}

	query := `
		UPDATE saga_log
		SET status = $2,
		    processed_at = $3,
		    error_message = $4,
		    attempts = $5
		WHERE id = $1 AND status = ANY($6)`

	result, err := r.db.Pool().Exec(ctx, query,
		entry.ID,
		string(entry.Status),
		entry.ProcessedAt,
		nullString(entry.ErrorMessage),
		entry.Attempts,
		from,
	)

	if err != nil {
		return fmt.Errorf("failed to update log entry status: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Either the entry does not exist or it already moved past the
		// expected status
		if _, getErr := r.GetByID(ctx, entry.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: stored status does not allow %s", domain.ErrInvalidEntryTransition, entry.Status)
	}

	return nil
}

// scanEntry scans a single log entry from a row
func (r *PostgresSagaLogRepository) scanEntry(row pgx.Row) (*domain.SagaLogEntry, error) {
	var entry domain.SagaLogEntry
	var eventType, status string
	var payload []byte
	var errorMessage *string

	err := row.Scan(
		&entry.ID,
		&entry.SagaID,
		&eventType,
		&payload,
		&entry.ReceivedAt,
		&entry.ProcessedAt,
		&status,
		&errorMessage,
		&entry.Attempts,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrLogEntryNotFound
		}
		return nil, fmt.Errorf("failed to scan log entry: %w", err)
	}

	entry.EventType = domain.EventType(eventType)
	entry.Status = domain.EntryStatus(status)
	entry.Payload = payload
	if errorMessage != nil {
		entry.ErrorMessage = *errorMessage
	}

	return &entry, nil
}

// scanEntries scans all log entries from rows
func (r *PostgresSagaLogRepository) scanEntries(rows pgx.Rows) ([]*domain.SagaLogEntry, error) {
	var entries []*domain.SagaLogEntry

	for rows.Next() {
		var entry domain.SagaLogEntry
		var eventType, status string
		var payload []byte
		var errorMessage *string

		err := rows.Scan(
			&entry.ID,
			&entry.SagaID,
			&eventType,
			&payload,
			&entry.ReceivedAt,
			&entry.ProcessedAt,
			&status,
			&errorMessage,
			&entry.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}

		entry.EventType = domain.EventType(eventType)
		entry.Status = domain.EntryStatus(status)
		entry.Payload = payload
		if errorMessage != nil {
			entry.ErrorMessage = *errorMessage
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log entries: %w", err)
	}

	return entries, nil
}

// nullString returns nil if string is empty, otherwise returns pointer to string
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
