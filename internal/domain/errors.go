package domain

import "errors"

// Common domain errors
var (
	ErrSagaNotFound     = errors.New("saga not found")
	ErrLogEntryNotFound = errors.New("saga log entry not found")
	ErrSagaExists       = errors.New("saga already exists for this partner")
)
