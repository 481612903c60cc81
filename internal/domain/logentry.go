package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEntryTransition is returned when a saga log entry is moved
// to a status its current status does not allow
var ErrInvalidEntryTransition = errors.New("invalid log entry status transition")

// EntryStatus tracks the processing lifecycle of a saga log entry
type EntryStatus string

const (
	EntryStatusReceived   EntryStatus = "Received"
	EntryStatusProcessing EntryStatus = "Processing"
	EntryStatusProcessed  EntryStatus = "Processed"
	EntryStatusError      EntryStatus = "Error"
)

// entryTransitions is the closed status graph of a log entry. Processed
// entries are immutable.
var entryTransitions = map[EntryStatus]map[EntryStatus]bool{
	EntryStatusReceived: {
		EntryStatusProcessing: true,
	},
	EntryStatusProcessing: {
		EntryStatusProcessed: true,
		EntryStatusError:     true,
	},
	EntryStatusError: {
		EntryStatusProcessing: true,
	},
}

// SagaLogEntry is one append-only audit record of an event delivery.
// Redeliveries of the same event append new entries; an entry's
// attempts counter grows only when processing it fails.
type SagaLogEntry struct {
	ID           string          `json:"entry_id"`
	SagaID       string          `json:"saga_id"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	ReceivedAt   time.Time       `json:"received_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	Status       EntryStatus     `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
}

// NewSagaLogEntry records the arrival of an event for a saga
func NewSagaLogEntry(sagaID string, eventType EventType, payload []byte) *SagaLogEntry {
	body := make(json.RawMessage, len(payload))
	copy(body, payload)

	return &SagaLogEntry{
		ID:         uuid.New().String(),
		SagaID:     sagaID,
		EventType:  eventType,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
		Status:     EntryStatusReceived,
		Attempts:   1,
	}
}

// CanTransitionTo reports whether the entry may move to the given status
func (e *SagaLogEntry) CanTransitionTo(next EntryStatus) bool {
	return entryTransitions[e.Status][next]
}

// MarkProcessing moves the entry into Processing
func (e *SagaLogEntry) MarkProcessing() error {
	if !e.CanTransitionTo(EntryStatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEntryTransition, e.Status, EntryStatusProcessing)
	}
	e.Status = EntryStatusProcessing
	return nil
}

// MarkProcessed finalizes the entry. Processed entries cannot change again.
func (e *SagaLogEntry) MarkProcessed() error {
	if !e.CanTransitionTo(EntryStatusProcessed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEntryTransition, e.Status, EntryStatusProcessed)
	}
	now := time.Now().UTC()
	e.Status = EntryStatusProcessed
	e.ProcessedAt = &now
	return nil
}

// MarkError records a processing failure and counts the attempt
func (e *SagaLogEntry) MarkError(message string) error {
	if !e.CanTransitionTo(EntryStatusError) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEntryTransition, e.Status, EntryStatusError)
	}
	e.Status = EntryStatusError
	e.ErrorMessage = message
	e.Attempts++
	return nil
}

// IsPending reports whether the entry is eligible for (re)processing
func (e *SagaLogEntry) IsPending() bool {
	return e.Status == EntryStatusReceived || e.Status == EntryStatusError
}

// HasExceededAttempts reports whether the entry is past the retry budget
func (e *SagaLogEntry) HasExceededAttempts(maxAttempts int) bool {
	return e.Attempts > maxAttempts
}
