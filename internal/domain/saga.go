package domain

import (
	"time"

	"github.com/google/uuid"
)

// SagaState identifies where a partner onboarding saga is in its lifecycle
type SagaState string

const (
	StateStarted          SagaState = "Started"
	StatePartnerCreated   SagaState = "PartnerCreated"
	StateContractCreated  SagaState = "ContractCreated"
	StateContractApproved SagaState = "ContractApproved"
	StateContractRejected SagaState = "ContractRejected"
	StatePendingRevision  SagaState = "PendingRevision"
	StateCompletedOk      SagaState = "CompletedOk"
	StateCompletedFailed  SagaState = "CompletedFailed"
)

// EventType tags every event moving through the onboarding choreography
type EventType string

const (
	EventCreatePartnerCommand      EventType = "CreatePartnerCommand"
	EventPartnerCreated            EventType = "PartnerCreated"
	EventPartnerCreationFailed     EventType = "PartnerCreationFailed"
	EventContractCreated           EventType = "ContractCreated"
	EventContractCreationFailed    EventType = "ContractCreationFailed"
	EventContractApproved          EventType = "ContractApproved"
	EventContractRejected          EventType = "ContractRejected"
	EventContractRevisionRequested EventType = "ContractRevisionRequested"
)

// transitions is the closed transition table of the onboarding saga.
// Any (state, event) pair not listed here is an illegal transition.
var transitions = map[SagaState]map[EventType]SagaState{
	StateStarted: {
		EventPartnerCreated: StatePartnerCreated,
	},
	StatePartnerCreated: {
		EventContractCreated:        StateContractCreated,
		EventContractCreationFailed: StateCompletedFailed,
	},
	StateContractCreated: {
		EventContractApproved: StateCompletedOk,
		EventContractRejected: StateContractRejected,
	},
	StateContractRejected: {
		EventContractRevisionRequested: StatePendingRevision,
	},
}

// terminalStates are absorbing: once reached, further events are ignored
var terminalStates = map[SagaState]bool{
	StateCompletedOk:     true,
	StateCompletedFailed: true,
	StatePendingRevision: true,
}

// NextState returns the state reached by applying event in from, and
// whether the transition is legal
func NextState(from SagaState, event EventType) (SagaState, bool) {
	next, ok := transitions[from][event]
	if !ok {
		return from, false
	}
	return next, true
}

// IsTerminal reports whether the state absorbs all further events
func (s SagaState) IsTerminal() bool {
	return terminalStates[s]
}

// Saga is the aggregate tracking one partner's onboarding. It is born
// in Started when the first PartnerCreated event for the partner
// arrives and advances only through the transition table. Sagas are
// not safe for concurrent mutation; the coordinator serializes access
// per partner.
type Saga struct {
	ID          string     `json:"id"`
	PartnerID   string     `json:"partner_id"`
	State       SagaState  `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewSaga creates a saga in the Started state for a partner
func NewSaga(partnerID string) *Saga {
	now := time.Now().UTC()
	return &Saga{
		ID:        uuid.New().String(),
		PartnerID: partnerID,
		State:     StateStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CurrentState returns the saga state
func (s *Saga) CurrentState() SagaState {
	return s.State
}

// Apply advances the saga by one event. It returns the resulting state
// and whether the event was applied: events arriving in a terminal
// state or outside the transition table leave the saga unchanged.
func (s *Saga) Apply(event EventType) (SagaState, bool) {
	if terminalStates[s.State] {
		return s.State, false
	}

	next, ok := transitions[s.State][event]
	if !ok {
		return s.State, false
	}

	now := time.Now().UTC()
	s.State = next
	s.UpdatedAt = now
	if terminalStates[next] {
		s.CompletedAt = &now
	}

	return next, true
}

// Snapshot returns a copy safe to hand outside the aggregate
func (s *Saga) Snapshot() Saga {
	return Saga{
		ID:          s.ID,
		PartnerID:   s.PartnerID,
		State:       s.State,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
}
