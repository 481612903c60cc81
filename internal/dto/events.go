package dto

import (
	"time"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

// Contract states carried on compliance verdicts
const (
	ContractStateApproved        = "APPROVED"
	ContractStateRejected        = "REJECTED"
	ContractStateRevisionPending = "REVISION_PENDING"
)

// PartnerCreatedEvent announces a partner provisioned by integrations
type PartnerCreatedEvent struct {
	PartnerID string `json:"partner_id"`
}

// PartnerCreationFailedEvent reports integrations failed to provision a
// partner. It shares the partner-created topic with PartnerCreatedEvent
// and is told apart by its error_message field.
type PartnerCreationFailedEvent struct {
	PartnerID    string `json:"partner_id"`
	ErrorMessage string `json:"error_message"`
}

// ContractCreatedEvent announces a contract drafted by alliances. The
// contract identifier may arrive under "id" or "contract_id".
type ContractCreatedEvent struct {
	PartnerID  string  `json:"partner_id"`
	ID         string  `json:"id,omitempty"`
	ContractID string  `json:"contract_id,omitempty"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	State      string  `json:"state"`
	Type       string  `json:"type,omitempty"`
}

// ResolvedContractID returns the contract identifier regardless of
// which field name the producer used
func (e ContractCreatedEvent) ResolvedContractID() string {
	if e.ContractID != "" {
		return e.ContractID
	}
	return e.ID
}

// Contract converts the event into the fact evaluated by compliance
func (e ContractCreatedEvent) Contract() domain.Contract {
	return domain.Contract{
		PartnerID:  e.PartnerID,
		ContractID: e.ResolvedContractID(),
		Amount:     e.Amount,
		Currency:   e.Currency,
		State:      e.State,
		Type:       e.Type,
	}
}

// ContractCreationFailedEvent reports alliances failed to draft a
// contract. It shares the contract-created topic with
// ContractCreatedEvent and is told apart by its error_message field.
type ContractCreationFailedEvent struct {
	PartnerID    string `json:"partner_id"`
	ContractID   string `json:"contract_id,omitempty"`
	ErrorMessage string `json:"error_message"`
}

// ContractApprovedEvent is the compliance approval verdict
type ContractApprovedEvent struct {
	PartnerID      string   `json:"partner_id"`
	ContractID     string   `json:"contract_id"`
	Amount         float64  `json:"amount"`
	Currency       string   `json:"currency"`
	State          string   `json:"state"`
	Type           string   `json:"type"`
	ApprovedAt     string   `json:"approved_at"`
	ValidatedRules []string `json:"validated_rules"`
}

// NewContractApprovedEvent stamps an approval verdict for a contract
func NewContractApprovedEvent(contract domain.Contract, validatedRules []string) ContractApprovedEvent {
	return ContractApprovedEvent{
		PartnerID:      contract.PartnerID,
		ContractID:     contract.ContractID,
		Amount:         contract.Amount,
		Currency:       contract.Currency,
		State:          ContractStateApproved,
		Type:           contract.Type,
		ApprovedAt:     time.Now().UTC().Format(time.RFC3339),
		ValidatedRules: validatedRules,
	}
}

// ContractRejectedEvent is the compliance rejection verdict
type ContractRejectedEvent struct {
	PartnerID  string  `json:"partner_id"`
	ContractID string  `json:"contract_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	State      string  `json:"state"`
	Type       string  `json:"type"`
	RejectedAt string  `json:"rejected_at"`
	Cause      string  `json:"cause"`
	FailedRule string  `json:"failed_rule"`
}

// NewContractRejectedEvent stamps a rejection verdict for a contract
func NewContractRejectedEvent(contract domain.Contract, cause, failedRule string) ContractRejectedEvent {
	return ContractRejectedEvent{
		PartnerID:  contract.PartnerID,
		ContractID: contract.ContractID,
		Amount:     contract.Amount,
		Currency:   contract.Currency,
		State:      ContractStateRejected,
		Type:       contract.Type,
		RejectedAt: time.Now().UTC().Format(time.RFC3339),
		Cause:      cause,
		FailedRule: failedRule,
	}
}

// ContractRevisionRequestedEvent asks alliances to rework a rejected
// contract. Rejections are compensated by revision, never by rollback.
type ContractRevisionRequestedEvent struct {
	PartnerID                  string  `json:"partner_id"`
	ContractID                 string  `json:"contract_id"`
	Amount                     float64 `json:"amount"`
	Currency                   string  `json:"currency"`
	State                      string  `json:"state"`
	Type                       string  `json:"type,omitempty"`
	RequestedAt                string  `json:"requested_at"`
	OriginalCause              string  `json:"original_cause"`
	FailedRule                 string  `json:"failed_rule"`
	RequiresManualIntervention bool    `json:"requires_manual_intervention"`
}

// NewContractRevisionRequestedEvent derives a revision request from a
// rejection verdict
func NewContractRevisionRequestedEvent(rejected ContractRejectedEvent) ContractRevisionRequestedEvent {
	return ContractRevisionRequestedEvent{
		PartnerID:                  rejected.PartnerID,
		ContractID:                 rejected.ContractID,
		Amount:                     rejected.Amount,
		Currency:                   rejected.Currency,
		State:                      ContractStateRevisionPending,
		Type:                       rejected.Type,
		RequestedAt:                time.Now().UTC().Format(time.RFC3339),
		OriginalCause:              rejected.Cause,
		FailedRule:                 rejected.FailedRule,
		RequiresManualIntervention: true,
	}
}
