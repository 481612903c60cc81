package domain

import "strings"

// Contract is the fact extracted from a ContractCreated event and
// evaluated by the compliance rules
type Contract struct {
	PartnerID  string  `json:"partner_id"`
	ContractID string  `json:"contract_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	State      string  `json:"state"`
	Type       string  `json:"type,omitempty"`
}

// IsPremium reports whether the contract is of the premium type
func (c Contract) IsPremium() bool {
	return strings.EqualFold(c.Type, "premium")
}

// NormalizedState returns the contract state uppercased for rule checks
func (c Contract) NormalizedState() string {
	return strings.ToUpper(strings.TrimSpace(c.State))
}
