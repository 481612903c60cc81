// Package compliance evaluates contracts against the regulatory rule
// set. Validation is pure: the same contract always yields the same
// verdict, and the first failing rule short-circuits the rest.
package compliance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

// Rule identifiers as they appear in verdict events
const (
	RuleAmountLimits         = "AmountLimits"
	RuleCurrencyJurisdiction = "CurrencyJurisdiction"
	RulePartnerReputation    = "PartnerReputation"
	RuleStateValidity        = "StateValidity"
	RuleContractType         = "ContractTypeRule"
	RuleGeneralValidation    = "GeneralValidation"
)

// Result is the verdict for a single contract evaluation
type Result struct {
	Approved       bool
	Cause          string
	FailedRule     string
	Warnings       []string
	ValidatedRules []string
}

// Config holds the rule parameters. Defaults follow the current
// regulatory baseline; deployments may override per jurisdiction.
type Config struct {
	MaxAmount         float64
	WarningAmount     float64
	PremiumMinAmount  float64
	AllowedCurrencies []string
	AllowedStates     []string
}

// DefaultConfig returns the baseline rule parameters
func DefaultConfig() *Config {
	return &Config{
		MaxAmount:         50000,
		WarningAmount:     10000,
		PremiumMinAmount:  1000,
		AllowedCurrencies: []string{"USD", "EUR", "COP", "MXN"},
		AllowedStates:     []string{"ACTIVE", "PENDING", "SUSPENDED"},
	}
}

type rule struct {
	name  string
	check func(contract domain.Contract) (cause string, warnings []string)
}

// Validator runs the ordered rule chain over contracts
type Validator struct {
	cfg        *Config
	currencies map[string]struct{}
	states     map[string]struct{}
	rules      []rule
	maxLabel   string
}

// NewValidator builds a validator from rule parameters. A nil config
// uses the defaults.
func NewValidator(cfg *Config) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Currency matching is case-sensitive; state matching compares
	// against uppercase-normalized values.
	currencies := make(map[string]struct{}, len(cfg.AllowedCurrencies))
	for _, c := range cfg.AllowedCurrencies {
		currencies[strings.TrimSpace(c)] = struct{}{}
	}

	states := make(map[string]struct{}, len(cfg.AllowedStates))
	for _, s := range cfg.AllowedStates {
		states[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}

	v := &Validator{
		cfg:        cfg,
		currencies: currencies,
		states:     states,
		maxLabel:   strconv.FormatFloat(cfg.MaxAmount, 'f', -1, 64),
	}

	v.rules = []rule{
		{RuleAmountLimits, v.checkAmountLimits},
		{RuleCurrencyJurisdiction, v.checkCurrency},
		{RulePartnerReputation, v.checkPartner},
		{RuleStateValidity, v.checkState},
		{RuleContractType, v.checkContractType},
	}

	return v
}

// Validate evaluates the contract against every rule in order and
// returns the first rejection, or an approval naming the rules that
// passed. Warnings never block approval.
func (v *Validator) Validate(contract domain.Contract) Result {
	var warnings []string

	for _, r := range v.rules {
		cause, ruleWarnings := r.check(contract)
		warnings = append(warnings, ruleWarnings...)
		if cause != "" {
			return Result{
				Approved:   false,
				Cause:      cause,
				FailedRule: r.name,
				Warnings:   warnings,
			}
		}
	}

	return Result{
		Approved: true,
		Warnings: warnings,
		ValidatedRules: []string{
			RuleAmountLimits,
			RuleCurrencyJurisdiction,
			RulePartnerReputation,
			RuleStateValidity,
		},
	}
}

func (v *Validator) checkAmountLimits(contract domain.Contract) (string, []string) {
	if contract.Amount > v.cfg.MaxAmount {
		return "amount exceeds maximum of " + v.maxLabel, nil
	}

	var warnings []string
	if contract.Amount > v.cfg.WarningAmount {
		warnings = append(warnings, fmt.Sprintf("amount %v requires additional approval", contract.Amount))
	}
	if contract.IsPremium() && contract.Amount < v.cfg.PremiumMinAmount {
		warnings = append(warnings, fmt.Sprintf("premium contract with unusually low amount %v", contract.Amount))
	}

	return "", warnings
}

func (v *Validator) checkCurrency(contract domain.Contract) (string, []string) {
	if _, ok := v.currencies[contract.Currency]; !ok {
		return "currency not allowed", nil
	}
	return "", nil
}

func (v *Validator) checkPartner(contract domain.Contract) (string, []string) {
	if contract.PartnerID == "" || len(contract.PartnerID) < 10 {
		return "invalid partner id", nil
	}
	return "", nil
}

func (v *Validator) checkState(contract domain.Contract) (string, []string) {
	normalized := contract.NormalizedState()
	if _, ok := v.states[normalized]; !ok {
		return fmt.Sprintf("state %s not valid", normalized), nil
	}
	return "", nil
}

// checkContractType is informational only: it never rejects
func (v *Validator) checkContractType(contract domain.Contract) (string, []string) {
	if strings.TrimSpace(contract.Type) == "" {
		return "", []string{"contract type not specified"}
	}
	return "", nil
}

// MapCauseToRule resolves a free-text rejection cause to the rule that
// raised it. Causes from foreign systems arrive as plain strings, so
// the match is by substring.
func MapCauseToRule(cause string) string {
	c := strings.ToLower(cause)
	switch {
	case strings.Contains(c, "amount") || strings.Contains(c, "limit"):
		return RuleAmountLimits
	case strings.Contains(c, "currency"):
		return RuleCurrencyJurisdiction
	case strings.Contains(c, "partner"):
		return RulePartnerReputation
	case strings.Contains(c, "state"):
		return RuleStateValidity
	default:
		return RuleGeneralValidation
	}
}
