package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/helverinio/misw4406-14-desacopla2/internal/compliance"
	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/internal/dto"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/bus"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/telemetry"
)

// ComplianceConfig holds configuration for the compliance service
type ComplianceConfig struct {
	// SubscriptionPrefix names this service's shared subscriptions
	SubscriptionPrefix string
}

// ComplianceService evaluates every created contract against the
// regulatory rules and publishes the verdict.
type ComplianceService struct {
	bus       bus.EventBus
	validator *compliance.Validator
	cfg       *ComplianceConfig
}

// NewComplianceService wires the service to its bus and rule set. A nil
// validator gets the default regulatory baseline.
func NewComplianceService(eventBus bus.EventBus, validator *compliance.Validator, cfg *ComplianceConfig) *ComplianceService {
	if validator == nil {
		validator = compliance.NewValidator(nil)
	}
	if cfg == nil {
		cfg = &ComplianceConfig{}
	}
	if cfg.SubscriptionPrefix == "" {
		cfg.SubscriptionPrefix = "compliance"
	}

	return &ComplianceService{
		bus:       eventBus,
		validator: validator,
		cfg:       cfg,
	}
}

// Start subscribes to the contract-created topic
func (s *ComplianceService) Start(ctx context.Context) error {
	return s.bus.Subscribe(ctx, dto.TopicContractCreated,
		dto.SubscriptionName(s.cfg.SubscriptionPrefix, dto.TopicContractCreated),
		s.HandleContractCreated)
}

// HandleContractCreated validates one contract and publishes
// ContractApproved or ContractRejected. Creation failures sharing the
// topic carry no contract fact and are skipped.
func (s *ComplianceService) HandleContractCreated(ctx context.Context, msg *bus.Message) {
	ctx, span := telemetry.StartConsumerSpan(ctx, msg.Topic)
	defer span.End()

	log := logger.Get()

	env, err := dto.Decode(msg.Topic, msg.Payload)
	if err != nil {
		log.Warn("discarding undecodable contract message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}
	if env.Event != domain.EventContractCreated || env.Fallback {
		msg.Ack()
		return
	}

	var event dto.ContractCreatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		log.Warn("contract created payload does not match schema",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}

	contract := event.Contract()
	result := s.validator.Validate(contract)

	for _, warning := range result.Warnings {
		log.Warn("compliance warning",
			zap.String("partner_id", contract.PartnerID),
			zap.String("contract_id", contract.ContractID),
			zap.String("warning", warning),
		)
	}

	if result.Approved {
		s.publishApproval(ctx, msg, contract, result)
		return
	}
	s.publishRejection(ctx, msg, contract, result)
}

func (s *ComplianceService) publishApproval(ctx context.Context, msg *bus.Message, contract domain.Contract, result compliance.Result) {
	log := logger.Get()

	payload, err := json.Marshal(dto.NewContractApprovedEvent(contract, result.ValidatedRules))
	if err != nil {
		msg.Nack()
		return
	}
	if err := s.bus.Publish(ctx, dto.TopicContractApproved, payload); err != nil {
		log.Error("failed to publish contract approval",
			zap.String("partner_id", contract.PartnerID),
			zap.String("contract_id", contract.ContractID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	log.Info("contract approved",
		zap.String("partner_id", contract.PartnerID),
		zap.String("contract_id", contract.ContractID),
	)
	msg.Ack()
}

func (s *ComplianceService) publishRejection(ctx context.Context, msg *bus.Message, contract domain.Contract, result compliance.Result) {
	log := logger.Get()

	payload, err := json.Marshal(dto.NewContractRejectedEvent(contract, result.Cause, result.FailedRule))
	if err != nil {
		msg.Nack()
		return
	}
	if err := s.bus.Publish(ctx, dto.TopicContractRejected, payload); err != nil {
		log.Error("failed to publish contract rejection",
			zap.String("partner_id", contract.PartnerID),
			zap.String("contract_id", contract.ContractID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	log.Info("contract rejected",
		zap.String("partner_id", contract.PartnerID),
		zap.String("contract_id", contract.ContractID),
		zap.String("cause", result.Cause),
		zap.String("failed_rule", result.FailedRule),
	)
	msg.Ack()
}
