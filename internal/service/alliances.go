package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helverinio/misw4406-14-desacopla2/internal/dto"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/bus"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/telemetry"
)

// ContractStateRejected marks a contract sent back for rework
const ContractStateRejected = "REJECTED"

// ErrContractNotFound is returned when no contract matches the lookup
var ErrContractNotFound = errors.New("contract not found")

// Draw pools for generated contracts. States deliberately include
// values outside the compliance whitelist so generated contracts
// exercise the rejection path.
var (
	contractTypes      = []string{"CPA", "CPL", "CPC", "RevShare", "Fixed", "Premium"}
	contractCurrencies = []string{"USD", "EUR", "COP", "MXN"}
	contractStates     = []string{"ACTIVE", "PENDING", "SUSPENDED", "INACTIVE", "EXPIRED", "CANCELLED"}
	contractConditions = []string{"Condition A", "Condition B", "Condition C", "Condition D"}
)

// Contract amount bounds for generated drafts
const (
	minContractAmount = 100
	maxContractAmount = 10000
)

// ContractRecord is the contract row owned by the alliances context
type ContractRecord struct {
	ID         string    `json:"id"`
	PartnerID  string    `json:"partner_id"`
	Type       string    `json:"type"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	State      string    `json:"state"`
	Conditions string    `json:"conditions,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ContractRepository stores contracts drafted by alliances
type ContractRepository interface {
	// Save persists a newly drafted contract
	Save(ctx context.Context, contract *ContractRecord) error
	// GetByPartnerID returns the most recent contract of a partner
	GetByPartnerID(ctx context.Context, partnerID string) (*ContractRecord, error)
	// Update persists changes to an existing contract
	Update(ctx context.Context, contract *ContractRecord) error
}

// AlliancesConfig holds configuration for the alliances service
type AlliancesConfig struct {
	// SubscriptionPrefix names this service's shared subscriptions
	SubscriptionPrefix string
}

// AlliancesService drafts a contract for every created partner and
// applies revision requests to rejected contracts.
type AlliancesService struct {
	bus       bus.EventBus
	contracts ContractRepository
	cfg       *AlliancesConfig
}

// NewAlliancesService wires the service to its bus and contract store
func NewAlliancesService(eventBus bus.EventBus, contracts ContractRepository, cfg *AlliancesConfig) *AlliancesService {
	if cfg == nil {
		cfg = &AlliancesConfig{}
	}
	if cfg.SubscriptionPrefix == "" {
		cfg.SubscriptionPrefix = "alliances"
	}

	return &AlliancesService{
		bus:       eventBus,
		contracts: contracts,
		cfg:       cfg,
	}
}

// Start subscribes to the partner-created and contract-revision topics
func (s *AlliancesService) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, dto.TopicPartnerCreated,
		dto.SubscriptionName(s.cfg.SubscriptionPrefix, dto.TopicPartnerCreated),
		s.HandlePartnerCreated); err != nil {
		return err
	}
	return s.bus.Subscribe(ctx, dto.TopicContractRevision,
		dto.SubscriptionName(s.cfg.SubscriptionPrefix, dto.TopicContractRevision),
		s.HandleRevision)
}

// HandlePartnerCreated drafts and announces a contract for the partner.
// A store failure is announced as ContractCreationFailed on the same
// topic so the saga can complete as failed.
func (s *AlliancesService) HandlePartnerCreated(ctx context.Context, msg *bus.Message) {
	ctx, span := telemetry.StartConsumerSpan(ctx, msg.Topic)
	defer span.End()

	log := logger.Get()

	var event struct {
		PartnerID    string `json:"partner_id"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		log.Warn("partner created payload is not valid JSON",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}

	// PartnerCreationFailed shares this topic; there is no partner to
	// contract with.
	if event.ErrorMessage != "" {
		log.Info("partner creation failed upstream, no contract drafted",
			zap.String("partner_id", event.PartnerID),
			zap.String("cause", event.ErrorMessage),
		)
		msg.Ack()
		return
	}

	partnerID := event.PartnerID
	if partnerID == "" {
		partnerID = uuid.New().String()
		log.Warn("partner created event carries no partner id, assigned one",
			zap.String("partner_id", partnerID),
		)
	}

	contract := draftContract(partnerID)
	if err := s.contracts.Save(ctx, contract); err != nil {
		log.Error("failed to save drafted contract",
			zap.String("partner_id", partnerID),
			zap.Error(err),
		)
		s.publishCreationFailed(ctx, msg, partnerID, contract.ID, err)
		return
	}

	payload, err := json.Marshal(dto.ContractCreatedEvent{
		PartnerID: contract.PartnerID,
		ID:        contract.ID,
		Amount:    contract.Amount,
		Currency:  contract.Currency,
		State:     contract.State,
		Type:      contract.Type,
	})
	if err != nil {
		msg.Nack()
		return
	}
	if err := s.bus.Publish(ctx, dto.TopicContractCreated, payload); err != nil {
		log.Error("failed to publish contract created",
			zap.String("partner_id", partnerID),
			zap.String("contract_id", contract.ID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	log.Info("contract drafted",
		zap.String("partner_id", partnerID),
		zap.String("contract_id", contract.ID),
		zap.Float64("amount", contract.Amount),
		zap.String("currency", contract.Currency),
		zap.String("state", contract.State),
	)
	msg.Ack()
}

// HandleRevision marks the partner's contract rejected and annotates it
// with the revision cause. Rejections are reworked, never rolled back.
func (s *AlliancesService) HandleRevision(ctx context.Context, msg *bus.Message) {
	ctx, span := telemetry.StartConsumerSpan(ctx, msg.Topic)
	defer span.End()

	log := logger.Get()

	var revision dto.ContractRevisionRequestedEvent
	if err := json.Unmarshal(msg.Payload, &revision); err != nil {
		log.Warn("revision request payload is not valid JSON",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}
	if revision.PartnerID == "" {
		log.Warn("revision request carries no partner id",
			zap.String("message_id", msg.ID),
		)
		msg.Ack()
		return
	}

	contract, err := s.contracts.GetByPartnerID(ctx, revision.PartnerID)
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			log.Warn("no contract to revise for partner",
				zap.String("partner_id", revision.PartnerID),
			)
			msg.Ack()
			return
		}
		log.Error("failed to load contract for revision",
			zap.String("partner_id", revision.PartnerID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	contract.State = ContractStateRejected
	if revision.OriginalCause != "" {
		note := "REVISION: " + revision.OriginalCause
		if contract.Conditions != "" {
			contract.Conditions = contract.Conditions + ". " + note
		} else {
			contract.Conditions = note
		}
	}
	contract.UpdatedAt = time.Now().UTC()

	if err := s.contracts.Update(ctx, contract); err != nil {
		log.Error("failed to persist contract revision",
			zap.String("partner_id", revision.PartnerID),
			zap.String("contract_id", contract.ID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	log.Info("contract sent back for rework",
		zap.String("partner_id", revision.PartnerID),
		zap.String("contract_id", contract.ID),
		zap.String("cause", revision.OriginalCause),
	)
	msg.Ack()
}

func (s *AlliancesService) publishCreationFailed(ctx context.Context, msg *bus.Message, partnerID, contractID string, cause error) {
	log := logger.Get()

	payload, err := json.Marshal(dto.ContractCreationFailedEvent{
		PartnerID:    partnerID,
		ContractID:   contractID,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		msg.Nack()
		return
	}
	if err := s.bus.Publish(ctx, dto.TopicContractCreated, payload); err != nil {
		log.Error("failed to publish contract creation failure",
			zap.String("partner_id", partnerID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}
	msg.Ack()
}

// draftContract generates a contract with randomly drawn terms for
// the partner
func draftContract(partnerID string) *ContractRecord {
	now := time.Now().UTC()
	amount := minContractAmount + rand.Float64()*(maxContractAmount-minContractAmount)

	return &ContractRecord{
		ID:         uuid.New().String(),
		PartnerID:  partnerID,
		Type:       contractTypes[rand.Intn(len(contractTypes))],
		Amount:     math.Round(amount*100) / 100,
		Currency:   contractCurrencies[rand.Intn(len(contractCurrencies))],
		State:      contractStates[rand.Intn(len(contractStates))],
		Conditions: contractConditions[rand.Intn(len(contractConditions))],
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MemoryContractRepository is an in-memory ContractRepository for local
// runs and tests. A partner may accumulate several contracts; lookups
// return the most recently drafted one.
type MemoryContractRepository struct {
	mu        sync.RWMutex
	byID      map[string]*ContractRecord
	byPartner map[string][]string
}

// NewMemoryContractRepository creates an empty in-memory contract store
func NewMemoryContractRepository() *MemoryContractRepository {
	return &MemoryContractRepository{
		byID:      make(map[string]*ContractRecord),
		byPartner: make(map[string][]string),
	}
}

// Save persists a newly drafted contract
func (r *MemoryContractRepository) Save(ctx context.Context, contract *ContractRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *contract
	r.byID[contract.ID] = &stored
	r.byPartner[contract.PartnerID] = append(r.byPartner[contract.PartnerID], contract.ID)
	return nil
}

// GetByPartnerID returns a copy of the partner's most recent contract
func (r *MemoryContractRepository) GetByPartnerID(ctx context.Context, partnerID string) (*ContractRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPartner[partnerID]
	if len(ids) == 0 {
		return nil, ErrContractNotFound
	}
	result := *r.byID[ids[len(ids)-1]]
	return &result, nil
}

// Update persists changes to an existing contract
func (r *MemoryContractRepository) Update(ctx context.Context, contract *ContractRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[contract.ID]; !exists {
		return ErrContractNotFound
	}
	stored := *contract
	r.byID[contract.ID] = &stored
	return nil
}

// Count returns the number of stored contracts (for testing)
func (r *MemoryContractRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear clears all data (for testing)
func (r *MemoryContractRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]*ContractRecord)
	r.byPartner = make(map[string][]string)
}

var _ ContractRepository = (*MemoryContractRepository)(nil)
