// Package service holds the three participant services of the partner
// onboarding choreography: integrations provisions partners, alliances
// drafts contracts, compliance issues verdicts. Participants react to
// bus events and publish their outcomes; none of them holds saga
// state, the coordinator is authoritative.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helverinio/misw4406-14-desacopla2/internal/dto"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/bus"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/telemetry"
)

// Partner lifecycle values assigned at provisioning time
const (
	PartnerStateActive = "ACTIVE"
	KYCStatePending    = "PENDING"
)

var (
	// ErrEmailRegistered is returned when a partner with the same email
	// already exists
	ErrEmailRegistered = errors.New("email already registered")
	// ErrPartnerNotFound is returned when no partner matches the lookup
	ErrPartnerNotFound = errors.New("partner not found")
)

// Partner is the master-data record owned by the integrations context
type Partner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	State     string    `json:"state"`
	KYCState  string    `json:"kyc_state"`
	CreatedAt time.Time `json:"created_at"`
}

// PartnerRepository stores partner master data
type PartnerRepository interface {
	// Save persists a new partner. Emails are unique across partners.
	Save(ctx context.Context, partner *Partner) error
	// GetByID returns the partner with the given id
	GetByID(ctx context.Context, id string) (*Partner, error)
	// GetByEmail returns the partner registered under the email
	GetByEmail(ctx context.Context, email string) (*Partner, error)
}

// createPartnerForm is the loose shape of a CreatePartnerCommand
// payload. Producers are inconsistent about field names, so both
// "name" and "partner_name" are accepted.
type createPartnerForm struct {
	PartnerID   string `json:"partner_id"`
	Name        string `json:"name"`
	PartnerName string `json:"partner_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
}

func (f createPartnerForm) resolvedName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.PartnerName
}

// IntegrationsConfig holds configuration for the integrations service
type IntegrationsConfig struct {
	// SubscriptionPrefix names this service's shared subscriptions
	SubscriptionPrefix string
}

// IntegrationsService provisions partners from CreatePartnerCommand
// messages and announces the outcome on the partner-created topic.
type IntegrationsService struct {
	bus      bus.EventBus
	partners PartnerRepository
	cfg      *IntegrationsConfig
}

// NewIntegrationsService wires the service to its bus and partner store
func NewIntegrationsService(eventBus bus.EventBus, partners PartnerRepository, cfg *IntegrationsConfig) *IntegrationsService {
	if cfg == nil {
		cfg = &IntegrationsConfig{}
	}
	if cfg.SubscriptionPrefix == "" {
		cfg.SubscriptionPrefix = "integrations"
	}

	return &IntegrationsService{
		bus:      eventBus,
		partners: partners,
		cfg:      cfg,
	}
}

// Start subscribes to the create-partner-command topic
func (s *IntegrationsService) Start(ctx context.Context) error {
	return s.bus.Subscribe(ctx, dto.TopicCreatePartnerCommand,
		dto.SubscriptionName(s.cfg.SubscriptionPrefix, dto.TopicCreatePartnerCommand),
		s.HandleCommand)
}

// HandleCommand provisions one partner. A duplicate email is a
// deterministic failure: it is announced as PartnerCreationFailed and
// the command is acknowledged, since redelivery can never succeed.
// Infrastructure failures are rejected so the broker redelivers.
func (s *IntegrationsService) HandleCommand(ctx context.Context, msg *bus.Message) {
	ctx, span := telemetry.StartConsumerSpan(ctx, msg.Topic)
	defer span.End()

	log := logger.Get()

	var form createPartnerForm
	if err := json.Unmarshal(msg.Payload, &form); err != nil {
		log.Warn("create partner command payload is not valid JSON",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}

	partner := &Partner{
		ID:        strings.TrimSpace(form.PartnerID),
		Name:      form.resolvedName(),
		Email:     strings.ToLower(strings.TrimSpace(form.Email)),
		Phone:     form.Phone,
		Address:   form.Address,
		State:     PartnerStateActive,
		KYCState:  KYCStatePending,
		CreatedAt: time.Now().UTC(),
	}
	if partner.ID == "" {
		partner.ID = uuid.New().String()
	}

	if err := s.partners.Save(ctx, partner); err != nil {
		if errors.Is(err, ErrEmailRegistered) {
			s.publishCreationFailed(ctx, msg, partner.ID, err)
			return
		}
		log.Error("failed to save partner",
			zap.String("partner_id", partner.ID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	payload, err := json.Marshal(dto.PartnerCreatedEvent{PartnerID: partner.ID})
	if err != nil {
		msg.Nack()
		return
	}
	if err := s.bus.Publish(ctx, dto.TopicPartnerCreated, payload); err != nil {
		log.Error("failed to publish partner created",
			zap.String("partner_id", partner.ID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	log.Info("partner created",
		zap.String("partner_id", partner.ID),
		zap.String("email", partner.Email),
	)
	msg.Ack()
}

func (s *IntegrationsService) publishCreationFailed(ctx context.Context, msg *bus.Message, partnerID string, cause error) {
	log := logger.Get()

	payload, err := json.Marshal(dto.PartnerCreationFailedEvent{
		PartnerID:    partnerID,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		msg.Nack()
		return
	}
	if err := s.bus.Publish(ctx, dto.TopicPartnerCreated, payload); err != nil {
		log.Error("failed to publish partner creation failure",
			zap.String("partner_id", partnerID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	log.Warn("partner creation failed",
		zap.String("partner_id", partnerID),
		zap.String("cause", cause.Error()),
	)
	msg.Ack()
}

// MemoryPartnerRepository is an in-memory PartnerRepository for local
// runs and tests
type MemoryPartnerRepository struct {
	mu      sync.RWMutex
	byID    map[string]*Partner
	byEmail map[string]string
}

// NewMemoryPartnerRepository creates an empty in-memory partner store
func NewMemoryPartnerRepository() *MemoryPartnerRepository {
	return &MemoryPartnerRepository{
		byID:    make(map[string]*Partner),
		byEmail: make(map[string]string),
	}
}

// Save persists a new partner, enforcing email uniqueness
func (r *MemoryPartnerRepository) Save(ctx context.Context, partner *Partner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if partner.Email != "" {
		if ownerID, taken := r.byEmail[partner.Email]; taken && ownerID != partner.ID {
			return ErrEmailRegistered
		}
	}

	stored := *partner
	r.byID[partner.ID] = &stored
	if partner.Email != "" {
		r.byEmail[partner.Email] = partner.ID
	}
	return nil
}

// GetByID returns a copy of the stored partner
func (r *MemoryPartnerRepository) GetByID(ctx context.Context, id string) (*Partner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	partner, exists := r.byID[id]
	if !exists {
		return nil, ErrPartnerNotFound
	}
	result := *partner
	return &result, nil
}

// GetByEmail returns a copy of the partner registered under the email
func (r *MemoryPartnerRepository) GetByEmail(ctx context.Context, email string) (*Partner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !exists {
		return nil, ErrPartnerNotFound
	}
	result := *r.byID[id]
	return &result, nil
}

// Count returns the number of stored partners (for testing)
func (r *MemoryPartnerRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear clears all data (for testing)
func (r *MemoryPartnerRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]*Partner)
	r.byEmail = make(map[string]string)
}

var _ PartnerRepository = (*MemoryPartnerRepository)(nil)
