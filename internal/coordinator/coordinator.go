// Package coordinator hosts the choreography coordinator: it observes
// every event of the partner onboarding flow, keeps the authoritative
// saga state per partner and records each delivery in the saga log.
// Participants stay stateless; this is the only place saga state lives.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helverinio/misw4406-14-desacopla2/internal/compliance"
	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/internal/dto"
	"github.com/helverinio/misw4406-14-desacopla2/internal/repository"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/bus"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/retry"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/telemetry"
)

// Config holds coordinator settings
type Config struct {
	// SubscriptionPrefix names the shared subscriptions on every topic
	SubscriptionPrefix string
	// RevisionTopic receives ContractRevisionRequested events
	RevisionTopic string
	// MaxRetries bounds publish attempts for outgoing events
	MaxRetries int
	// LockStripes sizes the per-partner lock table
	LockStripes int
	// RecoveryBatch caps how many unfinished sagas are loaded on start
	RecoveryBatch int
}

// DefaultConfig returns the default coordinator settings
func DefaultConfig() *Config {
	return &Config{
		SubscriptionPrefix: "saga-choreography",
		RevisionTopic:      dto.TopicContractRevision,
		MaxRetries:         3,
		LockStripes:        64,
		RecoveryBatch:      1000,
	}
}

// Coordinator reduces the onboarding event stream into per-partner saga
// state. Handler dispatch is serialized per partner through a striped
// lock and parallel across partners. Sagas held in the live map are
// immutable; every transition builds a copy, persists it, then swaps
// the pointer.
type Coordinator struct {
	bus    bus.EventBus
	logs   repository.SagaLogRepository
	sagas  repository.SagaRepository
	dedupe repository.DedupeIndex
	locks  *stripedLock
	cfg    *Config

	mu   sync.RWMutex
	live map[string]*domain.Saga
}

// New builds a coordinator over its collaborators. All stores are
// injected here; nothing reaches for globals later.
func New(eventBus bus.EventBus, logs repository.SagaLogRepository, sagas repository.SagaRepository, dedupe repository.DedupeIndex, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SubscriptionPrefix == "" {
		cfg.SubscriptionPrefix = "saga-choreography"
	}
	if cfg.RevisionTopic == "" {
		cfg.RevisionTopic = dto.TopicContractRevision
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = 1000
	}

	return &Coordinator{
		bus:    eventBus,
		logs:   logs,
		sagas:  sagas,
		dedupe: dedupe,
		locks:  newStripedLock(cfg.LockStripes),
		cfg:    cfg,
		live:   make(map[string]*domain.Saga),
	}
}

// Start recovers unfinished sagas from the store and subscribes to
// every choreography topic. One consumer loop per topic runs until the
// bus is closed.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.recoverSagas(ctx); err != nil {
		return err
	}

	for _, topic := range dto.CoordinatorTopics() {
		subscription := dto.SubscriptionName(c.cfg.SubscriptionPrefix, topic)
		if err := c.bus.Subscribe(ctx, topic, subscription, c.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	logger.Get().Info("coordinator started",
		zap.Strings("topics", dto.CoordinatorTopics()),
		zap.String("subscription_prefix", c.cfg.SubscriptionPrefix),
	)

	return nil
}

// recoverSagas reloads unfinished sagas so a restart continues where
// the previous process stopped
func (c *Coordinator) recoverSagas(ctx context.Context) error {
	active, err := c.sagas.ListActive(ctx, c.cfg.RecoveryBatch)
	if err != nil {
		return fmt.Errorf("failed to recover active sagas: %w", err)
	}

	c.mu.Lock()
	for _, saga := range active {
		c.live[saga.PartnerID] = saga
	}
	c.mu.Unlock()

	if len(active) > 0 {
		logger.Get().Info("recovered unfinished sagas", zap.Int("count", len(active)))
	}

	return nil
}

// HandleMessage runs the full pipeline for one delivery: decode,
// extract the partner, append to the log, then process under the
// partner's stripe. Processing errors mark the entry Error and reject
// the message so the broker redelivers it.
func (c *Coordinator) HandleMessage(ctx context.Context, msg *bus.Message) {
	ctx, span := telemetry.StartConsumerSpan(ctx, msg.Topic)
	defer span.End()

	log := logger.Get()

	env, err := dto.Decode(msg.Topic, msg.Payload)
	if err != nil {
		// Not an event this coordinator knows; acknowledging stops the
		// broker from redelivering it forever
		log.Warn("discarding message from unknown topic",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		msg.Ack()
		return
	}

	if env.Fallback {
		log.Warn("payload is not valid JSON, recovered partner id from raw bytes",
			zap.String("topic", msg.Topic),
			zap.String("partner_id", env.PartnerID),
		)
	}

	partnerID := dto.NormalizePartnerID(env.PartnerID)
	if partnerID == "" && env.Event == domain.EventCreatePartnerCommand {
		partnerID = dto.TempPartnerID()
	}
	if partnerID == "" {
		log.Warn("message carries no usable partner id",
			zap.String("topic", msg.Topic),
			zap.String("event", string(env.Event)),
		)
		msg.Nack()
		return
	}

	entry := domain.NewSagaLogEntry(partnerID, env.Event, msg.Payload)
	if err := c.logs.Append(ctx, entry); err != nil {
		log.Error("failed to append saga log entry",
			zap.String("partner_id", partnerID),
			zap.Error(err),
		)
		msg.Nack()
		return
	}

	mu := c.locks.lock(partnerID)
	defer mu.Unlock()

	if err := c.process(ctx, entry, env, partnerID); err != nil {
		log.Error("event processing failed",
			zap.String("partner_id", partnerID),
			zap.String("event", string(env.Event)),
			zap.Error(err),
		)
		c.failEntry(ctx, entry, err)
		msg.Nack()
		return
	}

	msg.Ack()
}

// Reprocess drives a stored pending entry through the pipeline again.
// The reprocess worker uses it for entries whose original delivery
// failed midway; no new entry is appended.
func (c *Coordinator) Reprocess(ctx context.Context, entry *domain.SagaLogEntry) error {
	env := &dto.Envelope{
		Event:     entry.EventType,
		PartnerID: entry.SagaID,
		Payload:   entry.Payload,
	}

	mu := c.locks.lock(entry.SagaID)
	defer mu.Unlock()

	if err := c.process(ctx, entry, env, entry.SagaID); err != nil {
		c.failEntry(ctx, entry, err)
		return err
	}

	return nil
}

// process applies one logged event to its saga. It returns nil both for
// full success and for deliveries deliberately recorded without side
// effects (commands, duplicates, unknown sagas, illegal transitions);
// a non-nil error means infrastructure failed and the delivery should
// be retried.
func (c *Coordinator) process(ctx context.Context, entry *domain.SagaLogEntry, env *dto.Envelope, partnerID string) error {
	log := logger.Get()

	if err := entry.MarkProcessing(); err != nil {
		return err
	}
	if err := c.logs.UpdateStatus(ctx, entry); err != nil {
		return fmt.Errorf("failed to persist Processing status: %w", err)
	}

	// Commands are recorded for the audit trail but never drive the
	// state machine; the saga is born on the first PartnerCreated.
	if env.Event == domain.EventCreatePartnerCommand {
		log.Info("create partner command recorded",
			zap.String("partner_id", partnerID),
		)
		return c.finishEntry(ctx, entry)
	}

	seen, err := c.dedupe.Seen(ctx, partnerID, env.Event, entry.Payload)
	if err != nil {
		// The transition table ignores replays anyway; a degraded
		// dedupe index must not stall the saga
		log.Warn("dedupe index unavailable", zap.Error(err))
	}
	if seen {
		log.Info("duplicate delivery recorded without side effects",
			zap.String("partner_id", partnerID),
			zap.String("event", string(env.Event)),
		)
		return c.finishEntry(ctx, entry)
	}

	saga, created, err := c.loadOrCreate(ctx, partnerID, env.Event)
	if err != nil {
		return err
	}
	if saga == nil {
		// The event raced ahead of its PartnerCreated (or the partner
		// never made it); record it and move on
		log.Warn("event for unknown saga recorded and skipped",
			zap.String("partner_id", partnerID),
			zap.String("event", string(env.Event)),
		)
		entry.ErrorMessage = fmt.Sprintf("no saga exists for partner %s; recorded without effect", partnerID)
		return c.finishEntry(ctx, entry)
	}
	if created {
		log.Info("saga started",
			zap.String("partner_id", partnerID),
			zap.String("saga_id", saga.ID),
		)
	}

	work := saga.Snapshot()
	previous := work.State
	next, applied := work.Apply(env.Event)

	if applied {
		if err := c.sagas.Save(ctx, &work); err != nil {
			return fmt.Errorf("failed to persist saga: %w", err)
		}
		saga = c.swap(partnerID, work)

		log.Info("saga advanced",
			zap.String("partner_id", partnerID),
			zap.String("from", string(previous)),
			zap.String("to", string(next)),
			zap.String("event", string(env.Event)),
		)
	} else {
		log.Warn("illegal transition ignored",
			zap.String("partner_id", partnerID),
			zap.String("state", string(previous)),
			zap.String("event", string(env.Event)),
		)
	}

	// A saga sitting in ContractRejected still owes a revision request,
	// even when this delivery is a replay whose transition was refused.
	if env.Event == domain.EventContractRejected && saga.State == domain.StateContractRejected {
		if err := c.requestRevision(ctx, env, partnerID); err != nil {
			return err
		}

		pending := saga.Snapshot()
		if _, ok := pending.Apply(domain.EventContractRevisionRequested); ok {
			if err := c.sagas.Save(ctx, &pending); err != nil {
				return fmt.Errorf("failed to persist saga: %w", err)
			}
			saga = c.swap(partnerID, pending)

			log.Info("saga halted pending revision",
				zap.String("partner_id", partnerID),
			)
		}
	}

	if saga.State.IsTerminal() {
		log.Info("saga completed",
			zap.String("partner_id", partnerID),
			zap.String("final_state", string(saga.State)),
		)
	}

	if err := c.dedupe.MarkSeen(ctx, partnerID, env.Event, entry.Payload); err != nil {
		log.Warn("failed to record delivery in dedupe index", zap.Error(err))
	}

	return c.finishEntry(ctx, entry)
}

// requestRevision compensates a rejection by asking alliances to rework
// the contract. Exactly one ContractRevisionRequested is published per
// processed rejection.
func (c *Coordinator) requestRevision(ctx context.Context, env *dto.Envelope, partnerID string) error {
	var rejected dto.ContractRejectedEvent
	if err := json.Unmarshal(env.Payload, &rejected); err != nil {
		return fmt.Errorf("failed to decode rejection: %w", err)
	}
	if rejected.PartnerID == "" {
		rejected.PartnerID = partnerID
	}
	if rejected.FailedRule == "" {
		rejected.FailedRule = compliance.MapCauseToRule(rejected.Cause)
	}

	revision := dto.NewContractRevisionRequestedEvent(rejected)
	payload, err := json.Marshal(revision)
	if err != nil {
		return fmt.Errorf("failed to encode revision request: %w", err)
	}

	publishCfg := &retry.Config{
		MaxRetries:      c.cfg.MaxRetries,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
	result := retry.Do(ctx, publishCfg, func(ctx context.Context) error {
		return c.bus.Publish(ctx, c.cfg.RevisionTopic, payload)
	})
	if result.Err != nil {
		return fmt.Errorf("failed to publish revision request: %w", result.Err)
	}

	logger.Get().Info("revision requested",
		zap.String("partner_id", rejected.PartnerID),
		zap.String("contract_id", rejected.ContractID),
		zap.String("failed_rule", rejected.FailedRule),
		zap.String("cause", rejected.Cause),
	)

	return nil
}

// loadOrCreate resolves the saga for a partner: live map first, then
// the store, then a fresh saga when the event is the one that births
// sagas. A nil saga with nil error means no saga exists and none may
// be created for this event.
func (c *Coordinator) loadOrCreate(ctx context.Context, partnerID string, event domain.EventType) (*domain.Saga, bool, error) {
	c.mu.RLock()
	saga, ok := c.live[partnerID]
	c.mu.RUnlock()
	if ok {
		return saga, false, nil
	}

	stored, err := c.sagas.GetByPartnerID(ctx, partnerID)
	switch {
	case err == nil:
		c.mu.Lock()
		c.live[partnerID] = stored
		c.mu.Unlock()
		return stored, false, nil
	case !errors.Is(err, domain.ErrSagaNotFound):
		return nil, false, fmt.Errorf("failed to load saga: %w", err)
	}

	if event != domain.EventPartnerCreated {
		return nil, false, nil
	}

	fresh := domain.NewSaga(partnerID)
	c.mu.Lock()
	c.live[partnerID] = fresh
	c.mu.Unlock()

	return fresh, true, nil
}

// swap publishes a new saga version to the live map and returns it
func (c *Coordinator) swap(partnerID string, saga domain.Saga) *domain.Saga {
	ptr := &saga
	c.mu.Lock()
	c.live[partnerID] = ptr
	c.mu.Unlock()
	return ptr
}

// finishEntry finalizes a fully handled entry
func (c *Coordinator) finishEntry(ctx context.Context, entry *domain.SagaLogEntry) error {
	if err := entry.MarkProcessed(); err != nil {
		return err
	}
	if err := c.logs.UpdateStatus(ctx, entry); err != nil {
		return fmt.Errorf("failed to persist Processed status: %w", err)
	}
	return nil
}

// failEntry records a processing failure on the entry. Persisting the
// failure is best effort; the broker redelivery is the real retry.
func (c *Coordinator) failEntry(ctx context.Context, entry *domain.SagaLogEntry, cause error) {
	log := logger.Get()

	if err := entry.MarkError(cause.Error()); err != nil {
		log.Error("failed to mark entry as Error", zap.Error(err))
		return
	}
	if err := c.logs.UpdateStatus(ctx, entry); err != nil {
		log.Error("failed to persist Error status", zap.Error(err))
	}
}

// GetSaga returns the saga for a partner, preferring the live map over
// the store
func (c *Coordinator) GetSaga(ctx context.Context, partnerID string) (*domain.Saga, error) {
	c.mu.RLock()
	saga, ok := c.live[partnerID]
	c.mu.RUnlock()
	if ok {
		snapshot := saga.Snapshot()
		return &snapshot, nil
	}

	return c.sagas.GetByPartnerID(ctx, partnerID)
}

// History returns the recorded event log of a partner's saga ordered by
// arrival
func (c *Coordinator) History(ctx context.Context, partnerID string, limit int) ([]*domain.SagaLogEntry, error) {
	return c.logs.FindBySaga(ctx, partnerID, limit)
}

// ActiveSagas returns snapshots of every live saga not yet in a terminal
// state, ordered by creation time
func (c *Coordinator) ActiveSagas(ctx context.Context) ([]domain.Saga, error) {
	c.mu.RLock()
	active := make([]domain.Saga, 0, len(c.live))
	for _, saga := range c.live {
		if saga.State.IsTerminal() {
			continue
		}
		active = append(active, saga.Snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active, nil
}
