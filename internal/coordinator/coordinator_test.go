package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/helverinio/misw4406-14-desacopla2/internal/compliance"
	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/internal/dto"
	"github.com/helverinio/misw4406-14-desacopla2/internal/repository"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/bus"
)

type fixture struct {
	coord    *Coordinator
	bus      *bus.MemoryBus
	logs     *repository.MemorySagaLogRepository
	sagas    *repository.MemorySagaRepository
	dedupe   *repository.MemoryDedupeIndex
	messages int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		bus:    bus.NewMemoryBus(50 * time.Millisecond),
		logs:   repository.NewMemorySagaLogRepository(),
		sagas:  repository.NewMemorySagaRepository(),
		dedupe: repository.NewMemoryDedupeIndex(),
	}
	f.coord = New(f.bus, f.logs, f.sagas, f.dedupe, nil)
	t.Cleanup(func() { f.bus.Close() })
	return f
}

// delivery records how the coordinator settled one message.
type delivery struct {
	acked  bool
	nacked bool
}

func (f *fixture) deliver(t *testing.T, topic string, payload []byte) *delivery {
	t.Helper()

	f.messages++
	d := &delivery{}
	msg := bus.NewMessage(
		fmt.Sprintf("msg-%d", f.messages),
		topic,
		payload,
		func() { d.acked = true },
		func() { d.nacked = true },
	)
	f.coord.HandleMessage(context.Background(), msg)
	return d
}

func (f *fixture) sagaState(t *testing.T, partnerID string) domain.SagaState {
	t.Helper()

	saga, err := f.coord.GetSaga(context.Background(), partnerID)
	if err != nil {
		t.Fatalf("GetSaga(%q): %v", partnerID, err)
	}
	return saga.State
}

func (f *fixture) entries(t *testing.T, partnerID string) []*domain.SagaLogEntry {
	t.Helper()

	got, err := f.logs.FindBySaga(context.Background(), partnerID, 0)
	if err != nil {
		t.Fatalf("FindBySaga(%q): %v", partnerID, err)
	}
	return got
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func assertAcked(t *testing.T, d *delivery) {
	t.Helper()

	if !d.acked || d.nacked {
		t.Fatalf("delivery settled acked=%v nacked=%v, want acknowledged", d.acked, d.nacked)
	}
}

func TestHandleMessage_HappyPathCompletesSaga(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000001"

	steps := []struct {
		topic   string
		payload []byte
	}{
		{dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})},
		{dto.TopicContractCreated, mustJSON(t, dto.ContractCreatedEvent{
			PartnerID: partner, ID: "contract-1", Amount: 2500, Currency: "USD", State: "ACTIVE", Type: "Standard",
		})},
		{dto.TopicContractApproved, mustJSON(t, dto.ContractApprovedEvent{
			PartnerID: partner, ContractID: "contract-1", State: dto.ContractStateApproved,
		})},
	}
	for _, step := range steps {
		assertAcked(t, f.deliver(t, step.topic, step.payload))
	}

	if got := f.sagaState(t, partner); got != domain.StateCompletedOk {
		t.Fatalf("saga state = %s, want %s", got, domain.StateCompletedOk)
	}

	saga, err := f.coord.GetSaga(context.Background(), partner)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if saga.CompletedAt == nil {
		t.Fatal("completed saga has no CompletedAt")
	}

	if published := f.bus.Published(dto.TopicContractRevision); len(published) != 0 {
		t.Fatalf("happy path published %d revision requests, want 0", len(published))
	}

	entries := f.entries(t, partner)
	if len(entries) != 3 {
		t.Fatalf("saga log holds %d entries, want 3", len(entries))
	}
	wantEvents := []domain.EventType{
		domain.EventPartnerCreated,
		domain.EventContractCreated,
		domain.EventContractApproved,
	}
	for i, entry := range entries {
		if entry.EventType != wantEvents[i] {
			t.Errorf("entry %d event = %s, want %s", i, entry.EventType, wantEvents[i])
		}
		if entry.Status != domain.EntryStatusProcessed {
			t.Errorf("entry %d status = %s, want %s", i, entry.Status, domain.EntryStatusProcessed)
		}
	}

	stored, err := f.sagas.GetByPartnerID(context.Background(), partner)
	if err != nil {
		t.Fatalf("stored saga: %v", err)
	}
	if stored.State != domain.StateCompletedOk {
		t.Fatalf("stored saga state = %s, want %s", stored.State, domain.StateCompletedOk)
	}
}

func TestHandleMessage_RejectionPublishesExactlyOneRevision(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000002"
	const cause = "amount exceeds maximum of 50000"

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})))
	assertAcked(t, f.deliver(t, dto.TopicContractCreated, mustJSON(t, dto.ContractCreatedEvent{
		PartnerID: partner, ID: "contract-2", Amount: 75000, Currency: "USD", State: "ACTIVE",
	})))
	assertAcked(t, f.deliver(t, dto.TopicContractRejected, mustJSON(t, dto.ContractRejectedEvent{
		PartnerID:  partner,
		ContractID: "contract-2",
		Amount:     75000,
		Currency:   "USD",
		State:      dto.ContractStateRejected,
		Cause:      cause,
		FailedRule: compliance.RuleAmountLimits,
	})))

	published := f.bus.Published(dto.TopicContractRevision)
	if len(published) != 1 {
		t.Fatalf("published %d revision requests, want exactly 1", len(published))
	}

	var revision dto.ContractRevisionRequestedEvent
	if err := json.Unmarshal(published[0], &revision); err != nil {
		t.Fatalf("unmarshal revision request: %v", err)
	}
	if revision.PartnerID != partner {
		t.Errorf("revision partner = %q, want %q", revision.PartnerID, partner)
	}
	if revision.ContractID != "contract-2" {
		t.Errorf("revision contract = %q, want contract-2", revision.ContractID)
	}
	if revision.State != dto.ContractStateRevisionPending {
		t.Errorf("revision state = %q, want %q", revision.State, dto.ContractStateRevisionPending)
	}
	if revision.OriginalCause != cause {
		t.Errorf("revision cause = %q, want %q", revision.OriginalCause, cause)
	}
	if revision.FailedRule != compliance.RuleAmountLimits {
		t.Errorf("revision rule = %q, want %q", revision.FailedRule, compliance.RuleAmountLimits)
	}
	if !revision.RequiresManualIntervention {
		t.Error("revision request does not flag manual intervention")
	}

	if got := f.sagaState(t, partner); got != domain.StatePendingRevision {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePendingRevision)
	}

	entries := f.entries(t, partner)
	if len(entries) != 3 {
		t.Fatalf("saga log holds %d entries, want 3", len(entries))
	}
	for i, entry := range entries {
		if entry.Status != domain.EntryStatusProcessed {
			t.Errorf("entry %d status = %s, want %s", i, entry.Status, domain.EntryStatusProcessed)
		}
	}
}

func TestHandleMessage_RejectionWithoutRuleMapsCause(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000003"

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})))
	assertAcked(t, f.deliver(t, dto.TopicContractCreated, mustJSON(t, dto.ContractCreatedEvent{
		PartnerID: partner, ID: "contract-3", Amount: 900, Currency: "BRL", State: "ACTIVE",
	})))
	assertAcked(t, f.deliver(t, dto.TopicContractRejected, mustJSON(t, dto.ContractRejectedEvent{
		PartnerID:  partner,
		ContractID: "contract-3",
		Currency:   "BRL",
		State:      dto.ContractStateRejected,
		Cause:      "currency not allowed",
	})))

	published := f.bus.Published(dto.TopicContractRevision)
	if len(published) != 1 {
		t.Fatalf("published %d revision requests, want 1", len(published))
	}

	var revision dto.ContractRevisionRequestedEvent
	if err := json.Unmarshal(published[0], &revision); err != nil {
		t.Fatalf("unmarshal revision request: %v", err)
	}
	if revision.FailedRule != compliance.RuleCurrencyJurisdiction {
		t.Fatalf("revision rule = %q, want %q", revision.FailedRule, compliance.RuleCurrencyJurisdiction)
	}

	if got := f.sagaState(t, partner); got != domain.StatePendingRevision {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePendingRevision)
	}
}

func TestHandleMessage_ContractCreationFailureCompletesFailed(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000004"

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})))
	assertAcked(t, f.deliver(t, dto.TopicContractCreated, mustJSON(t, dto.ContractCreationFailedEvent{
		PartnerID:    partner,
		ErrorMessage: "no drafting capacity",
	})))

	if got := f.sagaState(t, partner); got != domain.StateCompletedFailed {
		t.Fatalf("saga state = %s, want %s", got, domain.StateCompletedFailed)
	}

	saga, err := f.coord.GetSaga(context.Background(), partner)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if saga.CompletedAt == nil {
		t.Fatal("failed saga has no CompletedAt")
	}

	if published := f.bus.Published(dto.TopicContractRevision); len(published) != 0 {
		t.Fatalf("creation failure published %d revision requests, want 0", len(published))
	}

	entries := f.entries(t, partner)
	if len(entries) != 2 {
		t.Fatalf("saga log holds %d entries, want 2", len(entries))
	}
	if entries[1].EventType != domain.EventContractCreationFailed {
		t.Fatalf("entry 1 event = %s, want %s", entries[1].EventType, domain.EventContractCreationFailed)
	}
}

func TestHandleMessage_VerdictBeforeSagaIsRecordedWithoutEffect(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000005"

	d := f.deliver(t, dto.TopicContractApproved, mustJSON(t, dto.ContractApprovedEvent{
		PartnerID:  partner,
		ContractID: "contract-5",
		State:      dto.ContractStateApproved,
	}))
	assertAcked(t, d)

	if _, err := f.coord.GetSaga(context.Background(), partner); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Fatalf("GetSaga error = %v, want %v", err, domain.ErrSagaNotFound)
	}

	entries := f.entries(t, partner)
	if len(entries) != 1 {
		t.Fatalf("saga log holds %d entries, want 1", len(entries))
	}
	if entries[0].Status != domain.EntryStatusProcessed {
		t.Fatalf("entry status = %s, want %s", entries[0].Status, domain.EntryStatusProcessed)
	}
	if !strings.Contains(entries[0].ErrorMessage, "no saga exists") {
		t.Fatalf("entry note = %q, want a no-saga note", entries[0].ErrorMessage)
	}
}

func TestHandleMessage_PartnerCreationFailureWithoutSaga(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000099"

	// The failure variant shares the partner-created topic; it must never
	// birth a saga.
	d := f.deliver(t, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreationFailedEvent{
		PartnerID:    partner,
		ErrorMessage: "email already registered",
	}))
	assertAcked(t, d)

	if _, err := f.coord.GetSaga(context.Background(), partner); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Fatalf("GetSaga error = %v, want %v", err, domain.ErrSagaNotFound)
	}

	entries := f.entries(t, partner)
	if len(entries) != 1 {
		t.Fatalf("saga log holds %d entries, want 1", len(entries))
	}
	if entries[0].EventType != domain.EventPartnerCreationFailed {
		t.Fatalf("entry event = %s, want %s", entries[0].EventType, domain.EventPartnerCreationFailed)
	}
	if entries[0].Status != domain.EntryStatusProcessed {
		t.Fatalf("entry status = %s, want %s", entries[0].Status, domain.EntryStatusProcessed)
	}
}

func TestHandleMessage_DuplicateDeliveryAppendsWithoutReplaying(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000006"
	payload := mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, payload))

	first, err := f.coord.GetSaga(context.Background(), partner)
	if err != nil {
		t.Fatalf("GetSaga after first delivery: %v", err)
	}

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, payload))

	second, err := f.coord.GetSaga(context.Background(), partner)
	if err != nil {
		t.Fatalf("GetSaga after duplicate: %v", err)
	}
	if second.State != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", second.State, domain.StatePartnerCreated)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatal("duplicate delivery mutated the saga")
	}

	entries := f.entries(t, partner)
	if len(entries) != 2 {
		t.Fatalf("saga log holds %d entries, want 2", len(entries))
	}
	for i, entry := range entries {
		if entry.Status != domain.EntryStatusProcessed {
			t.Errorf("entry %d status = %s, want %s", i, entry.Status, domain.EntryStatusProcessed)
		}
	}
}

func TestHandleMessage_TerminalSagaIgnoresFurtherEvents(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000007"

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})))
	assertAcked(t, f.deliver(t, dto.TopicContractCreated, mustJSON(t, dto.ContractCreatedEvent{
		PartnerID: partner, ID: "contract-7", Amount: 1200, Currency: "USD", State: "ACTIVE",
	})))
	assertAcked(t, f.deliver(t, dto.TopicContractApproved, mustJSON(t, dto.ContractApprovedEvent{
		PartnerID: partner, ContractID: "contract-7", State: dto.ContractStateApproved,
	})))

	// A late rejection must not reopen the completed saga or trigger
	// compensation.
	assertAcked(t, f.deliver(t, dto.TopicContractRejected, mustJSON(t, dto.ContractRejectedEvent{
		PartnerID:  partner,
		ContractID: "contract-7",
		State:      dto.ContractStateRejected,
		Cause:      "stale verdict",
	})))

	if got := f.sagaState(t, partner); got != domain.StateCompletedOk {
		t.Fatalf("saga state = %s, want %s", got, domain.StateCompletedOk)
	}
	if published := f.bus.Published(dto.TopicContractRevision); len(published) != 0 {
		t.Fatalf("terminal saga published %d revision requests, want 0", len(published))
	}

	entries := f.entries(t, partner)
	if len(entries) != 4 {
		t.Fatalf("saga log holds %d entries, want 4", len(entries))
	}
	if entries[3].Status != domain.EntryStatusProcessed {
		t.Fatalf("late entry status = %s, want %s", entries[3].Status, domain.EntryStatusProcessed)
	}
}

func TestHandleMessage_IllegalTransitionIsRecordedAndAcked(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000008"

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})))

	// Approval without a contract: the pair (PartnerCreated,
	// ContractApproved) is not in the transition table.
	assertAcked(t, f.deliver(t, dto.TopicContractApproved, mustJSON(t, dto.ContractApprovedEvent{
		PartnerID: partner, ContractID: "contract-8", State: dto.ContractStateApproved,
	})))

	if got := f.sagaState(t, partner); got != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePartnerCreated)
	}

	entries := f.entries(t, partner)
	if len(entries) != 2 {
		t.Fatalf("saga log holds %d entries, want 2", len(entries))
	}
	if entries[1].Status != domain.EntryStatusProcessed {
		t.Fatalf("illegal transition entry status = %s, want %s", entries[1].Status, domain.EntryStatusProcessed)
	}
}

func TestHandleMessage_CommandIsAuditedButNeverCreatesSaga(t *testing.T) {
	f := newFixture(t)

	assertAcked(t, f.deliver(t, dto.TopicCreatePartnerCommand, []byte(`{"partner_id":"cmd-partner-01"}`)))

	if f.sagas.Count() != 0 {
		t.Fatalf("command created %d sagas, want 0", f.sagas.Count())
	}

	entries := f.entries(t, "cmd-partner-01")
	if len(entries) != 1 {
		t.Fatalf("saga log holds %d entries, want 1", len(entries))
	}
	if entries[0].EventType != domain.EventCreatePartnerCommand {
		t.Fatalf("entry event = %s, want %s", entries[0].EventType, domain.EventCreatePartnerCommand)
	}
	if entries[0].Status != domain.EntryStatusProcessed {
		t.Fatalf("entry status = %s, want %s", entries[0].Status, domain.EntryStatusProcessed)
	}

	// A command without any partner id is still audited under a
	// generated placeholder.
	assertAcked(t, f.deliver(t, dto.TopicCreatePartnerCommand, []byte(`{"partner_name":"ACME Travel"}`)))

	if f.sagas.Count() != 0 {
		t.Fatalf("command created %d sagas, want 0", f.sagas.Count())
	}
	if f.logs.Count() != 2 {
		t.Fatalf("saga log holds %d entries, want 2", f.logs.Count())
	}
}

func TestHandleMessage_UnknownTopicIsDiscarded(t *testing.T) {
	f := newFixture(t)

	d := f.deliver(t, "partner-deleted", []byte(`{"partner_id":"P0000000009"}`))
	assertAcked(t, d)

	if f.logs.Count() != 0 {
		t.Fatalf("unknown topic appended %d entries, want 0", f.logs.Count())
	}
}

func TestHandleMessage_MissingPartnerIDIsRejected(t *testing.T) {
	f := newFixture(t)

	d := f.deliver(t, dto.TopicPartnerCreated, []byte(`{"created_at":"2026-08-25T10:00:00Z"}`))
	if !d.nacked || d.acked {
		t.Fatalf("delivery settled acked=%v nacked=%v, want rejected", d.acked, d.nacked)
	}
	if f.logs.Count() != 0 {
		t.Fatalf("unattributable message appended %d entries, want 0", f.logs.Count())
	}
}

func TestHandleMessage_FallbackPayloadRecoversPartner(t *testing.T) {
	f := newFixture(t)
	raw := []byte("\x00\x01Hpartner-fallback-99")

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, raw))

	if got := f.sagaState(t, "partner-fallback-99"); got != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePartnerCreated)
	}

	entries := f.entries(t, "partner-fallback-99")
	if len(entries) != 1 {
		t.Fatalf("saga log holds %d entries, want 1", len(entries))
	}
	if string(entries[0].Payload) != string(raw) {
		t.Fatalf("entry payload = %q, want original bytes %q", entries[0].Payload, raw)
	}
}

func TestHandleMessage_NoisyPartnerIDIsNormalized(t *testing.T) {
	f := newFixture(t)
	const embedded = "a3f8b2c4-9d1e-4f6a-8b7c-2e5d9a0f1c3b"

	payload := mustJSON(t, dto.PartnerCreatedEvent{
		PartnerID: "mailto:ops@example.com " + embedded,
	})
	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, payload))

	if got := f.sagaState(t, embedded); got != domain.StatePartnerCreated {
		t.Fatalf("saga state for %q = %s, want %s", embedded, got, domain.StatePartnerCreated)
	}
}

// appendFailingLogs simulates the saga log store being down at append time.
type appendFailingLogs struct {
	repository.SagaLogRepository
	err error
}

func (l *appendFailingLogs) Append(ctx context.Context, entry *domain.SagaLogEntry) error {
	return l.err
}

func TestHandleMessage_AppendFailureRejectsDelivery(t *testing.T) {
	f := newFixture(t)
	failing := &appendFailingLogs{
		SagaLogRepository: f.logs,
		err:               errors.New("store unavailable"),
	}
	coord := New(f.bus, failing, f.sagas, f.dedupe, nil)

	d := &delivery{}
	msg := bus.NewMessage("msg-append-fail", dto.TopicPartnerCreated,
		mustJSON(t, dto.PartnerCreatedEvent{PartnerID: "P0000000010"}),
		func() { d.acked = true },
		func() { d.nacked = true },
	)
	coord.HandleMessage(context.Background(), msg)

	if !d.nacked || d.acked {
		t.Fatalf("delivery settled acked=%v nacked=%v, want rejected", d.acked, d.nacked)
	}
	if f.sagas.Count() != 0 {
		t.Fatalf("failed append created %d sagas, want 0", f.sagas.Count())
	}
}

// flakyStatusLogs fails a fixed number of UpdateStatus calls before
// recovering, mimicking a store outage during processing.
type flakyStatusLogs struct {
	repository.SagaLogRepository
	remaining int
}

func (l *flakyStatusLogs) UpdateStatus(ctx context.Context, entry *domain.SagaLogEntry) error {
	if l.remaining > 0 {
		l.remaining--
		return errors.New("status store unavailable")
	}
	return l.SagaLogRepository.UpdateStatus(ctx, entry)
}

func TestHandleMessage_FailedAttemptIsRetriableOnRedelivery(t *testing.T) {
	f := newFixture(t)
	// Two failures cover the Processing write and the best-effort Error
	// write of the first attempt.
	flaky := &flakyStatusLogs{SagaLogRepository: f.logs, remaining: 2}
	coord := New(f.bus, flaky, f.sagas, f.dedupe, nil)

	const partner = "P0000000011"
	payload := mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})

	first := &delivery{}
	coord.HandleMessage(context.Background(), bus.NewMessage("msg-flaky-1", dto.TopicPartnerCreated, payload,
		func() { first.acked = true }, func() { first.nacked = true }))
	if !first.nacked {
		t.Fatal("first delivery was not rejected while the store was down")
	}
	if _, err := coord.GetSaga(context.Background(), partner); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Fatalf("GetSaga after failed attempt = %v, want %v", err, domain.ErrSagaNotFound)
	}

	// Redelivery after the store recovers must still apply the event: a
	// failed attempt may not poison the dedupe index.
	second := &delivery{}
	coord.HandleMessage(context.Background(), bus.NewMessage("msg-flaky-2", dto.TopicPartnerCreated, payload,
		func() { second.acked = true }, func() { second.nacked = true }))
	if !second.acked {
		t.Fatal("redelivery was not acknowledged after the store recovered")
	}
	if got := f.sagaState(t, partner); got != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePartnerCreated)
	}
}

func TestReprocess_PendingEntryCompletes(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000012"
	ctx := context.Background()

	entry := domain.NewSagaLogEntry(partner, domain.EventPartnerCreated,
		mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner}))
	if err := f.logs.Append(ctx, entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := f.coord.Reprocess(ctx, entry); err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	if got := f.sagaState(t, partner); got != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePartnerCreated)
	}
	stored, err := f.logs.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != domain.EntryStatusProcessed {
		t.Fatalf("entry status = %s, want %s", stored.Status, domain.EntryStatusProcessed)
	}
}

func TestReprocess_RetriesEntryInError(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000013"
	ctx := context.Background()

	entry := domain.NewSagaLogEntry(partner, domain.EventPartnerCreated,
		mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner}))
	if err := f.logs.Append(ctx, entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := entry.MarkProcessing(); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := f.logs.UpdateStatus(ctx, entry); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := entry.MarkError("bus hiccup"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	if err := f.logs.UpdateStatus(ctx, entry); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := f.coord.Reprocess(ctx, entry); err != nil {
		t.Fatalf("Reprocess: %v", err)
	}

	stored, err := f.logs.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != domain.EntryStatusProcessed {
		t.Fatalf("entry status = %s, want %s", stored.Status, domain.EntryStatusProcessed)
	}
	if stored.Attempts != 2 {
		t.Fatalf("entry attempts = %d, want 2", stored.Attempts)
	}
	if got := f.sagaState(t, partner); got != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePartnerCreated)
	}
}

func TestStart_SubscribesCoordinatorTopics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const partner = "P0000000014"

	if err := f.coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.bus.Publish(ctx, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := f.coord.GetSaga(ctx, partner)
		return err == nil
	})

	if got := f.sagaState(t, partner); got != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", got, domain.StatePartnerCreated)
	}
}

func TestStart_RecoversActiveSagasFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const partner = "P0000000015"

	recovered := domain.NewSaga(partner)
	if _, ok := recovered.Apply(domain.EventPartnerCreated); !ok {
		t.Fatal("Apply(PartnerCreated) on a fresh saga failed")
	}
	if err := f.sagas.Save(ctx, recovered); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := f.coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wiping the store proves the saga was loaded into the live set, not
	// fetched lazily.
	f.sagas.Clear()
	if got := f.sagaState(t, partner); got != domain.StatePartnerCreated {
		t.Fatalf("recovered saga state = %s, want %s", got, domain.StatePartnerCreated)
	}

	assertAcked(t, f.deliver(t, dto.TopicContractCreated, mustJSON(t, dto.ContractCreatedEvent{
		PartnerID: partner, ID: "contract-15", Amount: 3000, Currency: "EUR", State: "ACTIVE",
	})))
	if got := f.sagaState(t, partner); got != domain.StateContractCreated {
		t.Fatalf("saga state = %s, want %s", got, domain.StateContractCreated)
	}
}

func TestGetSaga_FallsBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const partner = "P0000000016"

	saga := domain.NewSaga(partner)
	saga.Apply(domain.EventPartnerCreated)
	if err := f.sagas.Save(ctx, saga); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := f.coord.GetSaga(ctx, partner)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if got.State != domain.StatePartnerCreated {
		t.Fatalf("saga state = %s, want %s", got.State, domain.StatePartnerCreated)
	}
}

func TestHistory_ReturnsOrderedEntries(t *testing.T) {
	f := newFixture(t)
	const partner = "P0000000017"

	assertAcked(t, f.deliver(t, dto.TopicPartnerCreated, mustJSON(t, dto.PartnerCreatedEvent{PartnerID: partner})))
	assertAcked(t, f.deliver(t, dto.TopicContractCreated, mustJSON(t, dto.ContractCreatedEvent{
		PartnerID: partner, ID: "contract-17", Amount: 4200, Currency: "MXN", State: "ACTIVE",
	})))

	history, err := f.coord.History(context.Background(), partner, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history holds %d entries, want 2", len(history))
	}
	if history[0].EventType != domain.EventPartnerCreated || history[1].EventType != domain.EventContractCreated {
		t.Fatalf("history order = [%s %s], want [PartnerCreated ContractCreated]",
			history[0].EventType, history[1].EventType)
	}

	limited, err := f.coord.History(context.Background(), partner, 1)
	if err != nil {
		t.Fatalf("History with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].EventType != domain.EventPartnerCreated {
		t.Fatalf("limited history = %v, want the first entry only", limited)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
