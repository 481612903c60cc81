package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
)

func appendEntry(t *testing.T, repo *MemorySagaLogRepository, sagaID string, event domain.EventType, receivedAt time.Time) *domain.SagaLogEntry {
	t.Helper()

	entry := domain.NewSagaLogEntry(sagaID, event, []byte(`{"partner_id":"`+sagaID+`"}`))
	entry.ReceivedAt = receivedAt

	if err := repo.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return entry
}

func TestMemorySagaLogRepository_AppendAndGet(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()

	entry := domain.NewSagaLogEntry("p-1", domain.EventPartnerCreated, []byte(`{"partner_id":"p-1"}`))
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := repo.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	if got.SagaID != "p-1" || got.EventType != domain.EventPartnerCreated {
		t.Errorf("GetByID() = %+v, want stored entry", got)
	}
	if got.Status != domain.EntryStatusReceived {
		t.Errorf("Status = %s, want %s", got.Status, domain.EntryStatusReceived)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
}

func TestMemorySagaLogRepository_AppendDuplicateID(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()

	entry := domain.NewSagaLogEntry("p-1", domain.EventPartnerCreated, nil)
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := repo.Append(ctx, entry); err == nil {
		t.Error("Append() with duplicate ID should fail")
	}
}

func TestMemorySagaLogRepository_GetByIDNotFound(t *testing.T) {
	repo := NewMemorySagaLogRepository()

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, domain.ErrLogEntryNotFound) {
		t.Errorf("GetByID() error = %v, want ErrLogEntryNotFound", err)
	}
}

func TestMemorySagaLogRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()

	entry := domain.NewSagaLogEntry("p-1", domain.EventPartnerCreated, []byte(`{"a":1}`))
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := repo.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	got.Status = domain.EntryStatusProcessed
	got.Payload[0] = 'X'

	stored, err := repo.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.EntryStatusReceived {
		t.Errorf("stored Status = %s, caller mutation leaked in", stored.Status)
	}
	if stored.Payload[0] == 'X' {
		t.Error("stored Payload mutated through returned copy")
	}
}

func TestMemorySagaLogRepository_FindBySagaOrdering(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	third := appendEntry(t, repo, "p-1", domain.EventContractApproved, base.Add(2*time.Second))
	first := appendEntry(t, repo, "p-1", domain.EventPartnerCreated, base)
	second := appendEntry(t, repo, "p-1", domain.EventContractCreated, base.Add(time.Second))
	appendEntry(t, repo, "p-other", domain.EventPartnerCreated, base)

	entries, err := repo.FindBySaga(ctx, "p-1", 0)
	if err != nil {
		t.Fatalf("FindBySaga() error = %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("FindBySaga() returned %d entries, want 3", len(entries))
	}

	wantOrder := []string{first.ID, second.ID, third.ID}
	for i, want := range wantOrder {
		if entries[i].ID != want {
			t.Errorf("entries[%d].ID = %s, want %s", i, entries[i].ID, want)
		}
	}
}

func TestMemorySagaLogRepository_FindBySagaLimit(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		appendEntry(t, repo, "p-1", domain.EventPartnerCreated, base.Add(time.Duration(i)*time.Second))
	}

	entries, err := repo.FindBySaga(context.Background(), "p-1", 2)
	if err != nil {
		t.Fatalf("FindBySaga() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("FindBySaga() returned %d entries, want 2", len(entries))
	}
}

func TestMemorySagaLogRepository_FindPending(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	received := appendEntry(t, repo, "p-1", domain.EventPartnerCreated, base)

	processed := appendEntry(t, repo, "p-2", domain.EventPartnerCreated, base.Add(time.Second))
	mustMark(t, processed.MarkProcessing())
	mustUpdate(t, repo, processed)
	mustMark(t, processed.MarkProcessed())
	mustUpdate(t, repo, processed)

	failed := appendEntry(t, repo, "p-3", domain.EventContractCreated, base.Add(2*time.Second))
	mustMark(t, failed.MarkProcessing())
	mustUpdate(t, repo, failed)
	mustMark(t, failed.MarkError("store unavailable"))
	mustUpdate(t, repo, failed)

	inFlight := appendEntry(t, repo, "p-4", domain.EventContractCreated, base.Add(3*time.Second))
	mustMark(t, inFlight.MarkProcessing())
	mustUpdate(t, repo, inFlight)

	pending, err := repo.FindPending(ctx, 3, 0)
	if err != nil {
		t.Fatalf("FindPending() error = %v", err)
	}

	if len(pending) != 2 {
		t.Fatalf("FindPending() returned %d entries, want 2", len(pending))
	}
	if pending[0].ID != received.ID {
		t.Errorf("pending[0].ID = %s, want the Received entry %s", pending[0].ID, received.ID)
	}
	if pending[1].ID != failed.ID {
		t.Errorf("pending[1].ID = %s, want the Error entry %s", pending[1].ID, failed.ID)
	}
}

func TestMemorySagaLogRepository_FindPendingAttemptsCap(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	atCap := appendEntry(t, repo, "p-1", domain.EventPartnerCreated, base)
	mustMark(t, atCap.MarkProcessing())
	mustUpdate(t, repo, atCap)
	mustMark(t, atCap.MarkError("boom"))
	atCap.Attempts = 3
	mustUpdate(t, repo, atCap)

	overCap := appendEntry(t, repo, "p-2", domain.EventPartnerCreated, base.Add(time.Second))
	mustMark(t, overCap.MarkProcessing())
	mustUpdate(t, repo, overCap)
	mustMark(t, overCap.MarkError("boom"))
	overCap.Attempts = 4
	mustUpdate(t, repo, overCap)

	pending, err := repo.FindPending(ctx, 3, 0)
	if err != nil {
		t.Fatalf("FindPending() error = %v", err)
	}

	if len(pending) != 1 {
		t.Fatalf("FindPending() returned %d entries, want 1", len(pending))
	}
	if pending[0].ID != atCap.ID {
		t.Errorf("pending[0].ID = %s, want %s", pending[0].ID, atCap.ID)
	}
}

func TestMemorySagaLogRepository_UpdateStatus(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()

	entry := domain.NewSagaLogEntry("p-1", domain.EventPartnerCreated, nil)
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	mustMark(t, entry.MarkProcessing())
	if err := repo.UpdateStatus(ctx, entry); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	stored, err := repo.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.EntryStatusProcessing {
		t.Errorf("stored Status = %s, want %s", stored.Status, domain.EntryStatusProcessing)
	}
}

func TestMemorySagaLogRepository_UpdateStatusRejectsIllegal(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()

	entry := domain.NewSagaLogEntry("p-1", domain.EventPartnerCreated, nil)
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Skip Processing and try to finalize directly
	forged := *entry
	forged.Status = domain.EntryStatusProcessed

	err := repo.UpdateStatus(ctx, &forged)
	if !errors.Is(err, domain.ErrInvalidEntryTransition) {
		t.Errorf("UpdateStatus() error = %v, want ErrInvalidEntryTransition", err)
	}
}

func TestMemorySagaLogRepository_UpdateStatusProcessedImmutable(t *testing.T) {
	repo := NewMemorySagaLogRepository()
	ctx := context.Background()

	entry := domain.NewSagaLogEntry("p-1", domain.EventPartnerCreated, nil)
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	mustMark(t, entry.MarkProcessing())
	mustUpdate(t, repo, entry)
	mustMark(t, entry.MarkProcessed())
	mustUpdate(t, repo, entry)

	reopened := *entry
	reopened.Status = domain.EntryStatusProcessing

	err := repo.UpdateStatus(ctx, &reopened)
	if !errors.Is(err, domain.ErrInvalidEntryTransition) {
		t.Errorf("UpdateStatus() on Processed entry error = %v, want ErrInvalidEntryTransition", err)
	}
}

func TestMemorySagaLogRepository_UpdateStatusNotFound(t *testing.T) {
	repo := NewMemorySagaLogRepository()

	entry := domain.NewSagaLogEntry("p-1", domain.EventPartnerCreated, nil)
	mustMark(t, entry.MarkProcessing())

	err := repo.UpdateStatus(context.Background(), entry)
	if !errors.Is(err, domain.ErrLogEntryNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrLogEntryNotFound", err)
	}
}

func mustMark(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("status mark failed: %v", err)
	}
}

func mustUpdate(t *testing.T, repo *MemorySagaLogRepository, entry *domain.SagaLogEntry) {
	t.Helper()
	if err := repo.UpdateStatus(context.Background(), entry); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
}
