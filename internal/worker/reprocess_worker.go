package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helverinio/misw4406-14-desacopla2/internal/domain"
	"github.com/helverinio/misw4406-14-desacopla2/internal/repository"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/retry"
)

// Reprocessor re-runs a stored log entry through the saga pipeline.
// The coordinator satisfies it.
type Reprocessor interface {
	Reprocess(ctx context.Context, entry *domain.SagaLogEntry) error
}

// ReprocessWorkerConfig contains configuration for the reprocess worker
type ReprocessWorkerConfig struct {
	// ScanInterval is the interval between scans for pending log entries
	ScanInterval time.Duration
	// BatchSize is the number of entries to process in each scan
	BatchSize int
	// MaxAttempts caps per-entry retries; entries that fail beyond it
	// are parked on the dead letter topic
	MaxAttempts int
}

// DefaultReprocessWorkerConfig returns default configuration
func DefaultReprocessWorkerConfig() *ReprocessWorkerConfig {
	return &ReprocessWorkerConfig{
		ScanInterval: 30 * time.Second,
		BatchSize:    50,
		MaxAttempts:  3,
	}
}

// ReprocessWorker scans the saga log for entries whose original delivery
// failed midway (status Received or Error) and drives them through the
// pipeline again. Entries that exhaust their retry budget are published
// once to the dead letter topic and left in Error.
type ReprocessWorker struct {
	logs        repository.SagaLogRepository
	reprocessor Reprocessor
	dlq         retry.DLQPublisher
	config      *ReprocessWorkerConfig
	log         *logger.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool

	// Stats
	totalRecovered   int64
	totalParked      int64
	lastScanTime     time.Time
	lastPendingCount int
}

// NewReprocessWorker creates a new reprocess worker
func NewReprocessWorker(
	logs repository.SagaLogRepository,
	reprocessor Reprocessor,
	dlq retry.DLQPublisher,
	config *ReprocessWorkerConfig,
) *ReprocessWorker {
	if config == nil {
		config = DefaultReprocessWorkerConfig()
	}
	if dlq == nil {
		dlq = retry.NewNoOpDLQPublisher()
	}

	return &ReprocessWorker{
		logs:        logs,
		reprocessor: reprocessor,
		dlq:         dlq,
		config:      config,
		log:         logger.Get(),
		stopCh:      make(chan struct{}),
	}
}

// Start starts the reprocess worker
func (w *ReprocessWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("reprocess worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting reprocess worker")

	w.wg.Add(1)
	go w.scanPendingEntries(ctx)

	return nil
}

// Stop stops the reprocess worker
func (w *ReprocessWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping reprocess worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Reprocess worker stopped")
}

// scanPendingEntries periodically scans for pending log entries
func (w *ReprocessWorker) scanPendingEntries(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.processPendingEntries(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processPendingEntries(ctx)
		}
	}
}

// processPendingEntries fetches and reprocesses pending log entries
func (w *ReprocessWorker) processPendingEntries(ctx context.Context) {
	w.mu.Lock()
	w.lastScanTime = time.Now()
	w.mu.Unlock()

	pending, err := w.logs.FindPending(ctx, w.config.MaxAttempts, w.config.BatchSize)
	if err != nil {
		w.log.Error(fmt.Sprintf("Failed to find pending log entries: %v", err))
		return
	}

	if len(pending) == 0 {
		return
	}

	w.log.Info(fmt.Sprintf("Found %d pending log entries to reprocess", len(pending)))
	w.mu.Lock()
	w.lastPendingCount = len(pending)
	w.mu.Unlock()

	for _, entry := range pending {
		if err := w.reprocessEntry(ctx, entry); err != nil {
			w.log.Error(fmt.Sprintf("Failed to reprocess entry %s: %v", entry.ID, err))
			continue
		}
		w.mu.Lock()
		w.totalRecovered++
		w.mu.Unlock()
	}
}

// reprocessEntry reprocesses a single log entry
func (w *ReprocessWorker) reprocessEntry(ctx context.Context, entry *domain.SagaLogEntry) error {
	err := w.reprocessor.Reprocess(ctx, entry)
	if err == nil {
		return nil
	}

	// Reprocess already recorded the failure on the entry, so the
	// attempts counter is current here. An entry past its budget drops
	// out of the pending scan; park it on the DLQ while we still see it.
	if entry.HasExceededAttempts(w.config.MaxAttempts) {
		w.parkEntry(ctx, entry)
	}

	return fmt.Errorf("reprocess failed after %d attempts: %w", entry.Attempts, err)
}

// parkEntry publishes an exhausted entry to the dead letter topic
func (w *ReprocessWorker) parkEntry(ctx context.Context, entry *domain.SagaLogEntry) {
	msg := &retry.DLQMessage{
		EntryID:    entry.ID,
		SagaID:     entry.SagaID,
		EventType:  string(entry.EventType),
		Payload:    entry.Payload,
		Error:      entry.ErrorMessage,
		Attempts:   entry.Attempts,
		ReceivedAt: entry.ReceivedAt,
	}

	if err := w.dlq.PublishToDLQ(ctx, msg); err != nil {
		// The entry stays in Error in the store either way; the DLQ is
		// a convenience feed, not the source of truth
		w.log.Error(fmt.Sprintf("Failed to park entry %s on %s: %v", entry.ID, w.dlq.Topic(), err))
		return
	}

	w.mu.Lock()
	w.totalParked++
	w.mu.Unlock()

	w.log.Warn(fmt.Sprintf("Entry %s (saga %s, event %s) exhausted %d attempts, parked on %s",
		entry.ID, entry.SagaID, entry.EventType, entry.Attempts, w.dlq.Topic()))
}

// GetStats returns worker statistics
func (w *ReprocessWorker) GetStats() *ReprocessWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &ReprocessWorkerStats{
		IsRunning:        w.running,
		TotalRecovered:   w.totalRecovered,
		TotalParked:      w.totalParked,
		LastScanTime:     w.lastScanTime,
		LastPendingCount: w.lastPendingCount,
	}
}

// ReprocessWorkerStats contains worker statistics
type ReprocessWorkerStats struct {
	IsRunning        bool      `json:"is_running"`
	TotalRecovered   int64     `json:"total_recovered"`
	TotalParked      int64     `json:"total_parked"`
	LastScanTime     time.Time `json:"last_scan_time"`
	LastPendingCount int       `json:"last_pending_count"`
}
