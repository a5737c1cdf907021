// Package worker provides async reconciliation driven by the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openfleet/harrier/internal/domain"
	"github.com/openfleet/harrier/internal/reconciler"
)

// Worker consumes batch-ingested notifications from the EventBus and runs
// reconciliation for each batch.
type Worker struct {
	bus        domain.EventBus
	reconciler *reconciler.Reconciler

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, rec *reconciler.Reconciler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		reconciler: rec,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins processing batch notifications for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID.
	// In production, you'd want to subscribe with wildcards or JetStream.
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicBatchIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processBatch(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicBatchIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processBatch(ctx, msg.TenantID, msg)
}

// BatchMessage is the payload published when a batch of transactions
// has been ingested and is ready for reconciliation.
type BatchMessage struct {
	TenantID        string   `json:"tenantId"`
	SyncExecutionID string   `json:"syncExecutionId,omitempty"`
	ProviderID      string   `json:"providerId,omitempty"`
	TransactionIDs  []string `json:"transactionIds,omitempty"`
}

// processBatch runs reconciliation for an ingested batch.
func (w *Worker) processBatch(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var batch BatchMessage
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if batch.TenantID != "" {
		tenantID = batch.TenantID
	}

	slog.Debug("processing batch",
		"tenant_id", tenantID,
		"sync_execution_id", batch.SyncExecutionID,
		"provider_id", batch.ProviderID,
		"transaction_count", len(batch.TransactionIDs),
	)

	scope := reconciler.Scope{
		ProviderID:      batch.ProviderID,
		TransactionIDs:  batch.TransactionIDs,
		SyncExecutionID: batch.SyncExecutionID,
	}

	summary, err := w.reconciler.Run(ctx, tenantID, scope)
	if err != nil {
		slog.Error("batch reconciliation failed",
			"tenant_id", tenantID,
			"sync_execution_id", batch.SyncExecutionID,
			"error", err,
		)
		return err
	}

	slog.Info("batch processed",
		"tenant_id", tenantID,
		"sync_execution_id", batch.SyncExecutionID,
		"processed", summary.Processed,
		"matched", summary.Matched,
		"unmatched", summary.Unmatched,
		"ignored", summary.Ignored,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
