// Package reconciler drives the transaction-by-transaction reconciliation
// pipeline: classify, identify the vehicle, find and score candidates, link.
//
// Each transaction is isolated: a failure while processing one record forces
// it into unmatched(reconciliation_error) and the batch continues. The only
// error a run returns is a failure to read its initial scope.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/openfleet/harrier/internal/alerts"
	"github.com/openfleet/harrier/internal/classifier"
	"github.com/openfleet/harrier/internal/domain"
	"github.com/openfleet/harrier/internal/identifier"
	"github.com/openfleet/harrier/internal/matcher"
	"github.com/openfleet/harrier/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("harrier-reconciler")

// traceLimit bounds the stack excerpt stored in reconciliation metadata.
const traceLimit = 1500

// Reconciler orchestrates reconciliation runs.
type Reconciler struct {
	repo       domain.Repository
	classifier *classifier.Classifier
	identifier *identifier.Identifier
	finder     *matcher.Finder
	bus        domain.EventBus
	alerts     *alerts.Service

	minConfidence float64
}

// New creates a reconciler. bus and alertSvc may be nil; both are
// best-effort collaborators.
func New(repo domain.Repository, cls *classifier.Classifier, ident *identifier.Identifier, finder *matcher.Finder, bus domain.EventBus, alertSvc *alerts.Service, minConfidence float64) *Reconciler {
	if minConfidence <= 0 {
		minConfidence = matcher.DefaultMinConfidence
	}
	return &Reconciler{
		repo:          repo,
		classifier:    cls,
		identifier:    ident,
		finder:        finder,
		bus:           bus,
		alerts:        alertSvc,
		minConfidence: minConfidence,
	}
}

// Scope selects the transactions a run processes. With no explicit IDs the
// default scope is every pending transaction for the tenant (optionally one
// provider); unmatched transactions are only retried when re-submitted by ID.
type Scope struct {
	ProviderID      string
	TransactionIDs  []string
	SyncExecutionID string
}

// Run processes every transaction in scope exactly once and returns the
// aggregate counters. Only a failure to load the scope fails the run.
func (r *Reconciler) Run(ctx context.Context, tenantID string, scope Scope) (domain.RunSummary, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.run")
	defer span.End()

	start := time.Now()
	var summary domain.RunSummary

	transactions, err := r.loadScope(ctx, tenantID, scope)
	if err != nil {
		return summary, fmt.Errorf("failed to load reconciliation scope: %w", err)
	}

	for _, tx := range transactions {
		status := r.processOne(ctx, tenantID, tx, scope)

		summary.Processed++
		switch status {
		case domain.StatusMatched:
			summary.Matched++
		case domain.StatusIgnored:
			summary.Ignored++
		default:
			summary.Unmatched++
		}
	}

	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("run.processed", summary.Processed),
		attribute.Int("run.matched", summary.Matched),
		attribute.Int("run.unmatched", summary.Unmatched),
		attribute.Int("run.ignored", summary.Ignored),
	)

	r.finishExecution(ctx, tenantID, scope.SyncExecutionID, summary)
	r.publishCompletion(ctx, tenantID, scope.SyncExecutionID, summary)

	slog.Info("reconciliation run finished",
		"tenant_id", tenantID,
		"processed", summary.Processed,
		"matched", summary.Matched,
		"unmatched", summary.Unmatched,
		"ignored", summary.Ignored,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return summary, nil
}

func (r *Reconciler) loadScope(ctx context.Context, tenantID string, scope Scope) ([]*domain.FinancialTransaction, error) {
	if len(scope.TransactionIDs) > 0 {
		transactions, err := r.repo.GetTransactionsByIDs(ctx, tenantID, scope.TransactionIDs)
		if err != nil {
			return nil, err
		}
		// Explicit re-submission retries unmatched records; matched and
		// ignored ones stay terminal.
		eligible := transactions[:0]
		for _, tx := range transactions {
			if tx.Status == domain.StatusPending || tx.Status == domain.StatusUnmatched {
				eligible = append(eligible, tx)
			}
		}
		return eligible, nil
	}
	return r.repo.ListPendingTransactions(ctx, tenantID, scope.ProviderID)
}

// processOne runs the state machine for a single transaction. Panics and
// errors are converted to unmatched(reconciliation_error); nothing escapes.
func (r *Reconciler) processOne(ctx context.Context, tenantID string, tx *domain.FinancialTransaction, scope Scope) (status domain.TransactionStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			status = r.markError(ctx, tenantID, tx, fmt.Errorf("panic: %v", rec), debug.Stack())
		}
	}()

	st, err := r.reconcile(ctx, tenantID, tx, scope)
	if err != nil {
		return r.markError(ctx, tenantID, tx, err, nil)
	}
	return st
}

func (r *Reconciler) reconcile(ctx context.Context, tenantID string, tx *domain.FinancialTransaction, scope Scope) (domain.TransactionStatus, error) {
	energyType, err := r.classifier.Classify(ctx, tenantID, tx)
	if err != nil {
		return "", fmt.Errorf("classification failed: %w", err)
	}

	if energyType == domain.EnergyOther {
		meta := &domain.ReconciliationMetadata{EnergyType: string(energyType)}
		if err := r.repo.UpdateTransactionOutcome(ctx, tenantID, tx.ID, domain.StatusIgnored, meta); err != nil {
			return "", err
		}
		return domain.StatusIgnored, nil
	}

	vehicle, err := r.identifier.Identify(ctx, tenantID, tx)
	if err != nil {
		return "", fmt.Errorf("vehicle identification failed: %w", err)
	}

	if vehicle == nil {
		return r.markVehicleNotIdentified(ctx, tenantID, tx, energyType, scope)
	}

	events, err := r.finder.FindCandidates(ctx, tenantID, vehicle.ID, energyType, tx.TransactionDate)
	if err != nil {
		return "", fmt.Errorf("candidate search failed: %w", err)
	}

	ranked := matcher.Rank(tx.TransactionDate, tx.Quantity, events)
	acceptable := matcher.Acceptable(ranked, r.minConfidence)

	// Try acceptable candidates best-first. Losing the atomic claim means a
	// concurrent run linked the event; fall through to the next one.
	for i := range acceptable {
		cand := &acceptable[i]

		meta := &domain.ReconciliationMetadata{
			MatchedBy:       domain.MatchedByAuto,
			EnergyType:      string(energyType),
			TimeDiffMinutes: math.Round(cand.TimeDiff.Minutes()*100) / 100,
			QuantityDiff:    cand.QuantityDiff.String(),
			CandidateCount:  len(events),
		}

		link := &domain.EventLink{
			TransactionID: tx.ID,
			EventID:       cand.Event.ID,
			Confidence:    cand.Score,
			Cost:          tx.TotalAmount,
			Currency:      tx.Currency,
			Metadata:      meta,
		}

		err := r.repo.LinkTransactionEvent(ctx, tenantID, link)
		if err == nil {
			r.publishMatched(ctx, tenantID, tx.ID, cand.Event.ID, cand.Score)
			slog.Debug("transaction matched",
				"tenant_id", tenantID,
				"tx_id", tx.ID,
				"event_id", cand.Event.ID,
				"confidence", cand.Score,
			)
			return domain.StatusMatched, nil
		}
		if errors.Is(err, repository.ErrEventClaimed) {
			slog.Debug("candidate claimed by concurrent run",
				"tenant_id", tenantID,
				"tx_id", tx.ID,
				"event_id", cand.Event.ID,
			)
			continue
		}
		return "", fmt.Errorf("atomic link failed: %w", err)
	}

	meta := &domain.ReconciliationMetadata{
		Reason:         domain.ReasonNoTelemetryFound,
		EnergyType:     string(energyType),
		CandidateCount: len(events),
	}
	if err := r.repo.UpdateTransactionOutcome(ctx, tenantID, tx.ID, domain.StatusUnmatched, meta); err != nil {
		return "", err
	}
	return domain.StatusUnmatched, nil
}

func (r *Reconciler) markVehicleNotIdentified(ctx context.Context, tenantID string, tx *domain.FinancialTransaction, energyType domain.EnergyType, scope Scope) (domain.TransactionStatus, error) {
	meta := &domain.ReconciliationMetadata{
		Reason:         domain.ReasonVehicleNotIdentified,
		EnergyType:     string(energyType),
		AttemptedPlate: tx.VehiclePlate,
		AttemptedCard:  tx.CardNumber,
	}
	if err := r.repo.UpdateTransactionOutcome(ctx, tenantID, tx.ID, domain.StatusUnmatched, meta); err != nil {
		return "", err
	}

	uv := domain.UnidentifiedVehicle{
		TransactionID: tx.ID,
		Plate:         tx.VehiclePlate,
		CardNumber:    tx.CardNumber,
	}

	// Best-effort bookkeeping on the originating sync execution.
	execID := scope.SyncExecutionID
	if execID == "" {
		execID = tx.SyncExecutionID
	}
	if execID != "" {
		if err := r.repo.AppendUnidentifiedVehicle(ctx, tenantID, execID, uv); err != nil {
			slog.Warn("failed to record unidentified vehicle on sync execution",
				"tenant_id", tenantID,
				"tx_id", tx.ID,
				"sync_execution_id", execID,
				"error", err,
			)
		}
	}

	if r.alerts != nil {
		r.alerts.RecordUnidentified(ctx, tenantID, uv)
	}

	return domain.StatusUnmatched, nil
}

// markError forces the transaction into unmatched(reconciliation_error) and
// keeps the batch going. If even that write fails the record stays pending
// for the next run; the failure still counts as unmatched in the summary.
func (r *Reconciler) markError(ctx context.Context, tenantID string, tx *domain.FinancialTransaction, cause error, stack []byte) domain.TransactionStatus {
	if stack == nil {
		stack = debug.Stack()
	}
	trace := string(stack)
	if len(trace) > traceLimit {
		trace = trace[:traceLimit]
	}

	slog.Error("transaction reconciliation failed",
		"tenant_id", tenantID,
		"tx_id", tx.ID,
		"error", cause,
	)

	meta := &domain.ReconciliationMetadata{
		Reason: domain.ReasonReconciliationError,
		Error:  cause.Error(),
		Trace:  trace,
	}
	if err := r.repo.UpdateTransactionOutcome(ctx, tenantID, tx.ID, domain.StatusUnmatched, meta); err != nil {
		slog.Error("failed to record reconciliation error",
			"tenant_id", tenantID,
			"tx_id", tx.ID,
			"error", err,
		)
	}

	return domain.StatusUnmatched
}

func (r *Reconciler) finishExecution(ctx context.Context, tenantID, execID string, summary domain.RunSummary) {
	if execID == "" {
		return
	}
	if err := r.repo.FinishSyncExecution(ctx, tenantID, execID, summary); err != nil {
		slog.Warn("failed to finish sync execution",
			"tenant_id", tenantID,
			"sync_execution_id", execID,
			"error", err,
		)
	}
}

type matchedEvent struct {
	TransactionID string  `json:"transactionId"`
	EventID       string  `json:"eventId"`
	Confidence    float64 `json:"confidence"`
}

func (r *Reconciler) publishMatched(ctx context.Context, tenantID, txID, eventID string, confidence float64) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(matchedEvent{TransactionID: txID, EventID: eventID, Confidence: confidence})
	if err := r.bus.Publish(ctx, tenantID, domain.TopicTransactionMatched, payload); err != nil {
		slog.Warn("failed to publish match event",
			"tenant_id", tenantID,
			"tx_id", txID,
			"error", err,
		)
	}
}

type completionEvent struct {
	SyncExecutionID string            `json:"syncExecutionId,omitempty"`
	Summary         domain.RunSummary `json:"summary"`
}

func (r *Reconciler) publishCompletion(ctx context.Context, tenantID, execID string, summary domain.RunSummary) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(completionEvent{SyncExecutionID: execID, Summary: summary})
	if err := r.bus.Publish(ctx, tenantID, domain.TopicReconciliationComplete, payload); err != nil {
		slog.Warn("failed to publish completion event",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
