package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/openfleet/harrier/internal/classifier"
	"github.com/openfleet/harrier/internal/domain"
	"github.com/openfleet/harrier/internal/identifier"
	"github.com/openfleet/harrier/internal/reconciler"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *classifier.RuleEngine
	reconciler *reconciler.Reconciler
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *classifier.RuleEngine, rec *reconciler.Reconciler, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		engine:     engine,
		reconciler: rec,
		version:    version,
	}
}

// ReconcileRequest is the request body for POST /reconcile.
// With TransactionIDs set, those transactions are re-submitted explicitly
// (pending and unmatched are both eligible); otherwise the run covers all
// pending transactions, optionally narrowed by provider.
type ReconcileRequest struct {
	ProviderID      string   `json:"providerId,omitempty"`
	SyncExecutionID string   `json:"syncExecutionId,omitempty"`
	TransactionIDs  []string `json:"transactionIds,omitempty"`

	// Async publishes a batch notification for the worker instead of
	// running inline.
	Async bool `json:"async,omitempty"`
}

// ReconcileResponse is the response for a synchronous POST /reconcile.
type ReconcileResponse struct {
	Summary  domain.RunSummary `json:"summary"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Reconcile handles POST /reconcile requests.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req ReconcileRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	if req.Async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}

		payload, _ := json.Marshal(map[string]any{
			"tenantId":        tenantID,
			"syncExecutionId": req.SyncExecutionID,
			"providerId":      req.ProviderID,
			"transactionIds":  req.TransactionIDs,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicBatchIngested, payload); err != nil {
			slog.Error("failed to publish batch", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to enqueue reconciliation",
			})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "enqueued",
			"traceId": traceID,
		})
		return
	}

	summary, err := h.reconciler.Run(ctx, tenantID, reconciler.Scope{
		ProviderID:      req.ProviderID,
		TransactionIDs:  req.TransactionIDs,
		SyncExecutionID: req.SyncExecutionID,
	})
	if err != nil {
		slog.Error("reconciliation run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "reconciliation failed",
		})
		return
	}

	resp := ReconcileResponse{Summary: summary}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// CreateTransaction handles POST /transactions, ingesting a normalized
// financial transaction in pending state.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "providerId is required",
		})
		return
	}
	if req.TransactionDate.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactionDate is required",
		})
		return
	}
	if len(req.Currency) != 3 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "currency must be a 3-letter code",
		})
		return
	}
	if req.Quantity.IsNegative() || req.TotalAmount.IsNegative() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "quantity and totalAmount must not be negative",
		})
		return
	}

	tx := req.ToTransaction()
	tx.ID = uuid.New().String()
	tx.TenantID = tenantID

	if err := h.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		slog.Error("failed to save transaction", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// CreateTelemetryEvent handles POST /telemetry, ingesting a normalized
// refueling or electric charge event.
func (h *Handler) CreateTelemetryEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TelemetryEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.VehicleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "vehicleId is required",
		})
		return
	}
	if req.Type != domain.EventRefueling && req.Type != domain.EventElectricCharge {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type must be refueling or electric_charge",
		})
		return
	}
	if req.EventTimestamp.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "eventTimestamp is required",
		})
		return
	}

	ev := req.ToEvent()
	ev.ID = uuid.New().String()
	ev.TenantID = tenantID

	if err := h.repo.SaveTelemetryEvent(ctx, tenantID, ev); err != nil {
		slog.Error("failed to save telemetry event", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save telemetry event",
		})
		return
	}

	writeJSON(w, http.StatusCreated, ev)
}

// GetTelemetryEvent retrieves a telemetry event by ID.
func (h *Handler) GetTelemetryEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	if eventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "event id is required",
		})
		return
	}

	ev, err := h.repo.GetTelemetryEvent(ctx, tenantID, eventID)
	if err != nil {
		slog.Error("failed to get telemetry event", "id", eventID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "telemetry event not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// GetSyncExecution retrieves a sync execution with its summary and
// unidentified vehicles.
func (h *Handler) GetSyncExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	execID := chi.URLParam(r, "id")

	if execID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "execution id is required",
		})
		return
	}

	exec, err := h.repo.GetSyncExecution(ctx, tenantID, execID)
	if err != nil {
		slog.Error("failed to get sync execution", "id", execID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "sync execution not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

// CreateVehicleRequest is the request body for POST /vehicles.
type CreateVehicleRequest struct {
	Plate string `json:"plate"`
	Name  string `json:"name,omitempty"`
}

// CreateVehicle registers a fleet vehicle. The plate is normalized for
// lookups at write time.
func (h *Handler) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateVehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Plate == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "plate is required",
		})
		return
	}

	v := &domain.Vehicle{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		Plate:           req.Plate,
		NormalizedPlate: identifier.Normalize(req.Plate),
		Name:            req.Name,
		CreatedAt:       time.Now().UTC(),
	}

	if err := h.repo.SaveVehicle(ctx, tenantID, v); err != nil {
		slog.Error("failed to save vehicle", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save vehicle",
		})
		return
	}

	writeJSON(w, http.StatusCreated, v)
}

// CreateCatalogEntryRequest is the request body for POST /catalog.
type CreateCatalogEntryRequest struct {
	ProviderID  string            `json:"providerId"`
	ProductCode string            `json:"productCode,omitempty"`
	ProductName string            `json:"productName,omitempty"`
	EnergyType  domain.EnergyType `json:"energyType"`
}

// CreateCatalogEntry registers a product catalog mapping. Catalog hits are
// authoritative during classification.
func (h *Handler) CreateCatalogEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateCatalogEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "providerId is required",
		})
		return
	}
	if req.ProductCode == "" && req.ProductName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "productCode or productName is required",
		})
		return
	}
	switch req.EnergyType {
	case domain.EnergyFuel, domain.EnergyElectric, domain.EnergyOther:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "energyType must be fuel, electric or other",
		})
		return
	}

	entry := &domain.ProductCatalogEntry{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		ProviderID:  req.ProviderID,
		ProductCode: req.ProductCode,
		ProductName: req.ProductName,
		EnergyType:  req.EnergyType,
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.repo.SaveCatalogEntry(ctx, tenantID, entry); err != nil {
		slog.Error("failed to save catalog entry", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save catalog entry",
		})
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// CreateCardMappingRequest is the request body for POST /card-mappings.
type CreateCardMappingRequest struct {
	ProviderID     string `json:"providerId"`
	CardNumber     string `json:"cardNumber"`
	VehicleID      string `json:"vehicleId"`
	AlternatePlate string `json:"alternatePlate,omitempty"`
	Active         *bool  `json:"active,omitempty"`
}

// CreateCardMapping registers a card-to-vehicle mapping. The card number is
// normalized for lookups at write time.
func (h *Handler) CreateCardMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateCardMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ProviderID == "" || req.CardNumber == "" || req.VehicleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "providerId, cardNumber and vehicleId are required",
		})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := time.Now().UTC()
	m := &domain.CardVehicleMapping{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		ProviderID:     req.ProviderID,
		CardNumber:     identifier.Normalize(req.CardNumber),
		VehicleID:      req.VehicleID,
		AlternatePlate: req.AlternatePlate,
		Active:         active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.repo.SaveCardMapping(ctx, tenantID, m); err != nil {
		slog.Error("failed to save card mapping", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save card mapping",
		})
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

// CreateRuleRequest is the request body for creating a classification rule.
type CreateRuleRequest struct {
	ProviderID  string            `json:"providerId,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	EnergyType  domain.EnergyType `json:"energyType"`
	Priority    int               `json:"priority"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule creates a classification rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and expression are required",
		})
		return
	}
	switch req.EnergyType {
	case domain.EnergyFuel, domain.EnergyElectric, domain.EnergyOther:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "energyType must be fuel, electric or other",
		})
		return
	}

	now := time.Now().UTC()
	rule := &domain.ClassificationRule{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		ProviderID:  req.ProviderID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		EnergyType:  req.EnergyType,
		Priority:    req.Priority,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Validate CEL expression before persisting
	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveClassificationRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save classification rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("classification rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ListRules returns the tenant's classification rules from the database.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rules, err := h.repo.ListClassificationRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list classification rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// ReloadRules reloads the tenant's classification rules from the database
// into the engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	dbRules, err := h.repo.ListClassificationRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(tenantID, dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("classification rules reloaded", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
