package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/openfleet/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "harrier-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func testTransaction(id string, date time.Time) *domain.FinancialTransaction {
	now := time.Now().UTC()
	return &domain.FinancialTransaction{
		ID:              id,
		ProviderID:      "provider-001",
		TransactionDate: date,
		ProductCode:     "D01",
		ProductName:     "Diesel",
		Quantity:        decimal.NewFromFloat(50),
		TotalAmount:     decimal.NewFromFloat(92.40),
		Currency:        "EUR",
		VehiclePlate:    "AB-123-CD",
		Status:          domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func testEvent(id, vehicleID string, ts time.Time, qty float64) *domain.TelemetryEvent {
	return &domain.TelemetryEvent{
		ID:             id,
		VehicleID:      vehicleID,
		Type:           domain.EventRefueling,
		EventTimestamp: ts,
		Quantity:       decimal.NewFromFloat(qty),
		CreatedAt:      time.Now().UTC(),
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := testTransaction("tx-001", base)

		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.ID != tx.ID {
			t.Errorf("expected ID %s, got %s", tx.ID, retrieved.ID)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if !retrieved.Quantity.Equal(tx.Quantity) {
			t.Errorf("expected Quantity %s, got %s", tx.Quantity, retrieved.Quantity)
		}
		if !retrieved.TotalAmount.Equal(tx.TotalAmount) {
			t.Errorf("expected TotalAmount %s, got %s", tx.TotalAmount, retrieved.TotalAmount)
		}
		if retrieved.Status != domain.StatusPending {
			t.Errorf("expected status pending, got %s", retrieved.Status)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "tenant-002", "tx-001")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := repo.SaveTransaction(ctx, "", testTransaction("tx-no-tenant", base))
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = repo.GetTransaction(ctx, "", "tx-001")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("ListPendingTransactions", func(t *testing.T) {
		tx2 := testTransaction("tx-002", base.Add(time.Hour))
		tx3 := testTransaction("tx-003", base.Add(2*time.Hour))
		tx3.ProviderID = "provider-002"

		if err := repo.SaveTransaction(ctx, tenantID, tx2); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
		if err := repo.SaveTransaction(ctx, tenantID, tx3); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		pending, err := repo.ListPendingTransactions(ctx, tenantID, "")
		if err != nil {
			t.Fatalf("ListPendingTransactions failed: %v", err)
		}
		if len(pending) != 3 {
			t.Errorf("expected 3 pending transactions, got %d", len(pending))
		}

		byProvider, err := repo.ListPendingTransactions(ctx, tenantID, "provider-002")
		if err != nil {
			t.Fatalf("ListPendingTransactions failed: %v", err)
		}
		if len(byProvider) != 1 || byProvider[0].ID != "tx-003" {
			t.Errorf("expected only tx-003 for provider-002, got %v", byProvider)
		}
	})

	t.Run("GetTransactionsByIDs", func(t *testing.T) {
		txs, err := repo.GetTransactionsByIDs(ctx, tenantID, []string{"tx-001", "tx-003", "missing"})
		if err != nil {
			t.Fatalf("GetTransactionsByIDs failed: %v", err)
		}
		if len(txs) != 2 {
			t.Errorf("expected 2 transactions, got %d", len(txs))
		}

		empty, err := repo.GetTransactionsByIDs(ctx, tenantID, nil)
		if err != nil {
			t.Fatalf("GetTransactionsByIDs with no IDs failed: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("expected empty result, got %d", len(empty))
		}
	})

	t.Run("UpdateTransactionOutcome", func(t *testing.T) {
		meta := &domain.ReconciliationMetadata{
			Reason:         domain.ReasonNoTelemetryFound,
			EnergyType:     "fuel",
			CandidateCount: 2,
		}
		if err := repo.UpdateTransactionOutcome(ctx, tenantID, "tx-002", domain.StatusUnmatched, meta); err != nil {
			t.Fatalf("UpdateTransactionOutcome failed: %v", err)
		}

		tx, err := repo.GetTransaction(ctx, tenantID, "tx-002")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.Status != domain.StatusUnmatched {
			t.Errorf("expected status unmatched, got %s", tx.Status)
		}
		if tx.ReconciliationMetadata == nil {
			t.Fatal("expected reconciliation metadata")
		}
		if tx.ReconciliationMetadata.Reason != domain.ReasonNoTelemetryFound {
			t.Errorf("expected reason %s, got %s", domain.ReasonNoTelemetryFound, tx.ReconciliationMetadata.Reason)
		}
		if tx.ReconciliationMetadata.CandidateCount != 2 {
			t.Errorf("expected candidate count 2, got %d", tx.ReconciliationMetadata.CandidateCount)
		}

		err = repo.UpdateTransactionOutcome(ctx, tenantID, "nonexistent", domain.StatusUnmatched, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("SaveAndGetTelemetryEvent", func(t *testing.T) {
		ev := testEvent("ev-001", "vehicle-001", base.Add(5*time.Minute), 49.5)

		if err := repo.SaveTelemetryEvent(ctx, tenantID, ev); err != nil {
			t.Fatalf("SaveTelemetryEvent failed: %v", err)
		}

		retrieved, err := repo.GetTelemetryEvent(ctx, tenantID, ev.ID)
		if err != nil {
			t.Fatalf("GetTelemetryEvent failed: %v", err)
		}
		if retrieved.VehicleID != ev.VehicleID {
			t.Errorf("expected VehicleID %s, got %s", ev.VehicleID, retrieved.VehicleID)
		}
		if retrieved.FinancialTransactionID != nil {
			t.Error("expected unlinked event")
		}
		if retrieved.IsReconciled {
			t.Error("expected unreconciled event")
		}
	})

	t.Run("FindCandidateEvents", func(t *testing.T) {
		// In the window (boundary inclusive), outside it, wrong type, wrong vehicle
		onBoundary := testEvent("ev-002", "vehicle-001", base.Add(2*time.Hour), 40)
		outside := testEvent("ev-003", "vehicle-001", base.Add(2*time.Hour+time.Minute), 40)
		charge := testEvent("ev-004", "vehicle-001", base, 40)
		charge.Type = domain.EventElectricCharge
		otherVehicle := testEvent("ev-005", "vehicle-002", base, 40)

		for _, ev := range []*domain.TelemetryEvent{onBoundary, outside, charge, otherVehicle} {
			if err := repo.SaveTelemetryEvent(ctx, tenantID, ev); err != nil {
				t.Fatalf("SaveTelemetryEvent failed: %v", err)
			}
		}

		events, err := repo.FindCandidateEvents(ctx, tenantID, "vehicle-001", domain.EventRefueling,
			base.Add(-2*time.Hour), base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("FindCandidateEvents failed: %v", err)
		}

		if len(events) != 2 {
			t.Fatalf("expected 2 candidates (ev-001, ev-002), got %d", len(events))
		}
		if events[0].ID != "ev-001" || events[1].ID != "ev-002" {
			t.Errorf("expected ev-001 and ev-002 in timestamp order, got %s and %s", events[0].ID, events[1].ID)
		}
	})

	t.Run("LinkTransactionEvent", func(t *testing.T) {
		link := &domain.EventLink{
			TransactionID: "tx-001",
			EventID:       "ev-001",
			Confidence:    97.75,
			Cost:          decimal.NewFromFloat(92.40),
			Currency:      "EUR",
			Metadata: &domain.ReconciliationMetadata{
				MatchedBy:       domain.MatchedByAuto,
				EnergyType:      "fuel",
				TimeDiffMinutes: 5,
			},
		}

		if err := repo.LinkTransactionEvent(ctx, tenantID, link); err != nil {
			t.Fatalf("LinkTransactionEvent failed: %v", err)
		}

		tx, err := repo.GetTransaction(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.Status != domain.StatusMatched {
			t.Errorf("expected status matched, got %s", tx.Status)
		}
		if tx.MatchConfidence == nil || *tx.MatchConfidence != 97.75 {
			t.Errorf("expected confidence 97.75, got %v", tx.MatchConfidence)
		}
		if tx.TelemetryEventID == nil || *tx.TelemetryEventID != "ev-001" {
			t.Errorf("expected telemetry event ev-001, got %v", tx.TelemetryEventID)
		}

		ev, err := repo.GetTelemetryEvent(ctx, tenantID, "ev-001")
		if err != nil {
			t.Fatalf("GetTelemetryEvent failed: %v", err)
		}
		if ev.FinancialTransactionID == nil || *ev.FinancialTransactionID != "tx-001" {
			t.Errorf("expected event linked to tx-001, got %v", ev.FinancialTransactionID)
		}
		if !ev.IsReconciled {
			t.Error("expected event marked reconciled")
		}
		if ev.Cost == nil || !ev.Cost.Equal(decimal.NewFromFloat(92.40)) {
			t.Errorf("expected cost 92.40 on event, got %v", ev.Cost)
		}
		if ev.Currency != "EUR" {
			t.Errorf("expected currency EUR on event, got %s", ev.Currency)
		}
	})

	t.Run("LinkClaimConflict", func(t *testing.T) {
		// ev-001 is already claimed by tx-001
		link := &domain.EventLink{
			TransactionID: "tx-003",
			EventID:       "ev-001",
			Confidence:    80,
			Cost:          decimal.NewFromFloat(10),
			Currency:      "EUR",
		}

		err := repo.LinkTransactionEvent(ctx, tenantID, link)
		if !errors.Is(err, ErrEventClaimed) {
			t.Errorf("expected ErrEventClaimed, got: %v", err)
		}

		// The losing transaction must be untouched
		tx, err := repo.GetTransaction(ctx, tenantID, "tx-003")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.Status != domain.StatusPending {
			t.Errorf("expected tx-003 still pending, got %s", tx.Status)
		}
	})

	t.Run("LinkTerminalTransaction", func(t *testing.T) {
		// tx-001 is already matched; trying to link it again must fail and
		// must not leave the event claimed.
		link := &domain.EventLink{
			TransactionID: "tx-001",
			EventID:       "ev-002",
			Confidence:    70,
			Cost:          decimal.NewFromFloat(10),
			Currency:      "EUR",
		}

		err := repo.LinkTransactionEvent(ctx, tenantID, link)
		if !errors.Is(err, ErrTransactionNotPending) {
			t.Errorf("expected ErrTransactionNotPending, got: %v", err)
		}

		ev, err := repo.GetTelemetryEvent(ctx, tenantID, "ev-002")
		if err != nil {
			t.Fatalf("GetTelemetryEvent failed: %v", err)
		}
		if ev.FinancialTransactionID != nil {
			t.Error("expected ev-002 still unclaimed after rolled-back link")
		}
	})

	t.Run("LinkResubmittedUnmatched", func(t *testing.T) {
		// tx-002 was marked unmatched earlier; explicit re-submission may
		// still link it.
		link := &domain.EventLink{
			TransactionID: "tx-002",
			EventID:       "ev-002",
			Confidence:    70,
			Cost:          decimal.NewFromFloat(10),
			Currency:      "EUR",
		}

		if err := repo.LinkTransactionEvent(ctx, tenantID, link); err != nil {
			t.Fatalf("LinkTransactionEvent for unmatched transaction failed: %v", err)
		}

		tx, err := repo.GetTransaction(ctx, tenantID, "tx-002")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.Status != domain.StatusMatched {
			t.Errorf("expected status matched, got %s", tx.Status)
		}
	})

	t.Run("Vehicles", func(t *testing.T) {
		v := &domain.Vehicle{
			ID:              "vehicle-001",
			Plate:           "AB-123-CD",
			NormalizedPlate: "AB-123-CD",
			Name:            "Van 1",
			CreatedAt:       time.Now().UTC(),
		}
		if err := repo.SaveVehicle(ctx, tenantID, v); err != nil {
			t.Fatalf("SaveVehicle failed: %v", err)
		}

		byPlate, err := repo.FindVehicleByPlate(ctx, tenantID, "AB-123-CD")
		if err != nil {
			t.Fatalf("FindVehicleByPlate failed: %v", err)
		}
		if byPlate.ID != "vehicle-001" {
			t.Errorf("expected vehicle-001, got %s", byPlate.ID)
		}

		_, err = repo.FindVehicleByPlate(ctx, tenantID, "ZZ-999-ZZ")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ProductCatalog", func(t *testing.T) {
		byCode := &domain.ProductCatalogEntry{
			ID:          "cat-001",
			ProviderID:  "provider-001",
			ProductCode: "D01",
			EnergyType:  domain.EnergyFuel,
			CreatedAt:   time.Now().UTC(),
		}
		byName := &domain.ProductCatalogEntry{
			ID:          "cat-002",
			ProviderID:  "provider-001",
			ProductName: "Diesel",
			EnergyType:  domain.EnergyOther,
			CreatedAt:   time.Now().UTC(),
		}
		if err := repo.SaveCatalogEntry(ctx, tenantID, byCode); err != nil {
			t.Fatalf("SaveCatalogEntry failed: %v", err)
		}
		if err := repo.SaveCatalogEntry(ctx, tenantID, byName); err != nil {
			t.Fatalf("SaveCatalogEntry failed: %v", err)
		}

		// A code hit wins over a name hit
		entry, err := repo.FindCatalogEntry(ctx, tenantID, "provider-001", "D01", "Diesel")
		if err != nil {
			t.Fatalf("FindCatalogEntry failed: %v", err)
		}
		if entry.ID != "cat-001" {
			t.Errorf("expected code match cat-001, got %s", entry.ID)
		}

		entry, err = repo.FindCatalogEntry(ctx, tenantID, "provider-001", "", "Diesel")
		if err != nil {
			t.Fatalf("FindCatalogEntry by name failed: %v", err)
		}
		if entry.ID != "cat-002" {
			t.Errorf("expected name match cat-002, got %s", entry.ID)
		}

		_, err = repo.FindCatalogEntry(ctx, tenantID, "provider-001", "X99", "Unknown")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("CardMappings", func(t *testing.T) {
		now := time.Now().UTC()
		active := &domain.CardVehicleMapping{
			ID:         "map-001",
			ProviderID: "provider-001",
			CardNumber: "CARD001",
			VehicleID:  "vehicle-001",
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		inactive := &domain.CardVehicleMapping{
			ID:         "map-002",
			ProviderID: "provider-001",
			CardNumber: "CARD002",
			VehicleID:  "vehicle-001",
			Active:     false,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := repo.SaveCardMapping(ctx, tenantID, active); err != nil {
			t.Fatalf("SaveCardMapping failed: %v", err)
		}
		if err := repo.SaveCardMapping(ctx, tenantID, inactive); err != nil {
			t.Fatalf("SaveCardMapping failed: %v", err)
		}

		m, err := repo.FindActiveCardMapping(ctx, tenantID, "provider-001", "CARD001")
		if err != nil {
			t.Fatalf("FindActiveCardMapping failed: %v", err)
		}
		if m.VehicleID != "vehicle-001" {
			t.Errorf("expected vehicle-001, got %s", m.VehicleID)
		}

		_, err = repo.FindActiveCardMapping(ctx, tenantID, "provider-001", "CARD002")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for inactive mapping, got: %v", err)
		}
	})

	t.Run("ClassificationRules", func(t *testing.T) {
		now := time.Now().UTC()
		rules := []*domain.ClassificationRule{
			{ID: "rule-002", Name: "adblue", Expression: `product_name.contains("adblue")`, EnergyType: domain.EnergyOther, Priority: 20, Enabled: true, CreatedAt: now, UpdatedAt: now},
			{ID: "rule-001", Name: "hvo", Expression: `product_name.contains("hvo")`, EnergyType: domain.EnergyFuel, Priority: 10, Enabled: true, CreatedAt: now, UpdatedAt: now},
			{ID: "rule-003", Name: "disabled", Expression: `true`, EnergyType: domain.EnergyFuel, Priority: 1, Enabled: false, CreatedAt: now, UpdatedAt: now},
		}
		for _, rule := range rules {
			if err := repo.SaveClassificationRule(ctx, tenantID, rule); err != nil {
				t.Fatalf("SaveClassificationRule failed: %v", err)
			}
		}

		listed, err := repo.ListClassificationRules(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListClassificationRules failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected 2 enabled rules, got %d", len(listed))
		}
		if listed[0].ID != "rule-001" || listed[1].ID != "rule-002" {
			t.Errorf("expected priority order rule-001, rule-002; got %s, %s", listed[0].ID, listed[1].ID)
		}

		other := &domain.ClassificationRule{ID: "rule-004", Name: "lpg", Expression: `product_name.contains("lpg")`, EnergyType: domain.EnergyFuel, Priority: 5, Enabled: true, CreatedAt: now, UpdatedAt: now}
		if err := repo.SaveClassificationRule(ctx, "tenant-002", other); err != nil {
			t.Fatalf("SaveClassificationRule failed: %v", err)
		}

		all, err := repo.ListAllClassificationRules(ctx)
		if err != nil {
			t.Fatalf("ListAllClassificationRules failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 enabled rules across tenants, got %d", len(all))
		}
		for _, rule := range all {
			if rule.TenantID == "" {
				t.Errorf("rule %s is missing its tenant", rule.ID)
			}
		}
		if all[2].ID != "rule-004" || all[2].TenantID != "tenant-002" {
			t.Errorf("expected rule-004 under tenant-002 last, got %s under %s", all[2].ID, all[2].TenantID)
		}
	})

	t.Run("SyncExecutions", func(t *testing.T) {
		exec := &domain.SyncExecution{
			ID:         "exec-001",
			ProviderID: "provider-001",
			StartedAt:  time.Now().UTC(),
		}
		if err := repo.SaveSyncExecution(ctx, tenantID, exec); err != nil {
			t.Fatalf("SaveSyncExecution failed: %v", err)
		}

		uv := domain.UnidentifiedVehicle{TransactionID: "tx-010", Plate: "XX-000-XX"}
		if err := repo.AppendUnidentifiedVehicle(ctx, tenantID, "exec-001", uv); err != nil {
			t.Fatalf("AppendUnidentifiedVehicle failed: %v", err)
		}
		uv2 := domain.UnidentifiedVehicle{TransactionID: "tx-011", Plate: "YY-111-YY"}
		if err := repo.AppendUnidentifiedVehicle(ctx, tenantID, "exec-001", uv2); err != nil {
			t.Fatalf("AppendUnidentifiedVehicle failed: %v", err)
		}

		err := repo.AppendUnidentifiedVehicle(ctx, tenantID, "exec-missing", uv)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown execution, got: %v", err)
		}

		summary := domain.RunSummary{Processed: 5, Matched: 3, Unmatched: 1, Ignored: 1}
		if err := repo.FinishSyncExecution(ctx, tenantID, "exec-001", summary); err != nil {
			t.Fatalf("FinishSyncExecution failed: %v", err)
		}

		retrieved, err := repo.GetSyncExecution(ctx, tenantID, "exec-001")
		if err != nil {
			t.Fatalf("GetSyncExecution failed: %v", err)
		}
		if retrieved.FinishedAt == nil {
			t.Error("expected FinishedAt to be set")
		}
		if retrieved.Summary != summary {
			t.Errorf("expected summary %+v, got %+v", summary, retrieved.Summary)
		}
		if len(retrieved.UnidentifiedVehicles) != 2 {
			t.Fatalf("expected 2 unidentified vehicles, got %v", retrieved.UnidentifiedVehicles)
		}
		if retrieved.UnidentifiedVehicles[0].TransactionID != "tx-010" || retrieved.UnidentifiedVehicles[1].TransactionID != "tx-011" {
			t.Errorf("expected appends preserved in order, got %v", retrieved.UnidentifiedVehicles)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
