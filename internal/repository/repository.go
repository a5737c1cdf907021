// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfleet/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrEventClaimed is returned when the telemetry event was linked by
	// another transaction before this claim committed.
	ErrEventClaimed = errors.New("telemetry event already claimed")

	// ErrTransactionNotPending is returned when the financial transaction
	// already reached a terminal state.
	ErrTransactionNotPending = errors.New("transaction is not pending")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const txColumns = `id, tenant_id, provider_id, sync_execution_id, transaction_date,
	product_code, product_name, quantity, total_amount, currency,
	vehicle_plate, card_number, status, match_confidence, telemetry_event_id,
	reconciliation_metadata, created_at, updated_at`

// SaveTransaction stores a financial transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.FinancialTransaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var meta any
	if tx.ReconciliationMetadata != nil {
		b, _ := json.Marshal(tx.ReconciliationMetadata)
		meta = string(b)
	}

	query := `
		INSERT INTO financial_transactions (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.ProviderID, nullString(tx.SyncExecutionID), tx.TransactionDate,
		nullString(tx.ProductCode), nullString(tx.ProductName), tx.Quantity, tx.TotalAmount, tx.Currency,
		nullString(tx.VehiclePlate), nullString(tx.CardNumber), string(tx.Status), tx.MatchConfidence, tx.TelemetryEventID,
		meta, tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.FinancialTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + ` FROM financial_transactions WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// ListPendingTransactions returns all pending transactions for a tenant,
// optionally filtered by provider. This is the default reconciliation scope:
// unmatched transactions are deliberately not re-selected.
func (r *SQLRepository) ListPendingTransactions(ctx context.Context, tenantID string, providerID string) ([]*domain.FinancialTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + ` FROM financial_transactions WHERE tenant_id = ? AND status = ?`
	args := []any{tenantID, string(domain.StatusPending)}
	if providerID != "" {
		query += ` AND provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY transaction_date`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// GetTransactionsByIDs retrieves an explicit reconciliation scope.
func (r *SQLRepository) GetTransactionsByIDs(ctx context.Context, tenantID string, ids []string) ([]*domain.FinancialTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := `SELECT ` + txColumns + ` FROM financial_transactions WHERE tenant_id = ? AND id IN (` + placeholders + `) ORDER BY transaction_date`

	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// UpdateTransactionOutcome records a terminal non-match state with metadata.
func (r *SQLRepository) UpdateTransactionOutcome(ctx context.Context, tenantID string, txID string, status domain.TransactionStatus, meta *domain.ReconciliationMetadata) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var metaJSON any
	if meta != nil {
		b, _ := json.Marshal(meta)
		metaJSON = string(b)
	}

	query := `
		UPDATE financial_transactions
		SET status = ?, reconciliation_metadata = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(status), metaJSON, time.Now().UTC(), tenantID, txID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const eventColumns = `id, tenant_id, vehicle_id, type, event_timestamp, quantity,
	financial_transaction_id, cost, currency, is_reconciled, created_at`

// SaveTelemetryEvent stores a telemetry event with tenant isolation.
func (r *SQLRepository) SaveTelemetryEvent(ctx context.Context, tenantID string, ev *domain.TelemetryEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	reconciled := 0
	if ev.IsReconciled {
		reconciled = 1
	}

	query := `
		INSERT INTO telemetry_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.VehicleID, string(ev.Type), ev.EventTimestamp, ev.Quantity,
		ev.FinancialTransactionID, ev.Cost, nullString(ev.Currency), reconciled, ev.CreatedAt,
	)
	return err
}

// GetTelemetryEvent retrieves an event by ID with tenant isolation.
func (r *SQLRepository) GetTelemetryEvent(ctx context.Context, tenantID string, eventID string) (*domain.TelemetryEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + eventColumns + ` FROM telemetry_events WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// FindCandidateEvents returns unlinked events of the given variant for the
// vehicle within [from, to] inclusive.
func (r *SQLRepository) FindCandidateEvents(ctx context.Context, tenantID string, vehicleID string, eventType domain.EventType, from, to time.Time) ([]*domain.TelemetryEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + eventColumns + `
		FROM telemetry_events
		WHERE tenant_id = ?
		  AND vehicle_id = ?
		  AND type = ?
		  AND financial_transaction_id IS NULL
		  AND event_timestamp >= ?
		  AND event_timestamp <= ?
		ORDER BY event_timestamp
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, vehicleID, string(eventType), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TelemetryEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// LinkTransactionEvent atomically claims the event and marks the transaction
// matched. The event claim is conditional on financial_transaction_id still
// being NULL, so concurrent runs cannot double-link an event.
func (r *SQLRepository) LinkTransactionEvent(ctx context.Context, tenantID string, link *domain.EventLink) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if link == nil || link.TransactionID == "" || link.EventID == "" {
		return fmt.Errorf("%w: transaction and event IDs are required", ErrInvalidInput)
	}

	var metaJSON any
	if link.Metadata != nil {
		b, _ := json.Marshal(link.Metadata)
		metaJSON = string(b)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin link transaction: %w", err)
	}
	defer dbtx.Rollback()

	claim := `
		UPDATE telemetry_events
		SET financial_transaction_id = ?, cost = ?, currency = ?, is_reconciled = 1
		WHERE tenant_id = ? AND id = ? AND financial_transaction_id IS NULL
	`
	result, err := dbtx.ExecContext(ctx, r.rebind(claim),
		link.TransactionID, link.Cost, link.Currency, tenantID, link.EventID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventClaimed
	}

	// Re-submitted unmatched transactions may be linked too; matched and
	// ignored ones are terminal.
	mark := `
		UPDATE financial_transactions
		SET status = ?, match_confidence = ?, telemetry_event_id = ?,
		    reconciliation_metadata = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status IN (?, ?)
	`
	result, err = dbtx.ExecContext(ctx, r.rebind(mark),
		string(domain.StatusMatched), link.Confidence, link.EventID,
		metaJSON, time.Now().UTC(),
		tenantID, link.TransactionID, string(domain.StatusPending), string(domain.StatusUnmatched))
	if err != nil {
		return err
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotPending
	}

	return dbtx.Commit()
}

// SaveVehicle stores a vehicle with tenant isolation.
func (r *SQLRepository) SaveVehicle(ctx context.Context, tenantID string, v *domain.Vehicle) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO vehicles (id, tenant_id, plate, normalized_plate, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, tenantID, v.Plate, v.NormalizedPlate, nullString(v.Name), v.CreatedAt)
	return err
}

// GetVehicle retrieves a vehicle by ID with tenant isolation.
func (r *SQLRepository) GetVehicle(ctx context.Context, tenantID string, vehicleID string) (*domain.Vehicle, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT id, tenant_id, plate, normalized_plate, name, created_at FROM vehicles WHERE tenant_id = ? AND id = ?`
	return r.scanVehicleRow(ctx, query, tenantID, vehicleID)
}

// FindVehicleByPlate retrieves a vehicle by its normalized plate.
func (r *SQLRepository) FindVehicleByPlate(ctx context.Context, tenantID string, normalizedPlate string) (*domain.Vehicle, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT id, tenant_id, plate, normalized_plate, name, created_at FROM vehicles WHERE tenant_id = ? AND normalized_plate = ?`
	return r.scanVehicleRow(ctx, query, tenantID, normalizedPlate)
}

func (r *SQLRepository) scanVehicleRow(ctx context.Context, query string, args ...any) (*domain.Vehicle, error) {
	var v domain.Vehicle
	var name sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(
		&v.ID, &v.TenantID, &v.Plate, &v.NormalizedPlate, &name, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.Name = name.String
	return &v, nil
}

// SaveCatalogEntry stores a product catalog entry with tenant isolation.
func (r *SQLRepository) SaveCatalogEntry(ctx context.Context, tenantID string, entry *domain.ProductCatalogEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO product_catalog (id, tenant_id, provider_id, product_code, product_name, energy_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.ProviderID,
		nullString(entry.ProductCode), nullString(entry.ProductName),
		string(entry.EnergyType), entry.CreatedAt)
	return err
}

// FindCatalogEntry looks up a catalog entry by product code first, then by
// product name. A code hit wins over a name hit.
func (r *SQLRepository) FindCatalogEntry(ctx context.Context, tenantID string, providerID string, productCode, productName string) (*domain.ProductCatalogEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	if productCode != "" {
		entry, err := r.findCatalogBy(ctx, "product_code", tenantID, providerID, productCode)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if productName != "" {
		return r.findCatalogBy(ctx, "product_name", tenantID, providerID, productName)
	}

	return nil, ErrNotFound
}

func (r *SQLRepository) findCatalogBy(ctx context.Context, column, tenantID, providerID, value string) (*domain.ProductCatalogEntry, error) {
	query := `
		SELECT id, tenant_id, provider_id, product_code, product_name, energy_type, created_at
		FROM product_catalog
		WHERE tenant_id = ? AND provider_id = ? AND ` + column + ` = ?
		LIMIT 1
	`

	var entry domain.ProductCatalogEntry
	var code, name sql.NullString
	var et string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, providerID, value).Scan(
		&entry.ID, &entry.TenantID, &entry.ProviderID, &code, &name, &et, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	entry.ProductCode = code.String
	entry.ProductName = name.String
	entry.EnergyType = domain.EnergyType(et)
	return &entry, nil
}

// SaveCardMapping stores a card-to-vehicle mapping with tenant isolation.
func (r *SQLRepository) SaveCardMapping(ctx context.Context, tenantID string, m *domain.CardVehicleMapping) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	active := 0
	if m.Active {
		active = 1
	}

	query := `
		INSERT INTO card_vehicle_mappings (id, tenant_id, provider_id, card_number, vehicle_id, alternate_plate, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.ID, tenantID, m.ProviderID, m.CardNumber, m.VehicleID,
		nullString(m.AlternatePlate), active, m.CreatedAt, m.UpdatedAt)
	return err
}

// FindActiveCardMapping retrieves an active mapping for a normalized card number.
func (r *SQLRepository) FindActiveCardMapping(ctx context.Context, tenantID string, providerID string, normalizedCard string) (*domain.CardVehicleMapping, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, provider_id, card_number, vehicle_id, alternate_plate, active, created_at, updated_at
		FROM card_vehicle_mappings
		WHERE tenant_id = ? AND provider_id = ? AND card_number = ? AND active = 1
		LIMIT 1
	`

	var m domain.CardVehicleMapping
	var alt sql.NullString
	var active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, providerID, normalizedCard).Scan(
		&m.ID, &m.TenantID, &m.ProviderID, &m.CardNumber, &m.VehicleID,
		&alt, &active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.AlternatePlate = alt.String
	m.Active = active == 1
	return &m, nil
}

// SaveClassificationRule stores a classification rule with tenant isolation.
func (r *SQLRepository) SaveClassificationRule(ctx context.Context, tenantID string, rule *domain.ClassificationRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	query := `
		INSERT INTO classification_rules (id, tenant_id, provider_id, name, description, expression, energy_type, priority, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, nullString(rule.ProviderID), rule.Name, nullString(rule.Description),
		rule.Expression, string(rule.EnergyType), rule.Priority, enabled,
		rule.CreatedAt, rule.UpdatedAt)
	return err
}

// ListClassificationRules retrieves enabled rules for a tenant, priority order.
func (r *SQLRepository) ListClassificationRules(ctx context.Context, tenantID string) ([]*domain.ClassificationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, provider_id, name, description, expression, energy_type, priority, enabled, created_at, updated_at
		FROM classification_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority, name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ClassificationRule
	for rows.Next() {
		var rule domain.ClassificationRule
		var providerID, description sql.NullString
		var et string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &providerID, &rule.Name, &description,
			&rule.Expression, &et, &rule.Priority, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.ProviderID = providerID.String
		rule.Description = description.String
		rule.EnergyType = domain.EnergyType(et)
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// ListAllClassificationRules retrieves enabled rules for every tenant,
// grouped by tenant in priority order. Used to restore the rule engine at
// startup; each rule carries its TenantID.
func (r *SQLRepository) ListAllClassificationRules(ctx context.Context) ([]*domain.ClassificationRule, error) {
	query := `
		SELECT id, tenant_id, provider_id, name, description, expression, energy_type, priority, enabled, created_at, updated_at
		FROM classification_rules
		WHERE enabled = 1
		ORDER BY tenant_id, priority, name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ClassificationRule
	for rows.Next() {
		var rule domain.ClassificationRule
		var providerID, description sql.NullString
		var et string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &providerID, &rule.Name, &description,
			&rule.Expression, &et, &rule.Priority, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.ProviderID = providerID.String
		rule.Description = description.String
		rule.EnergyType = domain.EnergyType(et)
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveSyncExecution stores a sync execution record with tenant isolation.
func (r *SQLRepository) SaveSyncExecution(ctx context.Context, tenantID string, exec *domain.SyncExecution) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var unidentified any
	if len(exec.UnidentifiedVehicles) > 0 {
		b, _ := json.Marshal(exec.UnidentifiedVehicles)
		unidentified = string(b)
	}

	query := `
		INSERT INTO sync_executions (id, tenant_id, provider_id, started_at, finished_at, processed, matched, unmatched, ignored, unidentified_vehicles)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		exec.ID, tenantID, exec.ProviderID, exec.StartedAt, exec.FinishedAt,
		exec.Summary.Processed, exec.Summary.Matched, exec.Summary.Unmatched, exec.Summary.Ignored,
		unidentified)
	return err
}

// GetSyncExecution retrieves a sync execution by ID with tenant isolation.
func (r *SQLRepository) GetSyncExecution(ctx context.Context, tenantID string, execID string) (*domain.SyncExecution, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, provider_id, started_at, finished_at, processed, matched, unmatched, ignored, unidentified_vehicles
		FROM sync_executions
		WHERE tenant_id = ? AND id = ?
	`

	var exec domain.SyncExecution
	var finished sql.NullTime
	var unidentified sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, execID).Scan(
		&exec.ID, &exec.TenantID, &exec.ProviderID, &exec.StartedAt, &finished,
		&exec.Summary.Processed, &exec.Summary.Matched, &exec.Summary.Unmatched, &exec.Summary.Ignored,
		&unidentified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if finished.Valid {
		t := finished.Time
		exec.FinishedAt = &t
	}
	if unidentified.Valid && unidentified.String != "" {
		json.Unmarshal([]byte(unidentified.String), &exec.UnidentifiedVehicles)
	}

	return &exec, nil
}

// AppendUnidentifiedVehicle appends to the execution's unidentified list.
// The read and the write run in one DB transaction so concurrent appends
// to the same execution cannot drop each other's entries.
func (r *SQLRepository) AppendUnidentifiedVehicle(ctx context.Context, tenantID string, execID string, uv domain.UnidentifiedVehicle) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	var current sql.NullString
	query := `SELECT unidentified_vehicles FROM sync_executions WHERE tenant_id = ? AND id = ?`
	err = dbTx.QueryRowContext(ctx, r.rebind(query), tenantID, execID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var list []domain.UnidentifiedVehicle
	if current.Valid && current.String != "" {
		json.Unmarshal([]byte(current.String), &list)
	}
	list = append(list, uv)
	b, _ := json.Marshal(list)

	update := `UPDATE sync_executions SET unidentified_vehicles = ? WHERE tenant_id = ? AND id = ?`
	if _, err := dbTx.ExecContext(ctx, r.rebind(update), string(b), tenantID, execID); err != nil {
		return err
	}

	return dbTx.Commit()
}

// FinishSyncExecution records the run summary and completion time.
func (r *SQLRepository) FinishSyncExecution(ctx context.Context, tenantID string, execID string, summary domain.RunSummary) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE sync_executions
		SET finished_at = ?, processed = ?, matched = ?, unmatched = ?, ignored = ?
		WHERE tenant_id = ? AND id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		time.Now().UTC(), summary.Processed, summary.Matched, summary.Unmatched, summary.Ignored,
		tenantID, execID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.FinancialTransaction, error) {
	var tx domain.FinancialTransaction
	var syncID, productCode, productName, plate, card, eventID, meta sql.NullString
	var confidence sql.NullFloat64
	var status string

	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.ProviderID, &syncID, &tx.TransactionDate,
		&productCode, &productName, &tx.Quantity, &tx.TotalAmount, &tx.Currency,
		&plate, &card, &status, &confidence, &eventID,
		&meta, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.SyncExecutionID = syncID.String
	tx.ProductCode = productCode.String
	tx.ProductName = productName.String
	tx.VehiclePlate = plate.String
	tx.CardNumber = card.String
	tx.Status = domain.TransactionStatus(status)
	if confidence.Valid {
		v := confidence.Float64
		tx.MatchConfidence = &v
	}
	if eventID.Valid {
		v := eventID.String
		tx.TelemetryEventID = &v
	}
	if meta.Valid && meta.String != "" {
		var m domain.ReconciliationMetadata
		if err := json.Unmarshal([]byte(meta.String), &m); err == nil {
			tx.ReconciliationMetadata = &m
		}
	}

	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*domain.FinancialTransaction, error) {
	var transactions []*domain.FinancialTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanEvent(row rowScanner) (*domain.TelemetryEvent, error) {
	var ev domain.TelemetryEvent
	var txID, cost, currency sql.NullString
	var evType string
	var reconciled int

	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.VehicleID, &evType, &ev.EventTimestamp, &ev.Quantity,
		&txID, &cost, &currency, &reconciled, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Type = domain.EventType(evType)
	if txID.Valid {
		v := txID.String
		ev.FinancialTransactionID = &v
	}
	if cost.Valid && cost.String != "" {
		if d, err := decimalFromString(cost.String); err == nil {
			ev.Cost = &d
		}
	}
	ev.Currency = currency.String
	ev.IsReconciled = reconciled == 1

	return &ev, nil
}

func decimalFromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
