package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS financial_transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    sync_execution_id TEXT,
    transaction_date TIMESTAMP NOT NULL,
    product_code TEXT,
    product_name TEXT,
    quantity NUMERIC NOT NULL,
    total_amount NUMERIC NOT NULL,
    currency TEXT NOT NULL,
    vehicle_plate TEXT,
    card_number TEXT,
    status TEXT NOT NULL,
    match_confidence REAL,
    telemetry_event_id TEXT,
    reconciliation_metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fin_tx_tenant ON financial_transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fin_tx_status ON financial_transactions(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_fin_tx_provider ON financial_transactions(tenant_id, provider_id, status);
CREATE INDEX IF NOT EXISTS idx_fin_tx_date ON financial_transactions(tenant_id, transaction_date);
`

// The partial unique index is what enforces the at-most-one-link invariant:
// two transactions can never hold a claim on the same event.
const schemaTelemetryEvents = `
CREATE TABLE IF NOT EXISTS telemetry_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    vehicle_id TEXT NOT NULL,
    type TEXT NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    quantity NUMERIC NOT NULL,
    financial_transaction_id TEXT,
    cost NUMERIC,
    currency TEXT,
    is_reconciled INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_telemetry_tenant ON telemetry_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_candidates ON telemetry_events(tenant_id, vehicle_id, type, event_timestamp);
CREATE UNIQUE INDEX IF NOT EXISTS idx_telemetry_claim
    ON telemetry_events(tenant_id, financial_transaction_id)
    WHERE financial_transaction_id IS NOT NULL;
`

const schemaVehicles = `
CREATE TABLE IF NOT EXISTS vehicles (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    plate TEXT NOT NULL,
    normalized_plate TEXT NOT NULL,
    name TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vehicles_plate ON vehicles(tenant_id, normalized_plate);
`

const schemaProductCatalog = `
CREATE TABLE IF NOT EXISTS product_catalog (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    product_code TEXT,
    product_name TEXT,
    energy_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_catalog_code ON product_catalog(tenant_id, provider_id, product_code);
CREATE INDEX IF NOT EXISTS idx_catalog_name ON product_catalog(tenant_id, provider_id, product_name);
`

const schemaCardMappings = `
CREATE TABLE IF NOT EXISTS card_vehicle_mappings (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    card_number TEXT NOT NULL,
    vehicle_id TEXT NOT NULL,
    alternate_plate TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_card_mappings_lookup ON card_vehicle_mappings(tenant_id, provider_id, card_number, active);
`

const schemaClassificationRules = `
CREATE TABLE IF NOT EXISTS classification_rules (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    energy_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_class_rules_tenant ON classification_rules(tenant_id, enabled);
`

const schemaSyncExecutions = `
CREATE TABLE IF NOT EXISTS sync_executions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    processed INTEGER NOT NULL DEFAULT 0,
    matched INTEGER NOT NULL DEFAULT 0,
    unmatched INTEGER NOT NULL DEFAULT 0,
    ignored INTEGER NOT NULL DEFAULT 0,
    unidentified_vehicles TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_exec_tenant ON sync_executions(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaTelemetryEvents,
		schemaVehicles,
		schemaProductCatalog,
		schemaCardMappings,
		schemaClassificationRules,
		schemaSyncExecutions,
	}
}
