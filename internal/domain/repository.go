// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventLink is the payload for the atomic link between a financial
// transaction and a telemetry event. Cost and Currency are propagated onto
// the event; Confidence and Metadata onto the transaction.
type EventLink struct {
	TransactionID string
	EventID       string
	Confidence    float64
	Cost          decimal.Decimal
	Currency      string
	Metadata      *ReconciliationMetadata
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Financial transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *FinancialTransaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*FinancialTransaction, error)
	ListPendingTransactions(ctx context.Context, tenantID string, providerID string) ([]*FinancialTransaction, error)
	GetTransactionsByIDs(ctx context.Context, tenantID string, ids []string) ([]*FinancialTransaction, error)

	// UpdateTransactionOutcome records a terminal non-match state
	// (unmatched or ignored) together with its diagnostic metadata.
	UpdateTransactionOutcome(ctx context.Context, tenantID string, txID string, status TransactionStatus, meta *ReconciliationMetadata) error

	// Telemetry event operations
	SaveTelemetryEvent(ctx context.Context, tenantID string, ev *TelemetryEvent) error
	GetTelemetryEvent(ctx context.Context, tenantID string, eventID string) (*TelemetryEvent, error)

	// FindCandidateEvents returns unlinked events of the given variant for
	// the vehicle whose timestamp falls within [from, to] inclusive.
	FindCandidateEvents(ctx context.Context, tenantID string, vehicleID string, eventType EventType, from, to time.Time) ([]*TelemetryEvent, error)

	// LinkTransactionEvent atomically claims the event (update-if-null) and
	// marks the transaction matched. Returns ErrEventClaimed if another run
	// linked the event first, ErrTransactionNotPending if the transaction
	// already reached a terminal state.
	LinkTransactionEvent(ctx context.Context, tenantID string, link *EventLink) error

	// Vehicle operations
	SaveVehicle(ctx context.Context, tenantID string, v *Vehicle) error
	GetVehicle(ctx context.Context, tenantID string, vehicleID string) (*Vehicle, error)
	FindVehicleByPlate(ctx context.Context, tenantID string, normalizedPlate string) (*Vehicle, error)

	// Product catalog operations
	SaveCatalogEntry(ctx context.Context, tenantID string, entry *ProductCatalogEntry) error
	FindCatalogEntry(ctx context.Context, tenantID string, providerID string, productCode, productName string) (*ProductCatalogEntry, error)

	// Card-to-vehicle mapping operations
	SaveCardMapping(ctx context.Context, tenantID string, m *CardVehicleMapping) error
	FindActiveCardMapping(ctx context.Context, tenantID string, providerID string, normalizedCard string) (*CardVehicleMapping, error)

	// Classification rule operations
	SaveClassificationRule(ctx context.Context, tenantID string, rule *ClassificationRule) error
	ListClassificationRules(ctx context.Context, tenantID string) ([]*ClassificationRule, error)

	// ListAllClassificationRules returns enabled rules across all tenants,
	// each carrying its TenantID. Used to restore the rule engine at startup.
	ListAllClassificationRules(ctx context.Context) ([]*ClassificationRule, error)

	// Sync execution bookkeeping
	SaveSyncExecution(ctx context.Context, tenantID string, exec *SyncExecution) error
	GetSyncExecution(ctx context.Context, tenantID string, execID string) (*SyncExecution, error)
	AppendUnidentifiedVehicle(ctx context.Context, tenantID string, execID string, uv UnidentifiedVehicle) error
	FinishSyncExecution(ctx context.Context, tenantID string, execID string, summary RunSummary) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
