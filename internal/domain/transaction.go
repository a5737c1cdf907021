package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the reconciliation state of a financial transaction.
type TransactionStatus string

const (
	// StatusPending means the transaction has not been reconciled yet.
	StatusPending TransactionStatus = "pending"

	// StatusMatched means the transaction is linked to exactly one telemetry event.
	StatusMatched TransactionStatus = "matched"

	// StatusUnmatched means reconciliation ran but found no acceptable event.
	StatusUnmatched TransactionStatus = "unmatched"

	// StatusIgnored means the product was classified as neither fuel nor electric.
	StatusIgnored TransactionStatus = "ignored"
)

// Unmatched reasons recorded in ReconciliationMetadata.
const (
	ReasonVehicleNotIdentified = "vehicle_not_identified"
	ReasonNoTelemetryFound     = "no_telemetry_found"
	ReasonReconciliationError  = "reconciliation_error"
)

// MatchedByAuto marks links created by the reconciliation engine itself.
const MatchedByAuto = "auto"

// FinancialTransaction is a normalized fuel-card or charge-card transaction
// produced by the ingestion pipeline. Once created, its status, confidence
// and metadata are mutated exclusively by the reconciliation engine.
type FinancialTransaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// ProviderID identifies the card provider that issued the record.
	ProviderID string `json:"providerId"`

	// SyncExecutionID references the import run that created the record.
	SyncExecutionID string `json:"syncExecutionId,omitempty"`

	TransactionDate time.Time `json:"transactionDate"`

	ProductCode string `json:"productCode,omitempty"`
	ProductName string `json:"productName,omitempty"`

	// Quantity is litres for fuel products, kWh for electric ones.
	Quantity    decimal.Decimal `json:"quantity"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Currency    string          `json:"currency"`

	// Identification hints, either may be blank.
	VehiclePlate string `json:"vehiclePlate,omitempty"`
	CardNumber   string `json:"cardNumber,omitempty"`

	Status TransactionStatus `json:"status"`

	// MatchConfidence is set only on matched transactions (0-100).
	MatchConfidence *float64 `json:"matchConfidence,omitempty"`

	// TelemetryEventID is the exclusive link to the matched event.
	TelemetryEventID *string `json:"telemetryEventId,omitempty"`

	ReconciliationMetadata *ReconciliationMetadata `json:"reconciliationMetadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReconciliationMetadata is the diagnostic payload attached to a transaction
// after reconciliation. For matched transactions it records the deltas the
// confidence score was computed from; for unmatched ones the reason and the
// identification hints that were attempted.
type ReconciliationMetadata struct {
	Reason string `json:"reason,omitempty"`

	// Attempted identification hints, preserved for audit and alerting.
	AttemptedPlate string `json:"attemptedPlate,omitempty"`
	AttemptedCard  string `json:"attemptedCard,omitempty"`

	// Match diagnostics.
	MatchedBy       string  `json:"matchedBy,omitempty"`
	EnergyType      string  `json:"energyType,omitempty"`
	TimeDiffMinutes float64 `json:"timeDiffMinutes,omitempty"`
	QuantityDiff    string  `json:"quantityDiff,omitempty"`
	CandidateCount  int     `json:"candidateCount,omitempty"`

	// Failure diagnostics for reconciliation_error.
	Error string `json:"error,omitempty"`
	Trace string `json:"trace,omitempty"`
}

// TransactionRequest is the API payload for ingesting a normalized transaction.
type TransactionRequest struct {
	ProviderID      string          `json:"providerId" validate:"required"`
	SyncExecutionID string          `json:"syncExecutionId,omitempty"`
	TransactionDate time.Time       `json:"transactionDate" validate:"required"`
	ProductCode     string          `json:"productCode,omitempty"`
	ProductName     string          `json:"productName,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	VehiclePlate    string          `json:"vehiclePlate,omitempty"`
	CardNumber      string          `json:"cardNumber,omitempty"`
}

// ToTransaction converts a request to a pending FinancialTransaction.
func (r *TransactionRequest) ToTransaction() *FinancialTransaction {
	now := time.Now().UTC()
	return &FinancialTransaction{
		ProviderID:      r.ProviderID,
		SyncExecutionID: r.SyncExecutionID,
		TransactionDate: r.TransactionDate,
		ProductCode:     r.ProductCode,
		ProductName:     r.ProductName,
		Quantity:        r.Quantity,
		TotalAmount:     r.TotalAmount,
		Currency:        r.Currency,
		VehiclePlate:    r.VehiclePlate,
		CardNumber:      r.CardNumber,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
