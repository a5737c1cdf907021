package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EnergyType is the product classification of a transaction.
type EnergyType string

const (
	EnergyFuel     EnergyType = "fuel"
	EnergyElectric EnergyType = "electric"
	EnergyOther    EnergyType = "other"
)

// EventType is the telemetry event variant.
type EventType string

const (
	// EventRefueling is an internal-combustion refueling, quantity in litres.
	EventRefueling EventType = "refueling"

	// EventElectricCharge is an EV charge, quantity in kWh.
	EventElectricCharge EventType = "electric_charge"
)

// EventTypeFor maps an energy type to the telemetry variant it reconciles
// against. EnergyOther has no variant and returns false.
func EventTypeFor(et EnergyType) (EventType, bool) {
	switch et {
	case EnergyFuel:
		return EventRefueling, true
	case EnergyElectric:
		return EventElectricCharge, true
	default:
		return "", false
	}
}

// TelemetryEvent is a vehicle-reported refueling or electric charge produced
// by the normalization pipeline. The reconciliation engine mutates it only at
// link time: FinancialTransactionID, Cost, Currency and IsReconciled are set
// together inside the atomic link.
type TelemetryEvent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	VehicleID string    `json:"vehicleId"`
	Type      EventType `json:"type"`

	EventTimestamp time.Time `json:"eventTimestamp"`

	// Quantity is litres for refuelings, kWh for electric charges.
	Quantity decimal.Decimal `json:"quantity"`

	// Link fields, nil/zero until the event is claimed by a transaction.
	FinancialTransactionID *string          `json:"financialTransactionId,omitempty"`
	Cost                   *decimal.Decimal `json:"cost,omitempty"`
	Currency               string           `json:"currency,omitempty"`
	IsReconciled           bool             `json:"isReconciled"`

	CreatedAt time.Time `json:"createdAt"`
}

// TelemetryEventRequest is the API payload for ingesting a normalized event.
type TelemetryEventRequest struct {
	VehicleID      string          `json:"vehicleId" validate:"required"`
	Type           EventType       `json:"type" validate:"required"`
	EventTimestamp time.Time       `json:"eventTimestamp" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
}

// ToEvent converts a request to an unreconciled TelemetryEvent.
func (r *TelemetryEventRequest) ToEvent() *TelemetryEvent {
	return &TelemetryEvent{
		VehicleID:      r.VehicleID,
		Type:           r.Type,
		EventTimestamp: r.EventTimestamp,
		Quantity:       r.Quantity,
		CreatedAt:      time.Now().UTC(),
	}
}
