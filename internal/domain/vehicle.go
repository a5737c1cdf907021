package domain

import "time"

// Vehicle is a fleet vehicle known to the tenant. NormalizedPlate is the
// uppercase, whitespace-stripped form plate lookups run against.
type Vehicle struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Plate           string `json:"plate"`
	NormalizedPlate string `json:"normalizedPlate"`
	Name            string `json:"name,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// CardVehicleMapping maps a provider card to a vehicle for a tenant.
// Card numbers are stored normalized (uppercase, whitespace-stripped).
type CardVehicleMapping struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	ProviderID     string `json:"providerId"`
	CardNumber     string `json:"cardNumber"`
	VehicleID      string `json:"vehicleId"`
	AlternatePlate string `json:"alternatePlate,omitempty"`
	Active         bool   `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProductCatalogEntry is a per-provider static mapping of a product code or
// name to an energy type. Catalog hits are authoritative over any inference.
type ProductCatalogEntry struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	ProviderID  string     `json:"providerId"`
	ProductCode string     `json:"productCode,omitempty"`
	ProductName string     `json:"productName,omitempty"`
	EnergyType  EnergyType `json:"energyType"`

	CreatedAt time.Time `json:"createdAt"`
}
