package domain

import "time"

// ClassificationRule is an optional tenant-defined CEL expression evaluated
// during product classification, after the catalog and before keyword
// inference. The expression sees product_code, product_name, provider_id,
// quantity and total_amount; when it evaluates true the rule's energy type
// is returned.
type ClassificationRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	ProviderID  string     `json:"providerId,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Expression  string     `json:"expression"`
	EnergyType  EnergyType `json:"energyType"`

	// Priority orders rule evaluation, lowest first.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
