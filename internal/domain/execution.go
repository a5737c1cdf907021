package domain

import "time"

// RunSummary is the aggregate result of one reconciliation run.
type RunSummary struct {
	Processed int `json:"processed"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Ignored   int `json:"ignored"`
}

// Add folds another summary into this one.
func (s *RunSummary) Add(other RunSummary) {
	s.Processed += other.Processed
	s.Matched += other.Matched
	s.Unmatched += other.Unmatched
	s.Ignored += other.Ignored
}

// UnidentifiedVehicle records a transaction whose vehicle could not be
// resolved, kept on the sync execution for operator alerting.
type UnidentifiedVehicle struct {
	TransactionID string `json:"transactionId"`
	Plate         string `json:"plate,omitempty"`
	CardNumber    string `json:"cardNumber,omitempty"`
}

// SyncExecution is the record of one import/reconciliation run. The import
// pipeline creates it; the reconciliation engine appends unidentified
// vehicles and final counters to it best-effort.
type SyncExecution struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	ProviderID string     `json:"providerId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Summary RunSummary `json:"summary"`

	UnidentifiedVehicles []UnidentifiedVehicle `json:"unidentifiedVehicles,omitempty"`
}
