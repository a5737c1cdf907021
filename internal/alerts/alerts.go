// Package alerts raises operator alerts for repeated identification failures.
//
// Every transaction whose vehicle cannot be resolved increments a rolling
// counter keyed by the card or plate that failed. When the counter crosses
// the threshold inside the window, an alert is published so an operator can
// create the missing card mapping or fix the plate.
package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/openfleet/harrier/internal/domain"
)

// Service tracks identification failures via cache counters.
type Service struct {
	cache     domain.Cache
	bus       domain.EventBus
	threshold int
	window    time.Duration
}

// NewService creates an alert service. bus may be nil; alerts are then
// only logged.
func NewService(cache domain.Cache, bus domain.EventBus, threshold int, window time.Duration) *Service {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Service{cache: cache, bus: bus, threshold: threshold, window: window}
}

// Alert is the payload published on the vehicle-unidentified topic.
type Alert struct {
	TenantID      string `json:"tenantId"`
	Identifier    string `json:"identifier"`
	Failures      int64  `json:"failures"`
	WindowSeconds int64  `json:"windowSeconds"`
	TransactionID string `json:"transactionId"`
}

// RecordUnidentified counts one identification failure. Best-effort: cache
// or bus errors are logged, never propagated, so alerting can never fail a
// reconciliation run.
func (s *Service) RecordUnidentified(ctx context.Context, tenantID string, uv domain.UnidentifiedVehicle) {
	identifier := uv.CardNumber
	if identifier == "" {
		identifier = uv.Plate
	}
	if identifier == "" {
		identifier = "no-identifier"
	}

	count, err := s.cache.IncrementCounter(ctx, tenantID, "unidentified:"+identifier, s.window)
	if err != nil {
		slog.Warn("failed to increment unidentified counter",
			"tenant_id", tenantID,
			"identifier", identifier,
			"error", err,
		)
		return
	}

	if count < int64(s.threshold) {
		return
	}

	alert := Alert{
		TenantID:      tenantID,
		Identifier:    identifier,
		Failures:      count,
		WindowSeconds: int64(s.window.Seconds()),
		TransactionID: uv.TransactionID,
	}

	slog.Warn("vehicle identification failing repeatedly",
		"tenant_id", tenantID,
		"identifier", identifier,
		"failures", count,
	)

	if s.bus == nil {
		return
	}

	payload, _ := json.Marshal(alert)
	if err := s.bus.Publish(ctx, tenantID, domain.TopicVehicleUnidentified, payload); err != nil {
		slog.Warn("failed to publish unidentified-vehicle alert",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
