package matcher

import (
	"testing"
	"time"

	"github.com/openfleet/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

func event(id string, ts time.Time, qty float64) *domain.TelemetryEvent {
	return &domain.TelemetryEvent{
		ID:             id,
		VehicleID:      "vehicle-001",
		Type:           domain.EventRefueling,
		EventTimestamp: ts,
		Quantity:       decimal.NewFromFloat(qty),
	}
}

func TestScore(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		txQty    float64
		evOffset time.Duration
		evQty    float64
		expected float64
	}{
		{"perfect match", 50, 0, 50, 100.00},
		{"max time delta only", 50, 2 * time.Hour, 50, 70.00},
		{"event before transaction", 50, -2 * time.Hour, 50, 70.00},
		{"five minutes one percent", 50, 5 * time.Minute, 49.5, 97.75},
		{"half quantity hits cap", 50, 0, 25, 60.00},
		{"quantity cap not exceeded", 50, 0, 1, 60.00},
		{"both penalties", 100, time.Hour, 90, 75.00},
		{"zero tx qty zero ev qty", 0, 0, 0, 100.00},
		{"zero tx qty nonzero ev qty", 0, 0, 30, 60.00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event("ev-001", base.Add(tt.evOffset), tt.evQty)
			c := Score(base, decimal.NewFromFloat(tt.txQty), ev)

			if c.Score != tt.expected {
				t.Errorf("Score = %.2f, want %.2f", c.Score, tt.expected)
			}
		})
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	// Max time penalty plus capped quantity penalty leaves 30; an extreme
	// time delta alone cannot push below zero, so combine both.
	ev := event("ev-001", base.Add(6*time.Hour), 1)
	c := Score(base, decimal.NewFromFloat(50), ev)
	if c.Score != 0 {
		t.Errorf("Score = %.2f, want 0", c.Score)
	}
}

func TestScoreRounding(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	// 7 minutes: time penalty 1.75. Quantity delta 1/3 of 60: penalty
	// 1.666..., so the score needs rounding to 2 decimal places.
	ev := event("ev-001", base.Add(7*time.Minute), 59)
	c := Score(base, decimal.NewFromFloat(60), ev)

	if c.Score != 96.58 {
		t.Errorf("Score = %v, want 96.58", c.Score)
	}
}

func TestRankDeterministicTieBreak(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	// Two identical events differing only in ID, presented in both orders.
	evA := event("ev-a", base.Add(10*time.Minute), 50)
	evB := event("ev-b", base.Add(10*time.Minute), 50)

	qty := decimal.NewFromFloat(50)

	first := Rank(base, qty, []*domain.TelemetryEvent{evA, evB})
	second := Rank(base, qty, []*domain.TelemetryEvent{evB, evA})

	if first[0].Event.ID != "ev-a" || second[0].Event.ID != "ev-a" {
		t.Errorf("expected ev-a to win the tie in both orders, got %s and %s",
			first[0].Event.ID, second[0].Event.ID)
	}
}

func TestRankOrdering(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	far := event("ev-far", base.Add(90*time.Minute), 50)
	near := event("ev-near", base.Add(5*time.Minute), 50)
	offQty := event("ev-offqty", base.Add(5*time.Minute), 20)

	ranked := Rank(base, decimal.NewFromFloat(50), []*domain.TelemetryEvent{far, offQty, near})

	if len(ranked) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(ranked))
	}
	if ranked[0].Event.ID != "ev-near" {
		t.Errorf("expected ev-near first, got %s", ranked[0].Event.ID)
	}
	if ranked[0].Score <= ranked[1].Score || ranked[1].Score < ranked[2].Score {
		t.Errorf("expected descending scores, got %.2f, %.2f, %.2f",
			ranked[0].Score, ranked[1].Score, ranked[2].Score)
	}
}

func TestAcceptableThresholdInclusive(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	// Exactly 70.00, exactly 60.00 after the quantity cap, and one below.
	atSeventy := Score(base, decimal.NewFromFloat(50), event("ev-70", base.Add(2*time.Hour), 50))
	atSixty := Score(base, decimal.NewFromFloat(50), event("ev-60", base, 25))
	below := Score(base, decimal.NewFromFloat(50), event("ev-low", base.Add(2*time.Hour), 25))

	accepted := Acceptable([]Candidate{atSeventy, atSixty, below}, DefaultMinConfidence)

	if len(accepted) != 2 {
		t.Fatalf("expected 2 acceptable candidates, got %d", len(accepted))
	}
	for _, c := range accepted {
		if c.Score < DefaultMinConfidence {
			t.Errorf("candidate %s below threshold: %.2f", c.Event.ID, c.Score)
		}
	}
}

func TestNewFinderDefaultWindow(t *testing.T) {
	f := NewFinder(nil, 0)
	if f.Window() != DefaultWindow {
		t.Errorf("expected default window %v, got %v", DefaultWindow, f.Window())
	}

	f = NewFinder(nil, 30*time.Minute)
	if f.Window() != 30*time.Minute {
		t.Errorf("expected 30m window, got %v", f.Window())
	}
}

func TestFindCandidatesOtherEnergyType(t *testing.T) {
	f := NewFinder(nil, 0)

	// EnergyOther has no telemetry variant; no repository call is made.
	events, err := f.FindCandidates(nil, "tenant-001", "vehicle-001", domain.EnergyOther, time.Now())
	if err != nil {
		t.Fatalf("FindCandidates failed: %v", err)
	}
	if events != nil {
		t.Errorf("expected no candidates for energy type other, got %d", len(events))
	}
}
