// Package matcher finds and scores telemetry candidates for a transaction.
//
// Candidates are unlinked events of the right variant for the resolved
// vehicle inside a symmetric time window around the transaction. Each is
// scored 0-100 from its time and quantity deltas; the reconciler accepts
// the best candidate at or above the confidence threshold.
package matcher

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/openfleet/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

// Scoring constants. The window bounds the time delta, so the time penalty
// spans 0-30; the quantity penalty is capped at 40.
const (
	// DefaultWindow is the candidate search window on each side of the
	// transaction timestamp. Covers clock skew and reporting latency
	// between a card swipe and the telemetry event.
	DefaultWindow = 2 * time.Hour

	// DefaultMinConfidence is the acceptance threshold for the best score.
	DefaultMinConfidence = 60.0

	maxTimePenalty     = 30.0
	maxQuantityPenalty = 40.0
)

// Candidate is a scored telemetry event.
type Candidate struct {
	Event *domain.TelemetryEvent

	// Score is the 0-100 confidence, rounded to 2 decimal places.
	Score float64

	// TimeDiff is the absolute delta between event and transaction timestamps.
	TimeDiff time.Duration

	// QuantityDiff is the absolute quantity delta in the event's unit.
	QuantityDiff decimal.Decimal
}

// Finder retrieves candidate events from the repository.
type Finder struct {
	repo   domain.Repository
	window time.Duration
}

// NewFinder creates a finder. A non-positive window falls back to DefaultWindow.
func NewFinder(repo domain.Repository, window time.Duration) *Finder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Finder{repo: repo, window: window}
}

// Window returns the configured search window.
func (f *Finder) Window() time.Duration {
	return f.window
}

// FindCandidates returns unreconciled events of the variant matching the
// energy type, for the vehicle, within the window around the transaction
// timestamp (inclusive bounds). An empty result is a valid outcome.
func (f *Finder) FindCandidates(ctx context.Context, tenantID string, vehicleID string, energyType domain.EnergyType, txTime time.Time) ([]*domain.TelemetryEvent, error) {
	eventType, ok := domain.EventTypeFor(energyType)
	if !ok {
		return nil, nil
	}

	from := txTime.Add(-f.window)
	to := txTime.Add(f.window)

	return f.repo.FindCandidateEvents(ctx, tenantID, vehicleID, eventType, from, to)
}

// Score computes the confidence for one candidate:
//
//	time_penalty     = (time_diff_minutes / 120) * 30
//	quantity_penalty = min(|Δqty| / tx_qty * 100, 40)
//	score            = max(100 - time_penalty - quantity_penalty, 0)
//
// rounded to 2 decimal places. A zero transaction quantity takes the full
// quantity penalty unless the event quantity is also zero.
func Score(txTime time.Time, txQuantity decimal.Decimal, ev *domain.TelemetryEvent) Candidate {
	timeDiff := txTime.Sub(ev.EventTimestamp)
	if timeDiff < 0 {
		timeDiff = -timeDiff
	}

	timePenalty := timeDiff.Minutes() / DefaultWindow.Minutes() * maxTimePenalty

	qtyDiff := txQuantity.Sub(ev.Quantity).Abs()

	var quantityPenalty float64
	switch {
	case txQuantity.IsZero() && qtyDiff.IsZero():
		quantityPenalty = 0
	case txQuantity.IsZero():
		quantityPenalty = maxQuantityPenalty
	default:
		pct, _ := qtyDiff.Div(txQuantity).Mul(decimal.NewFromInt(100)).Float64()
		quantityPenalty = math.Min(pct, maxQuantityPenalty)
	}

	score := 100 - timePenalty - quantityPenalty
	if score < 0 {
		score = 0
	}
	score = math.Round(score*100) / 100

	return Candidate{
		Event:        ev,
		Score:        score,
		TimeDiff:     timeDiff,
		QuantityDiff: qtyDiff,
	}
}

// Rank scores every candidate and orders them best-first. Equal scores are
// broken deterministically: smallest time delta first, then lowest event ID,
// so the outcome never depends on retrieval order.
func Rank(txTime time.Time, txQuantity decimal.Decimal, events []*domain.TelemetryEvent) []Candidate {
	candidates := make([]Candidate, 0, len(events))
	for _, ev := range events {
		candidates = append(candidates, Score(txTime, txQuantity, ev))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].TimeDiff != candidates[j].TimeDiff {
			return candidates[i].TimeDiff < candidates[j].TimeDiff
		}
		return candidates[i].Event.ID < candidates[j].Event.ID
	})

	return candidates
}

// Acceptable filters ranked candidates to those at or above the threshold,
// preserving order.
func Acceptable(candidates []Candidate, minConfidence float64) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= minConfidence {
			out = append(out, c)
		}
	}
	return out
}
