// Package identifier resolves a financial transaction to a fleet vehicle.
//
// The cascade tries the transaction's plate first, then its card number via
// the active card-to-vehicle mappings. Failing both is not an error; the
// reconciler records it as vehicle_not_identified.
package identifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/openfleet/harrier/internal/domain"
	"github.com/openfleet/harrier/internal/repository"
)

const mappingCacheTTL = 10 * time.Minute

// Normalize uppercases an identifier and strips all whitespace, so that
// " ab-123 cd " and "AB-123CD" compare equal. Plates and card numbers are
// only ever compared in this form.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Identifier resolves transactions to vehicles.
type Identifier struct {
	repo  domain.Repository
	cache domain.Cache
}

// New creates an identifier. cache may be nil.
func New(repo domain.Repository, cache domain.Cache) *Identifier {
	return &Identifier{repo: repo, cache: cache}
}

// Identify runs the plate-then-card cascade. Returns nil, nil when the
// transaction carries no usable identifier or nothing matches.
func (i *Identifier) Identify(ctx context.Context, tenantID string, tx *domain.FinancialTransaction) (*domain.Vehicle, error) {
	if plate := Normalize(tx.VehiclePlate); plate != "" {
		v, err := i.repo.FindVehicleByPlate(ctx, tenantID, plate)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	if card := Normalize(tx.CardNumber); card != "" {
		m, err := i.lookupMapping(ctx, tenantID, tx.ProviderID, card)
		if err != nil {
			return nil, err
		}
		if m != nil {
			v, err := i.repo.GetVehicle(ctx, tenantID, m.VehicleID)
			if err == nil {
				return v, nil
			}
			// A mapping pointing at a deleted vehicle resolves nothing.
			if !errors.Is(err, repository.ErrNotFound) {
				return nil, err
			}
		}
	}

	return nil, nil
}

// lookupMapping checks the cache, then the repository, for an active card
// mapping. Only positive hits are cached: a missing mapping is often fixed
// by an operator mid-run and must be seen immediately.
func (i *Identifier) lookupMapping(ctx context.Context, tenantID, providerID, normalizedCard string) (*domain.CardVehicleMapping, error) {
	key := "cardmap:" + providerID + ":" + normalizedCard

	if i.cache != nil {
		if val, err := i.cache.Get(ctx, tenantID, key); err == nil && val != nil {
			var m domain.CardVehicleMapping
			if err := json.Unmarshal(val, &m); err == nil {
				return &m, nil
			}
		}
	}

	m, err := i.repo.FindActiveCardMapping(ctx, tenantID, providerID, normalizedCard)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if i.cache != nil {
		if b, err := json.Marshal(m); err == nil {
			_ = i.cache.Set(ctx, tenantID, key, b, mappingCacheTTL)
		}
	}

	return m, nil
}
