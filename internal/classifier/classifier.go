// Package classifier maps a transaction's product to an energy type.
//
// Resolution order: product catalog (authoritative), tenant CEL rules,
// keyword inference over the product name. Anything unresolved is "other"
// and will be ignored by the reconciler.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/openfleet/harrier/internal/domain"
	"github.com/openfleet/harrier/internal/repository"
)

// Keyword sets for name inference. Matched as substrings of the lowercased
// product name. Fuel is checked before electric, mirroring the catalog's
// dominant use.
var fuelKeywords = []string{
	"diesel", "gasoil", "gazole", "gasoline", "gasolina", "petrol",
	"benzin", "unleaded", "sp95", "sp98", "e85", "lpg", "glp",
	"autogas", "cng", "gnc", "fuel",
}

var electricKeywords = []string{
	"electric", "electrico", "elektri", "charg", "recharge", "kwh",
}

const catalogCacheTTL = 10 * time.Minute

// catalogMiss is the cached negative-lookup marker.
const catalogMiss = "-"

// Classifier resolves transactions to an energy type.
type Classifier struct {
	repo  domain.Repository
	cache domain.Cache
	rules *RuleEngine
}

// New creates a classifier. cache and rules may be nil; both stages are
// optional.
func New(repo domain.Repository, cache domain.Cache, rules *RuleEngine) *Classifier {
	return &Classifier{repo: repo, cache: cache, rules: rules}
}

// Classify determines the energy type for a transaction.
// Catalog hits are authoritative and returned immediately.
func (c *Classifier) Classify(ctx context.Context, tenantID string, tx *domain.FinancialTransaction) (domain.EnergyType, error) {
	if tx.ProductCode != "" || tx.ProductName != "" {
		entry, err := c.lookupCatalog(ctx, tenantID, tx.ProviderID, tx.ProductCode, tx.ProductName)
		if err != nil {
			return "", err
		}
		if entry != nil {
			return entry.EnergyType, nil
		}
	}

	if c.rules != nil {
		qty, _ := tx.Quantity.Float64()
		amount, _ := tx.TotalAmount.Float64()
		if et, ok := c.rules.Evaluate(tenantID, RuleInput{
			ProviderID:  tx.ProviderID,
			ProductCode: tx.ProductCode,
			ProductName: tx.ProductName,
			Quantity:    qty,
			TotalAmount: amount,
		}); ok {
			return et, nil
		}
	}

	return InferFromName(tx.ProductName), nil
}

// InferFromName classifies a product name by keyword matching alone.
// A blank name is "other".
func InferFromName(productName string) domain.EnergyType {
	name := strings.ToLower(strings.TrimSpace(productName))
	if name == "" {
		return domain.EnergyOther
	}

	for _, kw := range fuelKeywords {
		if strings.Contains(name, kw) {
			return domain.EnergyFuel
		}
	}
	for _, kw := range electricKeywords {
		if strings.Contains(name, kw) {
			return domain.EnergyElectric
		}
	}

	return domain.EnergyOther
}

// lookupCatalog checks the cache, then the repository. Both positive and
// negative results are cached; a batch of transactions from one provider
// hits the same handful of products repeatedly. The cache key carries the
// name verbatim because the repository lookup is case-sensitive.
func (c *Classifier) lookupCatalog(ctx context.Context, tenantID, providerID, code, name string) (*domain.ProductCatalogEntry, error) {
	key := "catalog:" + providerID + ":" + code + ":" + name

	if c.cache != nil {
		if val, err := c.cache.Get(ctx, tenantID, key); err == nil && val != nil {
			if string(val) == catalogMiss {
				return nil, nil
			}
			var entry domain.ProductCatalogEntry
			if err := json.Unmarshal(val, &entry); err == nil {
				return &entry, nil
			}
		}
	}

	entry, err := c.repo.FindCatalogEntry(ctx, tenantID, providerID, code, name)
	if errors.Is(err, repository.ErrNotFound) {
		if c.cache != nil {
			_ = c.cache.Set(ctx, tenantID, key, []byte(catalogMiss), catalogCacheTTL)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if b, err := json.Marshal(entry); err == nil {
			_ = c.cache.Set(ctx, tenantID, key, b, catalogCacheTTL)
		}
	}

	return entry, nil
}
