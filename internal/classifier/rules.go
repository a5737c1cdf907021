package classifier

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/openfleet/harrier/internal/domain"
)

// RuleEngine evaluates tenant-defined CEL classification rules. Rules run
// after the product catalog and before keyword inference; the first rule
// whose expression evaluates true decides the energy type. Rule sets are
// held per tenant: one tenant's rules never apply to another tenant's
// transactions.
type RuleEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string][]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.ClassificationRule
	Program cel.Program
}

// NewRuleEngine creates a rule engine with the product-classification
// CEL environment.
func NewRuleEngine() (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("product_code", cel.StringType),
		cel.Variable("product_name", cel.StringType),
		cel.Variable("provider_id", cel.StringType),
		cel.Variable("quantity", cel.DoubleType),
		cel.Variable("total_amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &RuleEngine{env: env, compiled: make(map[string][]*CompiledRule)}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *RuleEngine) ValidateRule(rule *domain.ClassificationRule) error {
	if rule == nil {
		return fmt.Errorf("classification rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(rule)
	return err
}

// ReloadRules replaces one tenant's rule set with new rules in priority
// order. Other tenants' rules are untouched.
func (e *RuleEngine) ReloadRules(tenantID string, rules []*domain.ClassificationRule) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	compiled, err := e.compileSet(rules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if len(compiled) == 0 {
		delete(e.compiled, tenantID)
	} else {
		e.compiled[tenantID] = compiled
	}
	e.mu.Unlock()

	return nil
}

// ReloadAll replaces every tenant's rule set at once, grouping rules by
// their TenantID. Used at startup to restore the engine from the database.
func (e *RuleEngine) ReloadAll(rules []*domain.ClassificationRule) error {
	grouped := make(map[string][]*domain.ClassificationRule)
	for _, rule := range rules {
		grouped[rule.TenantID] = append(grouped[rule.TenantID], rule)
	}

	compiled := make(map[string][]*CompiledRule, len(grouped))
	for tenantID, tenantRules := range grouped {
		set, err := e.compileSet(tenantRules)
		if err != nil {
			return err
		}
		if len(set) > 0 {
			compiled[tenantID] = set
		}
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()

	return nil
}

func (e *RuleEngine) compileSet(rules []*domain.ClassificationRule) ([]*CompiledRule, error) {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		c, err := e.compile(rule)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Rule.Priority < compiled[j].Rule.Priority
	})

	return compiled, nil
}

// RulesCount returns the number of loaded rules across all tenants.
func (e *RuleEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := 0
	for _, set := range e.compiled {
		total += len(set)
	}
	return total
}

// RuleInput is the transaction data visible to rule expressions.
type RuleInput struct {
	ProviderID  string
	ProductCode string
	ProductName string
	Quantity    float64
	TotalAmount float64
}

// Evaluate runs the tenant's rules in priority order and returns the
// energy type of the first rule that matches. A rule scoped to a provider
// is skipped for other providers; evaluation errors skip the rule rather
// than failing classification.
func (e *RuleEngine) Evaluate(tenantID string, input RuleInput) (domain.EnergyType, bool) {
	e.mu.RLock()
	rules := e.compiled[tenantID]
	e.mu.RUnlock()

	if len(rules) == 0 {
		return "", false
	}

	activation := map[string]any{
		"product_code": input.ProductCode,
		"product_name": input.ProductName,
		"provider_id":  input.ProviderID,
		"quantity":     input.Quantity,
		"total_amount": input.TotalAmount,
	}

	for _, c := range rules {
		if c.Rule.ProviderID != "" && c.Rule.ProviderID != input.ProviderID {
			continue
		}

		out, _, err := c.Program.Eval(activation)
		if err != nil {
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			return c.Rule.EnergyType, true
		}
	}

	return "", false
}

func (e *RuleEngine) compile(rule *domain.ClassificationRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Program: program}, nil
}
