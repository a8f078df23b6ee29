package policy

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	celengine "github.com/authzcore/engine/internal/cel"
	"github.com/authzcore/engine/internal/derived_roles"
	"github.com/authzcore/engine/internal/pattern"
	"github.com/authzcore/engine/internal/scope"
	"github.com/authzcore/engine/pkg/types"
)

// identifierRe matches the bare identifiers allowed for rule/policy names
// and roles: must start with a letter or underscore.
var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// Validator validates policy documents prior to insertion into the bundle
// (§4.10, §7: loads are all-or-nothing and reject the whole batch on the
// first invalid document).
type Validator struct {
	structValidator *validator.Validate
	cel             *celengine.Engine
	scope           *scope.Resolver
}

// NewValidator creates a validator. The caller supplies the shared CEL and
// scope components so condition and scope checks use the exact same
// compilation/resolution path the engine will use at evaluation time.
func NewValidator(cel *celengine.Engine, scopeResolver *scope.Resolver) *Validator {
	return &Validator{
		structValidator: validator.New(),
		cel:             cel,
		scope:           scopeResolver,
	}
}

// ValidateResourcePolicy validates one ResourcePolicy document (§3, §4.5).
func (v *Validator) ValidateResourcePolicy(p *types.ResourcePolicy) error {
	if p == nil {
		return fmt.Errorf("%w: resource policy cannot be nil", types.ErrInvalidPolicy)
	}
	if err := v.structValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPolicy, err)
	}
	if err := v.scope.ValidateScope(p.Scope); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidScope, err)
	}

	seenRuleNames := make(map[string]bool)
	for i, rule := range p.Rules {
		if rule.Name != "" {
			if seenRuleNames[rule.Name] {
				return fmt.Errorf("%w: duplicate rule name %q", types.ErrInvalidPolicy, rule.Name)
			}
			seenRuleNames[rule.Name] = true
		}
		if err := v.validateResourceRule(rule, i); err != nil {
			return fmt.Errorf("%w: rule %d: %v", types.ErrInvalidPolicy, i, err)
		}
	}
	return nil
}

func (v *Validator) validateResourceRule(rule *types.ResourceRule, index int) error {
	for _, action := range rule.Actions {
		if action == "" {
			return fmt.Errorf("action cannot be empty")
		}
	}
	for _, role := range rule.Roles {
		if role == "" || !identifierRe.MatchString(role) {
			return fmt.Errorf("invalid role %q", role)
		}
	}
	for _, dr := range rule.DerivedRoles {
		if dr == "" || !identifierRe.MatchString(dr) {
			return fmt.Errorf("invalid derived role reference %q", dr)
		}
	}
	if rule.Condition != "" {
		if err := v.validateBooleanExpression(rule.Condition); err != nil {
			return fmt.Errorf("condition: %w", err)
		}
	}
	return nil
}

// ValidateDerivedRolesPolicy validates one DerivedRolesPolicy document's
// structure and per-definition syntax; cross-bundle uniqueness and cycle
// detection happen in ValidateDerivedRolesBatch once every policy in the
// load has been collected.
func (v *Validator) ValidateDerivedRolesPolicy(p *types.DerivedRolesPolicy) error {
	if p == nil {
		return fmt.Errorf("%w: derived roles policy cannot be nil", types.ErrInvalidPolicy)
	}
	if err := v.structValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPolicy, err)
	}
	for _, dr := range p.Definitions {
		if err := dr.Validate(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidPolicy, err)
		}
		for _, parent := range dr.ParentRoles {
			if parent == dr.Name {
				return fmt.Errorf("%w: derived role %q cannot have itself as a parent role", types.ErrInvalidPolicy, dr.Name)
			}
		}
		if dr.Condition != "" {
			if err := v.validateBooleanExpression(dr.Condition); err != nil {
				return fmt.Errorf("%w: derived role %q condition: %v", types.ErrInvalidPolicy, dr.Name, err)
			}
		}
	}
	return nil
}

// ValidateDerivedRolesBatch checks name uniqueness and rejects dependency
// cycles within one load call's own derived roles (§4.4: "Reject bundles
// containing a cycle").
func (v *Validator) ValidateDerivedRolesBatch(all []*types.DerivedRole) error {
	seen := make(map[string]bool, len(all))
	for _, dr := range all {
		if seen[dr.Name] {
			return fmt.Errorf("%w: duplicate derived role name %q", types.ErrInvalidPolicy, dr.Name)
		}
		seen[dr.Name] = true
	}
	return derived_roles.DetectCircularDependenciesWithConditions(all, v.cel)
}

// ValidateDerivedRolesCycles rejects dependency cycles across an arbitrary
// set of derived roles, used by the bundle to re-check the merged set that
// would be active once a new load is appended to what is already stored
// (a definition loaded now can still form a cycle with one loaded earlier).
func (v *Validator) ValidateDerivedRolesCycles(all []*types.DerivedRole) error {
	return derived_roles.DetectCircularDependenciesWithConditions(all, v.cel)
}

// ValidatePrincipalPolicy validates one PrincipalPolicy document (§3, §4.6).
func (v *Validator) ValidatePrincipalPolicy(p *types.PrincipalPolicy) error {
	if p == nil {
		return fmt.Errorf("%w: principal policy cannot be nil", types.ErrInvalidPolicy)
	}
	if err := v.structValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPolicy, err)
	}
	if _, err := pattern.CompilePrincipal(p.Principal); err != nil {
		return fmt.Errorf("%w: principal pattern: %v", types.ErrInvalidPolicy, err)
	}
	for i, rr := range p.Rules {
		for j, ar := range rr.Actions {
			if ar.Condition != "" {
				if err := v.validateBooleanExpression(ar.Condition); err != nil {
					return fmt.Errorf("%w: rule[%d].actions[%d] condition: %v", types.ErrInvalidPolicy, i, j, err)
				}
			}
		}
	}
	return nil
}

// validateBooleanExpression compiles and type-checks expr without
// evaluating it, verifying the output type is boolean.
func (v *Validator) validateBooleanExpression(expr string) error {
	ast, err := v.cel.Check(expr)
	if err != nil {
		return err
	}
	if ast.OutputType() != nil && ast.OutputType().String() != "bool" {
		return fmt.Errorf("expression must return boolean, got %v", ast.OutputType())
	}
	return nil
}
