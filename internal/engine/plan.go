package engine

import (
	"fmt"

	"github.com/authzcore/engine/internal/pattern"
	"github.com/authzcore/engine/pkg/types"
)

// PlanKind is the classification produced by PlanResources (§6).
type PlanKind string

const (
	// PlanAlwaysAllow means every resource of the given kind is allowed the
	// action for this principal, regardless of resource attributes.
	PlanAlwaysAllow PlanKind = "ALWAYS_ALLOW"
	// PlanAlwaysDeny means every resource of the given kind is denied.
	PlanAlwaysDeny PlanKind = "ALWAYS_DENY"
	// PlanConditional means the answer depends on resource attributes not
	// fixed by this call; Condition carries the expression to evaluate once
	// they are known.
	PlanConditional PlanKind = "CONDITIONAL"
)

// Plan is the result of PlanResources.
type Plan struct {
	Kind      PlanKind
	Condition string
}

// foldOutcome is the result of constant-folding one rule's condition with
// the principal fixed and the resource unknown.
type foldOutcome int

const (
	foldTrue foldOutcome = iota
	foldFalse
	foldResidual
)

// PlanResources performs the partial evaluation of §6: principal, resource
// kind, and action are fixed; the resource itself is not, so any rule whose
// condition or derived-role gate depends on resource attributes cannot be
// constant-folded and is reported as CONDITIONAL instead.
//
// Simplifications, documented rather than hidden: the first CONDITIONAL
// rule encountered ends the scan and is returned as-is (residuals from
// multiple rules are not combined into a single expression), and a rule
// gated by derivedRoles is reported as CONDITIONAL rather than folded
// unless the principal already holds one of the rule's plain roles, since
// derived-role membership typically itself depends on resource attributes
// (§4.4) that are not fixed here.
func (e *Engine) PlanResources(principal *types.Principal, resourceKind, action string) (*Plan, error) {
	if principal == nil {
		return nil, fmt.Errorf("%w: principal is required", types.ErrInvalidRequest)
	}
	if resourceKind == "" || action == "" {
		return nil, fmt.Errorf("%w: resourceKind and action are required", types.ErrInvalidRequest)
	}

	for _, pp := range e.bundle.Store().MatchingPrincipalPolicies(principal) {
		for _, rr := range pp.Rules {
			if !pattern.MatchAction(rr.Resource, resourceKind) {
				continue
			}
			for _, ar := range rr.Actions {
				if !pattern.MatchAction(ar.Action, action) {
					continue
				}
				fold, err := e.foldRuleCondition(ar.Condition, principal)
				if err != nil {
					return nil, err
				}
				switch fold {
				case foldFalse:
					continue
				case foldResidual:
					return &Plan{Kind: PlanConditional, Condition: ar.Condition}, nil
				case foldTrue:
					if ar.Effect == types.EffectDeny {
						return &Plan{Kind: PlanAlwaysDeny}, nil
					}
					return &Plan{Kind: PlanAlwaysAllow}, nil
				}
			}
		}
	}

	rp, _, err := e.bundle.Store().FindResourcePolicy(resourceKind, func(exists func(string) bool) (string, error) {
		return e.scopeResolver.FindMatchingPolicy(principal.Scope, exists)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	if rp == nil {
		return e.defaultPlan(), nil
	}

	for _, rule := range rp.Rules {
		matched := false
		for _, a := range rule.Actions {
			if pattern.MatchAction(a, action) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		if len(rule.DerivedRoles) > 0 {
			if !rule.MatchesRoleOrDerivedRole(principal.Roles, nil) {
				// The principal holds none of the rule's plain roles, so it
				// can only match via a derived role whose grant is not
				// decidable without resource attributes.
				return &Plan{Kind: PlanConditional, Condition: rule.Condition}, nil
			}
		} else if !rule.MatchesRoleOrDerivedRole(principal.Roles, nil) {
			continue
		}

		fold, err := e.foldRuleCondition(rule.Condition, principal)
		if err != nil {
			return nil, err
		}
		switch fold {
		case foldFalse:
			continue
		case foldResidual:
			return &Plan{Kind: PlanConditional, Condition: rule.Condition}, nil
		case foldTrue:
			if rule.Effect == types.EffectDeny {
				return &Plan{Kind: PlanAlwaysDeny}, nil
			}
			return &Plan{Kind: PlanAlwaysAllow}, nil
		}
	}

	return e.defaultPlan(), nil
}

// foldRuleCondition classifies a condition as always-true, always-false, or
// residual given only the principal: parses the expression's identifiers
// (without type-checking, since ParseIdentifiers works on the parsed,
// unchecked AST) and treats any reference to resource/context/request as making
// the condition unfoldable.
func (e *Engine) foldRuleCondition(expr string, principal *types.Principal) (foldOutcome, error) {
	if expr == "" {
		return foldTrue, nil
	}

	idents, err := e.cel.ParseIdentifiers(expr)
	if err != nil {
		return foldResidual, nil
	}
	for _, id := range idents {
		switch id {
		case "resource", "R", "context", "request":
			return foldResidual, nil
		}
	}

	ok, err := e.evalBoolCondition(expr, principal, nil, nil)
	if err != nil {
		return foldResidual, nil
	}
	if ok {
		return foldTrue, nil
	}
	return foldFalse, nil
}

func (e *Engine) defaultPlan() *Plan {
	if e.config.DefaultEffect == types.EffectAllow {
		return &Plan{Kind: PlanAlwaysAllow}
	}
	return &Plan{Kind: PlanAlwaysDeny}
}
