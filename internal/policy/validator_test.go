package policy

import (
	"errors"
	"testing"

	celengine "github.com/authzcore/engine/internal/cel"
	"github.com/authzcore/engine/internal/scope"
	"github.com/authzcore/engine/pkg/types"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	engine, err := celengine.NewEngine()
	if err != nil {
		t.Fatalf("failed to create CEL engine: %v", err)
	}
	resolver := scope.NewResolver(scope.DefaultConfig())
	return NewValidator(engine, resolver)
}

func TestValidator_ValidateResourcePolicy_Valid(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		APIVersion: "v1",
		Kind:       types.KindResourcePolicy,
		Resource:   "document",
		Rules: []*types.ResourceRule{
			{
				Name:    "allow-read",
				Actions: []string{"read"},
				Effect:  types.EffectAllow,
				Roles:   []string{"viewer"},
			},
		},
	}

	if err := v.ValidateResourcePolicy(p); err != nil {
		t.Fatalf("expected no error for valid policy, got: %v", err)
	}
}

func TestValidator_ValidateResourcePolicy_Nil(t *testing.T) {
	v := newTestValidator(t)
	if err := v.ValidateResourcePolicy(nil); err == nil {
		t.Error("expected error for nil policy, got nil")
	}
}

func TestValidator_ValidateResourcePolicy_MissingResource(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		APIVersion: "v1",
		Rules: []*types.ResourceRule{
			{Name: "rule-1", Actions: []string{"read"}, Effect: types.EffectAllow},
		},
	}

	if err := v.ValidateResourcePolicy(p); err == nil {
		t.Error("expected error for missing resource, got nil")
	}
}

func TestValidator_ValidateResourcePolicy_EmptyRules(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		APIVersion: "v1",
		Resource:   "document",
		Rules:      []*types.ResourceRule{},
	}

	if err := v.ValidateResourcePolicy(p); err == nil {
		t.Error("expected error for empty rules, got nil")
	}
}

func TestValidator_ValidateResourcePolicy_InvalidScope(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		Resource: "document",
		Scope:    scope.Global,
		Rules: []*types.ResourceRule{
			{Name: "rule-1", Actions: []string{"read"}, Effect: types.EffectAllow},
		},
	}

	err := v.ValidateResourcePolicy(p)
	if err == nil {
		t.Fatal("expected error for reserved global scope, got nil")
	}
	if !errors.Is(err, types.ErrInvalidScope) {
		t.Errorf("expected ErrInvalidScope, got %v", err)
	}
}

func TestValidator_ValidateResourcePolicy_DuplicateRuleNames(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{Name: "rule-1", Actions: []string{"read"}, Effect: types.EffectAllow},
			{Name: "rule-1", Actions: []string{"write"}, Effect: types.EffectDeny},
		},
	}

	if err := v.ValidateResourcePolicy(p); err == nil {
		t.Error("expected error for duplicate rule names, got nil")
	}
}

func TestValidator_ValidateResourcePolicy_InvalidEffect(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{Name: "rule-1", Actions: []string{"read"}, Effect: "invalid"},
		},
	}

	if err := v.ValidateResourcePolicy(p); err == nil {
		t.Error("expected error for invalid effect, got nil")
	}
}

func TestValidator_ValidateResourcePolicy_InvalidCELCondition(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{
				Name:      "rule-1",
				Actions:   []string{"read"},
				Effect:    types.EffectAllow,
				Condition: "invalid syntax ::::",
			},
		},
	}

	if err := v.ValidateResourcePolicy(p); err == nil {
		t.Error("expected error for invalid CEL condition, got nil")
	}
}

func TestValidator_ValidateResourcePolicy_NonBooleanCondition(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{
				Name:      "rule-1",
				Actions:   []string{"read"},
				Effect:    types.EffectAllow,
				Condition: "principal.id",
			},
		},
	}

	if err := v.ValidateResourcePolicy(p); err == nil {
		t.Error("expected error for non-boolean condition, got nil")
	}
}

func TestValidator_ValidateResourcePolicy_ValidRolesAndDerivedRoles(t *testing.T) {
	v := newTestValidator(t)

	p := &types.ResourcePolicy{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{
				Name:         "rule-1",
				Actions:      []string{"read"},
				Effect:       types.EffectAllow,
				Roles:        []string{"admin", "editor"},
				DerivedRoles: []string{"owner"},
			},
		},
	}

	if err := v.ValidateResourcePolicy(p); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidator_ValidateDerivedRolesPolicy_Valid(t *testing.T) {
	v := newTestValidator(t)

	p := &types.DerivedRolesPolicy{
		Name: "common_roles",
		Definitions: []*types.DerivedRole{
			{Name: "owner", ParentRoles: []string{"user"}, Condition: "resource.attr.ownerId == principal.id"},
		},
	}

	if err := v.ValidateDerivedRolesPolicy(p); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidator_ValidateDerivedRolesPolicy_SelfReference(t *testing.T) {
	v := newTestValidator(t)

	p := &types.DerivedRolesPolicy{
		Name: "common_roles",
		Definitions: []*types.DerivedRole{
			{Name: "owner", ParentRoles: []string{"owner"}},
		},
	}

	if err := v.ValidateDerivedRolesPolicy(p); err == nil {
		t.Error("expected error for self-referential parent role, got nil")
	}
}

func TestValidator_ValidateDerivedRolesBatch_DetectsCycle(t *testing.T) {
	v := newTestValidator(t)

	all := []*types.DerivedRole{
		{Name: "a", ParentRoles: []string{"b"}},
		{Name: "b", ParentRoles: []string{"a"}},
	}

	if err := v.ValidateDerivedRolesBatch(all); err == nil {
		t.Error("expected error for cyclic derived roles, got nil")
	}
}

func TestValidator_ValidateDerivedRolesBatch_DuplicateNames(t *testing.T) {
	v := newTestValidator(t)

	all := []*types.DerivedRole{
		{Name: "owner", ParentRoles: []string{"user"}},
		{Name: "owner", ParentRoles: []string{"user"}},
	}

	if err := v.ValidateDerivedRolesBatch(all); err == nil {
		t.Error("expected error for duplicate derived role names, got nil")
	}
}

func TestValidator_ValidatePrincipalPolicy_Valid(t *testing.T) {
	v := newTestValidator(t)

	p := &types.PrincipalPolicy{
		Principal: "user:alice",
		Rules: []*types.PrincipalResourceRule{
			{
				Resource: "document",
				Actions: []*types.PrincipalActionRule{
					{Action: "read", Effect: types.EffectAllow},
				},
			},
		},
	}

	if err := v.ValidatePrincipalPolicy(p); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidator_ValidatePrincipalPolicy_MissingPrincipalPattern(t *testing.T) {
	v := newTestValidator(t)

	p := &types.PrincipalPolicy{
		Rules: []*types.PrincipalResourceRule{
			{
				Resource: "document",
				Actions: []*types.PrincipalActionRule{
					{Action: "read", Effect: types.EffectAllow},
				},
			},
		},
	}

	if err := v.ValidatePrincipalPolicy(p); err == nil {
		t.Error("expected error for missing principal pattern, got nil")
	}
}

func TestValidator_ValidatePrincipalPolicy_InvalidCondition(t *testing.T) {
	v := newTestValidator(t)

	p := &types.PrincipalPolicy{
		Principal: "user:alice",
		Rules: []*types.PrincipalResourceRule{
			{
				Resource: "document",
				Actions: []*types.PrincipalActionRule{
					{Action: "read", Effect: types.EffectAllow, Condition: "invalid syntax ::::"},
				},
			},
		},
	}

	if err := v.ValidatePrincipalPolicy(p); err == nil {
		t.Error("expected error for invalid condition, got nil")
	}
}
