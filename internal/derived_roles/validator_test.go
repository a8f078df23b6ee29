package derived_roles

import (
	"testing"

	"github.com/authzcore/engine/internal/cel"
	"github.com/authzcore/engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedRolesValidator_Validate_Valid(t *testing.T) {
	v, err := NewDerivedRolesValidator()
	require.NoError(t, err)

	dr := &types.DerivedRole{
		Name:        "owner",
		ParentRoles: []string{"user"},
		Condition:   "resource.attr.ownerId == principal.id",
	}

	assert.NoError(t, v.Validate(dr))
}

func TestDerivedRolesValidator_Validate_SelfReference(t *testing.T) {
	v, err := NewDerivedRolesValidator()
	require.NoError(t, err)

	dr := &types.DerivedRole{Name: "owner", ParentRoles: []string{"owner"}}
	assert.Error(t, v.Validate(dr))
}

func TestDerivedRolesValidator_ValidateAll_DuplicateNames(t *testing.T) {
	v, err := NewDerivedRolesValidator()
	require.NoError(t, err)

	roles := []*types.DerivedRole{
		{Name: "owner", ParentRoles: []string{"user"}},
		{Name: "owner", ParentRoles: []string{"user"}},
	}

	assert.Error(t, v.ValidateAll(roles))
}

func TestDetectCircularDependencies_ParentRoleCycle(t *testing.T) {
	roles := []*types.DerivedRole{
		{Name: "a", ParentRoles: []string{"b"}},
		{Name: "b", ParentRoles: []string{"a"}},
	}

	err := DetectCircularDependencies(roles)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestDetectCircularDependencies_NoCycle(t *testing.T) {
	roles := []*types.DerivedRole{
		{Name: "senior_manager", ParentRoles: []string{"manager"}},
		{Name: "manager", ParentRoles: []string{"employee"}},
	}

	assert.NoError(t, DetectCircularDependencies(roles))
}

func TestDetectCircularDependenciesWithConditions_ConditionEdgeCycle(t *testing.T) {
	engine, err := cel.NewEngine()
	require.NoError(t, err)

	// "a"'s condition references "b" by bare identifier, and "b"'s
	// parentRoles reference "a": a condition-edge + a parent-role-edge
	// together form a cycle that parentRoles-only detection would miss.
	roles := []*types.DerivedRole{
		{Name: "a", ParentRoles: []string{"user"}, Condition: "b in principal.roles"},
		{Name: "b", ParentRoles: []string{"a"}},
	}

	err = DetectCircularDependenciesWithConditions(roles, engine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestDetectCircularDependenciesWithConditions_NoFalsePositive(t *testing.T) {
	engine, err := cel.NewEngine()
	require.NoError(t, err)

	roles := []*types.DerivedRole{
		{Name: "owner", ParentRoles: []string{"user"}, Condition: "resource.attr.ownerId == principal.id"},
		{Name: "manager", ParentRoles: []string{"user"}, Condition: "principal.attr.level > 3"},
	}

	assert.NoError(t, DetectCircularDependenciesWithConditions(roles, engine))
}
