package policy

import (
	"fmt"

	"github.com/authzcore/engine/internal/pattern"
	"github.com/authzcore/engine/pkg/types"
	"go.uber.org/zap"
)

// Bundle is a thin facade over Store that adds the all-or-nothing load
// semantics of §6: every document in a call is validated before any of
// them is inserted, so a failed load leaves the previously-active bundle
// completely untouched (§3 "the bundle never holds a policy that failed
// validation").
type Bundle struct {
	store     *Store
	validator *Validator
	logger    *zap.Logger
}

// NewBundle creates a bundle backed by an empty store. A nil logger is
// replaced with a no-op logger, same as the rest of the codebase.
func NewBundle(validator *Validator, logger *zap.Logger) *Bundle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bundle{store: NewStore(), validator: validator, logger: logger}
}

// Store returns the underlying store for read access (engine lookups).
func (b *Bundle) Store() *Store {
	return b.store
}

// LoadResourcePolicies validates and appends a set of ResourcePolicy
// documents to whatever resource policies were previously loaded (§6
// "loadResourcePolicies(list): append validated policies"). A policy at a
// (scope, resource kind) pair already occupied by an earlier load is
// overwritten by the new one.
func (b *Bundle) LoadResourcePolicies(policies []*types.ResourcePolicy) error {
	for i, p := range policies {
		if err := b.validator.ValidateResourcePolicy(p); err != nil {
			b.logger.Warn("rejected resource policy load",
				zap.Int("index", i),
				zap.Error(err),
			)
			return fmt.Errorf("resource policy %d: %w", i, err)
		}
	}
	b.store.mergeResourcePolicies(policies)
	b.logger.Info("resource policies loaded", zap.Int("count", len(policies)))
	return nil
}

// LoadDerivedRolesPolicies validates and appends a set of DerivedRolesPolicy
// documents to whatever was previously loaded. Every definition across
// every document in the call is checked together for name uniqueness and
// dependency cycles, since a cycle can span two separate documents; the
// result is then re-checked for cycles against the definitions already in
// the store, since a role loaded now can close a cycle with one loaded
// earlier (§6 "loadDerivedRoles(list): append validated policies").
func (b *Bundle) LoadDerivedRolesPolicies(policies []*types.DerivedRolesPolicy) error {
	for i, p := range policies {
		if err := b.validator.ValidateDerivedRolesPolicy(p); err != nil {
			b.logger.Warn("rejected derived roles policy load",
				zap.Int("index", i),
				zap.Error(err),
			)
			return fmt.Errorf("derived roles policy %d: %w", i, err)
		}
	}

	var all []*types.DerivedRole
	for _, p := range policies {
		all = append(all, p.Definitions...)
	}
	if err := b.validator.ValidateDerivedRolesBatch(all); err != nil {
		b.logger.Warn("rejected derived roles batch", zap.Error(err))
		return err
	}

	defs := make(map[string]*types.DerivedRole, len(all))
	for _, dr := range all {
		defs[dr.Name] = dr
	}

	// Merge variables declared across every policy in the batch. Names are
	// expected to be unique across the bundle, same as derived role names;
	// a later policy's definition silently wins on collision, matching how
	// derived role definitions themselves are merged above.
	vars := make(map[string]string)
	for _, p := range policies {
		for name, expr := range p.Variables {
			vars[name] = expr
		}
	}

	merged := make(map[string]*types.DerivedRole, len(defs))
	for _, dr := range b.store.AllDerivedRoles() {
		merged[dr.Name] = dr
	}
	for name, dr := range defs {
		merged[name] = dr
	}
	mergedAll := make([]*types.DerivedRole, 0, len(merged))
	for _, dr := range merged {
		mergedAll = append(mergedAll, dr)
	}
	if err := b.validator.ValidateDerivedRolesCycles(mergedAll); err != nil {
		b.logger.Warn("rejected derived roles batch: would cycle with previously loaded roles", zap.Error(err))
		return err
	}

	b.store.mergeDerivedRoles(defs, vars)
	b.logger.Info("derived roles policies loaded", zap.Int("definitions", len(defs)))
	return nil
}

// LoadPrincipalPolicies validates, compiles the principal pattern of, and
// appends a set of PrincipalPolicy documents to whatever was previously
// loaded. A policy whose Name() (principal pattern + version) was already
// loaded by a prior call is overwritten by the new one.
func (b *Bundle) LoadPrincipalPolicies(policies []*types.PrincipalPolicy) error {
	compiled := make([]*compiledPrincipalPolicy, 0, len(policies))
	for i, p := range policies {
		if err := b.validator.ValidatePrincipalPolicy(p); err != nil {
			b.logger.Warn("rejected principal policy load",
				zap.Int("index", i),
				zap.Error(err),
			)
			return fmt.Errorf("principal policy %d: %w", i, err)
		}
		matcher, err := pattern.CompilePrincipal(p.Principal)
		if err != nil {
			b.logger.Warn("rejected principal policy load",
				zap.Int("index", i),
				zap.Error(err),
			)
			return fmt.Errorf("principal policy %d: %w", i, err)
		}
		compiled = append(compiled, &compiledPrincipalPolicy{policy: p, matcher: matcher})
	}
	b.store.mergePrincipalPolicies(compiled)
	b.logger.Info("principal policies loaded", zap.Int("count", len(policies)))
	return nil
}

// ClearPolicies empties the bundle entirely (§6), bumping the generation
// counter so every outstanding cache entry is invalidated.
func (b *Bundle) ClearPolicies() {
	b.store.clear()
	b.logger.Info("bundle cleared")
}

// Stats reports the current counts of each policy kind (§6 getStats).
type Stats struct {
	ResourcePolicies   int
	DerivedRoleDefs    int
	PrincipalPolicies  int
	BundleGenerationID uint64
}

// GetStats returns the current bundle counts and generation id.
func (b *Bundle) GetStats() Stats {
	rp, dr, pp := b.store.Count()
	return Stats{
		ResourcePolicies:   rp,
		DerivedRoleDefs:    dr,
		PrincipalPolicies:  pp,
		BundleGenerationID: b.store.Generation(),
	}
}
