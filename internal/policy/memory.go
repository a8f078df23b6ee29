// Package policy holds the in-memory policy bundle: indices over
// ResourcePolicy/DerivedRolesPolicy/PrincipalPolicy, validation, and the
// all-or-nothing load/clear operations of §6.
package policy

import (
	"sync"
	"sync/atomic"

	"github.com/authzcore/engine/internal/pattern"
	"github.com/authzcore/engine/pkg/types"
)

// Store is the bundle held by the engine: every load/clear operation is
// applied under the store's write lock, so it is atomic from the caller's
// perspective (§3 "swaps are atomic from the caller's perspective").
type Store struct {
	mu sync.RWMutex

	resourcePolicies *ResourceIndex
	derivedRoles     map[string]*types.DerivedRole
	derivedRoleVars  map[string]string
	principalPolicy  *PrincipalIndex

	generation atomic.Uint64
}

// NewStore creates an empty bundle.
func NewStore() *Store {
	return &Store{
		resourcePolicies: NewResourceIndex(),
		derivedRoles:     make(map[string]*types.DerivedRole),
		derivedRoleVars:  make(map[string]string),
		principalPolicy:  NewPrincipalIndex(),
	}
}

// Generation returns the current bundle generation id, used as part of the
// evaluation cache's fingerprint (§4.8): it increments on every mutating
// call so a bundle swap invalidates every prior cache entry without a scan.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// ResourcePoliciesForKind returns every registered ResourcePolicy for the
// given resource kind, across all scopes (used by validation and stats;
// runtime lookup goes through FindResourcePolicy instead).
func (s *Store) ResourcePoliciesForKind(kind string) []*types.ResourcePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resourcePolicies.ForKind(kind)
}

// FindResourcePolicy resolves the scoped ResourcePolicy for a resource kind
// along the scope chain, per §4.3/§4.7 step 3. matchScope is supplied by
// the caller (normally wrapping scope.Resolver.FindMatchingPolicy); the
// store passes it an exists predicate over its own index.
func (s *Store) FindResourcePolicy(kind string, matchScope func(exists func(scope string) bool) (string, error)) (*types.ResourcePolicy, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matchedScope, err := matchScope(func(scope string) bool {
		return s.resourcePolicies.Has(scope, kind)
	})
	if err != nil {
		return nil, "", err
	}
	if matchedScope == "" {
		return nil, "", nil
	}
	return s.resourcePolicies.Get(matchedScope, kind), matchedScope, nil
}

// DerivedRole looks up one derived-role definition by name.
func (s *Store) DerivedRole(name string) (*types.DerivedRole, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dr, ok := s.derivedRoles[name]
	return dr, ok
}

// AllDerivedRoles returns every derived-role definition in the bundle.
func (s *Store) AllDerivedRoles() []*types.DerivedRole {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.DerivedRole, 0, len(s.derivedRoles))
	for _, dr := range s.derivedRoles {
		out = append(out, dr)
	}
	return out
}

// DerivedRoleVariables returns the merged variables declared across every
// loaded DerivedRolesPolicy (§4.4).
func (s *Store) DerivedRoleVariables() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.derivedRoleVars
}

// MatchingPrincipalPolicies returns every PrincipalPolicy whose principal
// pattern matches the given principal (§4.6).
func (s *Store) MatchingPrincipalPolicies(principal *types.Principal) []*types.PrincipalPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principalPolicy.Match(principal)
}

// Count returns the number of each policy kind currently loaded, for
// getStats (§6).
func (s *Store) Count() (resourcePolicies, derivedRoleDefs, principalPolicies int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resourcePolicies.Len(), len(s.derivedRoles), s.principalPolicy.Len()
}

// mergeResourcePolicies inserts policies into the existing resource-policy
// index (a later load overwrites an earlier policy at the same (scope,
// resource kind) pair) and bumps the generation counter. Called only from
// bundle.go after validation has already passed for the whole batch.
// loadResourcePolicies(list) in §6 is explicitly additive across calls, the
// same way the bundle's own Clear is the only way to empty it.
func (s *Store) mergeResourcePolicies(policies []*types.ResourcePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range policies {
		s.resourcePolicies.Add(p)
	}
	s.generation.Add(1)
}

// mergeDerivedRoles inserts defs/vars into the existing derived-roles index;
// a name already present from a prior load is overwritten by the new
// definition, matching how definitions within a single batch are merged in
// bundle.go.
func (s *Store) mergeDerivedRoles(defs map[string]*types.DerivedRole, vars map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, dr := range defs {
		s.derivedRoles[name] = dr
	}
	for name, expr := range vars {
		s.derivedRoleVars[name] = expr
	}
	s.generation.Add(1)
}

func (s *Store) mergePrincipalPolicies(policies []*compiledPrincipalPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principalPolicy.merge(policies)
	s.generation.Add(1)
}

// clear empties every index and bumps the generation counter.
func (s *Store) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourcePolicies = NewResourceIndex()
	s.derivedRoles = make(map[string]*types.DerivedRole)
	s.derivedRoleVars = make(map[string]string)
	s.principalPolicy = NewPrincipalIndex()
	s.generation.Add(1)
}

// ResourceIndex provides (scope, resource kind) lookup for ResourcePolicy
// documents, including a "*" resource wildcard fallback via a two-level
// scope -> resource kind map.
type ResourceIndex struct {
	// scope -> resourceKind -> policy
	byScope map[string]map[string]*types.ResourcePolicy
}

// NewResourceIndex creates an empty index.
func NewResourceIndex() *ResourceIndex {
	return &ResourceIndex{byScope: make(map[string]map[string]*types.ResourcePolicy)}
}

// Add inserts a policy, keyed by its own scope (empty scope is stored under
// the Global sentinel key so lookups have a single representation).
func (idx *ResourceIndex) Add(p *types.ResourcePolicy) {
	scope := normalizeScope(p.Scope)
	if idx.byScope[scope] == nil {
		idx.byScope[scope] = make(map[string]*types.ResourcePolicy)
	}
	idx.byScope[scope][p.Resource] = p
}

// Has reports whether a policy is registered at the exact (scope, kind) pair.
func (idx *ResourceIndex) Has(scope, kind string) bool {
	kindMap, ok := idx.byScope[normalizeScope(scope)]
	if !ok {
		return false
	}
	if _, ok := kindMap[kind]; ok {
		return true
	}
	_, ok = kindMap["*"]
	return ok
}

// Get returns the policy registered at the exact (scope, kind) pair,
// falling back to a "*" resource-kind wildcard at that scope.
func (idx *ResourceIndex) Get(scope, kind string) *types.ResourcePolicy {
	kindMap, ok := idx.byScope[normalizeScope(scope)]
	if !ok {
		return nil
	}
	if p, ok := kindMap[kind]; ok {
		return p
	}
	return kindMap["*"]
}

// ForKind returns every policy registered for a resource kind, across all
// scopes.
func (idx *ResourceIndex) ForKind(kind string) []*types.ResourcePolicy {
	var out []*types.ResourcePolicy
	for _, kindMap := range idx.byScope {
		if p, ok := kindMap[kind]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the total number of registered resource policies.
func (idx *ResourceIndex) Len() int {
	n := 0
	for _, kindMap := range idx.byScope {
		n += len(kindMap)
	}
	return n
}

func normalizeScope(scope string) string {
	if scope == "" {
		return globalScopeKey
	}
	return scope
}

// globalScopeKey is the internal index key for unscoped policies. It has
// the same spelling as scope.Global (the sentinel the resolver walks to),
// so the resolver's lookup of Global finds the unscoped policies.
const globalScopeKey = "(global)"

// compiledPrincipalPolicy pairs a loaded PrincipalPolicy with its compiled
// principal-pattern matcher.
type compiledPrincipalPolicy struct {
	policy  *types.PrincipalPolicy
	matcher *pattern.PrincipalMatcher
}

// PrincipalIndex holds every PrincipalPolicy with its compiled matcher.
// Lookup is a linear scan over compiled matchers (§4.6 does not call for an
// index structure; each entry's matcher is compiled once at load).
type PrincipalIndex struct {
	entries []*compiledPrincipalPolicy
	byName  map[string]int // policy.Name() -> index into entries
}

// NewPrincipalIndex creates an empty index.
func NewPrincipalIndex() *PrincipalIndex {
	return &PrincipalIndex{byName: make(map[string]int)}
}

// merge inserts entries into the index; an entry whose Name() was already
// loaded by a prior call is overwritten in place (keeping its original
// position), a new one is appended.
func (idx *PrincipalIndex) merge(entries []*compiledPrincipalPolicy) {
	for _, e := range entries {
		name := e.policy.Name()
		if i, ok := idx.byName[name]; ok {
			idx.entries[i] = e
			continue
		}
		idx.byName[name] = len(idx.entries)
		idx.entries = append(idx.entries, e)
	}
}

// Match returns every principal policy whose pattern matches the principal.
func (idx *PrincipalIndex) Match(principal *types.Principal) []*types.PrincipalPolicy {
	var out []*types.PrincipalPolicy
	for _, e := range idx.entries {
		if e.matcher.Matches(principal.ID, principal.Roles) {
			out = append(out, e.policy)
		}
	}
	return out
}

// Len returns the number of registered principal policies.
func (idx *PrincipalIndex) Len() int {
	return len(idx.entries)
}
