package scope

import "strings"

// FindMatchingPolicy implements §4.3's findMatchingPolicy: walks
// [...buildScopeChain(effectiveScope), Global] most-to-least-specific and
// returns the first scope for which exists reports true. exists is
// supplied by the caller (the policy index) to avoid this package
// depending on the policy store's types.
func (r *Resolver) FindMatchingPolicy(effectiveScope string, exists func(scope string) bool) (string, error) {
	chain, err := r.BuildScopeChain(effectiveScope)
	if err != nil {
		return "", err
	}
	for _, s := range chain {
		if exists(s) {
			return s, nil
		}
	}
	if exists(Global) {
		return Global, nil
	}
	return "", nil
}

// EffectiveScope computes the effective scope of a request per §4.3: if
// either principal or resource scope is absent, use the other; if both are
// present and one is a prefix of the other (dot-segment aligned), use the
// more specific; otherwise use their common ancestor (the longest shared
// prefix of segments).
func EffectiveScope(principalScope, resourceScope string) string {
	if principalScope == "" {
		return resourceScope
	}
	if resourceScope == "" {
		return principalScope
	}
	if principalScope == resourceScope {
		return principalScope
	}

	pSeg := strings.Split(principalScope, ".")
	rSeg := strings.Split(resourceScope, ".")

	if isSegmentPrefix(pSeg, rSeg) {
		return resourceScope // resource is more specific
	}
	if isSegmentPrefix(rSeg, pSeg) {
		return principalScope // principal is more specific
	}

	common := commonAncestor(pSeg, rSeg)
	return strings.Join(common, ".")
}

// isSegmentPrefix reports whether short is a dot-segment-aligned prefix of
// long (not merely a string prefix: "acme" is a prefix of "acme.corp" but
// "ac" is not).
func isSegmentPrefix(short, long []string) bool {
	if len(short) >= len(long) {
		return false
	}
	for i, s := range short {
		if long[i] != s {
			return false
		}
	}
	return true
}

func commonAncestor(a, b []string) []string {
	var common []string
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			break
		}
		common = append(common, a[i])
	}
	return common
}
