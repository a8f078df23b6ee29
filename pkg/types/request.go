package types

import (
	"fmt"
	"sort"
	"strings"
)

// CheckRequest represents an authorization check request (§3).
type CheckRequest struct {
	RequestID string                 `json:"requestId,omitempty"`
	Principal *Principal             `json:"principal" validate:"required"`
	Resource  *Resource              `json:"resource" validate:"required"`
	Actions   []string               `json:"actions" validate:"required,min=1"`
	AuxData   map[string]interface{} `json:"auxData,omitempty"`
}

// Validate checks the structural invariants of §3: non-empty principal id,
// non-empty resource kind, at least one action, no duplicate actions.
func (r *CheckRequest) Validate() error {
	if r.Principal == nil || r.Principal.ID == "" {
		return fmt.Errorf("%w: principal.id is required", ErrInvalidRequest)
	}
	if r.Resource == nil || r.Resource.Kind == "" {
		return fmt.Errorf("%w: resource.kind is required", ErrInvalidRequest)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(r.Actions))
	for _, a := range r.Actions {
		if a == "" {
			return fmt.Errorf("%w: action cannot be empty", ErrInvalidRequest)
		}
		if seen[a] {
			return fmt.Errorf("%w: duplicate action %q", ErrInvalidRequest, a)
		}
		seen[a] = true
	}
	return nil
}

// Fingerprint generates the deterministic cache key described in §4.8,
// canonical over principal identity/roles/attributes, resource
// identity/attributes, the requested action set, aux data, and the bundle
// generation id so that a policy swap invalidates every prior entry.
func (r *CheckRequest) Fingerprint(generation uint64) string {
	roles := make([]string, len(r.Principal.Roles))
	copy(roles, r.Principal.Roles)
	sort.Strings(roles)

	actions := make([]string, len(r.Actions))
	copy(actions, r.Actions)
	sort.Strings(actions)

	key := strings.Join([]string{
		r.Principal.ID,
		strings.Join(roles, ","),
		CanonicalizeValue(r.Principal.Attributes),
		r.Resource.Kind,
		r.Resource.ID,
		CanonicalizeValue(r.Resource.Attributes),
		strings.Join(actions, ","),
		CanonicalizeValue(r.AuxData),
		fmt.Sprintf("gen=%d", generation),
	}, "|")

	return hashHex(key)
}
