// Package types provides the shared data model for the authorization
// engine: principals, resources, policies, and the decisions produced by
// evaluating a request against the active policy bundle.
package types

// Effect represents the authorization decision attached to a rule or an
// evaluated action.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
	// EffectNone is the internal tri-state produced when no rule in a
	// given phase matches; it never appears on an ActionResult.
	EffectNone Effect = "NONE"
)

// Principal represents the entity requesting access.
type Principal struct {
	ID         string                 `json:"id"`
	Roles      []string               `json:"roles"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Scope      string                 `json:"scope,omitempty"`
}

// HasRole checks if the principal has a specific role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ToMap converts Principal to the map shape the expression evaluator binds
// as `principal` (and the shorthand `P`).
func (p *Principal) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":         p.ID,
		"roles":      p.Roles,
		"attributes": p.Attributes,
		"attr":       p.Attributes,
		"scope":      p.Scope,
	}
}

// WithRoles returns a shallow copy of the principal with roles replaced;
// the original principal is not modified.
func (p *Principal) WithRoles(roles []string) *Principal {
	return &Principal{
		ID:         p.ID,
		Roles:      roles,
		Attributes: p.Attributes,
		Scope:      p.Scope,
	}
}

// Resource represents the resource being accessed.
type Resource struct {
	Kind       string                 `json:"kind"`
	ID         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Scope      string                 `json:"scope,omitempty"`
}

// ToMap converts Resource to the map shape the expression evaluator binds
// as `resource` (and the shorthand `R`).
func (r *Resource) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"kind":       r.Kind,
		"id":         r.ID,
		"attributes": r.Attributes,
		"attr":       r.Attributes,
		"scope":      r.Scope,
	}
}

// ActionResult is the decision for a single requested action (§3).
type ActionResult struct {
	Effect                   Effect   `json:"effect"`
	PolicyName               string   `json:"policyName"`
	RuleName                 string   `json:"ruleName,omitempty"`
	MatchedDerivedRoles      []string `json:"matchedDerivedRoles,omitempty"`
	EvaluationDurationMicros float64  `json:"evaluationDurationMicros"`
}

// IsAllowed returns true if the effect is allow.
func (r ActionResult) IsAllowed() bool {
	return r.Effect == EffectAllow
}

// DefaultPolicyAttribution is the synthetic policy name a result carries
// when no rule in any phase matched and the decision fell through to the
// configured default effect (§4.7 step 6).
const DefaultPolicyAttribution = "<default>"

// CheckResponse is the result of evaluating a CheckRequest (§3).
type CheckResponse struct {
	RequestID string                  `json:"requestId,omitempty"`
	Results   map[string]ActionResult `json:"results"`
	Meta      ResponseMetadata        `json:"meta"`
}

// Clone returns a copy safe to hand back from the cache: the caller may set
// Meta.CacheHit on its own copy without racing other readers of the cached
// entry.
func (c *CheckResponse) Clone() *CheckResponse {
	if c == nil {
		return nil
	}
	results := make(map[string]ActionResult, len(c.Results))
	for k, v := range c.Results {
		results[k] = v
	}
	meta := c.Meta
	meta.PoliciesEvaluated = make(map[string]bool, len(c.Meta.PoliciesEvaluated))
	for k, v := range c.Meta.PoliciesEvaluated {
		meta.PoliciesEvaluated[k] = v
	}
	return &CheckResponse{
		RequestID: c.RequestID,
		Results:   results,
		Meta:      meta,
	}
}

// ResponseMetadata carries evaluation diagnostics (§3).
type ResponseMetadata struct {
	TotalDurationMicros float64                `json:"totalDurationMicros"`
	PoliciesEvaluated   map[string]bool        `json:"policiesEvaluated,omitempty"`
	CacheHit            bool                   `json:"cacheHit"`
	ScopeResolution     *ScopeResolutionResult `json:"scopeResolution,omitempty"`
}

// ScopeResolutionResult describes how the effective scope for a resource
// policy lookup was resolved (§4.3).
type ScopeResolutionResult struct {
	MatchedScope        string   `json:"matchedScope"`
	InheritanceChain    []string `json:"inheritanceChain"`
	ScopedPolicyMatched bool     `json:"scopedPolicyMatched"`
}

// Policy kind discriminators, carried on every validated policy document
// per §6.
const (
	KindResourcePolicy  = "ResourcePolicy"
	KindDerivedRoles    = "DerivedRoles"
	KindPrincipalPolicy = "PrincipalPolicy"
)

// ResourcePolicy is the primary authorization document: a named resource
// (or resource pattern), optionally scoped, carrying an ordered sequence of
// rules (§3).
type ResourcePolicy struct {
	APIVersion string          `json:"apiVersion" yaml:"apiVersion"`
	Kind       string          `json:"kind" yaml:"kind"`
	Resource   string          `json:"resource" yaml:"resource" validate:"required"`
	Scope      string          `json:"scope,omitempty" yaml:"scope,omitempty"`
	Rules      []*ResourceRule `json:"rules" yaml:"rules" validate:"required,min=1,dive,required"`
}

// Name identifies a resource policy for attribution and bundle indexing:
// scope and resource together are unique within a bundle.
func (p *ResourcePolicy) Name() string {
	if p.Scope == "" {
		return p.Resource
	}
	return p.Scope + "/" + p.Resource
}

// ResourceRule is a single rule within a ResourcePolicy (§3, §4.5).
type ResourceRule struct {
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	Actions      []string `json:"actions" yaml:"actions" validate:"required,min=1"`
	Effect       Effect   `json:"effect" yaml:"effect" validate:"required,oneof=ALLOW DENY"`
	Roles        []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	DerivedRoles []string `json:"derivedRoles,omitempty" yaml:"derivedRoles,omitempty"`
	Condition    string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// MatchesRoleOrDerivedRole implements §4.5 step 2: empty roles and
// derivedRoles on a rule means "all principals"; otherwise the principal
// must hold at least one listed role, or have been granted at least one
// listed derived role for this request.
func (r *ResourceRule) MatchesRoleOrDerivedRole(principalRoles, derivedRoles []string) bool {
	if len(r.Roles) == 0 && len(r.DerivedRoles) == 0 {
		return true
	}
	for _, want := range r.Roles {
		for _, have := range principalRoles {
			if want == have {
				return true
			}
		}
	}
	for _, want := range r.DerivedRoles {
		for _, have := range derivedRoles {
			if want == have {
				return true
			}
		}
	}
	return false
}
