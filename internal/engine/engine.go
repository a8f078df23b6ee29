// Package engine implements the authorization decision engine: the
// combination algorithm of §4.7 across principal and resource policies, the
// evaluation cache of §4.8, the parallel action dispatcher of §4.9, and the
// partial-evaluation planner of §6.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	celengine "github.com/authzcore/engine/internal/cel"
	"github.com/authzcore/engine/internal/derived_roles"
	"github.com/authzcore/engine/internal/pattern"
	"github.com/authzcore/engine/internal/policy"
	"github.com/authzcore/engine/internal/scope"
	"github.com/authzcore/engine/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authzcore/engine/internal/cache"
)

// Config is the enumerated engine configuration of §6, frozen into a struct
// so construction rejects unknown fields by virtue of Go's struct literal
// rules rather than a string-keyed map.
type Config struct {
	CacheEnabled    bool
	CacheSize       int          `validate:"gte=0"`
	CacheTTLMillis  int64        `validate:"gte=0"`
	ParallelWorkers int          `validate:"gte=0"`
	DefaultEffect   types.Effect `validate:"omitempty,oneof=ALLOW DENY"`
	MaxScopeDepth   int          `validate:"gte=0"`

	// Logger receives structured diagnostics (policy load failures, request
	// cancellation). A nil Logger is replaced with a no-op one.
	Logger *zap.Logger
}

// Engine evaluates CheckRequests against an in-memory policy bundle.
type Engine struct {
	cel                  *celengine.Engine
	bundle               *policy.Bundle
	cache                *cache.SingleFlightCache
	workerPool           *WorkerPool
	scopeResolver        *scope.Resolver
	derivedRolesResolver *derived_roles.DerivedRolesResolver
	config               Config
	logger               *zap.Logger

	listener Listener
}

// New constructs an engine with an empty bundle, wiring the CEL engine,
// scope resolver, and derived-roles resolver it shares with the bundle's
// validator so condition/scope checks at load time use the exact same
// compilation path evaluation does.
func New(cfg Config) (*Engine, error) {
	if cfg.DefaultEffect == "" {
		cfg.DefaultEffect = types.EffectDeny
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}

	celEng, err := celengine.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("%w: creating CEL engine: %v", types.ErrInternal, err)
	}

	scopeCfg := scope.DefaultConfig()
	if cfg.MaxScopeDepth > 0 {
		scopeCfg.MaxDepth = cfg.MaxScopeDepth
	}
	scopeResolver := scope.NewResolver(scopeCfg)

	policyValidator := policy.NewValidator(celEng, scopeResolver)
	bundle := policy.NewBundle(policyValidator, cfg.Logger)

	drResolver, err := derived_roles.NewDerivedRolesResolver()
	if err != nil {
		return nil, fmt.Errorf("%w: creating derived roles resolver: %v", types.ErrInternal, err)
	}

	var c *cache.SingleFlightCache
	if cfg.CacheEnabled {
		ttl := time.Duration(cfg.CacheTTLMillis) * time.Millisecond
		c = cache.NewSingleFlightCache(cache.NewCache(cfg.CacheSize, ttl))
	}

	return &Engine{
		cel:                  celEng,
		bundle:               bundle,
		cache:                c,
		workerPool:           NewWorkerPool(cfg.ParallelWorkers),
		scopeResolver:        scopeResolver,
		derivedRolesResolver: drResolver,
		config:               cfg,
		logger:               cfg.Logger,
	}, nil
}

// SetListener installs a narrow observability hook (§9). A nil listener
// disables notifications; listeners never influence the decision.
func (e *Engine) SetListener(l Listener) {
	e.listener = l
}

// LoadResourcePolicies validates and installs ResourcePolicy documents (§6).
func (e *Engine) LoadResourcePolicies(policies []*types.ResourcePolicy) error {
	return e.bundle.LoadResourcePolicies(policies)
}

// LoadDerivedRolesPolicies validates and installs DerivedRolesPolicy
// documents (§6).
func (e *Engine) LoadDerivedRolesPolicies(policies []*types.DerivedRolesPolicy) error {
	return e.bundle.LoadDerivedRolesPolicies(policies)
}

// LoadPrincipalPolicies validates and installs PrincipalPolicy documents (§6).
func (e *Engine) LoadPrincipalPolicies(policies []*types.PrincipalPolicy) error {
	return e.bundle.LoadPrincipalPolicies(policies)
}

// ClearPolicies empties the bundle (§6).
func (e *Engine) ClearPolicies() {
	e.bundle.ClearPolicies()
}

// GetStore exposes the underlying policy store for read-only inspection.
func (e *Engine) GetStore() *policy.Store {
	return e.bundle.Store()
}

// ClearCache discards every cached evaluation result.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Shutdown stops the worker pool. The engine is not usable afterward.
func (e *Engine) Shutdown() {
	e.workerPool.Stop()
}

// Stats is the getStats() result of §6.
type Stats struct {
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
	PolicyCounts   policy.Stats
}

// GetStats reports cache counters and bundle policy counts (§6).
func (e *Engine) GetStats() Stats {
	stats := Stats{PolicyCounts: e.bundle.GetStats()}
	if e.cache != nil {
		cs := e.cache.Stats()
		stats.CacheHits = cs.Hits
		stats.CacheMisses = cs.Misses
		stats.CacheEvictions = cs.Evictions
	}
	return stats
}

// Check evaluates one CheckRequest against the active bundle (§4.7), using
// the evaluation cache when enabled (§4.8).
func (e *Engine) Check(ctx context.Context, req *types.CheckRequest) (*types.CheckResponse, error) {
	// A caller-supplied RequestID is used as-is; an absent one is given a
	// generated id for this call only, without writing back into req —
	// req may be shared across concurrent callers (e.g. CheckBatch), and
	// mutating it in place would race.
	reqID := req.RequestID
	if reqID == "" {
		reqID = uuid.NewString()
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		e.logger.Debug("check cancelled before evaluation",
			zap.String("requestId", reqID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	if e.cache == nil {
		return e.evaluate(ctx, req, reqID)
	}

	fp := req.Fingerprint(e.bundle.Store().Generation())
	value, wasCached, err := e.cache.Do(fp, func() (interface{}, error) {
		return e.evaluate(ctx, req, reqID)
	})
	if err != nil {
		return nil, err
	}

	resp := value.(*types.CheckResponse).Clone()
	resp.Meta.CacheHit = wasCached
	if wasCached {
		e.notify(EventCacheHit, map[string]interface{}{"requestId": reqID})
	} else {
		e.notify(EventCacheMiss, map[string]interface{}{"requestId": reqID})
	}
	return resp, nil
}

// CheckBatch evaluates every request independently, sharing the engine's
// worker pool (§6). Semantically equivalent to N independent Check calls.
func (e *Engine) CheckBatch(ctx context.Context, requests []*types.CheckRequest) ([]*types.CheckResponse, error) {
	responses := make([]*types.CheckResponse, len(requests))
	errs := make([]error, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		i, req := i, req
		wg.Add(1)
		e.workerPool.Submit(ctx, func() {
			defer wg.Done()
			resp, err := e.Check(ctx, req)
			responses[i] = resp
			errs[i] = err
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return responses, err
		}
	}
	return responses, nil
}

// evaluate performs the uncached evaluation of a request: derived-role
// resolution once for the whole request, then per-action combination (§4.7)
// dispatched across the worker pool when there is more than one action
// (§4.9).
func (e *Engine) evaluate(ctx context.Context, req *types.CheckRequest, reqID string) (*types.CheckResponse, error) {
	start := time.Now()

	effectiveScope := scope.EffectiveScope(req.Principal.Scope, req.Resource.Scope)
	chain, err := e.scopeResolver.BuildScopeChain(effectiveScope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	scopeResolution := &types.ScopeResolutionResult{
		InheritanceChain: append(append([]string{}, chain...), scope.Global),
	}

	drCache := derived_roles.NewDerivedRolesCache()
	store := e.bundle.Store()
	expandedRoles, err := e.derivedRolesResolver.Resolve(
		req.Principal,
		req.Resource,
		store.AllDerivedRoles(),
		store.DerivedRoleVariables(),
		drCache,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving derived roles: %v", types.ErrInternal, err)
	}
	matchedDerived := rolesNotIn(expandedRoles, req.Principal.Roles)

	results := make(map[string]types.ActionResult, len(req.Actions))
	policiesEvaluated := make(map[string]bool)
	var mu sync.Mutex
	var firstErr error

	record := func(action string, result types.ActionResult, policyNames []string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		results[action] = result
		for _, name := range policyNames {
			policiesEvaluated[name] = true
		}
	}

	if len(req.Actions) == 1 {
		action := req.Actions[0]
		result, policyNames, err := e.evaluateAction(ctx, req, action, expandedRoles, matchedDerived, scopeResolution)
		record(action, result, policyNames, err)
	} else {
		var wg sync.WaitGroup
		for _, action := range req.Actions {
			action := action
			wg.Add(1)
			e.workerPool.Submit(ctx, func() {
				defer wg.Done()
				result, policyNames, err := e.evaluateAction(ctx, req, action, expandedRoles, matchedDerived, scopeResolution)
				record(action, result, policyNames, err)
			})
		}
		wg.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	if firstErr != nil {
		return nil, firstErr
	}

	resp := &types.CheckResponse{
		RequestID: reqID,
		Results:   results,
		Meta: types.ResponseMetadata{
			TotalDurationMicros: micros(start),
			PoliciesEvaluated:   policiesEvaluated,
			ScopeResolution:     scopeResolution,
		},
	}
	e.notify(EventCheckDone, map[string]interface{}{
		"requestId":   reqID,
		"actionCount": len(req.Actions),
	})
	return resp, nil
}

// phaseResult is the outcome of evaluating one policy-evaluation phase
// (principal or resource) for a single action.
type phaseResult struct {
	effect     types.Effect
	policyName string
	ruleName   string
}

// evaluateAction runs §4.7's six-step combination algorithm for one action.
func (e *Engine) evaluateAction(
	ctx context.Context,
	req *types.CheckRequest,
	action string,
	derivedRoles, matchedDerived []string,
	scopeResolution *types.ScopeResolutionResult,
) (types.ActionResult, []string, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return types.ActionResult{}, nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	// Step 1-2: principal-policy phase; DENY short-circuits.
	principalResult, err := e.evaluatePrincipalPhase(req, action)
	if err != nil {
		return types.ActionResult{}, nil, err
	}
	if principalResult.effect == types.EffectDeny {
		return types.ActionResult{
			Effect:                   types.EffectDeny,
			PolicyName:               principalResult.policyName,
			RuleName:                 principalResult.ruleName,
			MatchedDerivedRoles:      matchedDerived,
			EvaluationDurationMicros: micros(start),
		}, []string{principalResult.policyName}, nil
	}

	if err := ctx.Err(); err != nil {
		return types.ActionResult{}, nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	// Step 3: resource-policy phase, scope-resolved.
	resourceResult, matchedScope, err := e.evaluateResourcePhase(req, action, derivedRoles)
	if err != nil {
		return types.ActionResult{}, nil, err
	}
	if matchedScope != "" {
		scopeResolution.MatchedScope = matchedScope
		scopeResolution.ScopedPolicyMatched = true
	}

	var policiesTouched []string
	if principalResult.policyName != "" {
		policiesTouched = append(policiesTouched, principalResult.policyName)
	}
	if resourceResult.policyName != "" {
		policiesTouched = append(policiesTouched, resourceResult.policyName)
	}

	switch {
	case resourceResult.effect == types.EffectDeny:
		// Step 4.
		return types.ActionResult{
			Effect:                   types.EffectDeny,
			PolicyName:               resourceResult.policyName,
			RuleName:                 resourceResult.ruleName,
			MatchedDerivedRoles:      matchedDerived,
			EvaluationDurationMicros: micros(start),
		}, policiesTouched, nil

	case resourceResult.effect == types.EffectAllow ||
		(resourceResult.effect == types.EffectNone && principalResult.effect == types.EffectAllow):
		// Step 5.
		policyName, ruleName := resourceResult.policyName, resourceResult.ruleName
		if resourceResult.effect == types.EffectNone {
			policyName, ruleName = principalResult.policyName, principalResult.ruleName
		}
		return types.ActionResult{
			Effect:                   types.EffectAllow,
			PolicyName:               policyName,
			RuleName:                 ruleName,
			MatchedDerivedRoles:      matchedDerived,
			EvaluationDurationMicros: micros(start),
		}, policiesTouched, nil

	default:
		// Step 6: configured default effect, synthetic attribution.
		return types.ActionResult{
			Effect:                   e.config.DefaultEffect,
			PolicyName:               types.DefaultPolicyAttribution,
			MatchedDerivedRoles:      matchedDerived,
			EvaluationDurationMicros: micros(start),
		}, policiesTouched, nil
	}
}

// evaluatePrincipalPhase implements §4.6: across every matching principal
// policy, the first matching rule within a policy wins; across policies, a
// DENY short-circuits (deny-override), while an ALLOW is only kept as a
// candidate in case a later policy denies.
func (e *Engine) evaluatePrincipalPhase(req *types.CheckRequest, action string) (phaseResult, error) {
	policies := e.bundle.Store().MatchingPrincipalPolicies(req.Principal)

	var candidate *phaseResult
	for _, pp := range policies {
		res, err := e.firstPrincipalRuleMatch(pp, req.Resource.Kind, action, req.Principal, req.Resource)
		if err != nil {
			return phaseResult{}, err
		}
		if res == nil {
			continue
		}
		if res.effect == types.EffectDeny {
			return *res, nil
		}
		if candidate == nil {
			candidate = res
		}
	}
	if candidate != nil {
		return *candidate, nil
	}
	return phaseResult{effect: types.EffectNone}, nil
}

// firstPrincipalRuleMatch finds the first resource-rule / action-rule pair
// in pp whose patterns match and whose condition holds.
func (e *Engine) firstPrincipalRuleMatch(
	pp *types.PrincipalPolicy,
	resourceKind, action string,
	principal *types.Principal,
	resource *types.Resource,
) (*phaseResult, error) {
	for _, rr := range pp.Rules {
		if !pattern.MatchAction(rr.Resource, resourceKind) {
			continue
		}
		for _, ar := range rr.Actions {
			if !pattern.MatchAction(ar.Action, action) {
				continue
			}
			ok, err := e.evalBoolCondition(ar.Condition, principal, resource, nil)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			name := ar.Name
			if name == "" {
				name = ar.Action
			}
			return &phaseResult{effect: ar.Effect, policyName: pp.Name(), ruleName: name}, nil
		}
	}
	return nil, nil
}

// evaluateResourcePhase implements §4.3/§4.5: resolve the scoped
// ResourcePolicy for the resource kind, then return the effect of the
// first matching rule.
func (e *Engine) evaluateResourcePhase(
	req *types.CheckRequest,
	action string,
	derivedRoles []string,
) (phaseResult, string, error) {
	effectiveScope := scope.EffectiveScope(req.Principal.Scope, req.Resource.Scope)
	rp, matchedScope, err := e.bundle.Store().FindResourcePolicy(req.Resource.Kind, func(exists func(string) bool) (string, error) {
		return e.scopeResolver.FindMatchingPolicy(effectiveScope, exists)
	})
	if err != nil {
		return phaseResult{}, "", fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	if rp == nil {
		return phaseResult{effect: types.EffectNone}, "", nil
	}

	for _, rule := range rp.Rules {
		matchedAction := false
		for _, a := range rule.Actions {
			if pattern.MatchAction(a, action) {
				matchedAction = true
				break
			}
		}
		if !matchedAction {
			continue
		}
		if !rule.MatchesRoleOrDerivedRole(req.Principal.Roles, derivedRoles) {
			continue
		}
		ok, err := e.evalBoolCondition(rule.Condition, req.Principal, req.Resource, nil)
		if err != nil {
			return phaseResult{}, matchedScope, err
		}
		if !ok {
			continue
		}
		name := rule.Name
		if name == "" {
			name = action
		}
		return phaseResult{effect: rule.Effect, policyName: rp.Name(), ruleName: name}, matchedScope, nil
	}
	return phaseResult{effect: types.EffectNone}, matchedScope, nil
}

// evalBoolCondition evaluates a rule condition. A runtime evaluation error
// degrades to "condition false" rather than aborting the check (§7): it is
// never surfaced to the caller.
func (e *Engine) evalBoolCondition(expr string, principal *types.Principal, resource *types.Resource, variables map[string]interface{}) (bool, error) {
	if expr == "" {
		return true, nil
	}
	ctx := &celengine.EvalContext{
		Principal: principal.ToMap(),
		Resource:  map[string]interface{}{},
		Context:   map[string]interface{}{},
		Variables: variables,
	}
	if resource != nil {
		ctx.Resource = resource.ToMap()
	}
	ok, err := e.cel.EvaluateExpression(expr, ctx)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

// rolesNotIn returns the elements of expanded not present in base, i.e. the
// derived roles actually granted on top of the principal's own roles.
func rolesNotIn(expanded, base []string) []string {
	baseSet := make(map[string]bool, len(base))
	for _, r := range base {
		baseSet[r] = true
	}
	var out []string
	for _, r := range expanded {
		if !baseSet[r] {
			out = append(out, r)
		}
	}
	return out
}

func micros(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1000.0
}
