package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authzcore/engine/pkg/types"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng
}

// Scenario 1: admin wildcard allow.
func TestCheck_AdminWildcardAllow(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{Actions: []string{"*"}, Effect: types.EffectAllow, Roles: []string{"admin"}},
		},
	}}))

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "u1", Roles: []string{"admin"}},
		Resource:  &types.Resource{Kind: "document", ID: "d1"},
		Actions:   []string{"read", "write", "delete"},
	})
	require.NoError(t, err)

	for _, action := range []string{"read", "write", "delete"} {
		result, ok := resp.Results[action]
		require.True(t, ok, action)
		assert.True(t, result.IsAllowed(), action)
		assert.Equal(t, "document", result.PolicyName)
	}
}

// Scenario 2: owner condition.
func TestCheck_OwnerCondition(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{
				Actions:   []string{"read", "write"},
				Effect:    types.EffectAllow,
				Condition: "resource.attributes.ownerId == principal.id",
			},
		},
	}}))

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "u2", Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: "document", ID: "d2", Attributes: map[string]interface{}{"ownerId": "u2"}},
		Actions:   []string{"read", "write", "delete"},
	})
	require.NoError(t, err)

	assert.True(t, resp.Results["read"].IsAllowed())
	assert.True(t, resp.Results["write"].IsAllowed())
	assert.False(t, resp.Results["delete"].IsAllowed())
	assert.Equal(t, types.DefaultPolicyAttribution, resp.Results["delete"].PolicyName)
}

// Scenario 3: principal-policy deny-override.
func TestCheck_PrincipalPolicyDenyOverride(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "expense",
		Rules: []*types.ResourceRule{
			{Actions: []string{"delete"}, Effect: types.EffectAllow, Roles: []string{"admin"}},
		},
	}}))
	require.NoError(t, eng.LoadPrincipalPolicies([]*types.PrincipalPolicy{{
		Principal: "john@example.com",
		Rules: []*types.PrincipalResourceRule{
			{
				Resource: "expense",
				Actions: []*types.PrincipalActionRule{
					{Action: "delete", Effect: types.EffectDeny},
				},
			},
		},
	}}))

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "john@example.com", Roles: []string{"admin"}},
		Resource:  &types.Resource{Kind: "expense", ID: "e1"},
		Actions:   []string{"delete"},
	})
	require.NoError(t, err)

	result := resp.Results["delete"]
	assert.False(t, result.IsAllowed())
	assert.Equal(t, "john@example.com", result.PolicyName)
}

// Scenario 4: scope inheritance.
func TestCheck_ScopeInheritance(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Scope:    "acme",
		Rules: []*types.ResourceRule{
			{Actions: []string{"read"}, Effect: types.EffectAllow, Roles: []string{"user"}},
		},
	}}))

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "u3", Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: "document", ID: "d3", Scope: "acme.corp.eng"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)

	assert.True(t, resp.Results["read"].IsAllowed())
	assert.Equal(t, "acme", resp.Meta.ScopeResolution.MatchedScope)
}

// Scenario 5: derived role.
func TestCheck_DerivedRole(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadDerivedRolesPolicies([]*types.DerivedRolesPolicy{{
		Name: "common",
		Definitions: []*types.DerivedRole{
			{Name: "owner", ParentRoles: []string{"user"}, Condition: "resource.attributes.ownerId == principal.id"},
		},
	}}))
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{Actions: []string{"edit"}, Effect: types.EffectAllow, DerivedRoles: []string{"owner"}},
		},
	}}))

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "u4", Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: "document", ID: "d4", Attributes: map[string]interface{}{"ownerId": "u4"}},
		Actions:   []string{"edit"},
	})
	require.NoError(t, err)

	result := resp.Results["edit"]
	assert.True(t, result.IsAllowed())
	assert.Contains(t, result.MatchedDerivedRoles, "owner")
}

// Scenario 6: cache single-flight.
func TestCheck_CacheSingleFlight(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny, CacheEnabled: true, CacheSize: 100})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{Actions: []string{"read"}, Effect: types.EffectAllow, Roles: []string{"user"}},
		},
	}}))

	req := &types.CheckRequest{
		Principal: &types.Principal{ID: "u5", Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: "document", ID: "d5"},
		Actions:   []string{"read"},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	cacheHits := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := eng.Check(context.Background(), req)
			require.NoError(t, err)
			assert.True(t, resp.Results["read"].IsAllowed())
			mu.Lock()
			if resp.Meta.CacheHit {
				cacheHits++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Exactly one of the 100 concurrent identical requests performs the
	// real evaluation; the other 99 join it and report a cache hit (§8
	// scenario 6).
	assert.Equal(t, 99, cacheHits)
	stats := eng.GetStats()
	assert.Equal(t, uint64(1), stats.CacheMisses)
}

func TestCheck_NoMatchFallsToDefaultEffect(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "u6", Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: "document", ID: "d6"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)

	result := resp.Results["read"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, types.DefaultPolicyAttribution, result.PolicyName)
}

func TestCheck_InvalidRequestRejected(t *testing.T) {
	eng := newTestEngine(t, Config{})
	_, err := eng.Check(context.Background(), &types.CheckRequest{
		Resource: &types.Resource{Kind: "document"},
		Actions:  []string{"read"},
	})
	require.Error(t, err)
}

func TestCheck_CancelledContext(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Check(ctx, &types.CheckRequest{
		Principal: &types.Principal{ID: "u7", Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: "document", ID: "d7"},
		Actions:   []string{"read"},
	})
	require.ErrorIs(t, err, types.ErrCancelled)
}

func TestCheckBatch_OrderPreserved(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{Actions: []string{"read"}, Effect: types.EffectAllow, Roles: []string{"user"}},
		},
	}}))

	requests := make([]*types.CheckRequest, 5)
	for i := range requests {
		requests[i] = &types.CheckRequest{
			RequestID: "req-" + string(rune('a'+i)),
			Principal: &types.Principal{ID: "u1", Roles: []string{"user"}},
			Resource:  &types.Resource{Kind: "document", ID: "d1"},
			Actions:   []string{"read"},
		}
	}

	resps, err := eng.CheckBatch(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, resps, 5)
	for i, resp := range resps {
		assert.Equal(t, requests[i].RequestID, resp.RequestID)
		assert.True(t, resp.Results["read"].IsAllowed())
	}
}

func TestPlanResources_AlwaysAllow(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{Actions: []string{"*"}, Effect: types.EffectAllow, Roles: []string{"admin"}},
		},
	}}))

	plan, err := eng.PlanResources(&types.Principal{ID: "u1", Roles: []string{"admin"}}, "document", "read")
	require.NoError(t, err)
	assert.Equal(t, PlanAlwaysAllow, plan.Kind)
}

func TestPlanResources_Conditional(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	require.NoError(t, eng.LoadResourcePolicies([]*types.ResourcePolicy{{
		Resource: "document",
		Rules: []*types.ResourceRule{
			{
				Actions:   []string{"read"},
				Effect:    types.EffectAllow,
				Condition: "resource.attributes.ownerId == principal.id",
			},
		},
	}}))

	plan, err := eng.PlanResources(&types.Principal{ID: "u1", Roles: []string{"user"}}, "document", "read")
	require.NoError(t, err)
	assert.Equal(t, PlanConditional, plan.Kind)
	assert.Equal(t, "resource.attributes.ownerId == principal.id", plan.Condition)
}

func TestPlanResources_NoMatchIsDefault(t *testing.T) {
	eng := newTestEngine(t, Config{DefaultEffect: types.EffectDeny})
	plan, err := eng.PlanResources(&types.Principal{ID: "u1", Roles: []string{"user"}}, "document", "read")
	require.NoError(t, err)
	assert.Equal(t, PlanAlwaysDeny, plan.Kind)
}

type recordingListener struct {
	mu     sync.Mutex
	events []EventKind
}

func (l *recordingListener) Notify(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e.Kind)
}

func TestCheck_ListenerNotifiedOnCompletion(t *testing.T) {
	eng := newTestEngine(t, Config{})
	listener := &recordingListener{}
	eng.SetListener(listener)

	_, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "u1", Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: "document", ID: "d1"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.NotEmpty(t, listener.events)
}
