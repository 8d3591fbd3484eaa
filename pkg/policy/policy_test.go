package policy

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secrethub/secrethub/pkg/types"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"prod.*", "prod.db", true},
		{"prod.*", "prod.db.postgres", false},
		{"prod.**", "prod.db", true},
		{"prod.**", "prod.db.postgres", true},
		{"prod.**", "prod", true},
		{"prod.*.password", "prod.db.password", true},
		{"prod.*.password", "prod.password", false},
		{"prod.**.password", "prod.password", true},
		{"prod.**.password", "prod.db.postgres.password", true},
		{"prod.db", "prod.db", true},
		{"prod.db", "prod.db.replica", false},
		{"*", "prod", true},
		{"*", "prod.db", false},
		{"**", "anything.at.all", true},
		{"**", "", true},
		{"", "", true},
		{"prod.*", "staging.db", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchGlob(tt.pattern, tt.path))
		})
	}
}

func allowPolicy(name string, doc types.PolicyDocument) *types.Policy {
	return &types.Policy{
		ID:        "id-" + name,
		Name:      name,
		Document:  doc,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestEvaluateTimeAndIP(t *testing.T) {
	p := allowPolicy("prod-read", types.PolicyDocument{
		AllowedSecrets:    []string{"prod.db.*", "prod.db.**"},
		AllowedOperations: []types.Operation{types.OperationRead},
		Conditions: map[string]any{
			"time_of_day": "09:00-17:00",
			"ip_ranges":   []any{"10.0.0.0/8"},
		},
	})
	e := NewEvaluator(nil, nil)

	noon := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	night := time.Date(2026, 5, 4, 22, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"in window from allowed ip", Request{EntityID: "app", SecretPath: "prod.db.postgres.password", Operation: types.OperationRead, IPAddress: "10.1.2.3", Timestamp: noon}, true},
		{"outside window", Request{EntityID: "app", SecretPath: "prod.db.postgres.password", Operation: types.OperationRead, IPAddress: "10.1.2.3", Timestamp: night}, false},
		{"wrong network", Request{EntityID: "app", SecretPath: "prod.db.postgres.password", Operation: types.OperationRead, IPAddress: "192.168.0.1", Timestamp: noon}, false},
		{"wrong operation", Request{EntityID: "app", SecretPath: "prod.db.postgres.password", Operation: types.OperationWrite, IPAddress: "10.1.2.3", Timestamp: noon}, false},
		{"missing ip", Request{EntityID: "app", SecretPath: "prod.db.postgres.password", Operation: types.OperationRead, Timestamp: noon}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(p, tt.req)
			assert.Equal(t, tt.want, d.Allow, d.Reason)
		})
	}
}

func TestEvaluateEntityBinding(t *testing.T) {
	p := allowPolicy("bound", types.PolicyDocument{AllowedSecrets: []string{"**"}})
	p.EntityBindings = []string{"app-1", "app-2"}
	e := NewEvaluator(nil, nil)

	d := e.Evaluate(p, Request{EntityID: "app-1", SecretPath: "dev.x", Operation: types.OperationRead})
	assert.True(t, d.Allow)

	d = e.Evaluate(p, Request{EntityID: "app-3", SecretPath: "dev.x", Operation: types.OperationRead})
	assert.False(t, d.Allow)
}

func TestEvaluateDefaultOperationIsRead(t *testing.T) {
	p := allowPolicy("read-only", types.PolicyDocument{AllowedSecrets: []string{"**"}})
	e := NewEvaluator(nil, nil)

	assert.True(t, e.Evaluate(p, Request{SecretPath: "dev.x", Operation: types.OperationRead}).Allow)
	assert.False(t, e.Evaluate(p, Request{SecretPath: "dev.x", Operation: types.OperationDelete}).Allow)
}

func TestEvaluateDenyInversion(t *testing.T) {
	p := allowPolicy("block-prod", types.PolicyDocument{AllowedSecrets: []string{"prod.**"}})
	p.Deny = true
	e := NewEvaluator(nil, nil)

	// Full match on a deny policy is an explicit deny.
	d := e.Evaluate(p, Request{SecretPath: "prod.db.password", Operation: types.OperationRead})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "explicit deny")

	// A non-matching deny policy expresses no opinion.
	d = e.Evaluate(p, Request{SecretPath: "dev.db.password", Operation: types.OperationRead})
	assert.True(t, d.Allow)
}

func TestEvaluateUnknownConditionKeysFailOpen(t *testing.T) {
	p := allowPolicy("future", types.PolicyDocument{
		AllowedSecrets: []string{"**"},
		Conditions:     map[string]any{"geo_fence": "eu-west"},
	})
	e := NewEvaluator(nil, nil)

	assert.True(t, e.Evaluate(p, Request{SecretPath: "dev.x", Operation: types.OperationRead}).Allow)
}

type policyListStore struct {
	policies []*types.Policy
}

func (s *policyListStore) ListPoliciesForEntity(_ context.Context, entityID string) ([]*types.Policy, error) {
	var out []*types.Policy
	for _, p := range s.policies {
		if len(p.EntityBindings) == 0 {
			out = append(out, p)
			continue
		}
		for _, id := range p.EntityBindings {
			if id == entityID {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func TestEvaluateAccess(t *testing.T) {
	allow := allowPolicy("dev-read", types.PolicyDocument{AllowedSecrets: []string{"dev.**"}})
	deny := allowPolicy("block-dev-db", types.PolicyDocument{AllowedSecrets: []string{"dev.db.**"}})
	deny.Deny = true

	store := &policyListStore{policies: []*types.Policy{allow, deny}}
	e := NewEvaluator(store, nil)
	ctx := context.Background()

	d, err := e.EvaluateAccess(ctx, Request{EntityID: "app", SecretPath: "dev.cache.url", Operation: types.OperationRead})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, "dev-read", d.Policy)

	// Explicit deny overrides the allow.
	d, err = e.EvaluateAccess(ctx, Request{EntityID: "app", SecretPath: "dev.db.password", Operation: types.OperationRead})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "block-dev-db", d.Policy)

	// Nothing matches.
	d, err = e.EvaluateAccess(ctx, Request{EntityID: "app", SecretPath: "prod.db.password", Operation: types.OperationRead})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "no policy allows access", d.Reason)
}

func TestEvaluateAccessOrderIndependent(t *testing.T) {
	policies := []*types.Policy{
		allowPolicy("a", types.PolicyDocument{AllowedSecrets: []string{"dev.**"}}),
		allowPolicy("b", types.PolicyDocument{AllowedSecrets: []string{"staging.**"}}),
	}
	deny := allowPolicy("c", types.PolicyDocument{AllowedSecrets: []string{"dev.db.**"}})
	deny.Deny = true
	policies = append(policies, deny)

	req := Request{EntityID: "app", SecretPath: "dev.db.password", Operation: types.OperationRead}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		rng.Shuffle(len(policies), func(a, b int) { policies[a], policies[b] = policies[b], policies[a] })
		e := NewEvaluator(&policyListStore{policies: policies}, nil)
		d, err := e.EvaluateAccess(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, d.Allow)
	}
}

func TestSimulateTrace(t *testing.T) {
	p := allowPolicy("prod-read", types.PolicyDocument{
		AllowedSecrets:    []string{"prod.**"},
		AllowedOperations: []types.Operation{types.OperationRead},
		Conditions:        map[string]any{"ip_ranges": []any{"10.0.0.0/8"}},
	})
	e := NewEvaluator(nil, nil)

	trace, d := e.Simulate(p, Request{EntityID: "app", SecretPath: "prod.db", Operation: types.OperationRead, IPAddress: "172.16.0.1"})
	require.Len(t, trace, 6)
	assert.False(t, d.Allow)

	byName := make(map[string]CheckResult)
	for _, step := range trace {
		byName[step.Check] = step
	}
	assert.True(t, byName["entity_binding"].Pass)
	assert.True(t, byName["path_match"].Pass)
	assert.True(t, byName["operation"].Pass)
	assert.False(t, byName["ip"].Pass)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(50 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", Decision{Allow: true, Reason: "cached"})
	d, ok := c.Get("k")
	require.True(t, ok)
	assert.True(t, d.Allow)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, time.Minute)

	c.Set("k", Decision{Allow: false, Reason: "denied", Policy: "p"})
	d, ok := c.Get("k")
	require.True(t, ok)
	assert.False(t, d.Allow)
	assert.Equal(t, "p", d.Policy)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestEvaluateUsesCache(t *testing.T) {
	p := allowPolicy("cached", types.PolicyDocument{AllowedSecrets: []string{"dev.**"}})
	cache := NewMemoryCache(time.Minute)
	e := NewEvaluator(nil, cache)

	req := Request{EntityID: "app", SecretPath: "dev.x", Operation: types.OperationRead}
	first := e.Evaluate(p, req)
	second := e.Evaluate(p, req)
	assert.Equal(t, first, second)

	// An edit produces a new key and bypasses the stale entry.
	p.UpdatedAt = p.UpdatedAt.Add(time.Second)
	p.Document.AllowedSecrets = []string{"prod.**"}
	assert.False(t, e.Evaluate(p, req).Allow)
}

func TestValidateDocument(t *testing.T) {
	tests := []struct {
		name    string
		doc     types.PolicyDocument
		wantErr bool
	}{
		{"valid", types.PolicyDocument{AllowedSecrets: []string{"dev.**"}}, false},
		{"empty secrets", types.PolicyDocument{}, true},
		{"bad operation", types.PolicyDocument{AllowedSecrets: []string{"x"}, AllowedOperations: []types.Operation{"fly"}}, true},
		{"bad time window", types.PolicyDocument{AllowedSecrets: []string{"x"}, Conditions: map[string]any{"time_of_day": "nine-to-five"}}, true},
		{"bad cidr", types.PolicyDocument{AllowedSecrets: []string{"x"}, Conditions: map[string]any{"ip_ranges": []any{"10.0.0.0/99"}}}, true},
		{"bad weekday", types.PolicyDocument{AllowedSecrets: []string{"x"}, Conditions: map[string]any{"days_of_week": "funday"}}, true},
		{"full valid", types.PolicyDocument{
			AllowedSecrets:    []string{"prod.db.*"},
			AllowedOperations: []types.Operation{types.OperationRead, types.OperationRotate},
			Conditions: map[string]any{
				"time_of_day": "09:00-17:00",
				"days_of_week": []any{"mon", "tue", "wed", "thu", "fri"},
				"date_range":  "2026-01-01..2026-12-31",
				"ip_ranges":   []any{"10.0.0.0/8", "192.168.1.1"},
			},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDocument(&tt.doc)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
