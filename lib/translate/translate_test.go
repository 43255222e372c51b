/*
Copyright 2024 Bastion Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package translate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/backend/memory"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/services"
	"github.com/bastionlabs/bastion/lib/services/local"
	"github.com/bastionlabs/bastion/lib/types"
)

const testSchema = `{
	"issuers": [{
		"issuer": "https://idp.example.com",
		"claim_mappings": [
			{"claim": "groups", "value": "engineering", "roles": ["developer"]},
			{"claim": "groups", "value": "oncall", "permissions": ["incidents.write"]},
			{"claim": "admin", "value": "true", "roles": ["operator"]}
		]
	}],
	"roles": [
		{"id": "developer", "permissions": ["orders.read", "orders.write"]},
		{"id": "operator", "permissions": ["service.config.update"]}
	],
	"groups": [
		{"id": "platform", "permissions": ["metrics.read"]}
	]
}`

type testPack struct {
	clock      *clockwork.FakeClock
	store      *local.TranslationService
	translator *Translator
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	store := local.NewTranslationService(bk)
	translator, err := New(Config{Store: store, Clock: clock})
	require.NoError(t, err)
	return &testPack{clock: clock, store: store, translator: translator}
}

func (p *testPack) activate(t *testing.T, schema string) *types.TranslationConfigVersion {
	t.Helper()
	ctx := context.Background()
	cfg, err := p.store.CreateVersion(ctx, types.TranslationConfigVersion{
		ConfigSchema: json.RawMessage(schema),
		CreatedBy:    "admin",
	})
	require.NoError(t, err)
	require.NoError(t, p.store.SetActiveVersion(ctx, cfg.ID))
	p.translator.Invalidate()
	return cfg
}

func TestSchemaCheck(t *testing.T) {
	tests := []struct {
		name   string
		schema string
	}{
		{name: "no issuers", schema: `{"issuers": []}`},
		{name: "empty issuer", schema: `{"issuers": [{"issuer": ""}]}`},
		{name: "missing claim", schema: `{"issuers": [{"issuer": "a", "claim_mappings": [{"claim": "", "value": "x"}]}]}`},
		{
			name:   "undeclared role",
			schema: `{"issuers": [{"issuer": "a", "claim_mappings": [{"claim": "g", "value": "x", "roles": ["ghost"]}]}]}`,
		},
		{
			name:   "duplicate role",
			schema: `{"issuers": [{"issuer": "a"}], "roles": [{"id": "r"}, {"id": "r"}]}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSchema(json.RawMessage(tc.schema))
			require.True(t, trace.IsBadParameter(err))
		})
	}

	_, err := ParseSchema(json.RawMessage(testSchema))
	require.NoError(t, err)
}

func TestEvaluate(t *testing.T) {
	schema, err := ParseSchema(json.RawMessage(testSchema))
	require.NoError(t, err)

	t.Run("list membership and role expansion", func(t *testing.T) {
		result := schema.Evaluate("https://idp.example.com", "user-1", map[string]any{
			"groups": []any{"engineering", "oncall"},
		})
		require.Equal(t, []string{"developer"}, result.Roles)
		require.Equal(t, []string{"incidents.write", "orders.read", "orders.write"}, result.Permissions)
	})

	t.Run("boolean claim", func(t *testing.T) {
		result := schema.Evaluate("https://idp.example.com", "user-1", map[string]any{
			"admin": true,
		})
		require.Equal(t, []string{"operator"}, result.Roles)
		require.Equal(t, []string{"service.config.update"}, result.Permissions)
	})

	t.Run("unknown issuer yields nothing", func(t *testing.T) {
		result := schema.Evaluate("https://other.example.com", "user-1", map[string]any{
			"groups": []any{"engineering"},
		})
		require.Empty(t, result.Roles)
		require.Empty(t, result.Permissions)
	})
}

func TestTranslateDeterminism(t *testing.T) {
	p := newTestPack(t)
	p.activate(t, testSchema)
	ctx := context.Background()

	claims := map[string]any{"groups": []any{"engineering"}}

	// The first call misses the cache, the second hits it; both must
	// produce identical results.
	miss, err := p.translator.Translate(ctx, "https://idp.example.com", "user-1", claims)
	require.NoError(t, err)
	hit, err := p.translator.Translate(ctx, "https://idp.example.com", "user-1", claims)
	require.NoError(t, err)
	require.Equal(t, miss, hit)
	require.Equal(t, []string{"orders.read", "orders.write"}, hit.Permissions)

	status, err := p.translator.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.CacheEntries)
}

func TestTranslateNoActiveConfig(t *testing.T) {
	p := newTestPack(t)
	_, err := p.translator.Translate(context.Background(), "https://idp.example.com", "user-1", nil)
	require.True(t, trace.IsNotFound(err))
}

func TestActivationSwapsResults(t *testing.T) {
	p := newTestPack(t)
	p.activate(t, testSchema)
	ctx := context.Background()

	claims := map[string]any{"groups": []any{"engineering"}}
	before, err := p.translator.Translate(ctx, "https://idp.example.com", "user-1", claims)
	require.NoError(t, err)
	require.Contains(t, before.Permissions, "orders.write")

	// Activate a narrower config: cached results keyed by the old
	// active id can not leak through.
	p.activate(t, `{
		"issuers": [{
			"issuer": "https://idp.example.com",
			"claim_mappings": [{"claim": "groups", "value": "engineering", "roles": ["reader"]}]
		}],
		"roles": [{"id": "reader", "permissions": ["orders.read"]}]
	}`)

	after, err := p.translator.Translate(ctx, "https://idp.example.com", "user-1", claims)
	require.NoError(t, err)
	require.Equal(t, []string{"orders.read"}, after.Permissions)
}

func TestTestPreviewsCandidateConfig(t *testing.T) {
	p := newTestPack(t)
	active := p.activate(t, testSchema)
	ctx := context.Background()

	candidate := json.RawMessage(`{
		"issuers": [{
			"issuer": "https://idp.example.com",
			"claim_mappings": [{"claim": "groups", "value": "engineering", "permissions": ["preview.only"]}]
		}]
	}`)
	claims := map[string]any{"groups": []any{"engineering"}}

	result, err := p.translator.Test(ctx, "https://idp.example.com", "user-1", claims, candidate)
	require.NoError(t, err)
	require.Equal(t, []string{"preview.only"}, result.Permissions)

	// Previewing never activates: the active config is unchanged.
	got, err := p.store.GetActiveVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, active.ID, got.ID)

	// Without a candidate, Test evaluates the active config.
	result, err = p.translator.Test(ctx, "https://idp.example.com", "user-1", claims, nil)
	require.NoError(t, err)
	require.Contains(t, result.Permissions, "orders.write")
}

func TestActiveMappings(t *testing.T) {
	p := newTestPack(t)

	// No active config: empty tables, not an error.
	roles, groups, err := p.translator.ActiveMappings(context.Background())
	require.NoError(t, err)
	require.Empty(t, roles)
	require.Empty(t, groups)

	p.activate(t, testSchema)
	roles, groups, err = p.translator.ActiveMappings(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"orders.read", "orders.write"}, roles["developer"])
	require.Equal(t, []string{"metrics.read"}, groups["platform"])
}

// countingConfigStore counts GetActiveVersion reads hitting the store.
type countingConfigStore struct {
	services.TranslationConfigs
	activeReads int
}

func (s *countingConfigStore) GetActiveVersion(ctx context.Context) (*types.TranslationConfigVersion, error) {
	s.activeReads++
	return s.TranslationConfigs.GetActiveVersion(ctx)
}

func TestActiveMappingsCachesStoreReads(t *testing.T) {
	p := newTestPack(t)
	p.activate(t, testSchema)

	store := &countingConfigStore{TranslationConfigs: p.store}
	translator, err := New(Config{Store: store, Clock: p.clock})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		roles, groups, err := translator.ActiveMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"orders.read", "orders.write"}, roles["developer"])
		require.Equal(t, []string{"metrics.read"}, groups["platform"])
	}
	// Five lookups, one store read: the parsed tables are served from
	// the snapshot.
	require.Equal(t, 1, store.activeReads)

	// Invalidation drops the snapshot, so activation takes effect on the
	// next request.
	translator.Invalidate()
	_, _, err = translator.ActiveMappings(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, store.activeReads)

	// The snapshot also ages out after the cache TTL.
	p.clock.Advance(defaults.TranslationCacheTTL + time.Second)
	_, _, err = translator.ActiveMappings(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, store.activeReads)
}

func TestActiveMappingsCachesEmptyState(t *testing.T) {
	p := newTestPack(t)
	store := &countingConfigStore{TranslationConfigs: p.store}
	translator, err := New(Config{Store: store, Clock: p.clock})
	require.NoError(t, err)
	ctx := context.Background()

	// No active config expands to nothing, and the empty answer is
	// cached like any other.
	for i := 0; i < 3; i++ {
		roles, groups, err := translator.ActiveMappings(ctx)
		require.NoError(t, err)
		require.Empty(t, roles)
		require.Empty(t, groups)
	}
	require.Equal(t, 1, store.activeReads)
}
