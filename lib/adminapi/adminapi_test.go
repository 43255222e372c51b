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

package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/backend/memory"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/gate"
	"github.com/bastionlabs/bastion/lib/keystore"
	"github.com/bastionlabs/bastion/lib/secret"
	"github.com/bastionlabs/bastion/lib/services/local"
	"github.com/bastionlabs/bastion/lib/translate"
	"github.com/bastionlabs/bastion/lib/types"
)

type testPack struct {
	clock  *clockwork.FakeClock
	gate   *gate.Gate
	server *httptest.Server
	clt    *Client
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	manager, err := keystore.NewManager(keystore.Config{
		Store:  local.NewSigningKeyService(bk),
		Clock:  clock,
		Issuer: "https://gateway.test",
	})
	require.NoError(t, err)
	require.NoError(t, manager.Rebuild(ctx))
	_, err = manager.Rotate(ctx, "bootstrap")
	require.NoError(t, err)

	sealKey, err := secret.NewKey()
	require.NoError(t, err)
	apiKeys := local.NewAPIKeyService(bk, sealKey)

	authenticator, err := authn.New(authn.Config{
		Keystore: manager,
		APIKeys:  apiKeys,
		Clock:    clock,
	})
	require.NoError(t, err)

	revocations := local.NewRevocationService(bk, defaults.MaxTokenLifetime)
	lockouts := local.NewLockoutService(bk)
	g, err := gate.New(gate.Config{
		Revocations: revocations,
		Lockouts:    lockouts,
		Clock:       clock,
	})
	require.NoError(t, err)
	require.NoError(t, g.Rebuild(ctx))

	translations := local.NewTranslationService(bk)
	translator, err := translate.New(translate.Config{Store: translations, Clock: clock})
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Registry:      local.NewRegistryService(bk),
		APIKeys:       apiKeys,
		Translations:  translations,
		Revocations:   revocations,
		Lockouts:      lockouts,
		Keystore:      manager,
		Translator:    translator,
		Gate:          g,
		Authenticator: authenticator,
		Clock:         clock,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	clt, err := NewClient(ts.URL)
	require.NoError(t, err)

	return &testPack{clock: clock, gate: g, server: ts, clt: clt}
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	created, err := p.clt.CreateService(ctx, types.ServiceRegistration{
		ServiceID:   "orders",
		BaseURL:     "http://orders.internal:8080",
		RoutePrefix: "/orders",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)

	_, err = p.clt.CreateService(ctx, types.ServiceRegistration{
		ServiceID: "orders",
		BaseURL:   "http://orders.internal:8080",
	})
	require.True(t, trace.IsAlreadyExists(err))

	got, err := p.clt.GetService(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, "http://orders.internal:8080", got.BaseURL)

	got.DisplayName = "Orders"
	updated, err := p.clt.UpdateService(ctx, *got)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	// A writer still holding version 1 must lose.
	got.DisplayName = "Stale Orders"
	_, err = p.clt.UpdateService(ctx, *got)
	require.True(t, trace.IsCompareFailed(err))

	page, err := p.clt.ListServices(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, 1, page.Count)
	require.Equal(t, 10, page.Limit)

	require.NoError(t, p.clt.DeleteService(ctx, "orders"))
	_, err = p.clt.GetService(ctx, "orders")
	require.True(t, trace.IsNotFound(err))
}

func TestUpdateRequiresIfMatch(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	_, err := p.clt.CreateService(ctx, types.ServiceRegistration{
		ServiceID: "orders",
		BaseURL:   "http://orders.internal:8080",
	})
	require.NoError(t, err)

	// A bare PUT without the version header is rejected outright.
	req, err := http.NewRequest(http.MethodPut, p.server.URL+"/v1/services/orders",
		strings.NewReader(`{"base_url": "http://orders.internal:9090"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIKeyPlaintextShownOnce(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	resp, err := p.clt.CreateAPIKey(ctx, CreateAPIKeyRequest{
		Name:        "ci-deploy",
		Permissions: []string{"orders.read"},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.Plaintext, defaults.APIKeyPrefix))
	require.NotEmpty(t, resp.Key.ID)

	// The record endpoints never echo the plaintext or the hash.
	re, err := p.clt.Get(ctx, p.clt.Endpoint("api-keys", resp.Key.ID), nil)
	require.NoError(t, err)
	require.NotContains(t, string(re.Bytes()), resp.Plaintext)
	require.NotContains(t, string(re.Bytes()), resp.Key.KeyHash)

	require.NoError(t, p.clt.RevokeAPIKey(ctx, resp.Key.ID))
	re, err = p.clt.Get(ctx, p.clt.Endpoint("api-keys", resp.Key.ID), nil)
	require.NoError(t, err)
	var view apiKeyView
	require.NoError(t, json.Unmarshal(re.Bytes(), &view))
	require.True(t, view.Revoked)

	require.NoError(t, p.clt.DeleteAPIKey(ctx, resp.Key.ID))
	_, err = p.clt.Get(ctx, p.clt.Endpoint("api-keys", resp.Key.ID), nil)
	require.True(t, trace.IsNotFound(err))
}

func TestSigningKeyEndpoints(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	rotated, err := p.clt.RotateSigningKey(ctx, "scheduled")
	require.NoError(t, err)
	require.Equal(t, types.KeyStatusActive, rotated.Status)

	keys, err := p.clt.ListSigningKeys(ctx)
	require.NoError(t, err)
	// Bootstrap key deprecated, rotated key active.
	require.Len(t, keys, 2)
	for _, key := range keys {
		require.Empty(t, key.PrivateKeyPEM, "private material must not leave the server")
	}

	health, err := p.clt.KeystoreHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, keystore.StatusHealthy, health.Status)
	require.Equal(t, rotated.KeyID, health.ActiveKeyID)
	require.Equal(t, 2, health.VerificationKeyCount)

	// The verification key set is published unauthenticated outside /v1.
	resp, err := http.Get(p.server.URL + "/.well-known/verification-key-set")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var keySet struct {
		Keys []json.RawMessage `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keySet))
	require.Len(t, keySet.Keys, 2)
	for _, raw := range keySet.Keys {
		require.NotContains(t, string(raw), `"d"`, "JWKS must carry only public halves")
	}
}

const testTranslationSchema = `{
	"issuers": [
		{
			"issuer": "https://idp.test",
			"claim_mappings": [
				{"claim": "groups", "value": "engineering", "roles": ["developer"]}
			]
		}
	],
	"roles": [
		{"name": "developer", "permissions": ["orders.read", "orders.write"]}
	]
}`

func TestTranslationConfigFlow(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	v1, err := p.clt.CreateTranslationConfig(ctx, json.RawMessage(testTranslationSchema), "admin", "initial")
	require.NoError(t, err)
	require.Equal(t, int64(1), v1.Version)

	// Uploading garbage is refused before it enters the history.
	_, err = p.clt.CreateTranslationConfig(ctx, json.RawMessage(`{"issuers": []}`), "admin", "broken")
	require.True(t, trace.IsBadParameter(err))

	activated, err := p.clt.ActivateTranslationConfig(ctx, v1.ID)
	require.NoError(t, err)
	require.True(t, activated.Active)

	result, err := p.clt.TestTranslation(ctx, "https://idp.test", "user-1",
		map[string]any{"groups": []any{"engineering"}}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"developer"}, result.Roles)
	require.Equal(t, []string{"orders.read", "orders.write"}, result.Permissions)

	v2, err := p.clt.CreateTranslationConfig(ctx, json.RawMessage(testTranslationSchema), "admin", "same rules again")
	require.NoError(t, err)
	require.Equal(t, int64(2), v2.Version)
	_, err = p.clt.ActivateTranslationConfig(ctx, v2.ID)
	require.NoError(t, err)

	rolledBack, err := p.clt.RollbackTranslationConfig(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, v1.ID, rolledBack.ID)
	require.True(t, rolledBack.Active)

	// The active version can not be deleted.
	_, err = p.clt.Delete(ctx, p.clt.Endpoint("translation-config", v1.ID))
	require.Error(t, err)
}

func TestTokenIssueRevokeInspect(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	issued, err := p.clt.IssueToken(ctx, "user-1", []string{"orders.read"}, 600)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	require.NotEmpty(t, issued.JTI)

	inspect, err := p.clt.InspectToken(ctx, issued.Token)
	require.NoError(t, err)
	require.True(t, inspect.Valid)
	require.Equal(t, "user-1", inspect.Subject)
	require.Equal(t, issued.JTI, inspect.TokenID)

	// Revocation by the raw token is effective immediately.
	revocation, err := p.clt.RevokeToken(ctx, issued.Token, "", "compromised")
	require.NoError(t, err)
	require.Equal(t, issued.JTI, revocation.JTI)

	inspect, err = p.clt.InspectToken(ctx, issued.Token)
	require.NoError(t, err)
	require.False(t, inspect.Valid)
	require.Equal(t, authn.KindRevoked, inspect.FailureKind)

	status, err := p.clt.TokenRevocationStatus(ctx, issued.JTI)
	require.NoError(t, err)
	require.True(t, status.Revoked)
	require.Equal(t, "compromised", status.Revocation.Reason)

	// Lifting the revocation restores the token without waiting for a
	// filter rebuild: the stale filter positive resolves at the store.
	_, err = p.clt.Delete(ctx, p.clt.Endpoint("revocations", "tokens", issued.JTI))
	require.NoError(t, err)
	inspect, err = p.clt.InspectToken(ctx, issued.Token)
	require.NoError(t, err)
	require.True(t, inspect.Valid)

	// A lifetime above the maximum is refused.
	_, err = p.clt.IssueToken(ctx, "user-1", nil, int64(defaults.MaxTokenLifetime.Seconds())+1)
	require.True(t, trace.IsBadParameter(err))
}

func TestUserRevocationOverHTTP(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	issued, err := p.clt.IssueToken(ctx, "user-1", nil, 600)
	require.NoError(t, err)

	// The cutoff must land after the token's iat; iat has second
	// resolution.
	p.clock.Advance(time.Second)
	_, err = p.clt.RevokeUser(ctx, "user-1", "offboarded")
	require.NoError(t, err)

	inspect, err := p.clt.InspectToken(ctx, issued.Token)
	require.NoError(t, err)
	require.False(t, inspect.Valid)
	require.Equal(t, authn.KindRevoked, inspect.FailureKind)

	// Tokens issued after the cutoff pass.
	p.clock.Advance(time.Second)
	fresh, err := p.clt.IssueToken(ctx, "user-1", nil, 600)
	require.NoError(t, err)
	inspect, err = p.clt.InspectToken(ctx, fresh.Token)
	require.NoError(t, err)
	require.True(t, inspect.Valid)
}

func TestLockoutEndpoints(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	for i := 0; i < defaults.LockoutThreshold; i++ {
		require.NoError(t, p.gate.RecordFailure(ctx, "bad credentials", "ip:203.0.113.7"))
	}

	lockouts, err := p.clt.ListLockouts(ctx)
	require.NoError(t, err)
	require.Len(t, lockouts, 1)
	require.Equal(t, "ip:203.0.113.7", lockouts[0].Key)

	require.NoError(t, p.clt.DeleteLockout(ctx, "ip", "203.0.113.7"))
	lockouts, err = p.clt.ListLockouts(ctx)
	require.NoError(t, err)
	require.Empty(t, lockouts)

	_, err = p.clt.Get(ctx, p.clt.Endpoint("lockouts", "bogus", "value"), nil)
	require.True(t, trace.IsBadParameter(err))

	require.NoError(t, p.clt.ResetLockouts(ctx, true))
}
