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

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/backend/memory"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/gate"
	"github.com/bastionlabs/bastion/lib/jwt"
	"github.com/bastionlabs/bastion/lib/keystore"
	"github.com/bastionlabs/bastion/lib/limiter"
	"github.com/bastionlabs/bastion/lib/router"
	"github.com/bastionlabs/bastion/lib/secret"
	"github.com/bastionlabs/bastion/lib/services"
	"github.com/bastionlabs/bastion/lib/services/local"
	"github.com/bastionlabs/bastion/lib/translate"
	"github.com/bastionlabs/bastion/lib/types"
)

// upstreamEcho reports what the upstream saw for one request.
type upstreamEcho struct {
	Path          string `json:"path"`
	Query         string `json:"query"`
	Subject       string `json:"subject"`
	Authorization string `json:"authorization"`
}

type testPack struct {
	clock    *clockwork.FakeClock
	keystore *keystore.Manager
	gate     *gate.Gate
	registry services.Registry
	upstream *httptest.Server
	gateway  *httptest.Server
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
	authenticator, err := authn.New(authn.Config{
		Keystore: manager,
		APIKeys:  local.NewAPIKeyService(bk, sealKey),
		Clock:    clock,
	})
	require.NoError(t, err)

	g, err := gate.New(gate.Config{
		Revocations: local.NewRevocationService(bk, defaults.MaxTokenLifetime),
		Lockouts:    local.NewLockoutService(bk),
		Clock:       clock,
	})
	require.NoError(t, err)
	require.NoError(t, g.Rebuild(ctx))

	translator, err := translate.New(translate.Config{Store: local.NewTranslationService(bk), Clock: clock})
	require.NoError(t, err)

	registry := local.NewRegistryService(bk)
	rt, err := router.New(router.Config{Registry: registry})
	require.NoError(t, err)

	lim, err := limiter.New(limiter.Config{Clock: clock})
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(upstreamEcho{
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Subject:       r.Header.Get(SubjectHeader),
			Authorization: r.Header.Get("Authorization"),
		})
	}))
	t.Cleanup(upstream.Close)

	handler, err := NewHandler(Config{
		Router:        rt,
		Authenticator: authenticator,
		Gate:          g,
		Translator:    translator,
		Limiter:       lim,
		Clock:         clock,
	})
	require.NoError(t, err)

	gw := httptest.NewServer(handler)
	t.Cleanup(gw.Close)

	return &testPack{
		clock:    clock,
		keystore: manager,
		gate:     g,
		registry: registry,
		upstream: upstream,
		gateway:  gw,
	}
}

func (p *testPack) register(t *testing.T, svc types.ServiceRegistration) {
	t.Helper()
	if svc.BaseURL == "" {
		svc.BaseURL = p.upstream.URL
	}
	_, err := p.registry.CreateService(context.Background(), svc)
	require.NoError(t, err)
}

func (p *testPack) issueToken(t *testing.T, subject string, permissions ...string) string {
	t.Helper()
	signer, err := p.keystore.Signer()
	require.NoError(t, err)
	token, err := signer.Sign(jwt.SignParams{
		Subject:     subject,
		Permissions: permissions,
		Expires:     p.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return token
}

func (p *testPack) request(t *testing.T, method, path, token string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, p.gateway.URL+path, nil)
	require.NoError(t, err)
	for key, values := range header {
		req.Header[key] = values
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func boolPtr(v bool) *bool { return &v }

func TestProxyRewritesAndScrubs(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{
		ServiceID:   "orders",
		RoutePrefix: "/api/orders",
		Endpoints: []types.Endpoint{
			{Path: "/orders/:id", Methods: []string{"GET"}, PathRewrite: "/v2/orders/:id"},
		},
	})
	token := p.issueToken(t, "user-1")

	resp, body := p.request(t, "GET", "/api/orders/orders/42?verbose=1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var echo upstreamEcho
	require.NoError(t, json.Unmarshal(body, &echo))
	require.Equal(t, "/v2/orders/42", echo.Path)
	require.Equal(t, "verbose=1", echo.Query)
	require.Equal(t, "user-1", echo.Subject)
	require.Empty(t, echo.Authorization, "the credential must not reach the upstream")
}

func TestUnmatchedPathNotFound(t *testing.T) {
	p := newTestPack(t)
	resp, _ := p.request(t, "GET", "/nowhere", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthFailuresAreOpaque(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{ServiceID: "orders", RoutePrefix: "/orders"})

	// Missing credential, garbage credential and a tampered token all
	// produce the same reply.
	resp, missing := p.request(t, "GET", "/orders/x", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, garbage := p.request(t, "GET", "/orders/x", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := p.issueToken(t, "user-1")
	tampered := token[:len(token)-4] + "AAAA"
	resp, bad := p.request(t, "GET", "/orders/x", tampered, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.Equal(t, string(missing), string(garbage))
	require.Equal(t, string(missing), string(bad))
}

func TestRevokedTokenRejected(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{ServiceID: "orders", RoutePrefix: "/orders"})
	ctx := context.Background()

	signer, err := p.keystore.Signer()
	require.NoError(t, err)
	token, err := signer.Sign(jwt.SignParams{
		Subject: "user-1",
		Expires: p.clock.Now().Add(time.Hour),
		JTI:     "jti-1",
	})
	require.NoError(t, err)

	resp, _ := p.request(t, "GET", "/orders/x", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, p.gate.RevokeToken(ctx, types.TokenRevocation{
		JTI:       "jti-1",
		ExpiresAt: p.clock.Now().Add(time.Hour),
		RevokedAt: p.clock.Now(),
	}))

	resp, _ = p.request(t, "GET", "/orders/x", token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPermissionPolicyEnforced(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{
		ServiceID:   "orders",
		RoutePrefix: "/orders",
		PermissionPolicy: types.PermissionPolicy{
			"orders.delete": {AnyOf: []string{"orders.admin"}},
		},
	})

	operation := http.Header{OperationHeader: []string{"orders.delete"}}

	token := p.issueToken(t, "user-1", "orders.read")
	resp, _ := p.request(t, "DELETE", "/orders/x", token, operation)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := p.issueToken(t, "admin-1", "orders.admin")
	resp, _ = p.request(t, "DELETE", "/orders/x", admin, operation)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Without the operation header the policy is not consulted.
	resp, _ = p.request(t, "DELETE", "/orders/x", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitRepliesRetryAfter(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{
		ServiceID:   "orders",
		RoutePrefix: "/orders",
		RateLimitConfig: &types.RateLimitConfig{
			Default: &types.RateLimitSettings{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 1},
		},
	})
	token := p.issueToken(t, "user-1")

	resp, _ := p.request(t, "GET", "/orders/x", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = p.request(t, "GET", "/orders/x", token, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// A different caller is unaffected.
	other := p.issueToken(t, "user-2")
	resp, _ = p.request(t, "GET", "/orders/x", other, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPrivateVisibilityHidesEndpoint(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{
		ServiceID:           "internal",
		RoutePrefix:         "/internal",
		DefaultVisibility:   types.VisibilityPrivate,
		DefaultAuthRequired: boolPtr(false),
		AccessConfig:        &types.AccessConfig{AllowedIPs: []string{"10.0.0.0/8"}},
	})

	// Outside the allowlist the endpoint is indistinguishable from an
	// unregistered path.
	resp, _ := p.request(t, "GET", "/internal/x", "",
		http.Header{"X-Forwarded-For": []string{"203.0.113.7"}})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = p.request(t, "GET", "/internal/x", "",
		http.Header{"X-Forwarded-For": []string{"10.1.2.3"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{ServiceID: "orders", RoutePrefix: "/orders"})
	from := http.Header{"X-Forwarded-For": []string{"198.51.100.9"}}

	for i := 0; i < defaults.LockoutThreshold; i++ {
		resp, _ := p.request(t, "GET", "/orders/x", "bad-credential", from)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// The locked address is refused before authentication, even with a
	// valid token.
	token := p.issueToken(t, "user-1")
	resp, _ := p.request(t, "GET", "/orders/x", token, from)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Another address is unaffected.
	resp, _ = p.request(t, "GET", "/orders/x", token,
		http.Header{"X-Forwarded-For": []string{"198.51.100.10"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The lockout lifts on its own.
	p.clock.Advance(defaults.LockoutDuration + time.Second)
	resp, _ = p.request(t, "GET", "/orders/x", token, from)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflightSkipsAuth(t *testing.T) {
	p := newTestPack(t)
	p.register(t, types.ServiceRegistration{
		ServiceID:   "orders",
		RoutePrefix: "/orders",
		CORSConfig: &types.CORSConfig{
			AllowedOrigins: []string{"https://app.example.com"},
			AllowedMethods: []string{"GET", "POST"},
			MaxAgeSeconds:  600,
		},
	})

	resp, _ := p.request(t, "OPTIONS", "/orders/x", "", http.Header{
		"Origin":                        []string{"https://app.example.com"},
		"Access-Control-Request-Method": []string{"POST"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST", resp.Header.Get("Access-Control-Allow-Methods"))

	// An unlisted origin gets no CORS grant and the request proceeds to
	// authentication.
	resp, _ = p.request(t, "OPTIONS", "/orders/x", "", http.Header{
		"Origin":                        []string{"https://evil.example.com"},
		"Access-Control-Request-Method": []string{"POST"},
	})
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketBridge(t *testing.T) {
	p := newTestPack(t)

	var upgrader websocket.Upgrader
	wsUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(wsUpstream.Close)

	p.register(t, types.ServiceRegistration{
		ServiceID:           "events",
		BaseURL:             wsUpstream.URL,
		RoutePrefix:         "/events",
		DefaultAuthRequired: boolPtr(false),
		Endpoints: []types.Endpoint{
			{Path: "/stream", Methods: []string{"GET"}, Type: types.EndpointTypeWebSocket},
		},
	})

	wsURL := "ws" + strings.TrimPrefix(p.gateway.URL, "http") + "/events/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ping", string(data))
}
