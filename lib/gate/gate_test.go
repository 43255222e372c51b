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

package gate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/backend/memory"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/services/local"
	"github.com/bastionlabs/bastion/lib/types"
)

type testPack struct {
	clock *clockwork.FakeClock
	gate  *Gate
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	g, err := New(Config{
		Revocations: local.NewRevocationService(bk, defaults.MaxTokenLifetime),
		Lockouts:    local.NewLockoutService(bk),
		Clock:       clock,
	})
	require.NoError(t, err)
	require.NoError(t, g.Rebuild(context.Background()))
	return &testPack{clock: clock, gate: g}
}

func tokenPrincipal(subject, jti string, issuedAt time.Time) *authn.Principal {
	return &authn.Principal{
		Subject:  subject,
		Method:   authn.MethodToken,
		TokenID:  jti,
		IssuedAt: issuedAt,
	}
}

func TestTokenRevocation(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	principal := tokenPrincipal("user-1", "jti-1", p.clock.Now())
	require.NoError(t, p.gate.CheckToken(ctx, principal))

	// Revocation takes effect immediately, no rebuild needed.
	require.NoError(t, p.gate.RevokeToken(ctx, types.TokenRevocation{
		JTI:       "jti-1",
		ExpiresAt: p.clock.Now().Add(time.Hour),
		Reason:    "compromised",
	}))
	err := p.gate.CheckToken(ctx, principal)
	require.Equal(t, authn.KindRevoked, authn.FailureKind(err))

	// Other tokens pass.
	require.NoError(t, p.gate.CheckToken(ctx, tokenPrincipal("user-1", "jti-2", p.clock.Now())))
}

func TestUserRevocationCutoff(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	before := tokenPrincipal("user-1", "jti-old", p.clock.Now())
	p.clock.Advance(time.Minute)
	require.NoError(t, p.gate.RevokeUser(ctx, types.UserRevocation{
		UserID:    "user-1",
		RevokedAt: p.clock.Now().UTC(),
		Reason:    "offboarded",
	}))
	p.clock.Advance(time.Minute)
	after := tokenPrincipal("user-1", "jti-new", p.clock.Now())

	// Tokens issued before the cut-off are rejected, later ones pass.
	err := p.gate.CheckToken(ctx, before)
	require.Equal(t, authn.KindRevoked, authn.FailureKind(err))
	require.NoError(t, p.gate.CheckToken(ctx, after))

	// Unrelated subjects are unaffected.
	require.NoError(t, p.gate.CheckToken(ctx, tokenPrincipal("user-2", "jti-x", before.IssuedAt)))
}

func TestRebuildKeepsRevocations(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, p.gate.RevokeToken(ctx, types.TokenRevocation{
			JTI:       fmt.Sprintf("jti-%d", i),
			ExpiresAt: p.clock.Now().Add(time.Hour),
		}))
	}
	require.NoError(t, p.gate.Rebuild(ctx))

	// No false negatives after a rebuild.
	for i := 0; i < 50; i++ {
		principal := tokenPrincipal("user-1", fmt.Sprintf("jti-%d", i), p.clock.Now())
		err := p.gate.CheckToken(ctx, principal)
		require.Equal(t, authn.KindRevoked, authn.FailureKind(err), "jti-%d", i)
	}

	// Once the tokens expire the next rebuild sheds their entries.
	p.clock.Advance(time.Hour + time.Second)
	require.NoError(t, p.gate.Rebuild(ctx))
	require.NoError(t, p.gate.CheckToken(ctx, tokenPrincipal("user-1", "jti-0", p.clock.Now())))
}

func TestLockoutThreshold(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	key, err := types.LockoutKey(types.LockoutScopeIP, "203.0.113.7")
	require.NoError(t, err)

	for i := 0; i < defaults.LockoutThreshold-1; i++ {
		require.NoError(t, p.gate.RecordFailure(ctx, "bad credential", key))
		entry, err := p.gate.Locked(ctx, key)
		require.NoError(t, err)
		require.Nil(t, entry)
	}

	// The attempt that reaches the threshold installs the lockout.
	require.NoError(t, p.gate.RecordFailure(ctx, "bad credential", key))
	entry, err := p.gate.Locked(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, defaults.LockoutThreshold, entry.FailedAttempts)
	require.Equal(t, 1, entry.LockoutCount)
	require.WithinDuration(t, p.clock.Now().UTC().Add(defaults.LockoutDuration), entry.ExpiresAt, time.Second)

	// The lockout lifts on expiry.
	p.clock.Advance(defaults.LockoutDuration + time.Second)
	entry, err = p.gate.Locked(ctx, key)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestLockoutEscalation(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	key, err := types.LockoutKey(types.LockoutScopeUser, "user-1")
	require.NoError(t, err)

	lockOut := func() *types.LockoutEntry {
		for i := 0; i < defaults.LockoutThreshold; i++ {
			require.NoError(t, p.gate.RecordFailure(ctx, "bad credential", key))
		}
		entry, err := p.gate.Locked(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, entry)
		return entry
	}

	// Base, doubled, quadrupled, then capped at the escalation limit.
	wantMultipliers := []int{1, 2, 4, 8, 8}
	for i, want := range wantMultipliers {
		entry := lockOut()
		require.Equal(t, i+1, entry.LockoutCount)
		require.Equal(t, time.Duration(want)*defaults.LockoutDuration, entry.ExpiresAt.Sub(entry.LockedAt), "lockout %d", i+1)
		p.clock.Advance(entry.ExpiresAt.Sub(entry.LockedAt) + defaults.LockoutWindow + time.Second)
	}
}

func TestRecordSuccessResetsWindow(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	key, err := types.LockoutKey(types.LockoutScopeIP, "203.0.113.7")
	require.NoError(t, err)

	for i := 0; i < defaults.LockoutThreshold-1; i++ {
		require.NoError(t, p.gate.RecordFailure(ctx, "bad credential", key))
	}
	p.gate.RecordSuccess(ctx, key)

	// The counter restarted; the next failure is attempt one, not five.
	require.NoError(t, p.gate.RecordFailure(ctx, "bad credential", key))
	entry, err := p.gate.Locked(ctx, key)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestAPIKeyPrincipalSkipsTokenChecks(t *testing.T) {
	p := newTestPack(t)
	ctx := context.Background()

	require.NoError(t, p.gate.RevokeUser(ctx, types.UserRevocation{
		UserID:    "key-id-1",
		RevokedAt: p.clock.Now().UTC(),
	}))

	// API key principals carry no iat; user revocation is a token
	// concept and API key revocation is handled at authentication.
	principal := &authn.Principal{Subject: "key-id-1", Method: authn.MethodAPIKey}
	require.NoError(t, p.gate.CheckToken(ctx, principal))
}
