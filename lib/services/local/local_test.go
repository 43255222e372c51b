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

package local

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/backend/memory"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/secret"
	"github.com/bastionlabs/bastion/lib/types"
)

type testPack struct {
	clock   *clockwork.FakeClock
	backend *memory.Memory
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return &testPack{clock: clock, backend: bk}
}

func newTestService(id string) types.ServiceRegistration {
	return types.ServiceRegistration{
		ServiceID: id,
		BaseURL:   "http://orders.internal:8080",
		Endpoints: []types.Endpoint{
			{Path: "/orders/:id", Methods: []string{"GET"}},
		},
	}
}

func TestRegistryCRUD(t *testing.T) {
	p := newTestPack(t)
	svc := NewRegistryService(p.backend)
	ctx := context.Background()

	created, err := svc.CreateService(ctx, newTestService("orders"))
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)

	_, err = svc.CreateService(ctx, newTestService("orders"))
	require.True(t, trace.IsAlreadyExists(err))

	got, err := svc.GetService(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, created.ServiceID, got.ServiceID)
	require.Equal(t, created.Version, got.Version)

	got.DisplayName = "Orders"
	updated, err := svc.UpdateService(ctx, *got)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	// Stale version is rejected.
	got.DisplayName = "Stale"
	_, err = svc.UpdateService(ctx, *got)
	require.True(t, trace.IsCompareFailed(err))

	count, err := svc.CountServices(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, svc.DeleteService(ctx, "orders"))
	_, err = svc.GetService(ctx, "orders")
	require.True(t, trace.IsNotFound(err))
}

func TestRegistryConcurrentUpdate(t *testing.T) {
	p := newTestPack(t)
	svc := NewRegistryService(p.backend)
	ctx := context.Background()

	created, err := svc.CreateService(ctx, newTestService("orders"))
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			update := *created
			update.DisplayName = "writer"
			_, errs[i] = svc.UpdateService(ctx, update)
		}(i)
	}
	wg.Wait()

	// All writers raced on the same stored version: exactly one wins.
	var won int
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.True(t, trace.IsCompareFailed(err))
		}
	}
	require.Equal(t, 1, won)

	got, err := svc.GetService(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
}

func TestRegistryPagination(t *testing.T) {
	p := newTestPack(t)
	svc := NewRegistryService(p.backend)
	ctx := context.Background()

	for _, id := range []string{"alpha", "bravo", "charlie", "delta"} {
		_, err := svc.CreateService(ctx, newTestService(id))
		require.NoError(t, err)
	}

	page, err := svc.ListServices(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "bravo", page[0].ServiceID)
	require.Equal(t, "charlie", page[1].ServiceID)

	page, err = svc.ListServices(ctx, 10, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestAPIKeyLifecycle(t *testing.T) {
	p := newTestPack(t)
	sealKey, err := secret.NewKey()
	require.NoError(t, err)
	svc := NewAPIKeyService(p.backend, sealKey)
	ctx := context.Background()

	record, plaintext, err := svc.CreateAPIKey(ctx, types.APIKeyBody{
		Name:        "ci-deploy",
		Permissions: []string{"orders.read"},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plaintext, defaults.APIKeyPrefix))
	require.Equal(t, HashAPIKey(plaintext), record.KeyHash)

	// Presented keys are looked up by hash only.
	got, body, err := svc.GetAPIKeyByHash(ctx, HashAPIKey(plaintext))
	require.NoError(t, err)
	require.Equal(t, record.ID, got.ID)
	require.Equal(t, "ci-deploy", body.Name)
	require.False(t, body.Revoked)

	_, _, err = svc.GetAPIKeyByHash(ctx, HashAPIKey("bk_wrong"))
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, svc.RevokeAPIKey(ctx, record.ID))
	_, body, err = svc.GetAPIKey(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, body.Revoked)

	require.NoError(t, svc.DeleteAPIKey(ctx, record.ID))
	_, _, err = svc.GetAPIKey(ctx, record.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestAPIKeyLockoutPrefix(t *testing.T) {
	require.Equal(t, "abcdefgh", LockoutPrefix("bk_abcdefghijkl"))
	require.Equal(t, "ab", LockoutPrefix("bk_ab"))
}

func TestSigningKeySwap(t *testing.T) {
	p := newTestPack(t)
	svc := NewSigningKeyService(p.backend)
	ctx := context.Background()

	key := types.SigningKey{
		KeyID:        "key-1",
		Status:       types.KeyStatusPending,
		PublicKeyPEM: []byte("public"),
		CreatedAt:    p.clock.Now().UTC(),
	}
	require.NoError(t, svc.CreateSigningKey(ctx, key))

	activated := key
	activated.Status = types.KeyStatusActive
	activated.ActivatedAt = p.clock.Now().UTC()
	require.NoError(t, svc.SwapSigningKey(ctx, key, activated))

	// The first swap consumed the expected state; replaying it fails.
	err := svc.SwapSigningKey(ctx, key, activated)
	require.True(t, trace.IsCompareFailed(err))

	got, err := svc.GetSigningKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, types.KeyStatusActive, got.Status)
}

func TestTranslationVersionAllocation(t *testing.T) {
	p := newTestPack(t)
	svc := NewTranslationService(p.backend)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		cfg, err := svc.CreateVersion(ctx, types.TranslationConfigVersion{
			ConfigSchema: []byte(`{"issuers":[]}`),
			CreatedBy:    "admin",
		})
		require.NoError(t, err)
		require.Equal(t, want, cfg.Version)
	}
}

func TestTranslationConcurrentCreates(t *testing.T) {
	p := newTestPack(t)
	svc := NewTranslationService(p.backend)
	ctx := context.Background()

	const writers = 4
	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, err := svc.CreateVersion(ctx, types.TranslationConfigVersion{
				ConfigSchema: []byte(`{"issuers":[]}`),
			})
			if err != nil {
				// Contention beyond the retry budget surfaces as
				// LimitExceeded, never a duplicate version.
				require.True(t, trace.IsLimitExceeded(err))
				return
			}
			versions <- cfg.Version
		}()
	}
	wg.Wait()
	close(versions)

	seen := map[int64]bool{}
	for v := range versions {
		require.False(t, seen[v], "version %v allocated twice", v)
		seen[v] = true
	}
}

func TestTranslationActiveVersion(t *testing.T) {
	p := newTestPack(t)
	svc := NewTranslationService(p.backend)
	ctx := context.Background()

	_, err := svc.GetActiveVersion(ctx)
	require.True(t, trace.IsNotFound(err))

	v1, err := svc.CreateVersion(ctx, types.TranslationConfigVersion{ConfigSchema: []byte(`{"a":1}`)})
	require.NoError(t, err)
	v2, err := svc.CreateVersion(ctx, types.TranslationConfigVersion{ConfigSchema: []byte(`{"a":2}`)})
	require.NoError(t, err)

	require.NoError(t, svc.SetActiveVersion(ctx, v2.ID))
	active, err := svc.GetActiveVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v2.ID, active.ID)
	require.True(t, active.Active)

	// The active snapshot can not be deleted.
	err = svc.DeleteVersion(ctx, v2.ID)
	require.True(t, trace.IsBadParameter(err))

	// Roll back, then the old active becomes deletable.
	require.NoError(t, svc.SetActiveVersion(ctx, v1.ID))
	require.NoError(t, svc.DeleteVersion(ctx, v2.ID))

	list, err := svc.ListVersions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, v1.ID, list[0].ID)
}

func TestTokenRevocationExpiry(t *testing.T) {
	p := newTestPack(t)
	svc := NewRevocationService(p.backend, defaults.MaxTokenLifetime)
	ctx := context.Background()

	expires := p.clock.Now().UTC().Add(time.Hour)
	require.NoError(t, svc.UpsertTokenRevocation(ctx, types.TokenRevocation{
		JTI:       "jti-1",
		ExpiresAt: expires,
		Reason:    "compromised",
	}))

	got, err := svc.GetTokenRevocation(ctx, "jti-1")
	require.NoError(t, err)
	require.Equal(t, "compromised", got.Reason)

	// Once the token itself expires the entry is swept.
	p.clock.Advance(time.Hour + time.Second)
	_, err = svc.GetTokenRevocation(ctx, "jti-1")
	require.True(t, trace.IsNotFound(err))
}

func TestUserRevocationRetention(t *testing.T) {
	p := newTestPack(t)
	svc := NewRevocationService(p.backend, defaults.MaxTokenLifetime)
	ctx := context.Background()

	require.NoError(t, svc.UpsertUserRevocation(ctx, types.UserRevocation{
		UserID: "user-1",
		Reason: "offboarded",
	}))

	// Entry lives one max token lifetime past the cut-off.
	p.clock.Advance(defaults.MaxTokenLifetime - time.Minute)
	got, err := svc.GetUserRevocation(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "offboarded", got.Reason)

	p.clock.Advance(2 * time.Minute)
	_, err = svc.GetUserRevocation(ctx, "user-1")
	require.True(t, trace.IsNotFound(err))
}

func TestLockoutAttemptWindow(t *testing.T) {
	p := newTestPack(t)
	svc := NewLockoutService(p.backend)
	ctx := context.Background()

	key, err := types.LockoutKey(types.LockoutScopeIP, "203.0.113.7")
	require.NoError(t, err)

	window := time.Minute
	for want := 1; want <= 3; want++ {
		n, err := svc.IncrementFailedAttempts(ctx, key, window)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}

	// Each increment extends the window; staying inside it keeps counting.
	p.clock.Advance(30 * time.Second)
	n, err := svc.IncrementFailedAttempts(ctx, key, window)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// Silence past the window resets the count.
	p.clock.Advance(window + time.Second)
	n, err = svc.IncrementFailedAttempts(ctx, key, window)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, svc.ResetFailedAttempts(ctx, key))
	n, err = svc.IncrementFailedAttempts(ctx, key, window)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLockoutEscalationHistory(t *testing.T) {
	p := newTestPack(t)
	svc := NewLockoutService(p.backend)
	ctx := context.Background()

	key, err := types.LockoutKey(types.LockoutScopeUser, "user-1")
	require.NoError(t, err)

	count, err := svc.IncrementLockoutCount(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	now := p.clock.Now().UTC()
	require.NoError(t, svc.UpsertLockout(ctx, types.LockoutEntry{
		Key:            key,
		LockedAt:       now,
		ExpiresAt:      now.Add(defaults.LockoutDuration),
		FailedAttempts: defaults.LockoutThreshold,
		LockoutCount:   count,
	}))

	entry, err := svc.GetLockout(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, entry.LockoutCount)

	// The lockout lifts on expiry but the counter survives it, so the
	// next lockout escalates.
	p.clock.Advance(defaults.LockoutDuration + time.Second)
	_, err = svc.GetLockout(ctx, key)
	require.True(t, trace.IsNotFound(err))

	count, err = svc.IncrementLockoutCount(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// An admin clear without counter reset keeps the history.
	require.NoError(t, svc.DeleteAllLockouts(ctx, false))
	count, err = svc.IncrementLockoutCount(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// A full reset forgets it.
	require.NoError(t, svc.DeleteAllLockouts(ctx, true))
	count, err = svc.IncrementLockoutCount(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
