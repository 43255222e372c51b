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

package limiter

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/types"
)

func newTestLimiter(t *testing.T) (*Limiter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	l, err := New(Config{Clock: clock})
	require.NoError(t, err)
	return l, clock
}

func TestAllowBurstAndRefill(t *testing.T) {
	l, clock := newTestLimiter(t)
	settings := &types.RateLimitSettings{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 3}
	key := Key{Scope: ScopeHTTP, ServiceID: "orders", Caller: "user-1"}

	// The burst drains first.
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(key, settings)
		require.True(t, ok, "burst token %d", i)
	}
	ok, retryAfter := l.Allow(key, settings)
	require.False(t, ok)
	// One token refills per second at 60 per minute.
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, time.Second)

	clock.Advance(time.Second)
	ok, _ = l.Allow(key, settings)
	require.True(t, ok)
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	settings := &types.RateLimitSettings{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 1}

	drain := func(key Key) {
		ok, _ := l.Allow(key, settings)
		require.True(t, ok)
		ok, _ = l.Allow(key, settings)
		require.False(t, ok)
	}

	drain(Key{Scope: ScopeHTTP, ServiceID: "orders", Caller: "user-1"})

	// Different caller, endpoint, service and scope each get their own
	// bucket.
	for _, key := range []Key{
		{Scope: ScopeHTTP, ServiceID: "orders", Caller: "user-2"},
		{Scope: ScopeHTTP, ServiceID: "orders", EndpointPath: "/orders/:id", Caller: "user-1"},
		{Scope: ScopeHTTP, ServiceID: "billing", Caller: "user-1"},
		{Scope: ScopeWSConnect, ServiceID: "orders", Caller: "user-1"},
	} {
		ok, _ := l.Allow(key, settings)
		require.True(t, ok, "key %v", key)
	}
}

func TestNilSettingsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	key := Key{Scope: ScopeHTTP, ServiceID: "orders", Caller: "user-1"}
	for i := 0; i < 1000; i++ {
		ok, _ := l.Allow(key, nil)
		require.True(t, ok)
	}
	require.Zero(t, l.Len())
}

func TestIdleEviction(t *testing.T) {
	l, clock := newTestLimiter(t)
	settings := &types.RateLimitSettings{RequestsPerWindow: 10, WindowSeconds: 1, BurstCapacity: 10}

	l.Allow(Key{Scope: ScopeHTTP, ServiceID: "orders", Caller: "user-1"}, settings)
	l.Allow(Key{Scope: ScopeHTTP, ServiceID: "orders", Caller: "user-2"}, settings)
	require.Equal(t, 2, l.Len())

	// Keep one bucket warm past the idle TTL.
	clock.Advance(l.cfg.IdleBucketTTL / 2)
	l.Allow(Key{Scope: ScopeHTTP, ServiceID: "orders", Caller: "user-1"}, settings)
	clock.Advance(l.cfg.IdleBucketTTL/2 + time.Second)
	l.evictIdle()

	require.Equal(t, 1, l.Len())
}
