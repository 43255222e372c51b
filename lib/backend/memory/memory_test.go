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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/backend"
)

func newBackend(t *testing.T) (*Memory, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	bk, err := New(Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return bk, clock
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	bk, _ := newBackend(t)

	item := backend.Item{Key: backend.Key("services", "s1"), Value: []byte("v1")}
	require.NoError(t, bk.Create(ctx, item))

	err := bk.Create(ctx, item)
	require.True(t, trace.IsAlreadyExists(err))

	out, err := bk.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), out.Value)

	item.Value = []byte("v2")
	require.NoError(t, bk.Update(ctx, item))
	out, err = bk.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), out.Value)

	require.NoError(t, bk.Delete(ctx, item.Key))
	_, err = bk.Get(ctx, item.Key)
	require.True(t, trace.IsNotFound(err))

	err = bk.Update(ctx, item)
	require.True(t, trace.IsNotFound(err))
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	bk, _ := newBackend(t)

	key := backend.Key("meta", "version_counter")
	require.NoError(t, bk.Create(ctx, backend.Item{Key: key, Value: []byte("1")}))

	// Swap with the correct expected value succeeds.
	err := bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("1")},
		backend.Item{Key: key, Value: []byte("2")})
	require.NoError(t, err)

	// Swap with a stale expected value fails.
	err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("1")},
		backend.Item{Key: key, Value: []byte("3")})
	require.True(t, trace.IsCompareFailed(err))

	out, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), out.Value)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	bk, clock := newBackend(t)

	item := backend.Item{
		Key:     backend.Key("lockouts", "ip:10.0.0.1"),
		Value:   []byte("locked"),
		Expires: clock.Now().Add(time.Minute),
	}
	require.NoError(t, bk.Put(ctx, item))

	out, err := bk.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("locked"), out.Value)

	clock.Advance(2 * time.Minute)
	_, err = bk.Get(ctx, item.Key)
	require.True(t, trace.IsNotFound(err))
}

func TestRange(t *testing.T) {
	ctx := context.Background()
	bk, clock := newBackend(t)

	prefix := backend.Key("revocations", "tokens")
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, bk.Put(ctx, backend.Item{
			Key:   backend.Key("revocations", "tokens", name),
			Value: []byte(name),
		}))
	}
	// Expired entries are invisible to range reads.
	require.NoError(t, bk.Put(ctx, backend.Item{
		Key:     backend.Key("revocations", "tokens", "d"),
		Value:   []byte("d"),
		Expires: clock.Now().Add(-time.Second),
	}))

	result, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, result.Items, 3)

	result, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 2)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)

	require.NoError(t, bk.DeleteRange(ctx, prefix, backend.RangeEnd(prefix)))
	result, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, result.Items)
}
