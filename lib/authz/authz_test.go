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

package authz

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/types"
)

func testService() *types.ServiceRegistration {
	return &types.ServiceRegistration{
		ServiceID: "orders",
		BaseURL:   "http://orders.internal:8080",
		PermissionPolicy: types.PermissionPolicy{
			"orders.delete": {AnyOf: []string{"orders.admin", "superuser"}},
		},
	}
}

func TestEffectivePermissions(t *testing.T) {
	r := Request{
		Principal: &authn.Principal{
			Subject:     "user-1",
			Permissions: []string{"developer", "standalone.perm"},
		},
		RoleMapping: map[string][]string{
			"developer": {"orders.read", "orders.write"},
			// One level only: "orders.write" expanding further must not
			// happen even if it names another role.
			"orders.write": {"orders.admin"},
		},
		GroupMapping: map[string][]string{
			"developer": {"metrics.read"},
		},
	}
	require.Equal(t,
		[]string{"developer", "metrics.read", "orders.read", "orders.write", "standalone.perm"},
		r.EffectivePermissions())
}

func TestEvaluateUnauthenticated(t *testing.T) {
	err := Evaluate(Request{Service: testService(), AuthRequired: true})
	require.True(t, IsUnauthenticated(err))

	// Anonymous passes when the endpoint does not require auth.
	require.NoError(t, Evaluate(Request{Service: testService(), AuthRequired: false}))
}

func TestEvaluatePermissionPolicy(t *testing.T) {
	service := testService()

	t.Run("direct permission", func(t *testing.T) {
		err := Evaluate(Request{
			Principal:    &authn.Principal{Subject: "user-1", Permissions: []string{"orders.admin"}},
			Service:      service,
			AuthRequired: true,
			Operation:    "orders.delete",
		})
		require.NoError(t, err)
	})

	t.Run("via role expansion", func(t *testing.T) {
		err := Evaluate(Request{
			Principal:    &authn.Principal{Subject: "user-1", Permissions: []string{"operator"}},
			Service:      service,
			AuthRequired: true,
			Operation:    "orders.delete",
			RoleMapping:  map[string][]string{"operator": {"orders.admin"}},
		})
		require.NoError(t, err)
	})

	t.Run("denied", func(t *testing.T) {
		err := Evaluate(Request{
			Principal:    &authn.Principal{Subject: "user-1", Permissions: []string{"orders.read"}},
			Service:      service,
			AuthRequired: true,
			Operation:    "orders.delete",
		})
		require.True(t, trace.IsAccessDenied(err))
		// A denial is not an authentication problem.
		require.False(t, IsUnauthenticated(err))
	})

	t.Run("unenumerated operation passes", func(t *testing.T) {
		err := Evaluate(Request{
			Principal:    &authn.Principal{Subject: "user-1"},
			Service:      service,
			AuthRequired: true,
			Operation:    "orders.read",
		})
		require.NoError(t, err)
	})

	t.Run("no operation passes", func(t *testing.T) {
		err := Evaluate(Request{
			Principal:    &authn.Principal{Subject: "user-1"},
			Service:      service,
			AuthRequired: true,
		})
		require.NoError(t, err)
	})
}
