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

// Package authz evaluates whether an authenticated principal may perform
// an operation on a registered service. Permissions are opaque strings;
// evaluation is pure set algebra with one level of role and group
// expansion.
package authz

import (
	"errors"
	"sort"

	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/types"
)

// ErrUnauthenticated is returned when an endpoint requires
// authentication and no principal is present. Distinct from a
// permission denial: the caller should authenticate, not escalate.
var ErrUnauthenticated = errors.New("authentication required")

// IsUnauthenticated reports whether an error is the missing-principal
// rejection.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}

// Request is one authorization decision input.
type Request struct {
	// Principal is the authenticated caller, nil when anonymous.
	Principal *authn.Principal
	// Service is the matched registration.
	Service *types.ServiceRegistration
	// AuthRequired is the effective authentication requirement of the
	// matched endpoint.
	AuthRequired bool
	// Operation is the gateway-defined operation name, empty when the
	// request maps to no enumerated operation.
	Operation string
	// RoleMapping and GroupMapping expand role and group names found in
	// the principal's permissions, one level deep.
	RoleMapping  map[string][]string
	GroupMapping map[string][]string
}

// EffectivePermissions returns the principal's permissions unioned with
// their one-level role and group expansion, sorted and deduplicated.
func (r *Request) EffectivePermissions() []string {
	if r.Principal == nil {
		return nil
	}
	set := make(map[string]bool, len(r.Principal.Permissions))
	for _, perm := range r.Principal.Permissions {
		set[perm] = true
		for _, expanded := range r.RoleMapping[perm] {
			set[expanded] = true
		}
		for _, expanded := range r.GroupMapping[perm] {
			set[expanded] = true
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// Evaluate decides the request. ErrUnauthenticated is returned for a
// missing principal on an auth-required endpoint, AccessDenied when the
// service's permission policy rejects the operation.
func Evaluate(r Request) error {
	if r.Service == nil {
		return trace.BadParameter("missing service registration")
	}
	if r.Principal == nil {
		if r.AuthRequired {
			return ErrUnauthenticated
		}
		return nil
	}
	if r.Operation == "" || r.Service.PermissionPolicy == nil {
		// No enumerated operation: any authenticated caller passes.
		return nil
	}
	policy, ok := r.Service.PermissionPolicy[r.Operation]
	if !ok {
		return nil
	}
	effective := r.EffectivePermissions()
	for _, allowed := range policy.AnyOf {
		for _, perm := range effective {
			if perm == allowed {
				return nil
			}
		}
	}
	return trace.AccessDenied("operation %q on service %q requires one of %v",
		r.Operation, r.Service.ServiceID, policy.AnyOf)
}
