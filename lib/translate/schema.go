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
	"encoding/json"
	"sort"

	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/types"
)

// ClaimValueAny matches any value of a present claim.
const ClaimValueAny = "*"

// ClaimMapping grants roles and permissions when a claim matches.
type ClaimMapping struct {
	// Claim is the claim name, e.g. "groups".
	Claim string `json:"claim"`
	// Value is the value to match. Scalar claims match on equality,
	// list claims on membership; "*" matches any present value.
	Value string `json:"value"`
	// Roles granted on match, expanded through the role table.
	Roles []string `json:"roles,omitempty"`
	// Permissions granted directly on match.
	Permissions []string `json:"permissions,omitempty"`
}

// IssuerMapping holds the claim mappings for one identity provider.
type IssuerMapping struct {
	// Issuer is the iss value this mapping applies to.
	Issuer string `json:"issuer"`
	// ClaimMappings are evaluated independently; grants accumulate.
	ClaimMappings []ClaimMapping `json:"claim_mappings"`
}

// Schema is the claim-mapping ruleset carried by one translation config
// version. It also declares the role and group tables that expand names
// into permissions at validation time.
type Schema struct {
	// Issuers maps identity providers to claim rules.
	Issuers []IssuerMapping `json:"issuers"`
	// Roles is the role expansion table.
	Roles []types.Role `json:"roles,omitempty"`
	// Groups is the group expansion table.
	Groups []types.Group `json:"groups,omitempty"`
}

// ParseSchema decodes and validates a raw config schema.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, trace.BadParameter("malformed translation config: %v", err)
	}
	if err := schema.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &schema, nil
}

// Check validates the schema: issuers and claims must be named, and
// every role referenced by a mapping must be declared in the role table.
func (s *Schema) Check() error {
	if len(s.Issuers) == 0 {
		return trace.BadParameter("translation config declares no issuers")
	}
	roles := make(map[string]bool, len(s.Roles))
	for _, role := range s.Roles {
		if role.ID == "" {
			return trace.BadParameter("role with empty id")
		}
		if roles[role.ID] {
			return trace.BadParameter("role %q is declared twice", role.ID)
		}
		roles[role.ID] = true
	}
	groups := make(map[string]bool, len(s.Groups))
	for _, group := range s.Groups {
		if group.ID == "" {
			return trace.BadParameter("group with empty id")
		}
		if groups[group.ID] {
			return trace.BadParameter("group %q is declared twice", group.ID)
		}
		groups[group.ID] = true
	}
	seen := make(map[string]bool, len(s.Issuers))
	for _, issuer := range s.Issuers {
		if issuer.Issuer == "" {
			return trace.BadParameter("issuer mapping with empty issuer")
		}
		if seen[issuer.Issuer] {
			return trace.BadParameter("issuer %q is mapped twice", issuer.Issuer)
		}
		seen[issuer.Issuer] = true
		for _, mapping := range issuer.ClaimMappings {
			if mapping.Claim == "" {
				return trace.BadParameter("issuer %q has a claim mapping with no claim", issuer.Issuer)
			}
			for _, role := range mapping.Roles {
				if !roles[role] {
					return trace.BadParameter("issuer %q references undeclared role %q", issuer.Issuer, role)
				}
			}
		}
	}
	return nil
}

// RoleMapping returns the role name to permission set expansion table.
func (s *Schema) RoleMapping() map[string][]string {
	out := make(map[string][]string, len(s.Roles))
	for _, role := range s.Roles {
		out[role.ID] = role.Permissions
	}
	return out
}

// GroupMapping returns the group name to permission set expansion table.
func (s *Schema) GroupMapping() map[string][]string {
	out := make(map[string][]string, len(s.Groups))
	for _, group := range s.Groups {
		out[group.ID] = group.Permissions
	}
	return out
}

// Result is the outcome of translating one set of claims.
type Result struct {
	// Roles matched by the claim mappings.
	Roles []string `json:"roles"`
	// Permissions is the union of direct grants and one-level role
	// expansion, sorted and deduplicated.
	Permissions []string `json:"permissions"`
}

// Evaluate applies the schema to external claims. It is a pure function
// of its inputs, which is what makes results cacheable.
func (s *Schema) Evaluate(issuer, subject string, claims map[string]any) *Result {
	roleSet := map[string]bool{}
	permSet := map[string]bool{}
	for _, mapping := range s.Issuers {
		if mapping.Issuer != issuer {
			continue
		}
		for _, rule := range mapping.ClaimMappings {
			value, ok := claims[rule.Claim]
			if !ok || !claimMatches(value, rule.Value) {
				continue
			}
			for _, role := range rule.Roles {
				roleSet[role] = true
			}
			for _, perm := range rule.Permissions {
				permSet[perm] = true
			}
		}
	}
	// One level of role expansion, no recursion.
	roleMapping := s.RoleMapping()
	for role := range roleSet {
		for _, perm := range roleMapping[role] {
			permSet[perm] = true
		}
	}
	return &Result{
		Roles:       sortedKeys(roleSet),
		Permissions: sortedKeys(permSet),
	}
}

// claimMatches reports whether a claim value satisfies the rule value.
// Scalars match on string equality, lists on membership.
func claimMatches(value any, want string) bool {
	switch v := value.(type) {
	case string:
		return want == ClaimValueAny || v == want
	case []any:
		for _, element := range v {
			if s, ok := element.(string); ok {
				if want == ClaimValueAny || s == want {
					return true
				}
			}
		}
		return false
	case []string:
		for _, s := range v {
			if want == ClaimValueAny || s == want {
				return true
			}
		}
		return false
	case bool:
		return want == ClaimValueAny || (v && want == "true") || (!v && want == "false")
	default:
		return false
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
