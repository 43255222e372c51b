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

package types

import "github.com/gravitational/trace"

// Role is a named bundle of permissions. Role names appearing among a
// principal's permissions expand, one level deep, into the role's
// permission set at authorization time.
type Role struct {
	// ID is the role name as it appears in tokens.
	ID string `json:"id"`
	// DisplayName is a human-readable label.
	DisplayName string `json:"display_name,omitempty"`
	// Description is free-form.
	Description string `json:"description,omitempty"`
	// Permissions granted by the role.
	Permissions []string `json:"permissions"`
}

// CheckAndSetDefaults validates the role.
func (r *Role) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing role id")
	}
	return nil
}

// Group is a named bundle of permissions keyed by an identity provider
// group name. Semantically identical to Role; kept separate so provider
// groups and gateway roles can evolve independently.
type Group struct {
	// ID is the group name as it appears in tokens.
	ID string `json:"id"`
	// DisplayName is a human-readable label.
	DisplayName string `json:"display_name,omitempty"`
	// Description is free-form.
	Description string `json:"description,omitempty"`
	// Permissions granted by the group.
	Permissions []string `json:"permissions"`
}

// CheckAndSetDefaults validates the group.
func (g *Group) CheckAndSetDefaults() error {
	if g.ID == "" {
		return trace.BadParameter("missing group id")
	}
	return nil
}
