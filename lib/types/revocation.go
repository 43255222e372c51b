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

import (
	"time"

	"github.com/gravitational/trace"
)

// TokenRevocation revokes a single issued token by its jti. The entry
// expires with the token itself.
type TokenRevocation struct {
	// JTI is the opaque per-token identifier.
	JTI string `json:"jti"`
	// ExpiresAt is the revoked token's expiry; the entry is swept after it.
	ExpiresAt time.Time `json:"expires_at"`
	// RevokedAt is when the revocation was recorded.
	RevokedAt time.Time `json:"revoked_at"`
	// Reason is free-form.
	Reason string `json:"reason,omitempty"`
}

// CheckAndSetDefaults validates the revocation.
func (r *TokenRevocation) CheckAndSetDefaults() error {
	if r.JTI == "" {
		return trace.BadParameter("missing token id")
	}
	return nil
}

// UserRevocation revokes every token issued to a subject before RevokedAt.
// Entries expire one max token lifetime past RevokedAt, after which no
// token predating the revocation can still be unexpired.
type UserRevocation struct {
	// UserID is the token subject.
	UserID string `json:"user_id"`
	// RevokedAt is the cut-off: tokens with iat before it are rejected.
	RevokedAt time.Time `json:"revoked_at"`
	// Reason is free-form.
	Reason string `json:"reason,omitempty"`
}

// CheckAndSetDefaults validates the revocation.
func (r *UserRevocation) CheckAndSetDefaults() error {
	if r.UserID == "" {
		return trace.BadParameter("missing user id")
	}
	return nil
}
