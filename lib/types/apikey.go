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

// APIKey is the stored identity of a long-lived programmatic caller.
// The plaintext key is returned exactly once at creation and never
// persisted; KeyHash is the only lookup key by value.
type APIKey struct {
	// ID is an opaque identifier.
	ID string `json:"id"`
	// KeyHash is the hex-encoded one-way hash of the plaintext key.
	KeyHash string `json:"key_hash"`
	// EncryptedBody is the sealed APIKeyBody envelope.
	EncryptedBody []byte `json:"encrypted_body"`
	// CreatedAt and UpdatedAt are store-maintained timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the key record.
func (k *APIKey) CheckAndSetDefaults() error {
	if k.ID == "" {
		return trace.BadParameter("missing api key id")
	}
	if k.KeyHash == "" {
		return trace.BadParameter("missing api key hash")
	}
	if len(k.EncryptedBody) == 0 {
		return trace.BadParameter("missing api key body")
	}
	return nil
}

// APIKeyBody is the sensitive part of an API key, stored encrypted.
type APIKeyBody struct {
	// Name is a human-readable label.
	Name string `json:"name"`
	// Description is free-form.
	Description string `json:"description,omitempty"`
	// Permissions granted to callers presenting this key.
	Permissions []string `json:"permissions,omitempty"`
	// CreatedAt is when the key was minted.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt bounds the key lifetime; zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// Revoked soft-deletes the key.
	Revoked bool `json:"revoked,omitempty"`
}

// Expired reports whether the key body has passed its expiry at now.
func (b *APIKeyBody) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !b.ExpiresAt.After(now)
}
