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

// Package types defines the domain objects persisted and exchanged by
// the gateway: service registrations, keys, translation configs,
// revocations and lockouts.
package types

import (
	"time"

	"github.com/gravitational/trace"
)

// KeyStatus is a stage in the signing key lifecycle.
type KeyStatus string

const (
	// KeyStatusPending is a freshly generated key not yet used for signing.
	KeyStatusPending KeyStatus = "PENDING"
	// KeyStatusActive is the key used to sign newly issued tokens.
	// At most one key is active at any time.
	KeyStatusActive KeyStatus = "ACTIVE"
	// KeyStatusDeprecated no longer signs but still verifies, covering
	// unexpired tokens signed before rotation.
	KeyStatusDeprecated KeyStatus = "DEPRECATED"
	// KeyStatusRetired is terminal; the key neither signs nor verifies.
	KeyStatusRetired KeyStatus = "RETIRED"
)

// order maps statuses to their position along the lifecycle chain.
var keyStatusOrder = map[KeyStatus]int{
	KeyStatusPending:    0,
	KeyStatusActive:     1,
	KeyStatusDeprecated: 2,
	KeyStatusRetired:    3,
}

// Check validates the status value.
func (s KeyStatus) Check() error {
	if _, ok := keyStatusOrder[s]; !ok {
		return trace.BadParameter("unknown signing key status %q", string(s))
	}
	return nil
}

// CanTransitionTo reports whether next is a forward move along
// PENDING -> ACTIVE -> DEPRECATED -> RETIRED. Statuses never move
// backwards and RETIRED is terminal.
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	from, ok := keyStatusOrder[s]
	if !ok {
		return false
	}
	to, ok := keyStatusOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// SigningKey is an asymmetric key used to sign and verify issued tokens.
// The private key is an opaque handle: for software keys it holds PEM
// material, for HSM-backed keys it is empty and the keystore resolves the
// signer elsewhere.
type SigningKey struct {
	// KeyID identifies the key; it is also the JOSE kid header of tokens
	// signed by it.
	KeyID string `json:"key_id"`
	// Status is the lifecycle stage.
	Status KeyStatus `json:"status"`
	// Type is the key algorithm, e.g. ES256.
	Type string `json:"type"`
	// PublicKeyPEM is the PEM-encoded public half.
	PublicKeyPEM []byte `json:"public_key"`
	// PrivateKeyPEM is the opaque private key handle.
	PrivateKeyPEM []byte `json:"private_key,omitempty"`
	// CreatedAt is when the key was generated.
	CreatedAt time.Time `json:"created_at"`
	// ActivatedAt is when the key was promoted to ACTIVE.
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	// DeprecatedAt is when the key was demoted to DEPRECATED.
	DeprecatedAt time.Time `json:"deprecated_at,omitempty"`
	// RetiredAt is when the key was retired.
	RetiredAt time.Time `json:"retired_at,omitempty"`
}

// CanSign reports whether the key may sign new tokens.
func (k *SigningKey) CanSign() bool {
	return k.Status == KeyStatusActive
}

// CanVerify reports whether the key participates in the verification set.
func (k *SigningKey) CanVerify() bool {
	return k.Status == KeyStatusActive || k.Status == KeyStatusDeprecated
}

// CheckAndSetDefaults validates the key.
func (k *SigningKey) CheckAndSetDefaults() error {
	if k.KeyID == "" {
		return trace.BadParameter("missing signing key id")
	}
	if err := k.Status.Check(); err != nil {
		return trace.Wrap(err)
	}
	if len(k.PublicKeyPEM) == 0 {
		return trace.BadParameter("missing public key material for %q", k.KeyID)
	}
	return nil
}
