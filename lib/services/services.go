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

// Package services defines the store contracts the trust plane is built
// on. Implementations live in lib/services/local; the interfaces are the
// seam for alternative store adapters.
package services

import (
	"context"
	"time"

	"github.com/bastionlabs/bastion/lib/types"
)

// Registry persists service registrations (C2). Writes are serialized
// per service by optimistic locking on the registration version.
type Registry interface {
	// CreateService creates a new registration with Version 1.
	CreateService(ctx context.Context, svc types.ServiceRegistration) (*types.ServiceRegistration, error)

	// GetService returns a registration by id.
	GetService(ctx context.Context, serviceID string) (*types.ServiceRegistration, error)

	// UpdateService applies the write conditionally: svc.Version must
	// equal the stored version, otherwise CompareFailed is returned.
	// On success the returned registration carries the incremented version.
	UpdateService(ctx context.Context, svc types.ServiceRegistration) (*types.ServiceRegistration, error)

	// DeleteService removes a registration.
	DeleteService(ctx context.Context, serviceID string) error

	// ListServices returns a page of registrations ordered by id.
	ListServices(ctx context.Context, limit, offset int) ([]types.ServiceRegistration, error)

	// CountServices returns the number of registrations.
	CountServices(ctx context.Context) (int, error)
}

// APIKeys persists API keys (part of C1). The plaintext key exists only
// in the CreateAPIKey return value.
type APIKeys interface {
	// CreateAPIKey mints a new key, stores hash and sealed body, and
	// returns the record together with the plaintext, exactly once.
	CreateAPIKey(ctx context.Context, body types.APIKeyBody) (*types.APIKey, string, error)

	// GetAPIKeyByHash looks a key up by the hash of its plaintext.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, *types.APIKeyBody, error)

	// GetAPIKey returns a key by id.
	GetAPIKey(ctx context.Context, id string) (*types.APIKey, *types.APIKeyBody, error)

	// ListAPIKeys returns a page of keys ordered by id.
	ListAPIKeys(ctx context.Context, limit, offset int) ([]types.APIKey, error)

	// RevokeAPIKey soft-revokes a key by id; the record is purged once
	// the key's own expiry passes.
	RevokeAPIKey(ctx context.Context, id string) error

	// DeleteAPIKey removes a key record entirely.
	DeleteAPIKey(ctx context.Context, id string) error
}

// SigningKeys persists signing keys (part of C1). Status transitions are
// made atomic by conditional writes on the serialized record.
type SigningKeys interface {
	// CreateSigningKey inserts a new key record.
	CreateSigningKey(ctx context.Context, key types.SigningKey) error

	// GetSigningKey returns a key by id.
	GetSigningKey(ctx context.Context, keyID string) (*types.SigningKey, error)

	// SwapSigningKey replaces expected with replaceWith if the stored
	// record still matches expected, CompareFailed otherwise.
	SwapSigningKey(ctx context.Context, expected, replaceWith types.SigningKey) error

	// ListSigningKeys returns all keys ordered by id.
	ListSigningKeys(ctx context.Context) ([]types.SigningKey, error)

	// DeleteSigningKey removes a key record.
	DeleteSigningKey(ctx context.Context, keyID string) error
}

// TranslationConfigs persists the ordered history of translation configs
// (C3) and tracks the single active version through compare-and-swap
// metadata entries.
type TranslationConfigs interface {
	// CreateVersion stores a new snapshot, atomically allocating the next
	// version number. LimitExceeded is returned when allocation retries
	// are exhausted.
	CreateVersion(ctx context.Context, cfg types.TranslationConfigVersion) (*types.TranslationConfigVersion, error)

	// GetVersion returns a snapshot by id.
	GetVersion(ctx context.Context, id string) (*types.TranslationConfigVersion, error)

	// FindByVersion returns a snapshot by version number.
	FindByVersion(ctx context.Context, version int64) (*types.TranslationConfigVersion, error)

	// ListVersions returns a page of snapshots, newest version first.
	ListVersions(ctx context.Context, limit, offset int) ([]types.TranslationConfigVersion, error)

	// DeleteVersion removes a snapshot; deleting the active version is
	// refused.
	DeleteVersion(ctx context.Context, id string) error

	// SetActiveVersion points active_version_id at the given snapshot.
	SetActiveVersion(ctx context.Context, id string) error

	// GetActiveVersion returns the active snapshot, NotFound if none is
	// active.
	GetActiveVersion(ctx context.Context) (*types.TranslationConfigVersion, error)
}

// Revocations persists token and user revocation entries (part of C1).
type Revocations interface {
	// UpsertTokenRevocation records a single-token revocation; the entry
	// expires with the token.
	UpsertTokenRevocation(ctx context.Context, r types.TokenRevocation) error

	// GetTokenRevocation returns a revocation by jti, NotFound if the
	// token is not revoked.
	GetTokenRevocation(ctx context.Context, jti string) (*types.TokenRevocation, error)

	// DeleteTokenRevocation un-revokes a token.
	DeleteTokenRevocation(ctx context.Context, jti string) error

	// ListTokenRevocations returns all live token revocations.
	ListTokenRevocations(ctx context.Context) ([]types.TokenRevocation, error)

	// UpsertUserRevocation records a user-wide revocation; the entry
	// expires one max token lifetime past RevokedAt.
	UpsertUserRevocation(ctx context.Context, r types.UserRevocation) error

	// GetUserRevocation returns a user revocation, NotFound if absent.
	GetUserRevocation(ctx context.Context, userID string) (*types.UserRevocation, error)

	// DeleteUserRevocation lifts a user-wide revocation.
	DeleteUserRevocation(ctx context.Context, userID string) error

	// ListUserRevocations returns all live user revocations.
	ListUserRevocations(ctx context.Context) ([]types.UserRevocation, error)
}

// Lockouts persists lockout entries and failed-attempt counters
// (part of C1).
type Lockouts interface {
	// UpsertLockout installs a lockout entry until its expiry.
	UpsertLockout(ctx context.Context, entry types.LockoutEntry) error

	// GetLockout returns the active lockout for a key, NotFound when the
	// key is not locked out.
	GetLockout(ctx context.Context, key string) (*types.LockoutEntry, error)

	// DeleteLockout lifts a lockout.
	DeleteLockout(ctx context.Context, key string) error

	// ListLockouts returns all active lockouts.
	ListLockouts(ctx context.Context) ([]types.LockoutEntry, error)

	// DeleteAllLockouts lifts every lockout; with resetCounters it also
	// erases escalation history.
	DeleteAllLockouts(ctx context.Context, resetCounters bool) error

	// IncrementFailedAttempts bumps the failed-attempt counter for a key
	// and extends its window expiry; returns the new counter value.
	IncrementFailedAttempts(ctx context.Context, key string, window time.Duration) (int, error)

	// ResetFailedAttempts clears the counter for a key.
	ResetFailedAttempts(ctx context.Context, key string) error

	// IncrementLockoutCount bumps the monotonic per-key lockout counter
	// used for escalation and returns the new value.
	IncrementLockoutCount(ctx context.Context, key string) (int, error)
}
