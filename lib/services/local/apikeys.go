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

package local

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/secret"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
)

const (
	apiKeysPrefix = "apikeys"
	byHashInfix   = "hash"
	byIDInfix     = "id"

	// apiKeyEntropyBytes is the random length of a generated key.
	apiKeyEntropyBytes = 32
)

// APIKeyService persists API keys in the backend. Records are stored
// under their hash; a small id index points admin operations at the hash.
type APIKeyService struct {
	backend backend.Backend
	sealKey secret.Key
}

// NewAPIKeyService returns a backend-based API key store. sealKey
// protects key bodies at rest.
func NewAPIKeyService(bk backend.Backend, sealKey secret.Key) *APIKeyService {
	return &APIKeyService{backend: bk, sealKey: sealKey}
}

// HashAPIKey is the one-way hash applied to plaintext API keys; it is
// the only value the store can look a presented key up by.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// LockoutPrefix derives the apikey:<prefix> lockout key fragment from a
// presented plaintext key.
func LockoutPrefix(plaintext string) string {
	trimmed := plaintext
	if len(trimmed) > len(defaults.APIKeyPrefix) {
		trimmed = trimmed[len(defaults.APIKeyPrefix):]
	}
	if len(trimmed) > defaults.APIKeyLockoutPrefixLen {
		trimmed = trimmed[:defaults.APIKeyLockoutPrefixLen]
	}
	return trimmed
}

func apiKeyHashKey(hash string) []byte {
	return backend.Key(apiKeysPrefix, byHashInfix, hash)
}

func apiKeyIDKey(id string) []byte {
	return backend.Key(apiKeysPrefix, byIDInfix, id)
}

// CreateAPIKey mints a new key and returns the record together with the
// plaintext. The plaintext never reaches the backend.
func (s *APIKeyService) CreateAPIKey(ctx context.Context, body types.APIKeyBody) (*types.APIKey, string, error) {
	if body.Name == "" {
		return nil, "", trace.BadParameter("missing api key name")
	}
	entropy := make([]byte, apiKeyEntropyBytes)
	if _, err := io.ReadFull(rand.Reader, entropy); err != nil {
		return nil, "", trace.Wrap(err)
	}
	plaintext := defaults.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(entropy)
	now := s.backend.Clock().Now().UTC()
	body.CreatedAt = now

	sealed, err := s.sealKey.Seal(mustMarshal(body))
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	record := types.APIKey{
		ID:            uuid.NewString(),
		KeyHash:       HashAPIKey(plaintext),
		EncryptedBody: sealed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := record.CheckAndSetDefaults(); err != nil {
		return nil, "", trace.Wrap(err)
	}
	value, err := utils.FastMarshal(record)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if err := s.backend.Create(ctx, backend.Item{Key: apiKeyHashKey(record.KeyHash), Value: value}); err != nil {
		return nil, "", trace.Wrap(err)
	}
	if err := s.backend.Create(ctx, backend.Item{Key: apiKeyIDKey(record.ID), Value: []byte(record.KeyHash)}); err != nil {
		return nil, "", trace.Wrap(err)
	}
	return &record, plaintext, nil
}

// GetAPIKeyByHash looks a key up by the hash of its plaintext and opens
// the sealed body.
func (s *APIKeyService) GetAPIKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, *types.APIKeyBody, error) {
	if keyHash == "" {
		return nil, nil, trace.BadParameter("missing key hash")
	}
	item, err := s.backend.Get(ctx, apiKeyHashKey(keyHash))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil, trace.NotFound("api key is not found")
		}
		return nil, nil, trace.Wrap(err)
	}
	return s.decodeRecord(item.Value)
}

// GetAPIKey returns a key by id.
func (s *APIKeyService) GetAPIKey(ctx context.Context, id string) (*types.APIKey, *types.APIKeyBody, error) {
	hash, err := s.hashForID(ctx, id)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return s.GetAPIKeyByHash(ctx, hash)
}

// ListAPIKeys returns a page of keys ordered by id.
func (s *APIKeyService) ListAPIKeys(ctx context.Context, limit, offset int) ([]types.APIKey, error) {
	startKey := backend.Key(apiKeysPrefix, byIDInfix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items := result.Items
	if offset > 0 {
		if offset >= len(items) {
			return nil, nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]types.APIKey, 0, len(items))
	for _, item := range items {
		record, _, err := s.GetAPIKeyByHash(ctx, string(item.Value))
		if err != nil {
			if trace.IsNotFound(err) {
				// Hash record purged; skip the dangling index entry.
				continue
			}
			return nil, trace.Wrap(err)
		}
		out = append(out, *record)
	}
	return out, nil
}

// RevokeAPIKey soft-revokes a key by id. A revoked key keeps its record
// until the key's own expiry so that presentations keep failing closed.
func (s *APIKeyService) RevokeAPIKey(ctx context.Context, id string) error {
	record, body, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	body.Revoked = true
	sealed, err := s.sealKey.Seal(mustMarshal(*body))
	if err != nil {
		return trace.Wrap(err)
	}
	record.EncryptedBody = sealed
	record.UpdatedAt = s.backend.Clock().Now().UTC()
	value, err := utils.FastMarshal(*record)
	if err != nil {
		return trace.Wrap(err)
	}
	item := backend.Item{Key: apiKeyHashKey(record.KeyHash), Value: value}
	if !body.ExpiresAt.IsZero() {
		// Purge the record once no presentation of the key can succeed.
		item.Expires = body.ExpiresAt
	}
	return trace.Wrap(s.backend.Update(ctx, item))
}

// DeleteAPIKey removes a key record and its id index entirely.
func (s *APIKeyService) DeleteAPIKey(ctx context.Context, id string) error {
	hash, err := s.hashForID(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.backend.Delete(ctx, apiKeyHashKey(hash)); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Delete(ctx, apiKeyIDKey(id)))
}

func (s *APIKeyService) hashForID(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", trace.BadParameter("missing api key id")
	}
	item, err := s.backend.Get(ctx, apiKeyIDKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("api key %q is not found", id)
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}

func (s *APIKeyService) decodeRecord(value []byte) (*types.APIKey, *types.APIKeyBody, error) {
	var record types.APIKey
	if err := utils.FastUnmarshal(value, &record); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	opened, err := s.sealKey.Open(record.EncryptedBody)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	var body types.APIKeyBody
	if err := utils.FastUnmarshal(opened, &body); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return &record, &body, nil
}

// mustMarshal marshals values that cannot fail by construction.
func mustMarshal(v any) []byte {
	data, err := utils.FastMarshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
