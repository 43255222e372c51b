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

	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
)

const signingKeysPrefix = "signingkeys"

// SigningKeyService persists signing keys in the backend.
type SigningKeyService struct {
	backend backend.Backend
}

// NewSigningKeyService returns a backend-based signing key store.
func NewSigningKeyService(bk backend.Backend) *SigningKeyService {
	return &SigningKeyService{backend: bk}
}

func signingKeyKey(keyID string) []byte {
	return backend.Key(signingKeysPrefix, keyID)
}

// CreateSigningKey inserts a new key record.
func (s *SigningKeyService) CreateSigningKey(ctx context.Context, key types.SigningKey) error {
	if err := key.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	value, err := utils.FastMarshal(key)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.backend.Create(ctx, backend.Item{Key: signingKeyKey(key.KeyID), Value: value}); err != nil {
		if trace.IsAlreadyExists(err) {
			return trace.AlreadyExists("signing key %q already exists", key.KeyID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// GetSigningKey returns a key by id.
func (s *SigningKeyService) GetSigningKey(ctx context.Context, keyID string) (*types.SigningKey, error) {
	if keyID == "" {
		return nil, trace.BadParameter("missing signing key id")
	}
	item, err := s.backend.Get(ctx, signingKeyKey(keyID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("signing key %q is not found", keyID)
		}
		return nil, trace.Wrap(err)
	}
	var key types.SigningKey
	if err := utils.FastUnmarshal(item.Value, &key); err != nil {
		return nil, trace.Wrap(err)
	}
	return &key, nil
}

// SwapSigningKey replaces expected with replaceWith conditionally on the
// stored record matching expected. Lifecycle transitions ride on this to
// stay atomic against concurrent rotations.
func (s *SigningKeyService) SwapSigningKey(ctx context.Context, expected, replaceWith types.SigningKey) error {
	if expected.KeyID != replaceWith.KeyID {
		return trace.BadParameter("expected and replacement key ids must match")
	}
	if err := replaceWith.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	expectedValue, err := utils.FastMarshal(expected)
	if err != nil {
		return trace.Wrap(err)
	}
	newValue, err := utils.FastMarshal(replaceWith)
	if err != nil {
		return trace.Wrap(err)
	}
	key := signingKeyKey(expected.KeyID)
	err = s.backend.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: expectedValue},
		backend.Item{Key: key, Value: newValue})
	if err != nil {
		if trace.IsCompareFailed(err) {
			return trace.CompareFailed("signing key %q was modified concurrently", expected.KeyID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListSigningKeys returns all keys ordered by id.
func (s *SigningKeyService) ListSigningKeys(ctx context.Context) ([]types.SigningKey, error) {
	startKey := backend.Key(signingKeysPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.SigningKey, 0, len(result.Items))
	for _, item := range result.Items {
		var key types.SigningKey
		if err := utils.FastUnmarshal(item.Value, &key); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, key)
	}
	return out, nil
}

// DeleteSigningKey removes a key record.
func (s *SigningKeyService) DeleteSigningKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return trace.BadParameter("missing signing key id")
	}
	if err := s.backend.Delete(ctx, signingKeyKey(keyID)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("signing key %q is not found", keyID)
		}
		return trace.Wrap(err)
	}
	return nil
}
