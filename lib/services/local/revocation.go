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
	"time"

	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
)

const (
	revocationsPrefix = "revocations"
	tokensInfix       = "tokens"
	usersInfix        = "users"
)

// RevocationService persists token and user revocations in the backend.
// Entries carry their own expiry so the backend sweeps them once they can
// no longer affect any live token.
type RevocationService struct {
	backend backend.Backend
	// maxTokenLifetime bounds how long user-wide revocations are kept.
	maxTokenLifetime time.Duration
}

// NewRevocationService returns a backend-based revocation store.
func NewRevocationService(bk backend.Backend, maxTokenLifetime time.Duration) *RevocationService {
	if maxTokenLifetime <= 0 {
		maxTokenLifetime = defaults.MaxTokenLifetime
	}
	return &RevocationService{backend: bk, maxTokenLifetime: maxTokenLifetime}
}

func tokenRevocationKey(jti string) []byte {
	return backend.Key(revocationsPrefix, tokensInfix, jti)
}

func userRevocationKey(userID string) []byte {
	return backend.Key(revocationsPrefix, usersInfix, userID)
}

// UpsertTokenRevocation records a single-token revocation.
func (s *RevocationService) UpsertTokenRevocation(ctx context.Context, r types.TokenRevocation) error {
	if err := r.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	now := s.backend.Clock().Now().UTC()
	if r.RevokedAt.IsZero() {
		r.RevokedAt = now
	}
	expires := r.ExpiresAt
	if expires.IsZero() {
		// Unknown token expiry: keep the entry for the longest time any
		// token could still be live.
		expires = now.Add(s.maxTokenLifetime)
		r.ExpiresAt = expires
	}
	value, err := utils.FastMarshal(r)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Put(ctx, backend.Item{
		Key:     tokenRevocationKey(r.JTI),
		Value:   value,
		Expires: expires,
	}))
}

// GetTokenRevocation returns a revocation by jti.
func (s *RevocationService) GetTokenRevocation(ctx context.Context, jti string) (*types.TokenRevocation, error) {
	if jti == "" {
		return nil, trace.BadParameter("missing token id")
	}
	item, err := s.backend.Get(ctx, tokenRevocationKey(jti))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("token %q is not revoked", jti)
		}
		return nil, trace.Wrap(err)
	}
	var r types.TokenRevocation
	if err := utils.FastUnmarshal(item.Value, &r); err != nil {
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// DeleteTokenRevocation un-revokes a token.
func (s *RevocationService) DeleteTokenRevocation(ctx context.Context, jti string) error {
	if jti == "" {
		return trace.BadParameter("missing token id")
	}
	if err := s.backend.Delete(ctx, tokenRevocationKey(jti)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("token %q is not revoked", jti)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListTokenRevocations returns all live token revocations.
func (s *RevocationService) ListTokenRevocations(ctx context.Context) ([]types.TokenRevocation, error) {
	startKey := backend.Key(revocationsPrefix, tokensInfix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.TokenRevocation, 0, len(result.Items))
	for _, item := range result.Items {
		var r types.TokenRevocation
		if err := utils.FastUnmarshal(item.Value, &r); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, nil
}

// UpsertUserRevocation records a user-wide revocation. The entry lives
// one max token lifetime past the cut-off, after which no token issued
// before it can still be unexpired.
func (s *RevocationService) UpsertUserRevocation(ctx context.Context, r types.UserRevocation) error {
	if err := r.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if r.RevokedAt.IsZero() {
		r.RevokedAt = s.backend.Clock().Now().UTC()
	}
	value, err := utils.FastMarshal(r)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Put(ctx, backend.Item{
		Key:     userRevocationKey(r.UserID),
		Value:   value,
		Expires: r.RevokedAt.Add(s.maxTokenLifetime),
	}))
}

// GetUserRevocation returns a user revocation.
func (s *RevocationService) GetUserRevocation(ctx context.Context, userID string) (*types.UserRevocation, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	item, err := s.backend.Get(ctx, userRevocationKey(userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q is not revoked", userID)
		}
		return nil, trace.Wrap(err)
	}
	var r types.UserRevocation
	if err := utils.FastUnmarshal(item.Value, &r); err != nil {
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// DeleteUserRevocation lifts a user-wide revocation.
func (s *RevocationService) DeleteUserRevocation(ctx context.Context, userID string) error {
	if userID == "" {
		return trace.BadParameter("missing user id")
	}
	if err := s.backend.Delete(ctx, userRevocationKey(userID)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("user %q is not revoked", userID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListUserRevocations returns all live user revocations.
func (s *RevocationService) ListUserRevocations(ctx context.Context) ([]types.UserRevocation, error) {
	startKey := backend.Key(revocationsPrefix, usersInfix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.UserRevocation, 0, len(result.Items))
	for _, item := range result.Items {
		var r types.UserRevocation
		if err := utils.FastUnmarshal(item.Value, &r); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, nil
}
