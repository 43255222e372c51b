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
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
)

const (
	translationPrefix   = "translation"
	versionsInfix       = "versions"
	byVersionInfix      = "byversion"
	metaInfix           = "meta"
	versionCounterKey   = "version_counter"
	activeVersionIDName = "active_version_id"
)

// TranslationService persists translation config snapshots and the
// active-version pointer in the backend.
type TranslationService struct {
	backend backend.Backend
}

// NewTranslationService returns a backend-based translation config store.
func NewTranslationService(bk backend.Backend) *TranslationService {
	return &TranslationService{backend: bk}
}

func translationVersionKey(id string) []byte {
	return backend.Key(translationPrefix, versionsInfix, id)
}

func translationByVersionKey(version int64) []byte {
	// Zero-padded so lexicographic range order matches numeric order.
	return backend.Key(translationPrefix, byVersionInfix, fmt.Sprintf("%020d", version))
}

func translationMetaKey(name string) []byte {
	return backend.Key(translationPrefix, metaInfix, name)
}

// CreateVersion stores a new snapshot under the next version number.
// The number is claimed by compare-and-swap on the version_counter
// metadata entry, retried a bounded number of times.
func (s *TranslationService) CreateVersion(ctx context.Context, cfg types.TranslationConfigVersion) (*types.TranslationConfigVersion, error) {
	if len(cfg.ConfigSchema) == 0 {
		return nil, trace.BadParameter("missing translation config schema")
	}
	version, err := s.allocateVersion(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.Version = version
	cfg.CreatedAt = s.backend.Clock().Now().UTC()
	cfg.Active = false
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := utils.FastMarshal(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.backend.Create(ctx, backend.Item{Key: translationVersionKey(cfg.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.backend.Create(ctx, backend.Item{Key: translationByVersionKey(version), Value: []byte(cfg.ID)}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// allocateVersion claims the next version number. Callers racing on the
// counter retry; each successful swap yields a distinct number with no
// gaps or duplicates.
func (s *TranslationService) allocateVersion(ctx context.Context) (int64, error) {
	counterKey := translationMetaKey(versionCounterKey)
	for attempt := 0; attempt < defaults.TranslationVersionRetries; attempt++ {
		item, err := s.backend.Get(ctx, counterKey)
		if err != nil {
			if !trace.IsNotFound(err) {
				return 0, trace.Wrap(err)
			}
			// First allocation: Create is atomic, a losing racer falls
			// through to the swap path on the next attempt.
			if err := s.backend.Create(ctx, backend.Item{Key: counterKey, Value: []byte("1")}); err != nil {
				if trace.IsAlreadyExists(err) {
					continue
				}
				return 0, trace.Wrap(err)
			}
			return 1, nil
		}
		current, err := strconv.ParseInt(string(item.Value), 10, 64)
		if err != nil {
			return 0, trace.BadParameter("corrupt version counter value %q", string(item.Value))
		}
		next := current + 1
		err = s.backend.CompareAndSwap(ctx,
			backend.Item{Key: counterKey, Value: item.Value},
			backend.Item{Key: counterKey, Value: []byte(strconv.FormatInt(next, 10))})
		if err != nil {
			if trace.IsCompareFailed(err) {
				continue
			}
			return 0, trace.Wrap(err)
		}
		return next, nil
	}
	return 0, trace.LimitExceeded("translation version allocation exhausted after %v attempts", defaults.TranslationVersionRetries)
}

// GetVersion returns a snapshot by id with the derived active flag set.
func (s *TranslationService) GetVersion(ctx context.Context, id string) (*types.TranslationConfigVersion, error) {
	if id == "" {
		return nil, trace.BadParameter("missing translation config id")
	}
	item, err := s.backend.Get(ctx, translationVersionKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("translation config %q is not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var cfg types.TranslationConfigVersion
	if err := utils.FastUnmarshal(item.Value, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	activeID, err := s.activeVersionID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Active = cfg.ID == activeID
	return &cfg, nil
}

// FindByVersion returns a snapshot by version number.
func (s *TranslationService) FindByVersion(ctx context.Context, version int64) (*types.TranslationConfigVersion, error) {
	item, err := s.backend.Get(ctx, translationByVersionKey(version))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("translation config version %v is not found", version)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetVersion(ctx, string(item.Value))
}

// ListVersions returns a page of snapshots, newest version first.
func (s *TranslationService) ListVersions(ctx context.Context, limit, offset int) ([]types.TranslationConfigVersion, error) {
	startKey := backend.Key(translationPrefix, byVersionInfix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items := result.Items
	// Range order is oldest first; reverse for newest first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	if offset > 0 {
		if offset >= len(items) {
			return nil, nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]types.TranslationConfigVersion, 0, len(items))
	for _, item := range items {
		cfg, err := s.GetVersion(ctx, string(item.Value))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *cfg)
	}
	return out, nil
}

// DeleteVersion removes a snapshot. Deleting the active version is
// refused; deactivate or roll back first.
func (s *TranslationService) DeleteVersion(ctx context.Context, id string) error {
	cfg, err := s.GetVersion(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if cfg.Active {
		return trace.BadParameter("translation config %q is active and can not be deleted", id)
	}
	if err := s.backend.Delete(ctx, translationByVersionKey(cfg.Version)); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Delete(ctx, translationVersionKey(id)))
}

// SetActiveVersion points active_version_id at the given snapshot.
func (s *TranslationService) SetActiveVersion(ctx context.Context, id string) error {
	if _, err := s.backend.Get(ctx, translationVersionKey(id)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("translation config %q is not found", id)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Put(ctx, backend.Item{
		Key:   translationMetaKey(activeVersionIDName),
		Value: []byte(id),
	}))
}

// GetActiveVersion returns the active snapshot.
func (s *TranslationService) GetActiveVersion(ctx context.Context) (*types.TranslationConfigVersion, error) {
	activeID, err := s.activeVersionID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if activeID == "" {
		return nil, trace.NotFound("no active translation config")
	}
	return s.GetVersion(ctx, activeID)
}

func (s *TranslationService) activeVersionID(ctx context.Context) (string, error) {
	item, err := s.backend.Get(ctx, translationMetaKey(activeVersionIDName))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", nil
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}
