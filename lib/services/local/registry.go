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

// Package local implements the store contracts of lib/services on top of
// the key-value backend.
package local

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
)

const servicesPrefix = "services"

// RegistryService persists service registrations in the backend.
type RegistryService struct {
	backend backend.Backend
}

// NewRegistryService returns a backend-based service registry.
func NewRegistryService(bk backend.Backend) *RegistryService {
	return &RegistryService{backend: bk}
}

func serviceKey(serviceID string) []byte {
	return backend.Key(servicesPrefix, serviceID)
}

// CreateService creates a new registration with Version 1.
func (s *RegistryService) CreateService(ctx context.Context, svc types.ServiceRegistration) (*types.ServiceRegistration, error) {
	if err := svc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.backend.Clock().Now().UTC()
	svc.Version = 1
	svc.CreatedAt = now
	svc.UpdatedAt = now
	value, err := utils.FastMarshal(svc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.backend.Create(ctx, backend.Item{Key: serviceKey(svc.ServiceID), Value: value}); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("service %q already exists", svc.ServiceID)
		}
		return nil, trace.Wrap(err)
	}
	return &svc, nil
}

// GetService returns a registration by id.
func (s *RegistryService) GetService(ctx context.Context, serviceID string) (*types.ServiceRegistration, error) {
	if serviceID == "" {
		return nil, trace.BadParameter("missing service id")
	}
	item, err := s.backend.Get(ctx, serviceKey(serviceID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("service %q is not found", serviceID)
		}
		return nil, trace.Wrap(err)
	}
	var svc types.ServiceRegistration
	if err := utils.FastUnmarshal(item.Value, &svc); err != nil {
		return nil, trace.Wrap(err)
	}
	return &svc, nil
}

// UpdateService applies the write conditionally on svc.Version matching
// the stored version, and bumps the version on success. Concurrent
// updates race on the backend compare-and-swap: exactly one wins.
func (s *RegistryService) UpdateService(ctx context.Context, svc types.ServiceRegistration) (*types.ServiceRegistration, error) {
	if err := svc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := serviceKey(svc.ServiceID)
	existing, err := s.backend.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("service %q is not found", svc.ServiceID)
		}
		return nil, trace.Wrap(err)
	}
	var stored types.ServiceRegistration
	if err := utils.FastUnmarshal(existing.Value, &stored); err != nil {
		return nil, trace.Wrap(err)
	}
	if stored.Version != svc.Version {
		return nil, trace.CompareFailed("service %q version mismatch: stored %v, supplied %v",
			svc.ServiceID, stored.Version, svc.Version)
	}
	svc.Version = stored.Version + 1
	svc.CreatedAt = stored.CreatedAt
	svc.UpdatedAt = s.backend.Clock().Now().UTC()
	value, err := utils.FastMarshal(svc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	err = s.backend.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: existing.Value},
		backend.Item{Key: key, Value: value})
	if err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("service %q was modified concurrently", svc.ServiceID)
		}
		return nil, trace.Wrap(err)
	}
	return &svc, nil
}

// DeleteService removes a registration.
func (s *RegistryService) DeleteService(ctx context.Context, serviceID string) error {
	if serviceID == "" {
		return trace.BadParameter("missing service id")
	}
	if err := s.backend.Delete(ctx, serviceKey(serviceID)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("service %q is not found", serviceID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListServices returns a page of registrations ordered by id.
func (s *RegistryService) ListServices(ctx context.Context, limit, offset int) ([]types.ServiceRegistration, error) {
	startKey := backend.Key(servicesPrefix)
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
	out := make([]types.ServiceRegistration, 0, len(items))
	for _, item := range items {
		var svc types.ServiceRegistration
		if err := utils.FastUnmarshal(item.Value, &svc); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, svc)
	}
	return out, nil
}

// CountServices returns the number of registrations.
func (s *RegistryService) CountServices(ctx context.Context) (int, error) {
	startKey := backend.Key(servicesPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return len(result.Items), nil
}
