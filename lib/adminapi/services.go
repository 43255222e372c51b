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

package adminapi

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bastionlabs/bastion/lib/httplib"
	"github.com/bastionlabs/bastion/lib/types"
)

func (s *Server) createService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var svc types.ServiceRegistration
	if err := httplib.ReadJSON(r, &svc); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := s.cfg.Registry.CreateService(r.Context(), svc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "registered service", "service_id", created.ServiceID)
	return created, nil
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	limit, offset, err := pageParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, err := s.cfg.Registry.ListServices(r.Context(), limit, offset)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	count, err := s.cfg.Registry.CountServices(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page{Items: items, Count: count, Limit: limit, Offset: offset}, nil
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	svc, err := s.cfg.Registry.GetService(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return svc, nil
}

func (s *Server) updateService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	version, err := ifMatchVersion(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var svc types.ServiceRegistration
	if err := httplib.ReadJSON(r, &svc); err != nil {
		return nil, trace.Wrap(err)
	}
	// The path, not the body, names the target.
	svc.ServiceID = p.ByName("id")
	svc.Version = version
	updated, err := s.cfg.Registry.UpdateService(r.Context(), svc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "updated service",
		"service_id", updated.ServiceID, "version", updated.Version)
	return updated, nil
}

func (s *Server) deleteService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	serviceID := p.ByName("id")
	if err := s.cfg.Registry.DeleteService(r.Context(), serviceID); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "deleted service", "service_id", serviceID)
	return message("service deleted"), nil
}

// servicePermissions is the wire shape of the permission policy
// sub-resource.
type servicePermissions struct {
	ServiceID        string                 `json:"service_id"`
	PermissionPolicy types.PermissionPolicy `json:"permission_policy"`
	Version          int64                  `json:"version"`
}

func (s *Server) getServicePermissions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	svc, err := s.cfg.Registry.GetService(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &servicePermissions{
		ServiceID:        svc.ServiceID,
		PermissionPolicy: svc.PermissionPolicy,
		Version:          svc.Version,
	}, nil
}

func (s *Server) updateServicePermissions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	version, err := ifMatchVersion(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req servicePermissions
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	svc, err := s.cfg.Registry.GetService(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	svc.PermissionPolicy = req.PermissionPolicy
	svc.Version = version
	updated, err := s.cfg.Registry.UpdateService(r.Context(), *svc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &servicePermissions{
		ServiceID:        updated.ServiceID,
		PermissionPolicy: updated.PermissionPolicy,
		Version:          updated.Version,
	}, nil
}

// CreateAPIKeyRequest is the POST /api-keys request body.
type CreateAPIKeyRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// CreateAPIKeyResponse carries the plaintext key. It appears in this
// response and nowhere else.
type CreateAPIKeyResponse struct {
	Key       *types.APIKey `json:"key"`
	Plaintext string        `json:"api_key"`
}

func (s *Server) createAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req CreateAPIKeyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, trace.BadParameter("missing api key name")
	}
	record, plaintext, err := s.cfg.APIKeys.CreateAPIKey(r.Context(), types.APIKeyBody{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		CreatedAt:   s.cfg.Clock.Now().UTC(),
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "created api key", "key_id", record.ID, "name", req.Name)
	return &CreateAPIKeyResponse{Key: record, Plaintext: plaintext}, nil
}

func (s *Server) listAPIKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	limit, offset, err := pageParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, err := s.cfg.APIKeys.ListAPIKeys(r.Context(), limit, offset)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page{Items: items, Count: len(items), Limit: limit, Offset: offset}, nil
}

// apiKeyView joins the key record with its unsealed body, minus the
// hash.
type apiKeyView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Revoked     bool      `json:"revoked"`
}

func (s *Server) getAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	record, body, err := s.cfg.APIKeys.GetAPIKey(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &apiKeyView{
		ID:          record.ID,
		Name:        body.Name,
		Description: body.Description,
		Permissions: body.Permissions,
		CreatedAt:   body.CreatedAt,
		ExpiresAt:   body.ExpiresAt,
		Revoked:     body.Revoked,
	}, nil
}

func (s *Server) revokeAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := p.ByName("id")
	if err := s.cfg.APIKeys.RevokeAPIKey(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "revoked api key", "key_id", id)
	return message("api key revoked"), nil
}

func (s *Server) deleteAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := p.ByName("id")
	if err := s.cfg.APIKeys.DeleteAPIKey(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "deleted api key", "key_id", id)
	return message("api key deleted"), nil
}

// message is the trivial acknowledgement body.
func message(msg string) any {
	return map[string]string{"message": msg}
}
