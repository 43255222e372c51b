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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bastionlabs/bastion/lib/httplib"
)

func (s *Server) listSigningKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	keys, err := s.cfg.Keystore.ListKeys(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page{Items: keys, Count: len(keys), Limit: len(keys)}, nil
}

func (s *Server) getSigningKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	// "health" shares the id position, the router does not allow a
	// static sibling next to a parameter.
	if p.ByName("id") == "health" {
		return s.cfg.Keystore.Health(), nil
	}
	key, err := s.cfg.Keystore.GetKey(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// RotateRequest carries the audit reason for an on-demand rotation.
type RotateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) rotateSigningKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req RotateRequest
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	key, err := s.cfg.Keystore.Rotate(r.Context(), req.Reason)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "rotated signing key",
		"key_id", key.KeyID, "reason", req.Reason)
	return key, nil
}

func (s *Server) deprecateSigningKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	keyID := p.ByName("id")
	if err := s.cfg.Keystore.DeprecateKey(r.Context(), keyID); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "deprecated signing key", "key_id", keyID)
	return message("signing key deprecated"), nil
}

func (s *Server) retireSigningKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	keyID := p.ByName("id")
	force := r.URL.Query().Get("force") == "true"
	if err := s.cfg.Keystore.RetireKey(r.Context(), keyID, force); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "retired signing key", "key_id", keyID, "force", force)
	return message("signing key retired"), nil
}

func (s *Server) verificationKeySet(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return s.cfg.Keystore.KeySet(), nil
}
