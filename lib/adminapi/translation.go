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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/bastionlabs/bastion/lib/httplib"
	"github.com/bastionlabs/bastion/lib/types"
)

// CreateTranslationConfigRequest is the upload body of a new config
// snapshot.
type CreateTranslationConfigRequest struct {
	ConfigSchema json.RawMessage `json:"config_schema"`
	CreatedBy    string          `json:"created_by,omitempty"`
	Comment      string          `json:"comment,omitempty"`
}

func (s *Server) createTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req CreateTranslationConfigRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	// Malformed schemas never enter the history.
	if err := s.cfg.Translator.Validate(req.ConfigSchema); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := s.cfg.Translations.CreateVersion(r.Context(), types.TranslationConfigVersion{
		ConfigSchema: req.ConfigSchema,
		CreatedBy:    req.CreatedBy,
		Comment:      req.Comment,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "created translation config",
		"config_id", created.ID, "config_version", created.Version)
	return created, nil
}

func (s *Server) listTranslationConfigs(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	limit, offset, err := pageParams(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	items, err := s.cfg.Translations.ListVersions(r.Context(), limit, offset)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page{Items: items, Count: len(items), Limit: limit, Offset: offset}, nil
}

func (s *Server) getTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	// "active" and "status" share the id position, the router does not
	// allow static siblings next to a parameter.
	switch p.ByName("id") {
	case "active":
		cfg, err := s.cfg.Translations.GetActiveVersion(r.Context())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return cfg, nil
	case "status":
		status, err := s.cfg.Translator.Status(r.Context())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return status, nil
	}
	cfg, err := s.cfg.Translations.GetVersion(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func (s *Server) activateTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := p.ByName("id")
	if err := s.cfg.Translations.SetActiveVersion(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	// Cached results derived from the previous config must not survive
	// the switch.
	s.cfg.Translator.Invalidate()
	cfg, err := s.cfg.Translations.GetVersion(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "activated translation config",
		"config_id", cfg.ID, "config_version", cfg.Version)
	return cfg, nil
}

func (s *Server) rollbackTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	version, err := strconv.ParseInt(p.ByName("version"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("invalid version %q", p.ByName("version"))
	}
	cfg, err := s.cfg.Translations.FindByVersion(r.Context(), version)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Translations.SetActiveVersion(r.Context(), cfg.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Translator.Invalidate()
	s.logger.InfoContext(r.Context(), "rolled back translation config",
		"config_id", cfg.ID, "config_version", cfg.Version)
	cfg.Active = true
	return cfg, nil
}

func (s *Server) deleteTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := p.ByName("id")
	if err := s.cfg.Translations.DeleteVersion(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "deleted translation config", "config_id", id)
	return message("translation config deleted"), nil
}

// validateResponse reports the outcome of a schema validation without an
// error status: an invalid candidate is a successful validation run.
type validateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (s *Server) validateTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req CreateTranslationConfigRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Translator.Validate(req.ConfigSchema); err != nil {
		return &validateResponse{Valid: false, Error: err.Error()}, nil
	}
	return &validateResponse{Valid: true}, nil
}

// TestTranslationRequest evaluates claims against a candidate schema,
// or the active one when config_schema is absent.
type TestTranslationRequest struct {
	Issuer       string          `json:"issuer"`
	Subject      string          `json:"subject"`
	Claims       map[string]any  `json:"claims"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}

func (s *Server) testTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req TestTranslationRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Translator.Test(r.Context(), req.Issuer, req.Subject, req.Claims, req.ConfigSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (s *Server) invalidateTranslationCache(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	s.cfg.Translator.Invalidate()
	s.logger.InfoContext(r.Context(), "invalidated translation cache")
	return message("translation cache invalidated"), nil
}
