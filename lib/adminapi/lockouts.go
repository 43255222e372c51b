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
	"github.com/bastionlabs/bastion/lib/types"
)

func (s *Server) listLockouts(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	items, err := s.cfg.Lockouts.ListLockouts(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return page{Items: items, Count: len(items), Limit: len(items)}, nil
}

func (s *Server) getLockout(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	key, err := types.LockoutKey(p.ByName("scope"), p.ByName("value"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entry, err := s.cfg.Lockouts.GetLockout(r.Context(), key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entry, nil
}

func (s *Server) deleteLockout(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	key, err := types.LockoutKey(p.ByName("scope"), p.ByName("value"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Lockouts.DeleteLockout(r.Context(), key); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "lifted lockout", "lockout_key", key)
	return message("lockout lifted"), nil
}

// ResetLockoutsRequest lifts all lockouts; with reset_counters it also
// erases the escalation history, so the next lockout of any key starts
// at the base duration again.
type ResetLockoutsRequest struct {
	ResetCounters bool `json:"reset_counters,omitempty"`
}

func (s *Server) resetLockouts(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req ResetLockoutsRequest
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := s.cfg.Lockouts.DeleteAllLockouts(r.Context(), req.ResetCounters); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(r.Context(), "reset all lockouts", "reset_counters", req.ResetCounters)
	return message("lockouts reset"), nil
}
