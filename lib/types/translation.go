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

package types

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// TranslationConfigVersion is one immutable snapshot of the claim-mapping
// rules. The version number is assigned by the store; whether a snapshot
// is active is derived by comparing its ID with the active_version_id
// metadata entry, never stored on the row.
type TranslationConfigVersion struct {
	// ID is an opaque identifier.
	ID string `json:"id"`
	// Version is the server-assigned monotonic number.
	Version int64 `json:"version"`
	// ConfigSchema holds the mapping rules; parsed by lib/translate.
	ConfigSchema json.RawMessage `json:"config_schema"`
	// CreatedBy names the uploading admin.
	CreatedBy string `json:"created_by,omitempty"`
	// CreatedAt is when the snapshot was uploaded.
	CreatedAt time.Time `json:"created_at"`
	// Comment is free-form.
	Comment string `json:"comment,omitempty"`
	// Active is derived at read time and never persisted.
	Active bool `json:"active,omitempty"`
}

// CheckAndSetDefaults validates the snapshot.
func (t *TranslationConfigVersion) CheckAndSetDefaults() error {
	if t.ID == "" {
		return trace.BadParameter("missing translation config id")
	}
	if len(t.ConfigSchema) == 0 {
		return trace.BadParameter("missing translation config schema")
	}
	return nil
}
