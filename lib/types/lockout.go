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
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Lockout key scopes.
const (
	// LockoutScopeIP locks out a source address.
	LockoutScopeIP = "ip"
	// LockoutScopeUser locks out a token subject.
	LockoutScopeUser = "user"
	// LockoutScopeAPIKey locks out an API key by its plaintext prefix.
	LockoutScopeAPIKey = "apikey"
)

// LockoutKey builds a lockout key of the form "<scope>:<value>".
func LockoutKey(scope, value string) (string, error) {
	switch scope {
	case LockoutScopeIP, LockoutScopeUser, LockoutScopeAPIKey:
	default:
		return "", trace.BadParameter("unknown lockout scope %q", scope)
	}
	if value == "" {
		return "", trace.BadParameter("missing lockout key value")
	}
	return scope + ":" + value, nil
}

// SplitLockoutKey splits a lockout key into scope and value.
func SplitLockoutKey(key string) (scope, value string, err error) {
	scope, value, ok := strings.Cut(key, ":")
	if !ok {
		return "", "", trace.BadParameter("malformed lockout key %q", key)
	}
	return scope, value, nil
}

// LockoutEntry records an active lockout for one key.
type LockoutEntry struct {
	// Key is "ip:<addr>", "user:<id>" or "apikey:<prefix>".
	Key string `json:"key"`
	// LockedAt is when the lockout was installed.
	LockedAt time.Time `json:"locked_at"`
	// ExpiresAt is when the lockout lifts.
	ExpiresAt time.Time `json:"expires_at"`
	// Reason is free-form.
	Reason string `json:"reason,omitempty"`
	// FailedAttempts is the counter value that triggered the lockout.
	FailedAttempts int `json:"failed_attempts"`
	// LockoutCount counts lockouts ever installed for this key; it is
	// monotonic across history and drives escalation.
	LockoutCount int `json:"lockout_count"`
}

// CheckAndSetDefaults validates the entry.
func (l *LockoutEntry) CheckAndSetDefaults() error {
	if l.Key == "" {
		return trace.BadParameter("missing lockout key")
	}
	if _, _, err := SplitLockoutKey(l.Key); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
