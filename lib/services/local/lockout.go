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
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
)

const (
	lockoutsPrefix = "lockouts"
	entriesInfix   = "entries"
	attemptsInfix  = "attempts"
	countersInfix  = "counters"

	// counterRetries bounds the compare-and-swap loop on counters;
	// contention on a single lockout key this hot means the caller is
	// already being rejected.
	counterRetries = 10
)

// LockoutService persists lockout entries and failed-attempt counters in
// the backend. Lockout entries and attempt counters carry expiries; the
// per-key lockoutCount counter does not, preserving escalation history.
type LockoutService struct {
	backend backend.Backend
}

// NewLockoutService returns a backend-based lockout store.
func NewLockoutService(bk backend.Backend) *LockoutService {
	return &LockoutService{backend: bk}
}

func lockoutEntryKey(key string) []byte {
	return backend.Key(lockoutsPrefix, entriesInfix, key)
}

func lockoutAttemptsKey(key string) []byte {
	return backend.Key(lockoutsPrefix, attemptsInfix, key)
}

func lockoutCounterKey(key string) []byte {
	return backend.Key(lockoutsPrefix, countersInfix, key)
}

// UpsertLockout installs a lockout entry until its expiry.
func (s *LockoutService) UpsertLockout(ctx context.Context, entry types.LockoutEntry) error {
	if err := entry.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if entry.ExpiresAt.IsZero() {
		return trace.BadParameter("missing lockout expiry for %q", entry.Key)
	}
	value, err := utils.FastMarshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Put(ctx, backend.Item{
		Key:     lockoutEntryKey(entry.Key),
		Value:   value,
		Expires: entry.ExpiresAt,
	}))
}

// GetLockout returns the active lockout for a key.
func (s *LockoutService) GetLockout(ctx context.Context, key string) (*types.LockoutEntry, error) {
	if key == "" {
		return nil, trace.BadParameter("missing lockout key")
	}
	item, err := s.backend.Get(ctx, lockoutEntryKey(key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no active lockout for %q", key)
		}
		return nil, trace.Wrap(err)
	}
	var entry types.LockoutEntry
	if err := utils.FastUnmarshal(item.Value, &entry); err != nil {
		return nil, trace.Wrap(err)
	}
	return &entry, nil
}

// DeleteLockout lifts a lockout.
func (s *LockoutService) DeleteLockout(ctx context.Context, key string) error {
	if key == "" {
		return trace.BadParameter("missing lockout key")
	}
	if err := s.backend.Delete(ctx, lockoutEntryKey(key)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("no active lockout for %q", key)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListLockouts returns all active lockouts.
func (s *LockoutService) ListLockouts(ctx context.Context) ([]types.LockoutEntry, error) {
	startKey := backend.Key(lockoutsPrefix, entriesInfix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.LockoutEntry, 0, len(result.Items))
	for _, item := range result.Items {
		var entry types.LockoutEntry
		if err := utils.FastUnmarshal(item.Value, &entry); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeleteAllLockouts lifts every lockout and failed-attempt window. With
// resetCounters it also erases the monotonic lockout counters, losing
// escalation history.
func (s *LockoutService) DeleteAllLockouts(ctx context.Context, resetCounters bool) error {
	for _, infix := range []string{entriesInfix, attemptsInfix} {
		startKey := backend.Key(lockoutsPrefix, infix)
		if err := s.backend.DeleteRange(ctx, startKey, backend.RangeEnd(startKey)); err != nil {
			return trace.Wrap(err)
		}
	}
	if resetCounters {
		startKey := backend.Key(lockoutsPrefix, countersInfix)
		if err := s.backend.DeleteRange(ctx, startKey, backend.RangeEnd(startKey)); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// IncrementFailedAttempts bumps the failed-attempt counter for a key and
// extends its window expiry to now+window. The counter disappears with
// the window, resetting the count.
func (s *LockoutService) IncrementFailedAttempts(ctx context.Context, key string, window time.Duration) (int, error) {
	if key == "" {
		return 0, trace.BadParameter("missing lockout key")
	}
	if window <= 0 {
		return 0, trace.BadParameter("window must be positive")
	}
	expires := s.backend.Clock().Now().UTC().Add(window)
	return s.incrementCounter(ctx, lockoutAttemptsKey(key), expires)
}

// ResetFailedAttempts clears the counter for a key.
func (s *LockoutService) ResetFailedAttempts(ctx context.Context, key string) error {
	if key == "" {
		return trace.BadParameter("missing lockout key")
	}
	if err := s.backend.Delete(ctx, lockoutAttemptsKey(key)); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// IncrementLockoutCount bumps the monotonic per-key lockout counter.
// The counter never expires: it is the escalation history.
func (s *LockoutService) IncrementLockoutCount(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, trace.BadParameter("missing lockout key")
	}
	return s.incrementCounter(ctx, lockoutCounterKey(key), time.Time{})
}

func (s *LockoutService) incrementCounter(ctx context.Context, key []byte, expires time.Time) (int, error) {
	for attempt := 0; attempt < counterRetries; attempt++ {
		item, err := s.backend.Get(ctx, key)
		if err != nil {
			if !trace.IsNotFound(err) {
				return 0, trace.Wrap(err)
			}
			err := s.backend.Create(ctx, backend.Item{Key: key, Value: []byte("1"), Expires: expires})
			if err != nil {
				if trace.IsAlreadyExists(err) {
					continue
				}
				return 0, trace.Wrap(err)
			}
			return 1, nil
		}
		current, err := strconv.Atoi(string(item.Value))
		if err != nil {
			return 0, trace.BadParameter("corrupt counter value %q", string(item.Value))
		}
		next := current + 1
		err = s.backend.CompareAndSwap(ctx,
			*item,
			backend.Item{Key: key, Value: []byte(strconv.Itoa(next)), Expires: expires})
		if err != nil {
			if trace.IsCompareFailed(err) {
				continue
			}
			return 0, trace.Wrap(err)
		}
		return next, nil
	}
	return 0, trace.LimitExceeded("counter update contention on %q", string(key))
}
