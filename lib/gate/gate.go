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

// Package gate rejects revoked tokens and locked-out callers. Token and
// user revocations are screened through an in-process bloom filter, so
// the authoritative store is only consulted on a filter hit; false
// positives cost one store read, false negatives cannot happen because
// every revocation is added to the filter when recorded.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/services"
	"github.com/bastionlabs/bastion/lib/types"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// Filter element prefixes keep jti and user entries from colliding.
const (
	tokenElementPrefix = "jti/"
	userElementPrefix  = "user/"
)

// Config holds gate configuration.
type Config struct {
	// Revocations is the authoritative revocation store.
	Revocations services.Revocations

	// Lockouts is the lockout store.
	Lockouts services.Lockouts

	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// FalsePositiveRate is the bloom filter target false positive rate.
	FalsePositiveRate float64

	// RebuildInterval is how often the filter is rebuilt from the store.
	RebuildInterval time.Duration

	// MinCapacity is the smallest filter sized, leaving headroom for
	// revocations recorded between rebuilds.
	MinCapacity uint

	// LockoutThreshold is the failed attempt count that locks a key out.
	LockoutThreshold int

	// LockoutWindow is the sliding failed-attempt window.
	LockoutWindow time.Duration

	// LockoutDuration is the base lockout duration before escalation.
	LockoutDuration time.Duration

	// LockoutMaxEscalation caps the duration multiplier for repeat
	// offenders.
	LockoutMaxEscalation int

	// SweepInterval is how often expired lockout state is swept.
	SweepInterval time.Duration

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Revocations == nil {
		return trace.BadParameter("missing revocation store")
	}
	if c.Lockouts == nil {
		return trace.BadParameter("missing lockout store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = defaults.BloomFalsePositiveRate
	}
	if c.RebuildInterval <= 0 {
		c.RebuildInterval = defaults.BloomRebuildInterval
	}
	if c.MinCapacity == 0 {
		c.MinCapacity = defaults.BloomMinCapacity
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = defaults.LockoutThreshold
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = defaults.LockoutWindow
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = defaults.LockoutDuration
	}
	if c.LockoutMaxEscalation <= 0 {
		c.LockoutMaxEscalation = defaults.LockoutMaxEscalation
	}
	if c.SweepInterval < time.Minute {
		c.SweepInterval = defaults.LockoutSweepInterval
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentGate)
	}
	return nil
}

// Gate screens requests against revocations and lockouts.
type Gate struct {
	cfg    Config
	logger *slog.Logger

	// mu guards the filter; the bloom implementation is not safe for
	// concurrent mutation.
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// New returns a gate with an empty filter; call Rebuild to seed it from
// the store.
func New(cfg Config) (*Gate, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gate{
		cfg:    cfg,
		logger: cfg.Logger,
		filter: bloom.NewWithEstimates(cfg.MinCapacity, cfg.FalsePositiveRate),
	}, nil
}

// Rebuild re-seeds the filter from the authoritative store, shedding
// expired entries. Runs periodically and on demand.
func (g *Gate) Rebuild(ctx context.Context) error {
	tokens, err := g.cfg.Revocations.ListTokenRevocations(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	users, err := g.cfg.Revocations.ListUserRevocations(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	capacity := uint(len(tokens)+len(users)) * 2
	if capacity < g.cfg.MinCapacity {
		capacity = g.cfg.MinCapacity
	}
	filter := bloom.NewWithEstimates(capacity, g.cfg.FalsePositiveRate)
	for _, r := range tokens {
		filter.AddString(tokenElementPrefix + r.JTI)
	}
	for _, r := range users {
		filter.AddString(userElementPrefix + r.UserID)
	}
	g.mu.Lock()
	g.filter = filter
	g.mu.Unlock()
	g.logger.DebugContext(ctx, "Rebuilt revocation filter.",
		"token_revocations", len(tokens),
		"user_revocations", len(users),
		"capacity", capacity)
	return nil
}

func (g *Gate) filterTest(element string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.filter.TestString(element)
}

func (g *Gate) filterAdd(element string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filter.AddString(element)
}

// RevokeToken records a single-token revocation and updates the filter
// so the token is rejected immediately.
func (g *Gate) RevokeToken(ctx context.Context, r types.TokenRevocation) error {
	if err := g.cfg.Revocations.UpsertTokenRevocation(ctx, r); err != nil {
		return trace.Wrap(err)
	}
	g.filterAdd(tokenElementPrefix + r.JTI)
	g.logger.InfoContext(ctx, "Revoked token.", "jti", r.JTI, "reason", r.Reason)
	return nil
}

// RevokeUser records a user-wide revocation: every token of the subject
// issued before the cut-off is rejected from now on.
func (g *Gate) RevokeUser(ctx context.Context, r types.UserRevocation) error {
	if err := g.cfg.Revocations.UpsertUserRevocation(ctx, r); err != nil {
		return trace.Wrap(err)
	}
	g.filterAdd(userElementPrefix + r.UserID)
	g.logger.InfoContext(ctx, "Revoked user.", "user_id", r.UserID, "reason", r.Reason)
	return nil
}

// CheckToken verifies that a token principal is not revoked. The store
// is consulted only when the filter reports a possible hit.
func (g *Gate) CheckToken(ctx context.Context, principal *authn.Principal) error {
	if principal == nil || principal.Method != authn.MethodToken {
		return nil
	}
	if principal.TokenID != "" && g.filterTest(tokenElementPrefix+principal.TokenID) {
		_, err := g.cfg.Revocations.GetTokenRevocation(ctx, principal.TokenID)
		if err == nil {
			return g.revokedError(principal)
		}
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		// False positive, fall through.
	}
	if principal.Subject != "" && g.filterTest(userElementPrefix+principal.Subject) {
		revocation, err := g.cfg.Revocations.GetUserRevocation(ctx, principal.Subject)
		if err != nil {
			if trace.IsNotFound(err) {
				return nil
			}
			return trace.Wrap(err)
		}
		if principal.IssuedAt.Before(revocation.RevokedAt) {
			return g.revokedError(principal)
		}
	}
	return nil
}

// revokedError builds the authentication failure for a revoked token,
// feeding the subject's lockout counter.
func (g *Gate) revokedError(principal *authn.Principal) error {
	authErr := &authn.Error{Kind: authn.KindRevoked}
	if key, err := types.LockoutKey(types.LockoutScopeUser, principal.Subject); err == nil {
		authErr.LockoutKeys = []string{key}
	}
	return authErr
}

// Locked returns the active lockout covering any of the keys, nil when
// none is locked out.
func (g *Gate) Locked(ctx context.Context, keys ...string) (*types.LockoutEntry, error) {
	for _, key := range keys {
		entry, err := g.cfg.Lockouts.GetLockout(ctx, key)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		return entry, nil
	}
	return nil, nil
}

// RecordFailure bumps the failed-attempt counter for each key and
// installs a lockout once a counter reaches the threshold. Lockout
// duration doubles per prior lockout of the same key, capped by the
// escalation limit.
func (g *Gate) RecordFailure(ctx context.Context, reason string, keys ...string) error {
	now := g.cfg.Clock.Now().UTC()
	for _, key := range keys {
		attempts, err := g.cfg.Lockouts.IncrementFailedAttempts(ctx, key, g.cfg.LockoutWindow)
		if err != nil {
			return trace.Wrap(err)
		}
		if attempts < g.cfg.LockoutThreshold {
			continue
		}
		count, err := g.cfg.Lockouts.IncrementLockoutCount(ctx, key)
		if err != nil {
			return trace.Wrap(err)
		}
		duration := g.escalatedDuration(count)
		entry := types.LockoutEntry{
			Key:            key,
			LockedAt:       now,
			ExpiresAt:      now.Add(duration),
			Reason:         reason,
			FailedAttempts: attempts,
			LockoutCount:   count,
		}
		if err := g.cfg.Lockouts.UpsertLockout(ctx, entry); err != nil {
			return trace.Wrap(err)
		}
		if err := g.cfg.Lockouts.ResetFailedAttempts(ctx, key); err != nil {
			return trace.Wrap(err)
		}
		g.logger.WarnContext(ctx, "Installed lockout.",
			"key", key,
			"duration", duration,
			"lockout_count", count,
			"reason", reason)
	}
	return nil
}

// RecordSuccess clears the failed-attempt counters after a successful
// authentication.
func (g *Gate) RecordSuccess(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := g.cfg.Lockouts.ResetFailedAttempts(ctx, key); err != nil {
			g.logger.WarnContext(ctx, "Failed to reset attempt counter.", "key", key, "error", err)
		}
	}
}

// escalatedDuration doubles the base duration per prior lockout, capped
// at LockoutMaxEscalation times the base.
func (g *Gate) escalatedDuration(lockoutCount int) time.Duration {
	multiplier := 1
	for i := 1; i < lockoutCount && multiplier < g.cfg.LockoutMaxEscalation; i++ {
		multiplier *= 2
	}
	if multiplier > g.cfg.LockoutMaxEscalation {
		multiplier = g.cfg.LockoutMaxEscalation
	}
	return time.Duration(multiplier) * g.cfg.LockoutDuration
}

// Run drives periodic filter rebuilds and lockout sweeps until the
// context is canceled.
func (g *Gate) Run(ctx context.Context) {
	rebuild := g.cfg.Clock.NewTicker(g.cfg.RebuildInterval)
	defer rebuild.Stop()
	sweep := g.cfg.Clock.NewTicker(g.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rebuild.Chan():
			if err := g.Rebuild(ctx); err != nil {
				g.logger.WarnContext(ctx, "Revocation filter rebuild failed.", "error", err)
			}
		case <-sweep.Chan():
			// Listing walks every entry, forcing the backend to drop the
			// expired ones.
			if _, err := g.cfg.Lockouts.ListLockouts(ctx); err != nil {
				g.logger.WarnContext(ctx, "Lockout sweep failed.", "error", err)
			}
		}
	}
}
