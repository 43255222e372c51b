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

// Package translate maps identity-provider claims to gateway roles and
// permissions using the active translation config, with a bounded TTL
// cache over the pure evaluation.
package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/services"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// Config holds translator configuration.
type Config struct {
	// Store persists translation config versions.
	Store services.TranslationConfigs

	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// CacheSize bounds the number of cached results.
	CacheSize int

	// CacheTTL bounds the age of cached results.
	CacheTTL time.Duration

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing translation config store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.TranslationCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.TranslationCacheTTL
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentTranslate)
	}
	return nil
}

// mappingSnapshot is one parsed view of the active config's expansion
// tables, shared by every request until it expires or the config
// changes.
type mappingSnapshot struct {
	configID string
	roles    map[string][]string
	groups   map[string][]string
	expires  time.Time
}

// Translator applies the active translation config to external claims.
type Translator struct {
	cfg    Config
	logger *slog.Logger
	cache  *expirable.LRU[string, *Result]

	// mu guards mappings.
	mu       sync.RWMutex
	mappings *mappingSnapshot
}

// New returns a translator.
func New(cfg Config) (*Translator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Translator{
		cfg:    cfg,
		logger: cfg.Logger,
		cache:  expirable.NewLRU[string, *Result](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

// Translate maps claims through the active config. Results are cached
// by a fingerprint of the active config id and the inputs, so a cache
// hit and a miss are indistinguishable to the caller.
func (t *Translator) Translate(ctx context.Context, issuer, subject string, claims map[string]any) (*Result, error) {
	active, err := t.cfg.Store.GetActiveVersion(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := fingerprint(active.ID, issuer, subject, claims)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if result, ok := t.cache.Get(key); ok {
		return result, nil
	}
	schema, err := ParseSchema(active.ConfigSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result := schema.Evaluate(issuer, subject, claims)
	t.cache.Add(key, result)
	return result, nil
}

// Test previews a translation. With raw set it evaluates the candidate
// schema instead of the active one, without activating anything; the
// cache is bypassed either way.
func (t *Translator) Test(ctx context.Context, issuer, subject string, claims map[string]any, raw json.RawMessage) (*Result, error) {
	if raw == nil {
		active, err := t.cfg.Store.GetActiveVersion(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		raw = active.ConfigSchema
	}
	schema, err := ParseSchema(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return schema.Evaluate(issuer, subject, claims), nil
}

// Validate checks a candidate schema without storing it.
func (t *Translator) Validate(raw json.RawMessage) error {
	_, err := ParseSchema(raw)
	return trace.Wrap(err)
}

// Invalidate drops every cached result and the mapping snapshot. Called
// on config activation and from the admin cache-invalidate endpoint.
func (t *Translator) Invalidate() {
	t.cache.Purge()
	t.mu.Lock()
	t.mappings = nil
	t.mu.Unlock()
	t.logger.Info("Invalidated translation cache.")
}

// ActiveMappings returns the role and group expansion tables of the
// active config, consumed by the authorization evaluator. The parsed
// tables are cached for the cache TTL; the store is only read on a
// miss, so steady-state requests never touch it.
func (t *Translator) ActiveMappings(ctx context.Context) (roles, groups map[string][]string, err error) {
	now := t.cfg.Clock.Now()
	t.mu.RLock()
	snapshot := t.mappings
	t.mu.RUnlock()
	if snapshot != nil && now.Before(snapshot.expires) {
		return snapshot.roles, snapshot.groups, nil
	}

	snapshot = &mappingSnapshot{
		roles:   map[string][]string{},
		groups:  map[string][]string{},
		expires: now.Add(t.cfg.CacheTTL),
	}
	active, err := t.cfg.Store.GetActiveVersion(ctx)
	switch {
	case trace.IsNotFound(err):
		// No active config: nothing expands.
	case err != nil:
		return nil, nil, trace.Wrap(err)
	default:
		schema, err := ParseSchema(active.ConfigSchema)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		snapshot.configID = active.ID
		snapshot.roles = schema.RoleMapping()
		snapshot.groups = schema.GroupMapping()
	}

	t.mu.Lock()
	t.mappings = snapshot
	t.mu.Unlock()
	t.logger.DebugContext(ctx, "Refreshed mapping snapshot.",
		"config_id", snapshot.configID,
		"roles", len(snapshot.roles),
		"groups", len(snapshot.groups))
	return snapshot.roles, snapshot.groups, nil
}

// Status reports the active version and cache occupancy for the admin
// status endpoint.
type Status struct {
	ActiveID      string `json:"active_id,omitempty"`
	ActiveVersion int64  `json:"active_version,omitempty"`
	CacheEntries  int    `json:"cache_entries"`
	CacheCapacity int    `json:"cache_capacity"`
}

// Status returns the translator status.
func (t *Translator) Status(ctx context.Context) (*Status, error) {
	status := &Status{
		CacheEntries:  t.cache.Len(),
		CacheCapacity: t.cfg.CacheSize,
	}
	active, err := t.cfg.Store.GetActiveVersion(ctx)
	if err != nil {
		if trace.IsNotFound(err) {
			return status, nil
		}
		return nil, trace.Wrap(err)
	}
	status.ActiveID = active.ID
	status.ActiveVersion = active.Version
	return status, nil
}

// fingerprint derives the cache key. Claims are canonicalized through
// JSON marshaling, which sorts map keys.
func fingerprint(activeID, issuer, subject string, claims map[string]any) (string, error) {
	canonical, err := json.Marshal(claims)
	if err != nil {
		return "", trace.Wrap(err)
	}
	h := sha256.New()
	for _, part := range []string{activeID, issuer, subject} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
