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

// Package keystore manages the signing key lifecycle: it owns the
// PENDING -> ACTIVE -> DEPRECATED -> RETIRED state machine, serves the
// current signing key, and publishes the verification key set consumed
// by peer services.
package keystore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/jwt"
	"github.com/bastionlabs/bastion/lib/services"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// Keystore status values reported by the health probe.
const (
	// StatusHealthy means the verification set is built and serving.
	StatusHealthy = "healthy"
	// StatusInitializing means no snapshot has been built yet.
	StatusInitializing = "initializing"
	// StatusDisabled means the keystore is configured off.
	StatusDisabled = "disabled"
)

// Config holds keystore manager configuration.
type Config struct {
	// Store persists the signing keys.
	Store services.SigningKeys

	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// Issuer is the iss claim of tokens signed by managed keys.
	Issuer string

	// Algorithm is the signature algorithm of generated keys.
	Algorithm jose.SignatureAlgorithm

	// ClockSkew is the leeway applied to token time claims.
	ClockSkew time.Duration

	// MaxTokenLifetime is the retirement grace period: a deprecated key
	// keeps verifying for this long past its deprecation.
	MaxTokenLifetime time.Duration

	// RotationPeriod is the routine rotation schedule; the background
	// task rotates once the active key is older than this.
	RotationPeriod time.Duration

	// Disabled turns the keystore off; all operations are refused.
	Disabled bool

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing signing key store")
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing issuer")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Algorithm == "" {
		c.Algorithm = jose.SignatureAlgorithm(defaults.SignatureAlgorithm)
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = defaults.ClockSkew
	}
	if c.MaxTokenLifetime == 0 {
		c.MaxTokenLifetime = defaults.MaxTokenLifetime
	}
	if c.RotationPeriod == 0 {
		c.RotationPeriod = defaults.KeyRotationPeriod
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentKeystore)
	}
	return nil
}

// snapshot is one immutable view of the key material. Readers load it
// through an atomic pointer; rebuilds swap the whole thing.
type snapshot struct {
	activeKeyID string
	signer      *jwt.Key
	verifiers   map[string]*jwt.Key
	keySet      jose.JSONWebKeySet
	refreshedAt time.Time
}

// Health is the keystore health probe payload.
type Health struct {
	Enabled              bool      `json:"enabled"`
	Status               string    `json:"status"`
	ActiveKeyID          string    `json:"active_key_id,omitempty"`
	VerificationKeyCount int       `json:"verification_key_count"`
	LastCacheRefresh     time.Time `json:"last_cache_refresh,omitempty"`
}

// Manager drives the signing key state machine. Lifecycle transitions are
// serialized locally by a mutex and globally by conditional writes on the
// store, so concurrent managers cannot fork the ACTIVE key.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes local lifecycle transitions.
	mu sync.Mutex

	state atomic.Pointer[snapshot]
}

// NewManager returns a keystore manager. The verification set is empty
// until the first Rebuild.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}, nil
}

func (m *Manager) checkEnabled() error {
	if m.cfg.Disabled {
		return trace.ConnectionProblem(nil, "signing key manager is disabled")
	}
	return nil
}

// GenerateKey creates a fresh keypair and inserts it as PENDING.
func (m *Manager) GenerateKey(ctx context.Context) (*types.SigningKey, error) {
	if err := m.checkEnabled(); err != nil {
		return nil, trace.Wrap(err)
	}
	publicPEM, privatePEM, err := utils.GenerateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key := types.SigningKey{
		KeyID:         uuid.NewString(),
		Status:        types.KeyStatusPending,
		Type:          string(m.cfg.Algorithm),
		PublicKeyPEM:  publicPEM,
		PrivateKeyPEM: privatePEM,
		CreatedAt:     m.cfg.Clock.Now().UTC(),
	}
	if err := m.cfg.Store.CreateSigningKey(ctx, key); err != nil {
		return nil, trace.Wrap(err)
	}
	m.logger.InfoContext(ctx, "Generated new signing key.", "key_id", key.KeyID)
	return &key, nil
}

// ActivateKey promotes a PENDING key to ACTIVE, demoting the current
// ACTIVE key to DEPRECATED first so that at most one key signs at a time.
func (m *Manager) ActivateKey(ctx context.Context, keyID string) error {
	if err := m.checkEnabled(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.cfg.Store.GetSigningKey(ctx, keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if next.Status != types.KeyStatusPending {
		return trace.BadParameter("key %q is %v, only a PENDING key can be activated", keyID, next.Status)
	}
	keys, err := m.cfg.Store.ListSigningKeys(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	now := m.cfg.Clock.Now().UTC()
	for i := range keys {
		prior := keys[i]
		if prior.Status != types.KeyStatusActive {
			continue
		}
		demoted := prior
		demoted.Status = types.KeyStatusDeprecated
		demoted.DeprecatedAt = now
		if err := m.cfg.Store.SwapSigningKey(ctx, prior, demoted); err != nil {
			return trace.Wrap(err)
		}
		m.logger.InfoContext(ctx, "Deprecated previously active signing key.", "key_id", prior.KeyID)
	}
	activated := *next
	activated.Status = types.KeyStatusActive
	activated.ActivatedAt = now
	if err := m.cfg.Store.SwapSigningKey(ctx, *next, activated); err != nil {
		return trace.Wrap(err)
	}
	m.logger.InfoContext(ctx, "Activated signing key.", "key_id", keyID)
	return trace.Wrap(m.rebuildLocked(ctx))
}

// Rotate generates a new key and activates it, deprecating the previous
// active key. Used both on the routine schedule and for emergencies.
func (m *Manager) Rotate(ctx context.Context, reason string) (*types.SigningKey, error) {
	key, err := m.GenerateKey(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := m.ActivateKey(ctx, key.KeyID); err != nil {
		return nil, trace.Wrap(err)
	}
	m.logger.InfoContext(ctx, "Rotated signing key.", "key_id", key.KeyID, "reason", reason)
	rotated, err := m.cfg.Store.GetSigningKey(ctx, key.KeyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rotated, nil
}

// DeprecateKey demotes an ACTIVE key without activating a replacement.
// Token issuance fails until the next activation.
func (m *Manager) DeprecateKey(ctx context.Context, keyID string) error {
	if err := m.checkEnabled(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.cfg.Store.GetSigningKey(ctx, keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !key.Status.CanTransitionTo(types.KeyStatusDeprecated) {
		return trace.BadParameter("key %q is %v and can not be deprecated", keyID, key.Status)
	}
	demoted := *key
	demoted.Status = types.KeyStatusDeprecated
	demoted.DeprecatedAt = m.cfg.Clock.Now().UTC()
	if err := m.cfg.Store.SwapSigningKey(ctx, *key, demoted); err != nil {
		return trace.Wrap(err)
	}
	m.logger.InfoContext(ctx, "Deprecated signing key.", "key_id", keyID)
	return trace.Wrap(m.rebuildLocked(ctx))
}

// RetireKey moves a key to the terminal RETIRED state, removing it from
// the verification set. Without force only a DEPRECATED key past its
// grace period can be retired; force retires any key immediately, which
// invalidates every unexpired token it signed.
func (m *Manager) RetireKey(ctx context.Context, keyID string, force bool) error {
	if err := m.checkEnabled(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.cfg.Store.GetSigningKey(ctx, keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !key.Status.CanTransitionTo(types.KeyStatusRetired) {
		return trace.BadParameter("key %q is already retired", keyID)
	}
	now := m.cfg.Clock.Now().UTC()
	if !force {
		if key.Status != types.KeyStatusDeprecated {
			return trace.BadParameter("key %q is %v; only a DEPRECATED key can be retired without force", keyID, key.Status)
		}
		if graceEnd := key.DeprecatedAt.Add(m.cfg.MaxTokenLifetime); now.Before(graceEnd) {
			return trace.BadParameter("key %q still covers unexpired tokens until %v", keyID, graceEnd)
		}
	}
	retired := *key
	retired.Status = types.KeyStatusRetired
	retired.RetiredAt = now
	if err := m.cfg.Store.SwapSigningKey(ctx, *key, retired); err != nil {
		return trace.Wrap(err)
	}
	m.logger.InfoContext(ctx, "Retired signing key.", "key_id", keyID, "force", force)
	return trace.Wrap(m.rebuildLocked(ctx))
}

// ListKeys returns all managed keys with private material stripped.
func (m *Manager) ListKeys(ctx context.Context) ([]types.SigningKey, error) {
	keys, err := m.cfg.Store.ListSigningKeys(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range keys {
		keys[i].PrivateKeyPEM = nil
	}
	return keys, nil
}

// GetKey returns one key with private material stripped.
func (m *Manager) GetKey(ctx context.Context, keyID string) (*types.SigningKey, error) {
	key, err := m.cfg.Store.GetSigningKey(ctx, keyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key.PrivateKeyPEM = nil
	return key, nil
}

// Rebuild re-reads all keys from the store and recomputes the
// verification set atomically. Used at startup, after transitions, and
// when the store is mutated out-of-band.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return trace.Wrap(m.rebuildLocked(ctx))
}

func (m *Manager) rebuildLocked(ctx context.Context) error {
	keys, err := m.cfg.Store.ListSigningKeys(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	next := &snapshot{
		verifiers:   make(map[string]*jwt.Key),
		refreshedAt: m.cfg.Clock.Now().UTC(),
	}
	for i := range keys {
		key := keys[i]
		if !key.CanVerify() {
			continue
		}
		public, err := utils.ParsePublicKey(key.PublicKeyPEM)
		if err != nil {
			return trace.Wrap(err, "parsing public key %q", key.KeyID)
		}
		verifier, err := jwt.New(&jwt.Config{
			Clock:     m.cfg.Clock,
			PublicKey: public,
			KeyID:     key.KeyID,
			Algorithm: m.cfg.Algorithm,
			Issuer:    m.cfg.Issuer,
			ClockSkew: m.cfg.ClockSkew,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		next.verifiers[key.KeyID] = verifier
		next.keySet.Keys = append(next.keySet.Keys, jose.JSONWebKey{
			Key:       public,
			KeyID:     key.KeyID,
			Algorithm: string(m.cfg.Algorithm),
			Use:       "sig",
		})
		if !key.CanSign() {
			continue
		}
		if next.activeKeyID != "" {
			return trace.BadParameter("keys %q and %q are both active", next.activeKeyID, key.KeyID)
		}
		private, err := utils.ParsePrivateKey(key.PrivateKeyPEM)
		if err != nil {
			return trace.Wrap(err, "parsing private key %q", key.KeyID)
		}
		signer, err := jwt.New(&jwt.Config{
			Clock:      m.cfg.Clock,
			PrivateKey: private,
			KeyID:      key.KeyID,
			Algorithm:  m.cfg.Algorithm,
			Issuer:     m.cfg.Issuer,
			ClockSkew:  m.cfg.ClockSkew,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		next.activeKeyID = key.KeyID
		next.signer = signer
	}
	m.state.Store(next)
	m.logger.DebugContext(ctx, "Rebuilt verification key set.",
		"active_key_id", next.activeKeyID,
		"verification_keys", len(next.verifiers))
	return nil
}

// Signer returns the key used to sign newly issued tokens.
func (m *Manager) Signer() (*jwt.Key, error) {
	if err := m.checkEnabled(); err != nil {
		return nil, trace.Wrap(err)
	}
	state := m.state.Load()
	if state == nil || state.signer == nil {
		return nil, trace.NotFound("no active signing key")
	}
	return state.signer, nil
}

// VerifierFor returns the verification key with the given id, NotFound
// when the id is absent from the verification set.
func (m *Manager) VerifierFor(keyID string) (*jwt.Key, error) {
	if err := m.checkEnabled(); err != nil {
		return nil, trace.Wrap(err)
	}
	state := m.state.Load()
	if state == nil {
		return nil, trace.NotFound("verification key set is not initialized")
	}
	verifier, ok := state.verifiers[keyID]
	if !ok {
		return nil, trace.NotFound("verification key %q is not found", keyID)
	}
	return verifier, nil
}

// Verifiers returns every verify-capable key, used as a fallback when a
// token carries no kid header.
func (m *Manager) Verifiers() []*jwt.Key {
	state := m.state.Load()
	if state == nil {
		return nil
	}
	out := make([]*jwt.Key, 0, len(state.verifiers))
	for _, verifier := range state.verifiers {
		out = append(out, verifier)
	}
	return out
}

// KeySet returns the published verification key set.
func (m *Manager) KeySet() jose.JSONWebKeySet {
	state := m.state.Load()
	if state == nil {
		return jose.JSONWebKeySet{}
	}
	return state.keySet
}

// Health reports the keystore health probe payload.
func (m *Manager) Health() Health {
	if m.cfg.Disabled {
		return Health{Status: StatusDisabled}
	}
	state := m.state.Load()
	if state == nil {
		return Health{Enabled: true, Status: StatusInitializing}
	}
	return Health{
		Enabled:              true,
		Status:               StatusHealthy,
		ActiveKeyID:          state.activeKeyID,
		VerificationKeyCount: len(state.verifiers),
		LastCacheRefresh:     state.refreshedAt,
	}
}

// Run drives the routine rotation schedule and periodic rebuilds until
// the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.Disabled {
		return
	}
	ticker := m.cfg.Clock.NewTicker(defaults.KeystoreSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.maybeRotate(ctx); err != nil {
				m.logger.WarnContext(ctx, "Scheduled rotation check failed.", "error", err)
			}
			if err := m.Rebuild(ctx); err != nil {
				m.logger.WarnContext(ctx, "Periodic key set rebuild failed.", "error", err)
			}
		}
	}
}

// maybeRotate rotates when the active key is past the rotation period,
// or bootstraps the first key when none is active.
func (m *Manager) maybeRotate(ctx context.Context) error {
	state := m.state.Load()
	if state == nil || state.activeKeyID == "" {
		_, err := m.Rotate(ctx, "bootstrap")
		return trace.Wrap(err)
	}
	active, err := m.cfg.Store.GetSigningKey(ctx, state.activeKeyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if m.cfg.Clock.Now().Sub(active.ActivatedAt) < m.cfg.RotationPeriod {
		return nil
	}
	_, err = m.Rotate(ctx, "scheduled")
	return trace.Wrap(err)
}
