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

// Package service assembles the gateway process: it opens the backend,
// wires the stores and planes together and runs the two listeners.
package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/adminapi"
	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/backend/lite"
	"github.com/bastionlabs/bastion/lib/backend/memory"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/gate"
	"github.com/bastionlabs/bastion/lib/gateway"
	"github.com/bastionlabs/bastion/lib/keystore"
	"github.com/bastionlabs/bastion/lib/limiter"
	"github.com/bastionlabs/bastion/lib/router"
	"github.com/bastionlabs/bastion/lib/secret"
	"github.com/bastionlabs/bastion/lib/services/local"
	"github.com/bastionlabs/bastion/lib/translate"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// sealKeyFile holds the hex-encoded API key sealing key inside the data
// directory.
const sealKeyFile = "seal.key"

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Config holds the process configuration, assembled from the config
// file and command line flags.
type Config struct {
	// DataDir is the directory for persistent state.
	DataDir string

	// StorageType selects the backend, "memory" or "lite".
	StorageType string

	// GatewayAddr is the host:port the proxy listens on.
	GatewayAddr string

	// AdminAddr is the host:port the admin API listens on.
	AdminAddr string

	// Issuer is the iss claim of issued tokens.
	Issuer string

	// ClockSkew is the leeway on token time claims.
	ClockSkew time.Duration

	// TokenLifetime is the default issued token lifetime.
	TokenLifetime time.Duration

	// MaxTokenLifetime bounds requested token lifetimes.
	MaxTokenLifetime time.Duration

	// KeyRotationPeriod is the routine signing key rotation schedule.
	KeyRotationPeriod time.Duration

	// KeystoreDisabled turns the token plane off.
	KeystoreDisabled bool

	// LockoutThreshold is the failed attempts that trigger a lockout.
	LockoutThreshold int

	// LockoutWindow is the sliding failed-attempt window.
	LockoutWindow time.Duration

	// LockoutDuration is the base lockout duration.
	LockoutDuration time.Duration

	// LogSeverity and LogFormat configure the process logger.
	LogSeverity string
	LogFormat   string

	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	switch c.StorageType {
	case "":
		c.StorageType = defaults.BackendTypeLite
	case defaults.BackendTypeMemory, defaults.BackendTypeLite:
	default:
		return trace.BadParameter("unknown storage type %q", c.StorageType)
	}
	if c.GatewayAddr == "" {
		c.GatewayAddr = net.JoinHostPort(defaults.BindIP, strconv.Itoa(defaults.GatewayListenPort))
	}
	if c.AdminAddr == "" {
		c.AdminAddr = net.JoinHostPort(defaults.BindIP, strconv.Itoa(defaults.AdminListenPort))
	}
	if c.Issuer == "" {
		c.Issuer = defaults.Issuer
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaults.ClockSkew
	}
	if c.TokenLifetime <= 0 {
		c.TokenLifetime = defaults.TokenLifetime
	}
	if c.MaxTokenLifetime <= 0 {
		c.MaxTokenLifetime = defaults.MaxTokenLifetime
	}
	if c.MaxTokenLifetime < c.TokenLifetime {
		return trace.BadParameter("max token lifetime %v is below the default lifetime %v",
			c.MaxTokenLifetime, c.TokenLifetime)
	}
	if c.KeyRotationPeriod <= 0 {
		c.KeyRotationPeriod = defaults.KeyRotationPeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, "service")
	}
	return nil
}

// Bastion is an assembled gateway process.
type Bastion struct {
	cfg    Config
	logger *slog.Logger

	backend  backend.Backend
	keystore *keystore.Manager
	gate     *gate.Gate
	limiter  *limiter.Limiter

	gatewayHandler http.Handler
	adminHandler   http.Handler
}

// New opens the backend and wires every plane together. The returned
// process is ready to Run.
func New(ctx context.Context, cfg Config) (*Bastion, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	bk, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	closeOnError := bk
	defer func() {
		if closeOnError != nil {
			closeOnError.Close()
		}
	}()

	sealKey, err := loadOrCreateSealKey(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registry := local.NewRegistryService(bk)
	apiKeys := local.NewAPIKeyService(bk, sealKey)
	translations := local.NewTranslationService(bk)
	revocations := local.NewRevocationService(bk, cfg.MaxTokenLifetime)
	lockouts := local.NewLockoutService(bk)
	signingKeys := local.NewSigningKeyService(bk)

	ks, err := keystore.NewManager(keystore.Config{
		Store:            signingKeys,
		Clock:            cfg.Clock,
		Issuer:           cfg.Issuer,
		ClockSkew:        cfg.ClockSkew,
		MaxTokenLifetime: cfg.MaxTokenLifetime,
		RotationPeriod:   cfg.KeyRotationPeriod,
		Disabled:         cfg.KeystoreDisabled,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !cfg.KeystoreDisabled {
		keys, err := ks.ListKeys(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(keys) == 0 {
			if _, err := ks.Rotate(ctx, "bootstrap"); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		if err := ks.Rebuild(ctx); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	authenticator, err := authn.New(authn.Config{
		Keystore: ks,
		APIKeys:  apiKeys,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	g, err := gate.New(gate.Config{
		Revocations:      revocations,
		Lockouts:         lockouts,
		Clock:            cfg.Clock,
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutWindow:    cfg.LockoutWindow,
		LockoutDuration:  cfg.LockoutDuration,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := g.Rebuild(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	translator, err := translate.New(translate.Config{
		Store: translations,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	lim, err := limiter.New(limiter.Config{Clock: cfg.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	rt, err := router.New(router.Config{Registry: registry})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	admin, err := adminapi.NewServer(adminapi.Config{
		Registry:         registry,
		APIKeys:          apiKeys,
		Translations:     translations,
		Revocations:      revocations,
		Lockouts:         lockouts,
		Keystore:         ks,
		Translator:       translator,
		Gate:             g,
		Authenticator:    authenticator,
		Clock:            cfg.Clock,
		TokenLifetime:    cfg.TokenLifetime,
		MaxTokenLifetime: cfg.MaxTokenLifetime,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	gw, err := gateway.NewHandler(gateway.Config{
		Router:        rt,
		Authenticator: authenticator,
		Gate:          g,
		Translator:    translator,
		Limiter:       lim,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	closeOnError = nil
	return &Bastion{
		cfg:            cfg,
		logger:         cfg.Logger,
		backend:        bk,
		keystore:       ks,
		gate:           g,
		limiter:        lim,
		gatewayHandler: gw,
		adminHandler:   admin,
	}, nil
}

// Keystore exposes the signing key manager, used by tests and tooling.
func (b *Bastion) Keystore() *keystore.Manager {
	return b.keystore
}

// Run serves the proxy and admin listeners until ctx is canceled or a
// listener fails. Background maintenance loops run alongside.
func (b *Bastion) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go b.keystore.Run(runCtx)
	go b.gate.Run(runCtx)
	go b.limiter.Run(runCtx)

	gatewaySrv := &http.Server{
		Addr:              b.cfg.GatewayAddr,
		Handler:           b.gatewayHandler,
		ReadHeaderTimeout: defaults.DialTimeout,
	}
	adminSrv := &http.Server{
		Addr:              b.cfg.AdminAddr,
		Handler:           b.adminHandler,
		ReadHeaderTimeout: defaults.DialTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		b.logger.InfoContext(runCtx, "Gateway listening.", "addr", b.cfg.GatewayAddr)
		errCh <- gatewaySrv.ListenAndServe()
	}()
	go func() {
		b.logger.InfoContext(runCtx, "Admin API listening.", "addr", b.cfg.AdminAddr)
		errCh <- adminSrv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = trace.Wrap(err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	gatewaySrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
	cancel()

	if err := b.backend.Close(); err != nil {
		b.logger.WarnContext(shutdownCtx, "Backend close failed.", "error", err)
	}
	b.logger.InfoContext(shutdownCtx, "Gateway stopped.")
	return runErr
}

func newBackend(ctx context.Context, cfg Config) (backend.Backend, error) {
	switch cfg.StorageType {
	case defaults.BackendTypeMemory:
		return memory.New(memory.Config{Clock: cfg.Clock})
	case defaults.BackendTypeLite:
		path := filepath.Join(cfg.DataDir, defaults.BackendDir)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		return lite.New(ctx, lite.Config{Path: path, Clock: cfg.Clock})
	}
	return nil, trace.BadParameter("unknown storage type %q", cfg.StorageType)
}

// loadOrCreateSealKey reads the API key sealing key from the data
// directory, generating and persisting one on first start. The memory
// backend gets an ephemeral key; its sealed records do not outlive the
// process anyway.
func loadOrCreateSealKey(cfg Config) (secret.Key, error) {
	if cfg.StorageType == defaults.BackendTypeMemory {
		key, err := secret.NewKey()
		return key, trace.Wrap(err)
	}
	path := filepath.Join(cfg.DataDir, sealKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := secret.ParseKey(bytes.TrimSpace(data))
		if err != nil {
			return nil, trace.Wrap(err, "parsing seal key %q", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, trace.ConvertSystemError(err)
	}
	key, err := secret.NewKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(path, []byte(key.String()), 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return key, nil
}
