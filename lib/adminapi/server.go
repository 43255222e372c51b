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

// Package adminapi implements the administrative HTTP API: CRUD over
// services, API keys, signing keys, translation configs, revocations
// and lockouts.
package adminapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/gate"
	"github.com/bastionlabs/bastion/lib/httplib"
	"github.com/bastionlabs/bastion/lib/keystore"
	"github.com/bastionlabs/bastion/lib/services"
	"github.com/bastionlabs/bastion/lib/translate"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// Config holds admin API server configuration.
type Config struct {
	// Registry is the service registration store.
	Registry services.Registry

	// APIKeys is the API key store.
	APIKeys services.APIKeys

	// Translations is the translation config store.
	Translations services.TranslationConfigs

	// Revocations is the revocation store, used for reads; writes go
	// through the gate so the filter stays ahead of the store.
	Revocations services.Revocations

	// Lockouts is the lockout store.
	Lockouts services.Lockouts

	// Keystore drives the signing key lifecycle.
	Keystore *keystore.Manager

	// Translator owns the translation cache.
	Translator *translate.Translator

	// Gate owns the revocation filter and lockout policy.
	Gate *gate.Gate

	// Authenticator verifies tokens for the inspect endpoint.
	Authenticator *authn.Authenticator

	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// TokenLifetime is the default lifetime of issued tokens.
	TokenLifetime time.Duration

	// MaxTokenLifetime bounds requested token lifetimes.
	MaxTokenLifetime time.Duration

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing service registry")
	}
	if c.APIKeys == nil {
		return trace.BadParameter("missing api key store")
	}
	if c.Translations == nil {
		return trace.BadParameter("missing translation config store")
	}
	if c.Revocations == nil {
		return trace.BadParameter("missing revocation store")
	}
	if c.Lockouts == nil {
		return trace.BadParameter("missing lockout store")
	}
	if c.Keystore == nil {
		return trace.BadParameter("missing keystore")
	}
	if c.Translator == nil {
		return trace.BadParameter("missing translator")
	}
	if c.Gate == nil {
		return trace.BadParameter("missing gate")
	}
	if c.Authenticator == nil {
		return trace.BadParameter("missing authenticator")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TokenLifetime <= 0 {
		c.TokenLifetime = defaults.TokenLifetime
	}
	if c.MaxTokenLifetime <= 0 {
		c.MaxTokenLifetime = defaults.MaxTokenLifetime
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentAdmin)
	}
	return nil
}

// Server is the admin API HTTP handler.
type Server struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger
}

// NewServer returns an admin API server with all routes bound.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	// Services.
	s.POST("/v1/services", httplib.MakeHandler(s.createService))
	s.GET("/v1/services", httplib.MakeHandler(s.listServices))
	s.GET("/v1/services/:id", httplib.MakeHandler(s.getService))
	s.PUT("/v1/services/:id", httplib.MakeHandler(s.updateService))
	s.DELETE("/v1/services/:id", httplib.MakeHandler(s.deleteService))
	s.GET("/v1/services/:id/permissions", httplib.MakeHandler(s.getServicePermissions))
	s.PUT("/v1/services/:id/permissions", httplib.MakeHandler(s.updateServicePermissions))

	// API keys.
	s.POST("/v1/api-keys", httplib.MakeHandler(s.createAPIKey))
	s.GET("/v1/api-keys", httplib.MakeHandler(s.listAPIKeys))
	s.GET("/v1/api-keys/:id", httplib.MakeHandler(s.getAPIKey))
	s.POST("/v1/api-keys/:id/revoke", httplib.MakeHandler(s.revokeAPIKey))
	s.DELETE("/v1/api-keys/:id", httplib.MakeHandler(s.deleteAPIKey))

	// Signing keys.
	s.GET("/v1/keys", httplib.MakeHandler(s.listSigningKeys))
	s.GET("/v1/keys/:id", httplib.MakeHandler(s.getSigningKey))
	s.POST("/v1/keys/rotate", httplib.MakeHandler(s.rotateSigningKey))
	s.POST("/v1/keys/:id/deprecate", httplib.MakeHandler(s.deprecateSigningKey))
	s.DELETE("/v1/keys/:id", httplib.MakeHandler(s.retireSigningKey))
	s.GET("/.well-known/verification-key-set", httplib.MakeHandler(s.verificationKeySet))

	// Translation configs. The id routes double as the "active" and
	// "status" singletons, the router does not allow a static sibling
	// next to a parameter.
	s.POST("/v1/translation-config", httplib.MakeHandler(s.createTranslationConfig))
	s.GET("/v1/translation-config", httplib.MakeHandler(s.listTranslationConfigs))
	s.GET("/v1/translation-config/:id", httplib.MakeHandler(s.getTranslationConfig))
	s.PUT("/v1/translation-config/:id/activate", httplib.MakeHandler(s.activateTranslationConfig))
	s.POST("/v1/translation-config/rollback/:version", httplib.MakeHandler(s.rollbackTranslationConfig))
	s.DELETE("/v1/translation-config/:id", httplib.MakeHandler(s.deleteTranslationConfig))
	s.POST("/v1/translation-config/validate", httplib.MakeHandler(s.validateTranslationConfig))
	s.POST("/v1/translation-config/test", httplib.MakeHandler(s.testTranslationConfig))
	s.POST("/v1/translation-config/cache/invalidate", httplib.MakeHandler(s.invalidateTranslationCache))

	// Tokens and revocations.
	s.POST("/v1/tokens/issue", httplib.MakeHandler(s.issueToken))
	s.POST("/v1/tokens/revoke", httplib.MakeHandler(s.revokeToken))
	s.POST("/v1/tokens/inspect", httplib.MakeHandler(s.inspectToken))
	s.POST("/v1/tokens/bloom-filter/rebuild", httplib.MakeHandler(s.rebuildRevocationFilter))
	s.GET("/v1/revocations/tokens", httplib.MakeHandler(s.listTokenRevocations))
	s.GET("/v1/revocations/tokens/:jti", httplib.MakeHandler(s.getTokenRevocation))
	s.DELETE("/v1/revocations/tokens/:jti", httplib.MakeHandler(s.deleteTokenRevocation))
	s.POST("/v1/revocations/users", httplib.MakeHandler(s.revokeUser))
	s.GET("/v1/revocations/users", httplib.MakeHandler(s.listUserRevocations))
	s.DELETE("/v1/revocations/users/:user_id", httplib.MakeHandler(s.deleteUserRevocation))

	// Lockouts.
	s.GET("/v1/lockouts", httplib.MakeHandler(s.listLockouts))
	s.GET("/v1/lockouts/:scope/:value", httplib.MakeHandler(s.getLockout))
	s.DELETE("/v1/lockouts/:scope/:value", httplib.MakeHandler(s.deleteLockout))
	s.POST("/v1/lockouts/reset", httplib.MakeHandler(s.resetLockouts))

	// Probes and metrics.
	s.GET("/healthz", httplib.MakeHandler(s.healthz))
	s.GET("/readyz", httplib.MakeHandler(s.readyz))
	s.Handler("GET", "/metrics", promhttp.Handler())

	return s, nil
}

// page is the common list envelope: items plus the echoed paging
// parameters and the total count.
type page struct {
	Items  any `json:"items"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// pageParams parses limit and offset query parameters.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = defaults.DefaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, trace.BadParameter("invalid limit %q", raw)
		}
		if limit > defaults.MaxPageSize {
			limit = defaults.MaxPageSize
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, trace.BadParameter("invalid offset %q", raw)
		}
	}
	return limit, offset, nil
}

// ifMatchVersion parses the If-Match header carried by optimistic
// mutations.
func ifMatchVersion(r *http.Request) (int64, error) {
	raw := r.Header.Get("If-Match")
	if raw == "" {
		return 0, trace.BadParameter("missing If-Match header")
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("invalid If-Match value %q", raw)
	}
	return version, nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	health := s.cfg.Keystore.Health()
	if health.Status == keystore.StatusInitializing {
		return nil, trace.ConnectionProblem(nil, "keystore is initializing")
	}
	return map[string]string{"status": "ok"}, nil
}
