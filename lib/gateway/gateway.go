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

// Package gateway implements the request pipeline: route resolution,
// network visibility, authentication, revocation and lockout gating,
// claim translation, authorization, rate limiting and upstream dispatch.
package gateway

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/authz"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/gate"
	"github.com/bastionlabs/bastion/lib/httplib"
	"github.com/bastionlabs/bastion/lib/limiter"
	"github.com/bastionlabs/bastion/lib/router"
	"github.com/bastionlabs/bastion/lib/translate"
	"github.com/bastionlabs/bastion/lib/types"
	"github.com/bastionlabs/bastion/lib/utils"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

const (
	// OperationHeader names the enumerated operation a request performs,
	// matched against the service's permission policy.
	OperationHeader = "X-Bastion-Operation"

	// APIKeyHeader carries an API key credential as an alternative to the
	// bearer scheme.
	APIKeyHeader = "X-Api-Key"

	// CallerHostHeader carries the caller host name a trusted load
	// balancer resolved, used by domain allowlists on PRIVATE endpoints.
	CallerHostHeader = "X-Bastion-Caller-Host"

	// SubjectHeader and MethodHeader identify the authenticated caller to
	// the upstream.
	SubjectHeader = "X-Bastion-Subject"
	MethodHeader  = "X-Bastion-Auth-Method"

	// unauthorizedMessage is the single message returned for every
	// authentication failure so callers can not probe which check fired.
	unauthorizedMessage = "authentication failed"
)

// Config holds gateway configuration.
type Config struct {
	// Router resolves requests to registered services.
	Router *router.Router

	// Authenticator verifies bearer tokens and API keys.
	Authenticator *authn.Authenticator

	// Gate screens revocations and lockouts.
	Gate *gate.Gate

	// Translator supplies the active role and group mappings.
	Translator *translate.Translator

	// Limiter enforces per-caller token buckets.
	Limiter *limiter.Limiter

	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// DialTimeout bounds upstream connection establishment.
	DialTimeout time.Duration

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Router == nil {
		return trace.BadParameter("missing router")
	}
	if c.Authenticator == nil {
		return trace.BadParameter("missing authenticator")
	}
	if c.Gate == nil {
		return trace.BadParameter("missing gate")
	}
	if c.Translator == nil {
		return trace.BadParameter("missing translator")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing limiter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentGateway)
	}
	return nil
}

// Handler is the gateway http.Handler.
type Handler struct {
	cfg       Config
	logger    *slog.Logger
	transport http.RoundTripper
}

// NewHandler returns a gateway handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 32,
		},
	}, nil
}

// statusRecorder captures the response code for metrics without getting
// in the way of the WebSocket hijack.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, trace.BadParameter("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// ServeHTTP runs the full pipeline for one request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.cfg.Clock.Now()
	recorder := &statusRecorder{ResponseWriter: w}
	service := h.serve(recorder, r)
	code := recorder.status
	if code == 0 {
		code = http.StatusOK
	}
	observeRequest(service, code, h.cfg.Clock.Now().Sub(start).Seconds())
}

// serve resolves and dispatches the request, returning the matched
// service id for metrics.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) string {
	ctx := r.Context()

	match, err := h.cfg.Router.Route(ctx, r.Method, r.URL.Path)
	if err != nil {
		if trace.IsNotFound(err) {
			replyJSON(w, http.StatusNotFound, "no service registered for this path")
		} else {
			h.logger.ErrorContext(ctx, "route resolution failed", "error", err)
			httplib.ReplyError(w, err)
		}
		return "unmatched"
	}
	serviceID := match.Service.ServiceID

	// Preflight requests never reach authentication: the browser sends
	// them without credentials.
	if corsCfg := match.Service.CORSConfig; corsCfg != nil {
		if origin := r.Header.Get("Origin"); origin != "" {
			if handled := h.handleCORS(w, r, corsCfg, origin); handled {
				return serviceID
			}
		}
	}

	sourceIP := utils.ClientAddr(r)
	if match.Visibility == types.VisibilityPrivate {
		sourceHost := r.Header.Get(CallerHostHeader)
		if !router.AccessAllowed(match.Service.AccessConfig, sourceIP, sourceHost) {
			// Indistinguishable from an unregistered path on purpose.
			replyJSON(w, http.StatusNotFound, "no service registered for this path")
			return serviceID
		}
	}

	ipKey, _ := types.LockoutKey(types.LockoutScopeIP, sourceIP)
	if h.rejectIfLocked(w, r, ipKey) {
		return serviceID
	}

	principal, ok := h.authenticate(w, r, match, ipKey)
	if !ok {
		return serviceID
	}

	if principal != nil {
		userKey, err := types.LockoutKey(types.LockoutScopeUser, principal.Subject)
		if err == nil && h.rejectIfLocked(w, r, userKey) {
			return serviceID
		}
		h.cfg.Gate.RecordSuccess(ctx, ipKey)
	}

	roleMapping, groupMapping, err := h.cfg.Translator.ActiveMappings(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load translation mappings", "error", err)
		httplib.ReplyError(w, trace.Wrap(err))
		return serviceID
	}

	err = authz.Evaluate(authz.Request{
		Principal:    principal,
		Service:      match.Service,
		AuthRequired: match.AuthRequired,
		Operation:    r.Header.Get(OperationHeader),
		RoleMapping:  roleMapping,
		GroupMapping: groupMapping,
	})
	if err != nil {
		if authz.IsUnauthenticated(err) {
			authFailuresTotal.WithLabelValues("missing_credential").Inc()
			replyJSON(w, http.StatusUnauthorized, unauthorizedMessage)
			return serviceID
		}
		// Denials name the operation; unlike authentication failures they
		// carry no probing risk, the caller already holds a valid identity.
		httplib.ReplyError(w, err)
		return serviceID
	}

	caller := sourceIP
	if principal != nil {
		caller = principal.Subject
	}

	if match.WebSocket {
		h.serveWebSocket(w, r, match, principal, caller)
		return serviceID
	}

	if !h.allowRate(w, r, match, limiter.ScopeHTTP, match.RateLimit(), caller) {
		return serviceID
	}
	h.dispatch(w, r, match, principal)
	return serviceID
}

// authenticate extracts and verifies the request credential. A false
// return means a response was already written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, match *router.Match, ipKey string) (*authn.Principal, bool) {
	ctx := r.Context()
	credential := utils.BearerToken(r)
	if credential == "" {
		credential = r.Header.Get(APIKeyHeader)
	}
	if credential == "" {
		if match.AuthRequired {
			authFailuresTotal.WithLabelValues("missing_credential").Inc()
			replyJSON(w, http.StatusUnauthorized, unauthorizedMessage)
			return nil, false
		}
		return nil, true
	}

	principal, err := h.cfg.Authenticator.Authenticate(ctx, credential)
	if err == nil {
		err = h.cfg.Gate.CheckToken(ctx, principal)
		if err == nil {
			return principal, true
		}
	}
	kind := authn.FailureKind(err)
	if kind == "" {
		h.logger.ErrorContext(ctx, "authentication infrastructure failure", "error", err)
		httplib.ReplyError(w, trace.Wrap(err))
		return nil, false
	}
	authFailuresTotal.WithLabelValues(kind).Inc()
	// LockoutKeys ride on the classified error: the ip always counts, an
	// expired or revoked token also counts against its subject.
	keys := []string{ipKey}
	var authErr *authn.Error
	if errors.As(err, &authErr) {
		keys = append(keys, authErr.LockoutKeys...)
	}
	if recordErr := h.cfg.Gate.RecordFailure(ctx, kind, keys...); recordErr != nil {
		h.logger.WarnContext(ctx, "failed to record auth failure", "error", recordErr)
	}
	// Every failure kind collapses into one opaque reply.
	replyJSON(w, http.StatusUnauthorized, unauthorizedMessage)
	return nil, false
}

// rejectIfLocked replies with 429 and the remaining lockout duration if
// the key is locked out.
func (h *Handler) rejectIfLocked(w http.ResponseWriter, r *http.Request, key string) bool {
	entry, err := h.cfg.Gate.Locked(r.Context(), key)
	if err != nil {
		h.logger.WarnContext(r.Context(), "lockout check failed", "error", err, "lockout_key", key)
		return false
	}
	if entry == nil {
		return false
	}
	lockoutRejectsTotal.Inc()
	httplib.SetRetryAfter(w, entry.ExpiresAt.Sub(h.cfg.Clock.Now()))
	replyJSON(w, http.StatusTooManyRequests, "temporarily locked out")
	return true
}

// allowRate consumes one token from the matching bucket, replying 429
// with a retry hint on exhaustion.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request, match *router.Match, scope limiter.Scope, settings *types.RateLimitSettings, caller string) bool {
	key := limiter.Key{
		Scope:     scope,
		ServiceID: match.Service.ServiceID,
		Caller:    caller,
	}
	if match.Endpoint != nil {
		key.EndpointPath = match.Endpoint.Path
	}
	ok, retryAfter := h.cfg.Limiter.Allow(key, settings)
	if ok {
		return true
	}
	rateLimitedTotal.WithLabelValues(match.Service.ServiceID, string(scope)).Inc()
	httplib.SetRetryAfter(w, retryAfter)
	replyJSON(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func replyJSON(w http.ResponseWriter, code int, message string) {
	roundtrip.ReplyJSON(w, code, map[string]string{"message": message})
}
