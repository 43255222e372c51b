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

// Package router resolves inbound requests to registered services and
// endpoints. Resolution is deterministic: the longest route prefix wins,
// endpoints and visibility rules are evaluated in declared order.
package router

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/gravitational/trace"
	"github.com/ucarion/urlpath"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/backend"
	"github.com/bastionlabs/bastion/lib/services"
	"github.com/bastionlabs/bastion/lib/types"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// Match is the routing decision for one request.
type Match struct {
	// Service is the matched registration.
	Service *types.ServiceRegistration
	// Endpoint is the winning endpoint, nil when the request matched a
	// visibility rule or the service defaults.
	Endpoint *types.Endpoint
	// Visibility is the effective visibility of the request.
	Visibility types.Visibility
	// AuthRequired is the effective authentication requirement.
	AuthRequired bool
	// RemainingPath is the request path with the route prefix stripped.
	RemainingPath string
	// DispatchPath is the path sent upstream, after any rewrite.
	DispatchPath string
	// PathParams are the pattern captures of the winning endpoint.
	PathParams map[string]string
	// WebSocket marks an upgrade endpoint.
	WebSocket bool
}

// RateLimit returns the effective HTTP rate limit settings for the
// match, nil when unlimited.
func (m *Match) RateLimit() *types.RateLimitSettings {
	if m.Endpoint != nil && m.Endpoint.RateLimit != nil {
		return m.Endpoint.RateLimit
	}
	if m.Service.RateLimitConfig != nil {
		return m.Service.RateLimitConfig.Default
	}
	return nil
}

// Config holds router configuration.
type Config struct {
	// Registry serves the service registrations.
	Registry services.Registry

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing service registry")
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentRouter)
	}
	return nil
}

// Router resolves requests against the service registry.
type Router struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a router.
func New(cfg Config) (*Router, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Router{cfg: cfg, logger: cfg.Logger}, nil
}

// Route resolves a method and path to a service and endpoint. NotFound
// is returned when no registration owns the path.
func (r *Router) Route(ctx context.Context, method, path string) (*Match, error) {
	regs, err := r.cfg.Registry.ListServices(ctx, backend.NoLimit, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Longest prefix first; service id breaks exact ties so resolution
	// never depends on store iteration order.
	sort.Slice(regs, func(i, j int) bool {
		if len(regs[i].RoutePrefix) != len(regs[j].RoutePrefix) {
			return len(regs[i].RoutePrefix) > len(regs[j].RoutePrefix)
		}
		return regs[i].ServiceID < regs[j].ServiceID
	})
	for i := range regs {
		svc := &regs[i]
		remaining, ok := stripPrefix(path, svc.RoutePrefix)
		if !ok {
			continue
		}
		return r.matchService(svc, method, remaining), nil
	}
	return nil, trace.NotFound("no service registered for path %q", path)
}

// matchService applies the in-service match order: endpoints first, then
// visibility rules, then service defaults.
func (r *Router) matchService(svc *types.ServiceRegistration, method, remaining string) *Match {
	match := &Match{
		Service:       svc,
		Visibility:    svc.DefaultVisibility,
		AuthRequired:  svc.AuthRequired(nil),
		RemainingPath: remaining,
		DispatchPath:  remaining,
	}
	for i := range svc.Endpoints {
		endpoint := &svc.Endpoints[i]
		if !endpoint.MatchesMethod(method) {
			continue
		}
		params, ok := matchPattern(endpoint.Path, remaining)
		if !ok {
			continue
		}
		match.Endpoint = endpoint
		match.Visibility = endpoint.Visibility
		match.AuthRequired = svc.AuthRequired(endpoint)
		match.PathParams = params
		match.WebSocket = endpoint.Type == types.EndpointTypeWebSocket
		if endpoint.PathRewrite != "" {
			match.DispatchPath = substituteParams(endpoint.PathRewrite, params)
		}
		return match
	}
	for i := range svc.VisibilityRules {
		rule := &svc.VisibilityRules[i]
		if !rule.MatchesMethod(method) {
			continue
		}
		if _, ok := matchPattern(rule.Pattern, remaining); !ok {
			continue
		}
		match.Visibility = rule.Visibility
		return match
	}
	return match
}

// stripPrefix removes a route prefix on a segment boundary. An empty
// prefix owns everything.
func stripPrefix(path, prefix string) (string, bool) {
	if prefix == "" || prefix == "/" {
		return path, true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}

// matchPattern matches a path against a ":param" pattern.
func matchPattern(pattern, path string) (map[string]string, bool) {
	compiled := urlpath.New(pattern)
	m, ok := compiled.Match(path)
	if !ok {
		return nil, false
	}
	params := m.Params
	if m.Trailing != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["*"] = m.Trailing
	}
	return params, true
}

// substituteParams fills pattern captures back into a rewrite template,
// so "/v2/orders/:id" rewrites "/orders/:id" matches positionally by
// name.
func substituteParams(rewrite string, params map[string]string) string {
	if len(params) == 0 {
		return rewrite
	}
	segments := strings.Split(rewrite, "/")
	for i, segment := range segments {
		if strings.HasPrefix(segment, ":") {
			if value, ok := params[segment[1:]]; ok {
				segments[i] = value
			}
		} else if segment == "*" {
			segments[i] = params["*"]
		}
	}
	return strings.Join(segments, "/")
}

// AccessAllowed evaluates a network allowlist against the caller. The
// caller passes when any configured list admits it; an empty config
// denies everything, which keeps PRIVATE endpoints closed by default.
func AccessAllowed(cfg *types.AccessConfig, sourceIP, sourceHost string) bool {
	if cfg.Empty() {
		return false
	}
	if ip := net.ParseIP(sourceIP); ip != nil {
		for _, allowed := range cfg.AllowedIPs {
			if strings.Contains(allowed, "/") {
				if _, network, err := net.ParseCIDR(allowed); err == nil && network.Contains(ip) {
					return true
				}
				continue
			}
			if parsed := net.ParseIP(allowed); parsed != nil && parsed.Equal(ip) {
				return true
			}
		}
	}
	if sourceHost != "" {
		host := strings.ToLower(strings.TrimSuffix(sourceHost, "."))
		for _, domain := range cfg.AllowedDomains {
			if host == strings.ToLower(domain) {
				return true
			}
		}
		for _, parent := range cfg.AllowedSubdomains {
			if strings.HasSuffix(host, "."+strings.ToLower(parent)) {
				return true
			}
		}
	}
	return false
}
