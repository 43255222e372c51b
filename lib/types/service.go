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
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Visibility controls whether an endpoint is reachable from outside the
// configured network allowlists.
type Visibility string

const (
	// VisibilityPublic endpoints bypass network allowlists.
	VisibilityPublic Visibility = "PUBLIC"
	// VisibilityPrivate endpoints require the caller to pass the
	// service's AccessConfig.
	VisibilityPrivate Visibility = "PRIVATE"
)

// Check validates the visibility value.
func (v Visibility) Check() error {
	switch v {
	case VisibilityPublic, VisibilityPrivate:
		return nil
	}
	return trace.BadParameter("unknown visibility %q", string(v))
}

// EndpointType distinguishes plain HTTP endpoints from WebSocket upgrades.
type EndpointType string

const (
	// EndpointTypeHTTP is a regular HTTP endpoint.
	EndpointTypeHTTP EndpointType = "HTTP"
	// EndpointTypeWebSocket is an HTTP upgrade endpoint; only GET (or the
	// method wildcard) is accepted.
	EndpointTypeWebSocket EndpointType = "WEBSOCKET"
)

// MethodWildcard matches any HTTP method in endpoint and rule method lists.
const MethodWildcard = "*"

// Endpoint describes one route of a registered service.
type Endpoint struct {
	// Path is a pattern over the path remaining after the route prefix,
	// e.g. "/orders/:id".
	Path string `json:"path"`
	// Methods are the accepted HTTP methods; "*" matches any.
	Methods []string `json:"methods"`
	// Visibility overrides the service default for this endpoint.
	Visibility Visibility `json:"visibility,omitempty"`
	// PathRewrite, when set, replaces the matched path before dispatch.
	PathRewrite string `json:"path_rewrite,omitempty"`
	// AuthRequired overrides the service default when non-nil.
	AuthRequired *bool `json:"auth_required,omitempty"`
	// Type is HTTP or WEBSOCKET.
	Type EndpointType `json:"type,omitempty"`
	// RateLimit overrides the service rate limit for this endpoint.
	RateLimit *RateLimitSettings `json:"rate_limit,omitempty"`
}

// MatchesMethod reports whether the endpoint accepts the method.
// WebSocket endpoints accept only the upgrade's GET.
func (e *Endpoint) MatchesMethod(method string) bool {
	for _, m := range e.Methods {
		if m == MethodWildcard || strings.EqualFold(m, method) {
			if e.Type == EndpointTypeWebSocket && !strings.EqualFold(method, "GET") {
				return false
			}
			return true
		}
	}
	return false
}

// VisibilityRule assigns a visibility to paths matching a pattern, used
// when no endpoint matches.
type VisibilityRule struct {
	// Pattern is a path pattern, same syntax as Endpoint.Path.
	Pattern string `json:"pattern"`
	// Methods are the methods the rule applies to; "*" matches any.
	Methods []string `json:"methods"`
	// Visibility assigned to matching requests.
	Visibility Visibility `json:"visibility"`
}

// MatchesMethod reports whether the rule covers the method.
func (r *VisibilityRule) MatchesMethod(method string) bool {
	for _, m := range r.Methods {
		if m == MethodWildcard || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// AccessConfig lists network allowlists gating PRIVATE endpoints. A caller
// passes if it matches at least one configured list.
type AccessConfig struct {
	// AllowedIPs are IPs or CIDR blocks.
	AllowedIPs []string `json:"allowed_ips,omitempty"`
	// AllowedDomains are exact host names.
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	// AllowedSubdomains admit any host under the given parent domain.
	AllowedSubdomains []string `json:"allowed_subdomains,omitempty"`
}

// Empty reports whether no allowlist is configured.
func (a *AccessConfig) Empty() bool {
	return a == nil || (len(a.AllowedIPs) == 0 && len(a.AllowedDomains) == 0 && len(a.AllowedSubdomains) == 0)
}

// CORSConfig configures cross-origin handling for a service.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	AllowedMethods   []string `json:"allowed_methods,omitempty"`
	AllowedHeaders   []string `json:"allowed_headers,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty"`
	MaxAgeSeconds    int      `json:"max_age_seconds,omitempty"`
}

// OperationPolicy names the permissions that grant one operation.
// AnyOf is evaluated as a logical OR.
type OperationPolicy struct {
	AnyOf []string `json:"any_of"`
}

// PermissionPolicy maps operation names, e.g. "service.config.update",
// to the permissions that allow them.
type PermissionPolicy map[string]OperationPolicy

// RateLimitSettings parameterizes one token bucket.
type RateLimitSettings struct {
	// RequestsPerWindow is the refill amount per window.
	RequestsPerWindow int `json:"requests_per_window"`
	// WindowSeconds is the refill window.
	WindowSeconds int `json:"window_seconds"`
	// BurstCapacity is the bucket size.
	BurstCapacity int `json:"burst_capacity"`
}

// Check validates the settings.
func (s *RateLimitSettings) Check() error {
	if s.RequestsPerWindow <= 0 || s.WindowSeconds <= 0 || s.BurstCapacity <= 0 {
		return trace.BadParameter("rate limit parameters must be positive")
	}
	return nil
}

// Window returns the refill window as a duration.
func (s *RateLimitSettings) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

// RateLimitConfig holds the per-service rate limit defaults and the
// separate WebSocket buckets.
type RateLimitConfig struct {
	// Default applies to HTTP endpoints without an override.
	Default *RateLimitSettings `json:"default,omitempty"`
	// WebSocketConnect limits connection establishment.
	WebSocketConnect *RateLimitSettings `json:"websocket_connect,omitempty"`
	// WebSocketMessage limits per-message throughput on one connection.
	WebSocketMessage *RateLimitSettings `json:"websocket_message,omitempty"`
}

// ServiceRegistration is the routing and policy record for one backend.
type ServiceRegistration struct {
	// ServiceID identifies the registration.
	ServiceID string `json:"service_id"`
	// DisplayName is a human-readable label.
	DisplayName string `json:"display_name,omitempty"`
	// BaseURL is the upstream origin requests are dispatched to.
	BaseURL string `json:"base_url"`
	// RoutePrefix is the inbound path prefix owned by this service.
	RoutePrefix string `json:"route_prefix,omitempty"`
	// DefaultVisibility applies when neither endpoints nor rules match.
	DefaultVisibility Visibility `json:"default_visibility,omitempty"`
	// DefaultAuthRequired applies when the endpoint does not override it.
	// Defaults to true.
	DefaultAuthRequired *bool `json:"default_auth_required,omitempty"`
	// VisibilityRules are evaluated in order after endpoints.
	VisibilityRules []VisibilityRule `json:"visibility_rules,omitempty"`
	// Endpoints are evaluated in declared order; first match wins.
	Endpoints []Endpoint `json:"endpoints,omitempty"`
	// AccessConfig gates PRIVATE endpoints.
	AccessConfig *AccessConfig `json:"access_config,omitempty"`
	// CORSConfig configures cross-origin handling.
	CORSConfig *CORSConfig `json:"cors_config,omitempty"`
	// PermissionPolicy maps operations to required permissions.
	PermissionPolicy PermissionPolicy `json:"permission_policy,omitempty"`
	// RateLimitConfig holds bucket parameters.
	RateLimitConfig *RateLimitConfig `json:"rate_limit_config,omitempty"`
	// Version increases strictly on every mutation; conditional updates
	// compare against it.
	Version int64 `json:"version"`
	// CreatedAt and UpdatedAt are store-maintained timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthRequired reports whether an endpoint of this service requires
// authentication, honoring the endpoint override.
func (s *ServiceRegistration) AuthRequired(e *Endpoint) bool {
	if e != nil && e.AuthRequired != nil {
		return *e.AuthRequired
	}
	if s.DefaultAuthRequired != nil {
		return *s.DefaultAuthRequired
	}
	return true
}

// CheckAndSetDefaults validates the registration and fills in defaults.
func (s *ServiceRegistration) CheckAndSetDefaults() error {
	if s.ServiceID == "" {
		return trace.BadParameter("missing service id")
	}
	if s.BaseURL == "" {
		return trace.BadParameter("missing base url for service %q", s.ServiceID)
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trace.BadParameter("invalid base url %q for service %q", s.BaseURL, s.ServiceID)
	}
	if s.RoutePrefix != "" && !strings.HasPrefix(s.RoutePrefix, "/") {
		return trace.BadParameter("route prefix must start with / for service %q", s.ServiceID)
	}
	if s.DefaultVisibility == "" {
		s.DefaultVisibility = VisibilityPublic
	}
	if err := s.DefaultVisibility.Check(); err != nil {
		return trace.Wrap(err)
	}
	for i := range s.Endpoints {
		e := &s.Endpoints[i]
		if e.Path == "" {
			return trace.BadParameter("endpoint %v of service %q is missing a path", i, s.ServiceID)
		}
		if len(e.Methods) == 0 {
			e.Methods = []string{MethodWildcard}
		}
		if e.Type == "" {
			e.Type = EndpointTypeHTTP
		}
		if e.Type != EndpointTypeHTTP && e.Type != EndpointTypeWebSocket {
			return trace.BadParameter("unknown endpoint type %q for service %q", string(e.Type), s.ServiceID)
		}
		if e.Visibility == "" {
			e.Visibility = s.DefaultVisibility
		}
		if err := e.Visibility.Check(); err != nil {
			return trace.Wrap(err)
		}
		if e.RateLimit != nil {
			if err := e.RateLimit.Check(); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	for i := range s.VisibilityRules {
		r := &s.VisibilityRules[i]
		if r.Pattern == "" {
			return trace.BadParameter("visibility rule %v of service %q is missing a pattern", i, s.ServiceID)
		}
		if len(r.Methods) == 0 {
			r.Methods = []string{MethodWildcard}
		}
		if err := r.Visibility.Check(); err != nil {
			return trace.Wrap(err)
		}
	}
	for operation, policy := range s.PermissionPolicy {
		if operation == "" {
			return trace.BadParameter("permission policy of service %q has an empty operation", s.ServiceID)
		}
		if len(policy.AnyOf) == 0 {
			return trace.BadParameter("operation %q of service %q names no permissions", operation, s.ServiceID)
		}
	}
	return nil
}
