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

package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/router"
	"github.com/bastionlabs/bastion/lib/types"
)

// dispatch proxies the request to the matched service's upstream with
// the rewritten path.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, match *router.Match, principal *authn.Principal) {
	target, err := url.Parse(match.Service.BaseURL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "invalid upstream base url",
			"service_id", match.Service.ServiceID, "base_url", match.Service.BaseURL)
		replyJSON(w, http.StatusBadGateway, "upstream misconfigured")
		return
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = singleJoiningSlash(target.Path, match.DispatchPath)
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = target.Host
			pr.SetXForwarded()
			scrubCredentials(pr.Out.Header)
			identifyCaller(pr.Out.Header, match.Service.ServiceID, principal)
		},
		Transport: h.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.WarnContext(r.Context(), "upstream dispatch failed",
				"service_id", match.Service.ServiceID, "error", err)
			replyJSON(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
	proxy.ServeHTTP(w, r)
}

// scrubCredentials removes the inbound credential headers; upstreams
// trust the gateway's identity headers instead.
func scrubCredentials(header http.Header) {
	header.Del("Authorization")
	header.Del(APIKeyHeader)
	header.Del(CallerHostHeader)
}

// identifyCaller stamps the authenticated identity onto the upstream
// request.
func identifyCaller(header http.Header, serviceID string, principal *authn.Principal) {
	header.Set("X-Bastion-Service", serviceID)
	if principal == nil {
		return
	}
	header.Set(SubjectHeader, principal.Subject)
	header.Set(MethodHeader, string(principal.Method))
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}

// handleCORS applies the service's CORS policy. It reports true when the
// request was a preflight and has been answered.
func (h *Handler) handleCORS(w http.ResponseWriter, r *http.Request, cfg *types.CORSConfig, origin string) bool {
	if !originAllowed(cfg, origin) {
		return false
	}
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", origin)
	header.Add("Vary", "Origin")
	if cfg.AllowCredentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	if len(cfg.AllowedMethods) > 0 {
		header.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	}
	if len(cfg.AllowedHeaders) > 0 {
		header.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	}
	if cfg.MaxAgeSeconds > 0 {
		header.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

func originAllowed(cfg *types.CORSConfig, origin string) bool {
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
