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
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/bastionlabs/bastion/lib/authn"
	"github.com/bastionlabs/bastion/lib/limiter"
	"github.com/bastionlabs/bastion/lib/router"
	"github.com/bastionlabs/bastion/lib/types"
)

// serveWebSocket bridges an upgrade request to the upstream. Connection
// establishment and client-to-upstream messages draw from their own
// buckets.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, match *router.Match, principal *authn.Principal, caller string) {
	var connectSettings, messageSettings *types.RateLimitSettings
	if rlc := match.Service.RateLimitConfig; rlc != nil {
		connectSettings = rlc.WebSocketConnect
		messageSettings = rlc.WebSocketMessage
	}
	if !h.allowRate(w, r, match, limiter.ScopeWSConnect, connectSettings, caller) {
		return
	}

	upstreamURL, err := websocketURL(match.Service.BaseURL, match.DispatchPath, r.URL.RawQuery)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "invalid upstream base url",
			"service_id", match.Service.ServiceID, "error", err)
		replyJSON(w, http.StatusBadGateway, "upstream misconfigured")
		return
	}

	header := http.Header{}
	identifyCaller(header, match.Service.ServiceID, principal)
	upstream, resp, err := websocket.DefaultDialer.DialContext(r.Context(), upstreamURL, header)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upstream websocket dial failed",
			"service_id", match.Service.ServiceID, "error", err)
		replyJSON(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer upstream.Close()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || match.Service.CORSConfig == nil {
				return true
			}
			return originAllowed(match.Service.CORSConfig, origin)
		},
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer client.Close()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	messageKey := limiter.Key{
		Scope:     limiter.ScopeWSMessage,
		ServiceID: match.Service.ServiceID,
		Caller:    caller,
	}
	if match.Endpoint != nil {
		messageKey.EndpointPath = match.Endpoint.Path
	}

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			messageType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if ok, _ := h.cfg.Limiter.Allow(messageKey, messageSettings); !ok {
				rateLimitedTotal.WithLabelValues(match.Service.ServiceID, string(limiter.ScopeWSMessage)).Inc()
				client.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"))
				return
			}
			if err := upstream.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			messageType, data, err := upstream.ReadMessage()
			if err != nil {
				return
			}
			if err := client.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}()
	// Either direction failing tears the bridge down.
	<-done
}

// websocketURL rebuilds the upstream origin as a ws/wss URL with the
// dispatch path attached.
func websocketURL(baseURL, dispatchPath, rawQuery string) (string, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(target.Scheme) {
	case "https", "wss":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = singleJoiningSlash(target.Path, dispatchPath)
	target.RawQuery = rawQuery
	return target.String(), nil
}
