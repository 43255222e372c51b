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

// Package bastion defines constants shared across the gateway codebase.
package bastion

import "strings"

// Version is the semantic version of the gateway, set at build time.
var Version = "0.1.0-dev"

const (
	// ComponentKey is the slog attribute key used to identify the
	// component that emitted a log line.
	ComponentKey = "component"

	// ComponentGateway is the request pipeline and upstream dispatcher.
	ComponentGateway = "gateway"

	// ComponentRouter is the service registry matcher.
	ComponentRouter = "router"

	// ComponentAuth is the authentication pipeline.
	ComponentAuth = "auth"

	// ComponentKeystore is the signing-key lifecycle manager.
	ComponentKeystore = "keystore"

	// ComponentTranslate is the claim translator and its cache.
	ComponentTranslate = "translate"

	// ComponentGate is the revocation and lockout gate.
	ComponentGate = "gate"

	// ComponentLimiter is the rate limiter.
	ComponentLimiter = "limiter"

	// ComponentAdmin is the admin API server.
	ComponentAdmin = "admin"

	// ComponentBackend is the storage backend layer.
	ComponentBackend = "backend"

	// ComponentCLI is the bastionctl admin client.
	ComponentCLI = "bastionctl"
)

// Component generates a colon-joined component name for logging,
// e.g. Component("gate", "bloom") -> "gate:bloom".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}

const (
	// HeaderAPIVersion is reported by the admin API on every response.
	HeaderAPIVersion = "X-Bastion-Version"

	// CurrentAPIVersion is the admin API version prefix.
	CurrentAPIVersion = "v1"
)
