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

// Package defaults contains default constants used in various parts of
// the gateway codebase.
package defaults

import "time"

const (
	// GatewayListenPort is the default port the gateway proxies requests on.
	GatewayListenPort = 8080

	// AdminListenPort is the default port for the admin API.
	AdminListenPort = 8443

	// BindIP is the default listen address.
	BindIP = "0.0.0.0"

	// DataDir is the default directory for persistent state.
	DataDir = "/var/lib/bastion"

	// Issuer is the default iss claim of tokens signed by the gateway.
	Issuer = "https://bastion.local"
)

const (
	// BackendTypeMemory is the in-process backend, used for tests and dev.
	BackendTypeMemory = "memory"

	// BackendTypeLite is the sqlite-backed single node backend.
	BackendTypeLite = "lite"

	// BackendDir is the default data subdirectory for the lite backend.
	BackendDir = "backend"
)

const (
	// SignatureAlgorithm is the JOSE algorithm used for issued tokens.
	SignatureAlgorithm = "ES256"

	// MaxTokenLifetime bounds the lifetime of any issued token. User-wide
	// revocations and deprecated signing keys are retained at least this
	// long so that no unexpired token escapes them.
	MaxTokenLifetime = 24 * time.Hour

	// TokenLifetime is the default lifetime for issued tokens.
	TokenLifetime = 1 * time.Hour

	// ClockSkew is the tolerance applied to exp, nbf and iat checks.
	ClockSkew = 30 * time.Second

	// KeyRotationPeriod is the default routine rotation schedule.
	KeyRotationPeriod = 90 * 24 * time.Hour

	// KeystoreSyncInterval is how often the keystore re-reads the key
	// store and checks the rotation schedule.
	KeystoreSyncInterval = 5 * time.Minute
)

const (
	// TranslationCacheSize is the default bound on cached translation
	// results.
	TranslationCacheSize = 4096

	// TranslationCacheTTL is the default time-to-live of a cached
	// translation result.
	TranslationCacheTTL = 5 * time.Minute

	// TranslationVersionRetries is the number of compare-and-swap attempts
	// made when allocating a translation config version number.
	TranslationVersionRetries = 5
)

const (
	// BloomFalsePositiveRate is the default target false positive rate of
	// the revocation fast path.
	BloomFalsePositiveRate = 0.001

	// BloomRebuildInterval is how often the revocation filter is rebuilt
	// from the authoritative store.
	BloomRebuildInterval = 5 * time.Minute

	// BloomMinCapacity is the smallest filter sized regardless of how few
	// revocations exist, leaving headroom between rebuilds.
	BloomMinCapacity = 1024
)

const (
	// LockoutThreshold is the number of failed attempts within the window
	// that triggers a lockout.
	LockoutThreshold = 5

	// LockoutWindow is the sliding window for counting failed attempts.
	LockoutWindow = time.Minute

	// LockoutDuration is the base duration of an installed lockout.
	// Repeat offenders escalate, see lib/gate.
	LockoutDuration = 10 * time.Minute

	// LockoutMaxEscalation caps the escalation multiplier applied to
	// LockoutDuration for repeat lockouts.
	LockoutMaxEscalation = 8

	// LockoutSweepInterval is how often expired lockout and failed-attempt
	// entries are removed. Must not go below one minute.
	LockoutSweepInterval = time.Minute
)

const (
	// RateLimitRequests is the default bucket refill per window.
	RateLimitRequests = 100

	// RateLimitWindow is the default bucket window.
	RateLimitWindow = time.Minute

	// RateLimitBurst is the default bucket capacity.
	RateLimitBurst = 20

	// RateLimitIdleBucketTTL is how long an untouched bucket survives
	// before being evicted from the limiter's bucket map.
	RateLimitIdleBucketTTL = 10 * time.Minute
)

const (
	// APIKeyPrefix is the plaintext prefix of generated API keys.
	APIKeyPrefix = "bk_"

	// APIKeyLockoutPrefixLen is how many characters of an API key, after
	// the type tag, feed the apikey:<prefix> lockout key.
	APIKeyLockoutPrefixLen = 8
)

const (
	// DefaultPageSize is the admin API list page size when limit is absent.
	DefaultPageSize = 100

	// MaxPageSize is the largest accepted limit on admin list endpoints.
	MaxPageSize = 1000
)

const (
	// StoreRetryAttempts bounds gateway-side retries of idempotent store
	// reads on transient errors.
	StoreRetryAttempts = 3

	// StoreRetryBase is the initial backoff between store read retries,
	// doubling per attempt.
	StoreRetryBase = 50 * time.Millisecond

	// DialTimeout is the upstream dispatch dial timeout.
	DialTimeout = 30 * time.Second
)
