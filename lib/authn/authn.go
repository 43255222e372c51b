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

// Package authn parses bearer credentials and turns them into principals.
// Issued tokens are verified against the keystore's verification set,
// API keys against the credential store.
package authn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/jwt"
	"github.com/bastionlabs/bastion/lib/keystore"
	"github.com/bastionlabs/bastion/lib/services"
	"github.com/bastionlabs/bastion/lib/services/local"
	"github.com/bastionlabs/bastion/lib/types"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// Authentication failure kinds. They label rejections for logging and
// drive lockout accounting; clients only ever see a generic denial.
const (
	KindMalformed        = "MALFORMED"
	KindInvalidSignature = "INVALID_SIGNATURE"
	KindExpired          = "EXPIRED"
	KindNotYetValid      = "NOT_YET_VALID"
	KindUnknownKID       = "UNKNOWN_KID"
	KindUnknownKey       = "UNKNOWN_KEY"
	KindRevoked          = "REVOKED"
)

// Method records which credential type produced a principal.
type Method string

const (
	// MethodToken is a signed issued token.
	MethodToken Method = "token"
	// MethodAPIKey is a long-lived API key.
	MethodAPIKey Method = "apikey"
)

// Principal is an authenticated caller.
type Principal struct {
	// Subject is the identity: token sub or API key id.
	Subject string `json:"subject"`
	// Permissions granted to the subject, before role/group expansion.
	Permissions []string `json:"permissions,omitempty"`
	// Method is how the caller authenticated.
	Method Method `json:"method"`
	// TokenID is the jti for token principals.
	TokenID string `json:"token_id,omitempty"`
	// IssuedAt is the token iat for token principals.
	IssuedAt time.Time `json:"issued_at,omitempty"`
	// Issuer is the token iss for token principals.
	Issuer string `json:"issuer,omitempty"`
}

// Error is an authentication failure. It carries the failure kind and
// the lockout keys whose counters the caller should bump; the source
// address key is appended by the gateway, which knows the client.
type Error struct {
	// Kind is one of the Kind* constants.
	Kind string
	// LockoutKeys are scoped keys derived from the credential itself.
	LockoutKeys []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "authentication failed: " + e.Kind
}

// FailureKind extracts the failure kind from an authentication error,
// empty string when err is not an authentication failure.
func FailureKind(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return ""
}

// Config holds authenticator configuration.
type Config struct {
	// Keystore serves the verification key set.
	Keystore *keystore.Manager

	// APIKeys is the API key store.
	APIKeys services.APIKeys

	// Clock is an injectable clock, defaults to the real clock.
	Clock clockwork.Clock

	// Logger overrides the default package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Keystore == nil {
		return trace.BadParameter("missing keystore")
	}
	if c.APIKeys == nil {
		return trace.BadParameter("missing api key store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(bastion.ComponentKey, bastion.ComponentAuth)
	}
	return nil
}

// Authenticator verifies bearer credentials.
type Authenticator struct {
	cfg    Config
	logger *slog.Logger
}

// New returns an authenticator.
func New(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{cfg: cfg, logger: cfg.Logger}, nil
}

// Authenticate verifies a bearer credential and returns the principal.
// Credentials shaped like a compact serialized token take the token
// path; everything else is treated as an API key. On failure the
// returned error is an *Error carrying the failure kind.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, &Error{Kind: KindMalformed}
	}
	if jwt.IsWellFormed(credential) {
		return a.authenticateToken(ctx, credential)
	}
	return a.authenticateAPIKey(ctx, credential)
}

func (a *Authenticator) authenticateToken(ctx context.Context, raw string) (*Principal, error) {
	kid, err := jwt.PeekKeyID(raw)
	if err != nil {
		return nil, &Error{Kind: KindMalformed}
	}
	if kid != "" {
		verifier, err := a.cfg.Keystore.VerifierFor(kid)
		if err != nil {
			if trace.IsNotFound(err) {
				a.logger.DebugContext(ctx, "Token carries an unknown key id.", "kid", kid)
				return nil, &Error{Kind: KindUnknownKID}
			}
			return nil, trace.Wrap(err)
		}
		return a.verifyWith(ctx, verifier, raw)
	}
	// No kid header: try every verify-capable key. A time-claim failure
	// means some key accepted the signature, so prefer that verdict over
	// a bare signature rejection.
	var timeFailure error
	for _, verifier := range a.cfg.Keystore.Verifiers() {
		principal, err := a.verifyWith(ctx, verifier, raw)
		if err == nil {
			return principal, nil
		}
		switch FailureKind(err) {
		case KindExpired, KindNotYetValid:
			timeFailure = err
		}
	}
	if timeFailure != nil {
		return nil, timeFailure
	}
	return nil, &Error{Kind: KindInvalidSignature}
}

func (a *Authenticator) verifyWith(ctx context.Context, verifier *jwt.Key, raw string) (*Principal, error) {
	claims, err := verifier.Verify(jwt.VerifyParams{RawToken: raw})
	if err != nil {
		return nil, a.classifyTokenFailure(ctx, err, raw)
	}
	principal := &Principal{
		Subject:     claims.Subject,
		Permissions: claims.Permissions,
		Method:      MethodToken,
		TokenID:     claims.ID,
		Issuer:      claims.Issuer,
	}
	if claims.IssuedAt != nil {
		principal.IssuedAt = claims.IssuedAt.Time()
	}
	return principal, nil
}

// classifyTokenFailure maps a verification error to a failure kind. For
// time-claim failures the signature already checked out, so the subject
// is trustworthy enough to feed the lockout counter.
func (a *Authenticator) classifyTokenFailure(ctx context.Context, err error, raw string) error {
	kind := KindInvalidSignature
	switch {
	case errors.Is(err, josejwt.ErrExpired):
		kind = KindExpired
	case errors.Is(err, josejwt.ErrNotValidYet):
		kind = KindNotYetValid
	case trace.IsBadParameter(err):
		kind = KindMalformed
	}
	authErr := &Error{Kind: kind}
	if kind == KindExpired || kind == KindNotYetValid {
		if subject := unverifiedSubject(raw); subject != "" {
			if key, err := types.LockoutKey(types.LockoutScopeUser, subject); err == nil {
				authErr.LockoutKeys = append(authErr.LockoutKeys, key)
			}
		}
	}
	a.logger.DebugContext(ctx, "Token verification failed.", "kind", kind)
	return authErr
}

// unverifiedSubject extracts the sub claim without signature verification.
func unverifiedSubject(raw string) string {
	token, err := josejwt.ParseSigned(raw, jwt.SupportedAlgorithms())
	if err != nil {
		return ""
	}
	var claims josejwt.Claims
	if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return ""
	}
	return claims.Subject
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, plaintext string) (*Principal, error) {
	prefixKey, err := types.LockoutKey(types.LockoutScopeAPIKey, local.LockoutPrefix(plaintext))
	var lockoutKeys []string
	if err == nil {
		lockoutKeys = []string{prefixKey}
	}
	record, body, err := a.cfg.APIKeys.GetAPIKeyByHash(ctx, local.HashAPIKey(plaintext))
	if err != nil {
		if trace.IsNotFound(err) {
			a.logger.DebugContext(ctx, "Presented API key is unknown.")
			return nil, &Error{Kind: KindUnknownKey, LockoutKeys: lockoutKeys}
		}
		return nil, trace.Wrap(err)
	}
	if body.Revoked {
		a.logger.InfoContext(ctx, "Rejected revoked API key.", "api_key_id", record.ID)
		return nil, &Error{Kind: KindRevoked, LockoutKeys: lockoutKeys}
	}
	if body.Expired(a.cfg.Clock.Now()) {
		a.logger.DebugContext(ctx, "Rejected expired API key.", "api_key_id", record.ID)
		return nil, &Error{Kind: KindExpired, LockoutKeys: lockoutKeys}
	}
	return &Principal{
		Subject:     record.ID,
		Permissions: body.Permissions,
		Method:      MethodAPIKey,
	}, nil
}
