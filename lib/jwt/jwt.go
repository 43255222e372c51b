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

// Package jwt is used to sign and verify tokens issued by the gateway.
package jwt

import (
	"crypto"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/bastionlabs/bastion/lib/defaults"
)

// Config defines the clock and keypair a key uses.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock

	// PrivateKey is used to sign and verify tokens. Optional: a key
	// with only a public half can verify but not sign.
	PrivateKey crypto.Signer

	// PublicKey is used to verify tokens.
	PublicKey crypto.PublicKey

	// KeyID is emitted as the kid header of signed tokens.
	KeyID string

	// Algorithm is the JOSE signature algorithm, e.g. ES256.
	Algorithm jose.SignatureAlgorithm

	// Issuer is the iss claim stamped on and expected from tokens.
	Issuer string

	// ClockSkew is the leeway applied to exp, nbf and iat checks.
	ClockSkew time.Duration
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PrivateKey == nil && c.PublicKey == nil {
		return trace.BadParameter("missing keypair")
	}
	if c.Algorithm == "" {
		c.Algorithm = jose.SignatureAlgorithm(defaults.SignatureAlgorithm)
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing issuer")
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = defaults.ClockSkew
	}
	return nil
}

// Key issues and verifies tokens under a single signing key.
type Key struct {
	config *Config
}

// New creates a new key from the given config.
func New(config *Config) (*Key, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Key{config: config}, nil
}

// Claims represents the claims carried by an issued token.
type Claims struct {
	jwt.Claims

	// Permissions are the gateway permissions granted to the subject at
	// issuance time; role and group names are expanded at validation time.
	Permissions []string `json:"permissions,omitempty"`
}

// SignParams are the parameters needed to issue a token.
type SignParams struct {
	// Subject is the identity the token is issued to.
	Subject string

	// Permissions embedded into the token.
	Permissions []string

	// Expires is the absolute expiry time.
	Expires time.Time

	// NotBefore is optional; zero means valid immediately.
	NotBefore time.Time

	// JTI overrides the generated token id, used in tests.
	JTI string
}

// Check validates the sign request.
func (p *SignParams) Check() error {
	if p.Subject == "" {
		return trace.BadParameter("missing subject")
	}
	if p.Expires.IsZero() {
		return trace.BadParameter("missing expiry")
	}
	return nil
}

// Sign issues a signed token.
func (k *Key) Sign(p SignParams) (string, error) {
	if err := p.Check(); err != nil {
		return "", trace.Wrap(err)
	}
	if k.config.PrivateKey == nil {
		return "", trace.BadParameter("can not sign token with non-signing key")
	}
	signingKey := jose.SigningKey{
		Algorithm: k.config.Algorithm,
		Key: jose.JSONWebKey{
			Key:   k.config.PrivateKey,
			KeyID: k.config.KeyID,
		},
	}
	opts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return "", trace.Wrap(err)
	}
	jti := p.JTI
	if jti == "" {
		jti = uuid.NewString()
	}
	now := k.config.Clock.Now()
	claims := Claims{
		Claims: jwt.Claims{
			Subject:   p.Subject,
			Issuer:    k.config.Issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(p.Expires),
		},
		Permissions: p.Permissions,
	}
	if !p.NotBefore.IsZero() {
		claims.NotBefore = jwt.NewNumericDate(p.NotBefore)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// VerifyParams are the parameters needed to verify a token.
type VerifyParams struct {
	// RawToken is the compact serialized token.
	RawToken string
}

// Verify checks the token signature against the key and validates the
// standard time claims with the configured skew.
func (k *Key) Verify(p VerifyParams) (*Claims, error) {
	if p.RawToken == "" {
		return nil, trace.BadParameter("missing raw token")
	}
	token, err := jwt.ParseSigned(p.RawToken, []jose.SignatureAlgorithm{k.config.Algorithm})
	if err != nil {
		return nil, trace.BadParameter("malformed token: %v", err)
	}
	verifyKey := k.config.PublicKey
	if verifyKey == nil {
		verifyKey = k.config.PrivateKey.Public()
	}
	var claims Claims
	if err := token.Claims(verifyKey, &claims); err != nil {
		return nil, trace.AccessDenied("invalid token signature")
	}
	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer: k.config.Issuer,
		Time:   k.config.Clock.Now(),
	}, k.config.ClockSkew)
	if err != nil {
		// Wrap, not replace: callers distinguish expiry from not-yet-valid
		// through the jose sentinel errors.
		return nil, trace.Wrap(err, "invalid token")
	}
	return &claims, nil
}

// IsWellFormed reports whether a credential has the three dot-separated
// base64url segments of a compact serialized token. It is the dispatch
// heuristic between issued tokens and API keys.
func IsWellFormed(credential string) bool {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// PeekKeyID extracts the kid header of a compact serialized token without
// verifying the signature, used to select a verification key.
func PeekKeyID(raw string) (string, error) {
	token, err := jwt.ParseSigned(raw, allSupportedAlgorithms)
	if err != nil {
		return "", trace.BadParameter("malformed token: %v", err)
	}
	if len(token.Headers) == 0 {
		return "", nil
	}
	return token.Headers[0].KeyID, nil
}

var allSupportedAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512, jose.RS256, jose.RS384, jose.RS512, jose.EdDSA,
}

// SupportedAlgorithms returns the signature algorithms accepted when
// parsing tokens of unknown provenance.
func SupportedAlgorithms() []jose.SignatureAlgorithm {
	return allSupportedAlgorithms
}
