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

package jwt

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/utils"
)

func newTestKey(t *testing.T, clock clockwork.Clock) *Key {
	_, privateBytes, err := utils.GenerateKeyPair()
	require.NoError(t, err)
	privateKey, err := utils.ParsePrivateKey(privateBytes)
	require.NoError(t, err)

	key, err := New(&Config{
		Clock:      clock,
		PrivateKey: privateKey,
		KeyID:      "test-key",
		Issuer:     "bastion",
	})
	require.NoError(t, err)
	return key
}

func TestSignAndVerify(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	key := newTestKey(t, clock)

	token, err := key.Sign(SignParams{
		Subject:     "foo@example.com",
		Permissions: []string{"payments.reader", "payments.admin"},
		Expires:     clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	claims, err := key.Verify(VerifyParams{RawToken: token})
	require.NoError(t, err)
	require.Equal(t, "foo@example.com", claims.Subject)
	require.Equal(t, []string{"payments.reader", "payments.admin"}, claims.Permissions)
	require.NotEmpty(t, claims.ID)
}

// TestPublicOnlyVerify checks that a key built from only the public half
// verifies but refuses to sign.
func TestPublicOnlyVerify(t *testing.T) {
	publicBytes, privateBytes, err := utils.GenerateKeyPair()
	require.NoError(t, err)
	privateKey, err := utils.ParsePrivateKey(privateBytes)
	require.NoError(t, err)
	publicKey, err := utils.ParsePublicKey(publicBytes)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Now())
	signingKey, err := New(&Config{
		Clock:      clock,
		PrivateKey: privateKey,
		Issuer:     "bastion",
	})
	require.NoError(t, err)

	token, err := signingKey.Sign(SignParams{
		Subject: "foo@example.com",
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	verifyKey, err := New(&Config{
		Clock:     clock,
		PublicKey: publicKey,
		Issuer:    "bastion",
	})
	require.NoError(t, err)

	claims, err := verifyKey.Verify(VerifyParams{RawToken: token})
	require.NoError(t, err)
	require.Equal(t, "foo@example.com", claims.Subject)

	_, err = verifyKey.Sign(SignParams{
		Subject: "foo@example.com",
		Expires: clock.Now().Add(time.Minute),
	})
	require.Error(t, err)
}

// TestExpiry checks expiration against the clock skew tolerance.
func TestExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	key := newTestKey(t, clock)

	token, err := key.Sign(SignParams{
		Subject: "foo@example.com",
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = key.Verify(VerifyParams{RawToken: token})
	require.NoError(t, err)

	// Just past expiry but within the 30s skew: still accepted.
	clock.Advance(time.Minute + 10*time.Second)
	_, err = key.Verify(VerifyParams{RawToken: token})
	require.NoError(t, err)

	// Beyond the skew: rejected.
	clock.Advance(time.Minute)
	_, err = key.Verify(VerifyParams{RawToken: token})
	require.Error(t, err)
}

// TestNotYetValid checks the nbf claim.
func TestNotYetValid(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	key := newTestKey(t, clock)

	token, err := key.Sign(SignParams{
		Subject:   "foo@example.com",
		NotBefore: clock.Now().Add(10 * time.Minute),
		Expires:   clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = key.Verify(VerifyParams{RawToken: token})
	require.Error(t, err)

	clock.Advance(11 * time.Minute)
	_, err = key.Verify(VerifyParams{RawToken: token})
	require.NoError(t, err)
}

func TestWrongKeyRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	key := newTestKey(t, clock)
	other := newTestKey(t, clock)

	token, err := key.Sign(SignParams{
		Subject: "foo@example.com",
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = other.Verify(VerifyParams{RawToken: token})
	require.Error(t, err)
}

func TestIsWellFormed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	key := newTestKey(t, clock)

	token, err := key.Sign(SignParams{
		Subject: "foo@example.com",
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, IsWellFormed(token))

	kid, err := PeekKeyID(token)
	require.NoError(t, err)
	require.Equal(t, "test-key", kid)

	for _, credential := range []string{
		"",
		"bk_3f8a0b55",
		"a.b",
		"a..c",
		"not a token at all",
	} {
		require.False(t, IsWellFormed(credential), "credential %q", credential)
	}
}
