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

package utils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"

	"github.com/gravitational/trace"
)

const (
	pemBlockPrivateKey = "PRIVATE KEY"
	pemBlockPublicKey  = "PUBLIC KEY"
)

// GenerateKeyPair generates a new ECDSA P-256 keypair and returns the
// PEM-encoded public and private keys, in that order.
func GenerateKeyPair() ([]byte, []byte, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	privateBytes, err := MarshalPrivateKey(private)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	publicBytes, err := MarshalPublicKey(private.Public())
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return publicBytes, privateBytes, nil
}

// MarshalPrivateKey returns the PEM encoding (PKCS#8) of a private key.
func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockPrivateKey, Bytes: der}), nil
}

// MarshalPublicKey returns the PEM encoding (PKIX) of a public key.
func MarshalPublicKey(key crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockPublicKey, Bytes: der}), nil
}

// ParsePrivateKey parses a PEM-encoded PKCS#8 private key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in private key data")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, trace.BadParameter("unsupported private key type %T", key)
	}
	return signer, nil
}

// ParsePublicKey parses a PEM-encoded PKIX public key.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in public key data")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}
