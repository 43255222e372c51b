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

// Package secret implements authenticated encryption of small values,
// used to protect API key bodies at rest.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeyLength is the length of a secretbox key in bytes.
const KeyLength = 32

// nonceLength is the length of a secretbox nonce in bytes.
const nonceLength = 24

// Key is a symmetric sealing key.
type Key []byte

// NewKey generates a new random sealing key.
func NewKey() (Key, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, trace.Wrap(err)
	}
	return Key(key), nil
}

// ParseKey loads a hex-encoded sealing key.
func ParseKey(data []byte) (Key, error) {
	key, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(key) != KeyLength {
		return nil, trace.BadParameter("invalid key length %v, expected %v", len(key), KeyLength)
	}
	return Key(key), nil
}

// String returns the hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k)
}

// sealedData is the serialized envelope written to the store.
type sealedData struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// Seal encrypts plaintext with nacl/secretbox under a fresh random
// nonce and returns a JSON envelope holding ciphertext and nonce.
func (k Key) Seal(plaintext []byte) ([]byte, error) {
	key, err := k.boxKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var nonce [nonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	sealed := sealedData{
		Ciphertext: secretbox.Seal(nil, plaintext, &nonce, key),
		Nonce:      nonce[:],
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// Open authenticates and decrypts a sealed envelope.
func (k Key) Open(envelope []byte) ([]byte, error) {
	var sealed sealedData
	if err := json.Unmarshal(envelope, &sealed); err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := k.boxKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(sealed.Nonce) != nonceLength {
		return nil, trace.BadParameter("invalid nonce length")
	}
	var nonce [nonceLength]byte
	copy(nonce[:], sealed.Nonce)
	plaintext, ok := secretbox.Open(nil, sealed.Ciphertext, &nonce, key)
	if !ok {
		return nil, trace.BadParameter("failed to decrypt sealed data")
	}
	return plaintext, nil
}

func (k Key) boxKey() (*[KeyLength]byte, error) {
	if len(k) != KeyLength {
		return nil, trace.BadParameter("invalid key length %v, expected %v", len(k), KeyLength)
	}
	var key [KeyLength]byte
	copy(key[:], k)
	return &key, nil
}
