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

package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/keystore"
	"github.com/bastionlabs/bastion/lib/secret"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.DataDir, cfg.DataDir)
	require.Equal(t, defaults.BackendTypeLite, cfg.StorageType)
	require.Equal(t, "0.0.0.0:8080", cfg.GatewayAddr)
	require.Equal(t, "0.0.0.0:8443", cfg.AdminAddr)
	require.Equal(t, defaults.Issuer, cfg.Issuer)
	require.Equal(t, defaults.TokenLifetime, cfg.TokenLifetime)

	bad := Config{StorageType: "etcd"}
	require.True(t, trace.IsBadParameter(bad.CheckAndSetDefaults()))

	inverted := Config{
		TokenLifetime:    defaults.MaxTokenLifetime,
		MaxTokenLifetime: defaults.TokenLifetime,
	}
	require.True(t, trace.IsBadParameter(inverted.CheckAndSetDefaults()))
}

func TestNewBootstrapsKeystore(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, Config{
		StorageType: defaults.BackendTypeMemory,
		DataDir:     t.TempDir(),
	})
	require.NoError(t, err)
	defer b.backend.Close()

	// First start generates and activates a signing key.
	health := b.Keystore().Health()
	require.True(t, health.Enabled)
	require.Equal(t, keystore.StatusHealthy, health.Status)
	require.NotEmpty(t, health.ActiveKeyID)
}

func TestNewWithKeystoreDisabled(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, Config{
		StorageType:      defaults.BackendTypeMemory,
		DataDir:          t.TempDir(),
		KeystoreDisabled: true,
	})
	require.NoError(t, err)
	defer b.backend.Close()

	health := b.Keystore().Health()
	require.False(t, health.Enabled)
	require.Equal(t, keystore.StatusDisabled, health.Status)
}

func TestSealKeyPersistence(t *testing.T) {
	dataDir := t.TempDir()
	cfg := Config{StorageType: defaults.BackendTypeLite, DataDir: dataDir}
	require.NoError(t, cfg.CheckAndSetDefaults())

	first, err := loadOrCreateSealKey(cfg)
	require.NoError(t, err)
	require.Len(t, []byte(first), secret.KeyLength)

	// The key file survives and parses back to the same key.
	second, err := loadOrCreateSealKey(cfg)
	require.NoError(t, err)
	require.Equal(t, first, second)

	data, err := os.ReadFile(filepath.Join(dataDir, sealKeyFile))
	require.NoError(t, err)
	require.Equal(t, first.String(), string(data))

	// A corrupt key file is refused rather than silently replaced.
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, sealKeyFile), []byte("junk"), 0o600))
	_, err = loadOrCreateSealKey(cfg)
	require.Error(t, err)
}

func TestSealKeyEphemeralForMemory(t *testing.T) {
	cfg := Config{StorageType: defaults.BackendTypeMemory, DataDir: t.TempDir()}
	require.NoError(t, cfg.CheckAndSetDefaults())

	first, err := loadOrCreateSealKey(cfg)
	require.NoError(t, err)
	second, err := loadOrCreateSealKey(cfg)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Nothing is written to the data directory.
	_, err = os.Stat(filepath.Join(cfg.DataDir, sealKeyFile))
	require.True(t, os.IsNotExist(err))
}
