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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/lib/service"
)

const sampleConfig = `
gateway:
  listen_addr: 127.0.0.1:9080
admin:
  listen_addr: 127.0.0.1:9443
storage:
  type: lite
  path: /tmp/bastion-test
auth:
  issuer: https://gateway.example.com
  clock_skew: 1m
  token_lifetime: 30m
  max_token_lifetime: 12h
  key_rotation_period: 720h
lockout:
  threshold: 3
  window: 30s
  duration: 5m
log:
  severity: debug
  format: json
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9080", fc.Gateway.ListenAddr)
	require.Equal(t, "lite", fc.Storage.Type)
	require.Equal(t, "https://gateway.example.com", fc.Auth.Issuer)
	require.Equal(t, 3, fc.Lockout.Threshold)
}

func TestReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bastion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	fc, err := ReadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9443", fc.Admin.ListenAddr)

	_, err = ReadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, trace.IsNotFound(err))
}

func TestApplyFileConfig(t *testing.T) {
	fc, err := ReadConfig([]byte(sampleConfig))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))
	expected := service.Config{
		GatewayAddr:       "127.0.0.1:9080",
		AdminAddr:         "127.0.0.1:9443",
		StorageType:       "lite",
		DataDir:           "/tmp/bastion-test",
		Issuer:            "https://gateway.example.com",
		ClockSkew:         time.Minute,
		TokenLifetime:     30 * time.Minute,
		MaxTokenLifetime:  12 * time.Hour,
		KeyRotationPeriod: 720 * time.Hour,
		LockoutThreshold:  3,
		LockoutWindow:     30 * time.Second,
		LockoutDuration:   5 * time.Minute,
		LogSeverity:       "debug",
		LogFormat:         "json",
	}
	require.Empty(t, cmp.Diff(expected, cfg))
}

func TestApplyFileConfigLeavesDefaults(t *testing.T) {
	cfg := service.Config{GatewayAddr: "10.0.0.1:80", Issuer: "keep"}
	require.NoError(t, ApplyFileConfig(&FileConfig{}, &cfg))
	require.Equal(t, "10.0.0.1:80", cfg.GatewayAddr)
	require.Equal(t, "keep", cfg.Issuer)
}

func TestApplyFileConfigRejectsBadValues(t *testing.T) {
	var cfg service.Config
	err := ApplyFileConfig(&FileConfig{Storage: Storage{Type: "etcd"}}, &cfg)
	require.True(t, trace.IsBadParameter(err))

	err = ApplyFileConfig(&FileConfig{Auth: Auth{TokenLifetime: "soon"}}, &cfg)
	require.True(t, trace.IsBadParameter(err))

	err = ApplyFileConfig(&FileConfig{Auth: Auth{TokenLifetime: "-1h"}}, &cfg)
	require.True(t, trace.IsBadParameter(err))

	err = ApplyFileConfig(&FileConfig{Log: Log{Format: "xml"}}, &cfg)
	require.True(t, trace.IsBadParameter(err))

	_, err = ReadConfig([]byte("gateway: [not, a, mapping]"))
	require.True(t, trace.IsBadParameter(err))
}
