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

// Package config reads the gateway's YAML configuration file and merges
// it with command line overrides into a service configuration.
package config

import (
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/service"
)

// FileConfig is the YAML file structure. Field tags are JSON because the
// YAML codec converts through JSON.
type FileConfig struct {
	// Gateway configures the proxy listener.
	Gateway Gateway `json:"gateway,omitempty"`

	// Admin configures the admin API listener.
	Admin Admin `json:"admin,omitempty"`

	// Storage configures the backend.
	Storage Storage `json:"storage,omitempty"`

	// Auth configures token issuance and verification.
	Auth Auth `json:"auth,omitempty"`

	// Lockout overrides the failed-attempt lockout policy.
	Lockout Lockout `json:"lockout,omitempty"`

	// Log configures logging.
	Log Log `json:"log,omitempty"`
}

// Gateway is the proxy listener section.
type Gateway struct {
	// ListenAddr is the host:port the proxy serves on.
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Admin is the admin API section.
type Admin struct {
	// ListenAddr is the host:port the admin API serves on.
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Storage is the backend section.
type Storage struct {
	// Type is "memory" or "lite".
	Type string `json:"type,omitempty"`
	// Path is the lite backend data directory.
	Path string `json:"path,omitempty"`
}

// Auth is the token issuance and verification section.
type Auth struct {
	// Issuer is the iss claim of issued tokens.
	Issuer string `json:"issuer,omitempty"`
	// ClockSkew is the leeway on time claim checks, e.g. "30s".
	ClockSkew string `json:"clock_skew,omitempty"`
	// TokenLifetime is the default issued token lifetime, e.g. "1h".
	TokenLifetime string `json:"token_lifetime,omitempty"`
	// MaxTokenLifetime bounds requested token lifetimes, e.g. "24h".
	MaxTokenLifetime string `json:"max_token_lifetime,omitempty"`
	// KeyRotationPeriod is the routine signing key rotation schedule.
	KeyRotationPeriod string `json:"key_rotation_period,omitempty"`
	// Disabled turns the token plane off; API keys keep working.
	Disabled bool `json:"disabled,omitempty"`
}

// Lockout is the failed-attempt lockout section.
type Lockout struct {
	// Threshold is the failed attempts within the window that trigger a
	// lockout.
	Threshold int `json:"threshold,omitempty"`
	// Window is the sliding attempt window, e.g. "1m".
	Window string `json:"window,omitempty"`
	// Duration is the base lockout duration, e.g. "10m".
	Duration string `json:"duration,omitempty"`
}

// Log is the logging section.
type Log struct {
	// Severity is debug, info, warn or error.
	Severity string `json:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `json:"format,omitempty"`
}

// ReadFromFile loads a FileConfig from a YAML file.
func ReadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return ReadConfig(data)
}

// ReadConfig parses YAML configuration bytes.
func ReadConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}

// ApplyFileConfig merges the file configuration into a service config.
// Empty file fields leave the service config untouched.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return nil
	}
	if fc.Gateway.ListenAddr != "" {
		cfg.GatewayAddr = fc.Gateway.ListenAddr
	}
	if fc.Admin.ListenAddr != "" {
		cfg.AdminAddr = fc.Admin.ListenAddr
	}
	if fc.Storage.Type != "" {
		switch fc.Storage.Type {
		case defaults.BackendTypeMemory, defaults.BackendTypeLite:
			cfg.StorageType = fc.Storage.Type
		default:
			return trace.BadParameter("unknown storage type %q", fc.Storage.Type)
		}
	}
	if fc.Storage.Path != "" {
		cfg.DataDir = fc.Storage.Path
	}
	if fc.Auth.Issuer != "" {
		cfg.Issuer = fc.Auth.Issuer
	}
	if err := applyDuration(fc.Auth.ClockSkew, &cfg.ClockSkew); err != nil {
		return trace.Wrap(err)
	}
	if err := applyDuration(fc.Auth.TokenLifetime, &cfg.TokenLifetime); err != nil {
		return trace.Wrap(err)
	}
	if err := applyDuration(fc.Auth.MaxTokenLifetime, &cfg.MaxTokenLifetime); err != nil {
		return trace.Wrap(err)
	}
	if err := applyDuration(fc.Auth.KeyRotationPeriod, &cfg.KeyRotationPeriod); err != nil {
		return trace.Wrap(err)
	}
	cfg.KeystoreDisabled = fc.Auth.Disabled
	if fc.Lockout.Threshold > 0 {
		cfg.LockoutThreshold = fc.Lockout.Threshold
	}
	if err := applyDuration(fc.Lockout.Window, &cfg.LockoutWindow); err != nil {
		return trace.Wrap(err)
	}
	if err := applyDuration(fc.Lockout.Duration, &cfg.LockoutDuration); err != nil {
		return trace.Wrap(err)
	}
	if fc.Log.Severity != "" {
		cfg.LogSeverity = fc.Log.Severity
	}
	if fc.Log.Format != "" {
		switch fc.Log.Format {
		case "text", "json":
			cfg.LogFormat = fc.Log.Format
		default:
			return trace.BadParameter("unknown log format %q", fc.Log.Format)
		}
	}
	return nil
}

func applyDuration(raw string, out *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", raw, err)
	}
	if d <= 0 {
		return trace.BadParameter("duration %q must be positive", raw)
	}
	*out = d
	return nil
}
