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

// Package log provides helpers on top of log/slog used across the
// gateway codebase.
package log

import (
	"io"
	"log/slog"
	"os"
)

// NewPackageLogger creates a logger with the given attributes bound to it,
// intended to be assigned to a package-level variable:
//
//	var log = logutils.NewPackageLogger(bastion.ComponentKey, "keystore")
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}

// Config configures the process-wide default logger.
type Config struct {
	// Severity is the minimum level emitted: "debug", "info", "warn", "error".
	Severity string
	// Format is "text" or "json".
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

// Initialize sets the process default slog logger. It is called once from
// main; packages pick it up through NewPackageLogger.
func Initialize(cfg Config) {
	level := slog.LevelInfo
	switch cfg.Severity {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// InitializeForTests configures a debug text logger writing to stderr,
// used from TestMain in packages that want log output during tests.
func InitializeForTests() {
	Initialize(Config{Severity: "debug", Format: "text"})
}
