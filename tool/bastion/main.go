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

// Command bastion runs the API gateway daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/config"
	"github.com/bastionlabs/bastion/lib/service"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("bastion", "Bastion API gateway.")
	debug := app.Flag("debug", "Enable verbose logging to stderr.").Short('d').Bool()

	start := app.Command("start", "Start the gateway daemon.")
	configPath := start.Flag("config", "Path to the YAML config file.").Short('c').String()
	dataDir := start.Flag("data-dir", "Directory for persistent state.").String()
	gatewayAddr := start.Flag("gateway-addr", "Proxy listen address, host:port.").String()
	adminAddr := start.Flag("admin-addr", "Admin API listen address, host:port.").String()
	storageType := start.Flag("storage", "Backend type, memory or lite.").String()

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(startFlags{
			configPath:  *configPath,
			dataDir:     *dataDir,
			gatewayAddr: *gatewayAddr,
			adminAddr:   *adminAddr,
			storageType: *storageType,
			debug:       *debug,
		}))
	case ver.FullCommand():
		fmt.Println(bastion.Version)
		return nil
	}
	return nil
}

type startFlags struct {
	configPath  string
	dataDir     string
	gatewayAddr string
	adminAddr   string
	storageType string
	debug       bool
}

// onStart builds the service config, file first, command line flags on
// top, and runs until a signal arrives.
func onStart(flags startFlags) error {
	var cfg service.Config
	if flags.configPath != "" {
		fc, err := config.ReadFromFile(flags.configPath)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := config.ApplyFileConfig(fc, &cfg); err != nil {
			return trace.Wrap(err)
		}
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	if flags.gatewayAddr != "" {
		cfg.GatewayAddr = flags.gatewayAddr
	}
	if flags.adminAddr != "" {
		cfg.AdminAddr = flags.adminAddr
	}
	if flags.storageType != "" {
		cfg.StorageType = flags.storageType
	}
	if flags.debug {
		cfg.LogSeverity = "debug"
	}
	logutils.Initialize(logutils.Config{
		Severity: cfg.LogSeverity,
		Format:   cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.Run(ctx))
}
