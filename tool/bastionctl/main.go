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

// Command bastionctl administers a running gateway over its admin API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion"
	"github.com/bastionlabs/bastion/lib/adminapi"
	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

// cliCommand is one top-level command group. Initialize binds its
// subcommands and flags; TryRun executes the selected one, reporting
// whether it matched.
type cliCommand interface {
	Initialize(app *kingpin.Application)
	TryRun(ctx context.Context, command string, clt *adminapi.Client) (match bool, err error)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("bastionctl", "Admin tool for the Bastion API gateway.")
	adminAddr := app.Flag("addr", "Admin API address.").
		Default("http://127.0.0.1:8443").Envar("BASTION_ADMIN_ADDR").String()
	debug := app.Flag("debug", "Enable verbose logging to stderr.").Short('d').Bool()

	ver := app.Command("version", "Print the client version and exit.")

	commands := []cliCommand{
		&serviceCommand{},
		&apiKeyCommand{},
		&keyCommand{},
		&translationCommand{},
		&tokenCommand{},
		&lockoutCommand{},
	}
	for _, cmd := range commands {
		cmd.Initialize(app)
	}

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	severity := "warn"
	if *debug {
		severity = "debug"
	}
	logutils.Initialize(logutils.Config{Severity: severity})

	if selected == ver.FullCommand() {
		fmt.Println(bastion.Version)
		return nil
	}

	clt, err := adminapi.NewClient(*adminAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx := context.Background()
	for _, cmd := range commands {
		match, err := cmd.TryRun(ctx, selected, clt)
		if err != nil {
			return trace.Wrap(err)
		}
		if match {
			return nil
		}
	}
	return trace.BadParameter("unknown command %q", selected)
}
