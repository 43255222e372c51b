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

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/adminapi"
)

// lockoutCommand views and lifts lockouts.
type lockoutCommand struct {
	ls    *kingpin.CmdClause
	rm    *kingpin.CmdClause
	reset *kingpin.CmdClause

	scope         string
	value         string
	resetCounters bool
}

func (c *lockoutCommand) Initialize(app *kingpin.Application) {
	lockouts := app.Command("lockouts", "View and lift failed-attempt lockouts.")

	c.ls = lockouts.Command("ls", "List active lockouts.")

	c.rm = lockouts.Command("rm", "Lift one lockout.")
	c.rm.Arg("scope", "Lockout scope, e.g. ip or key.").Required().StringVar(&c.scope)
	c.rm.Arg("value", "Locked out value.").Required().StringVar(&c.value)

	c.reset = lockouts.Command("reset", "Lift every lockout.")
	c.reset.Flag("counters", "Also clear failed-attempt counters.").BoolVar(&c.resetCounters)
}

func (c *lockoutCommand) TryRun(ctx context.Context, command string, clt *adminapi.Client) (bool, error) {
	switch command {
	case c.ls.FullCommand():
		return true, trace.Wrap(c.onList(ctx, clt))
	case c.rm.FullCommand():
		return true, trace.Wrap(c.onDelete(ctx, clt))
	case c.reset.FullCommand():
		return true, trace.Wrap(c.onReset(ctx, clt))
	}
	return false, nil
}

func (c *lockoutCommand) onList(ctx context.Context, clt *adminapi.Client) error {
	entries, err := clt.ListLockouts(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.Key,
			entry.Reason,
			strconv.Itoa(entry.FailedAttempts),
			formatTime(entry.ExpiresAt),
		})
	}
	printTable([]string{"Key", "Reason", "Failures", "Expires"}, rows)
	return nil
}

func (c *lockoutCommand) onDelete(ctx context.Context, clt *adminapi.Client) error {
	if err := clt.DeleteLockout(ctx, c.scope, c.value); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("lockout %v:%v has been lifted\n", c.scope, c.value)
	return nil
}

func (c *lockoutCommand) onReset(ctx context.Context, clt *adminapi.Client) error {
	if err := clt.ResetLockouts(ctx, c.resetCounters); err != nil {
		return trace.Wrap(err)
	}
	fmt.Println("all lockouts have been lifted")
	return nil
}
