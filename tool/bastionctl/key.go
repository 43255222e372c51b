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

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/adminapi"
)

// keyCommand manages signing keys.
type keyCommand struct {
	ls     *kingpin.CmdClause
	rotate *kingpin.CmdClause
	retire *kingpin.CmdClause
	health *kingpin.CmdClause

	reason string
	keyID  string
	force  bool
}

func (c *keyCommand) Initialize(app *kingpin.Application) {
	keys := app.Command("keys", "Manage token signing keys.")

	c.ls = keys.Command("ls", "List signing keys.")

	c.rotate = keys.Command("rotate", "Generate and activate a new signing key.")
	c.rotate.Flag("reason", "Rotation reason for the audit trail.").StringVar(&c.reason)

	c.retire = keys.Command("retire", "Retire a deprecated signing key.")
	c.retire.Arg("id", "Key id.").Required().StringVar(&c.keyID)
	c.retire.Flag("force", "Retire before the grace period ends; unexpired tokens signed by the key stop verifying.").BoolVar(&c.force)

	c.health = keys.Command("health", "Show keystore health.")
}

func (c *keyCommand) TryRun(ctx context.Context, command string, clt *adminapi.Client) (bool, error) {
	switch command {
	case c.ls.FullCommand():
		return true, trace.Wrap(c.onList(ctx, clt))
	case c.rotate.FullCommand():
		return true, trace.Wrap(c.onRotate(ctx, clt))
	case c.retire.FullCommand():
		return true, trace.Wrap(c.onRetire(ctx, clt))
	case c.health.FullCommand():
		return true, trace.Wrap(c.onHealth(ctx, clt))
	}
	return false, nil
}

func (c *keyCommand) onList(ctx context.Context, clt *adminapi.Client) error {
	keys, err := clt.ListSigningKeys(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{
			key.KeyID,
			string(key.Status),
			key.Type,
			formatTime(key.CreatedAt),
			formatTime(key.ActivatedAt),
		})
	}
	printTable([]string{"ID", "Status", "Type", "Created", "Activated"}, rows)
	return nil
}

func (c *keyCommand) onRotate(ctx context.Context, clt *adminapi.Client) error {
	key, err := clt.RotateSigningKey(ctx, c.reason)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("signing key rotated, active key is now %v\n", key.KeyID)
	return nil
}

func (c *keyCommand) onRetire(ctx context.Context, clt *adminapi.Client) error {
	if err := clt.RetireSigningKey(ctx, c.keyID, c.force); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("signing key %v has been retired\n", c.keyID)
	return nil
}

func (c *keyCommand) onHealth(ctx context.Context, clt *adminapi.Client) error {
	health, err := clt.KeystoreHealth(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(health))
}
