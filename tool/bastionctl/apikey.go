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
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/adminapi"
)

// apiKeyCommand manages API keys.
type apiKeyCommand struct {
	add    *kingpin.CmdClause
	revoke *kingpin.CmdClause
	rm     *kingpin.CmdClause

	name        string
	description string
	permissions []string
	ttl         time.Duration
	id          string
}

func (c *apiKeyCommand) Initialize(app *kingpin.Application) {
	keys := app.Command("api-keys", "Manage API keys.")

	c.add = keys.Command("add", "Create an API key. The plaintext key is printed once and never stored.")
	c.add.Flag("name", "Human readable key name.").Required().StringVar(&c.name)
	c.add.Flag("description", "Key description.").StringVar(&c.description)
	c.add.Flag("permission", "Permission granted to the key, repeatable.").StringsVar(&c.permissions)
	c.add.Flag("ttl", "Key lifetime, e.g. 720h. Zero means no expiry.").DurationVar(&c.ttl)

	c.revoke = keys.Command("revoke", "Revoke an API key, keeping its record.")
	c.revoke.Arg("id", "Key id.").Required().StringVar(&c.id)

	c.rm = keys.Command("rm", "Delete an API key record.")
	c.rm.Arg("id", "Key id.").Required().StringVar(&c.id)
}

func (c *apiKeyCommand) TryRun(ctx context.Context, command string, clt *adminapi.Client) (bool, error) {
	switch command {
	case c.add.FullCommand():
		return true, trace.Wrap(c.onAdd(ctx, clt))
	case c.revoke.FullCommand():
		return true, trace.Wrap(c.onRevoke(ctx, clt))
	case c.rm.FullCommand():
		return true, trace.Wrap(c.onDelete(ctx, clt))
	}
	return false, nil
}

func (c *apiKeyCommand) onAdd(ctx context.Context, clt *adminapi.Client) error {
	req := adminapi.CreateAPIKeyRequest{
		Name:        c.name,
		Description: c.description,
		Permissions: c.permissions,
	}
	if c.ttl > 0 {
		req.ExpiresAt = time.Now().UTC().Add(c.ttl)
	}
	resp, err := clt.CreateAPIKey(ctx, req)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("api key %q has been created, id %v\n", c.name, resp.Key.ID)
	fmt.Println("This is the only time the key is shown, store it now:")
	fmt.Println(resp.Plaintext)
	return nil
}

func (c *apiKeyCommand) onRevoke(ctx context.Context, clt *adminapi.Client) error {
	if err := clt.RevokeAPIKey(ctx, c.id); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("api key %v has been revoked\n", c.id)
	return nil
}

func (c *apiKeyCommand) onDelete(ctx context.Context, clt *adminapi.Client) error {
	if err := clt.DeleteAPIKey(ctx, c.id); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("api key %v has been deleted\n", c.id)
	return nil
}
