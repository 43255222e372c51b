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

// tokenCommand issues, revokes and inspects bearer tokens.
type tokenCommand struct {
	issue      *kingpin.CmdClause
	revoke     *kingpin.CmdClause
	revokeUser *kingpin.CmdClause
	inspect    *kingpin.CmdClause
	status     *kingpin.CmdClause

	subject     string
	permissions []string
	ttl         time.Duration
	token       string
	jti         string
	reason      string
	userID      string
}

func (c *tokenCommand) Initialize(app *kingpin.Application) {
	tokens := app.Command("tokens", "Issue, revoke and inspect bearer tokens.")

	c.issue = tokens.Command("issue", "Issue a signed bearer token.")
	c.issue.Flag("subject", "Token subject.").Required().StringVar(&c.subject)
	c.issue.Flag("permission", "Permission embedded in the token, repeatable.").StringsVar(&c.permissions)
	c.issue.Flag("ttl", "Token lifetime, e.g. 1h.").DurationVar(&c.ttl)

	c.revoke = tokens.Command("revoke", "Revoke a single token by raw value or jti.")
	c.revoke.Flag("token", "Raw token value.").StringVar(&c.token)
	c.revoke.Flag("jti", "Token id, when the raw token is unavailable.").StringVar(&c.jti)
	c.revoke.Flag("reason", "Revocation reason.").StringVar(&c.reason)

	c.revokeUser = tokens.Command("revoke-user", "Revoke every token a subject holds, past and present until lifted.")
	c.revokeUser.Arg("user", "Subject to revoke.").Required().StringVar(&c.userID)
	c.revokeUser.Flag("reason", "Revocation reason.").StringVar(&c.reason)

	c.inspect = tokens.Command("inspect", "Run a token through the verification pipeline and report the verdict.")
	c.inspect.Arg("token", "Raw token value.").Required().StringVar(&c.token)

	c.status = tokens.Command("status", "Show the revocation status of a jti.")
	c.status.Arg("jti", "Token id.").Required().StringVar(&c.jti)
}

func (c *tokenCommand) TryRun(ctx context.Context, command string, clt *adminapi.Client) (bool, error) {
	switch command {
	case c.issue.FullCommand():
		return true, trace.Wrap(c.onIssue(ctx, clt))
	case c.revoke.FullCommand():
		return true, trace.Wrap(c.onRevoke(ctx, clt))
	case c.revokeUser.FullCommand():
		return true, trace.Wrap(c.onRevokeUser(ctx, clt))
	case c.inspect.FullCommand():
		return true, trace.Wrap(c.onInspect(ctx, clt))
	case c.status.FullCommand():
		return true, trace.Wrap(c.onStatus(ctx, clt))
	}
	return false, nil
}

func (c *tokenCommand) onIssue(ctx context.Context, clt *adminapi.Client) error {
	resp, err := clt.IssueToken(ctx, c.subject, c.permissions, int64(c.ttl/time.Second))
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("token %v issued for %q, expires %v\n", resp.JTI, c.subject, formatTime(resp.ExpiresAt))
	fmt.Println(resp.Token)
	return nil
}

func (c *tokenCommand) onRevoke(ctx context.Context, clt *adminapi.Client) error {
	if c.token == "" && c.jti == "" {
		return trace.BadParameter("either --token or --jti is required")
	}
	revocation, err := clt.RevokeToken(ctx, c.token, c.jti, c.reason)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("token %v has been revoked\n", revocation.JTI)
	return nil
}

func (c *tokenCommand) onRevokeUser(ctx context.Context, clt *adminapi.Client) error {
	revocation, err := clt.RevokeUser(ctx, c.userID, c.reason)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("all tokens of %q issued before %v are now rejected\n",
		revocation.UserID, formatTime(revocation.RevokedAt))
	return nil
}

func (c *tokenCommand) onInspect(ctx context.Context, clt *adminapi.Client) error {
	verdict, err := clt.InspectToken(ctx, c.token)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(verdict))
}

func (c *tokenCommand) onStatus(ctx context.Context, clt *adminapi.Client) error {
	status, err := clt.TokenRevocationStatus(ctx, c.jti)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(status))
}
