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
	"os"
	"strconv"

	"github.com/alecthomas/kingpin/v2"
	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/adminapi"
	"github.com/bastionlabs/bastion/lib/defaults"
	"github.com/bastionlabs/bastion/lib/types"
)

// serviceCommand manages service registrations.
type serviceCommand struct {
	create *kingpin.CmdClause
	update *kingpin.CmdClause
	get    *kingpin.CmdClause
	ls     *kingpin.CmdClause
	rm     *kingpin.CmdClause

	file      string
	serviceID string
	limit     int
	offset    int
}

func (c *serviceCommand) Initialize(app *kingpin.Application) {
	services := app.Command("services", "Manage service registrations.")

	c.create = services.Command("create", "Register a service from a YAML or JSON file.")
	c.create.Flag("file", "Registration file.").Short('f').Required().StringVar(&c.file)

	c.update = services.Command("update", "Update a registration from a file. The file's version field is the expected current version.")
	c.update.Flag("file", "Registration file.").Short('f').Required().StringVar(&c.file)

	c.get = services.Command("get", "Show one registration.")
	c.get.Arg("id", "Service id.").Required().StringVar(&c.serviceID)

	c.ls = services.Command("ls", "List registrations.")
	c.ls.Flag("limit", "Page size.").Default(strconv.Itoa(defaults.DefaultPageSize)).IntVar(&c.limit)
	c.ls.Flag("offset", "Page offset.").IntVar(&c.offset)

	c.rm = services.Command("rm", "Delete a registration.")
	c.rm.Arg("id", "Service id.").Required().StringVar(&c.serviceID)
}

func (c *serviceCommand) TryRun(ctx context.Context, command string, clt *adminapi.Client) (bool, error) {
	switch command {
	case c.create.FullCommand():
		return true, trace.Wrap(c.onCreate(ctx, clt))
	case c.update.FullCommand():
		return true, trace.Wrap(c.onUpdate(ctx, clt))
	case c.get.FullCommand():
		return true, trace.Wrap(c.onGet(ctx, clt))
	case c.ls.FullCommand():
		return true, trace.Wrap(c.onList(ctx, clt))
	case c.rm.FullCommand():
		return true, trace.Wrap(c.onDelete(ctx, clt))
	}
	return false, nil
}

func (c *serviceCommand) readRegistration() (*types.ServiceRegistration, error) {
	data, err := os.ReadFile(c.file)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var svc types.ServiceRegistration
	if err := yaml.Unmarshal(data, &svc); err != nil {
		return nil, trace.BadParameter("failed to parse %v: %v", c.file, err)
	}
	return &svc, nil
}

func (c *serviceCommand) onCreate(ctx context.Context, clt *adminapi.Client) error {
	svc, err := c.readRegistration()
	if err != nil {
		return trace.Wrap(err)
	}
	created, err := clt.CreateService(ctx, *svc)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("service %q has been registered\n", created.ServiceID)
	return nil
}

func (c *serviceCommand) onUpdate(ctx context.Context, clt *adminapi.Client) error {
	svc, err := c.readRegistration()
	if err != nil {
		return trace.Wrap(err)
	}
	updated, err := clt.UpdateService(ctx, *svc)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("service %q has been updated to version %v\n", updated.ServiceID, updated.Version)
	return nil
}

func (c *serviceCommand) onGet(ctx context.Context, clt *adminapi.Client) error {
	svc, err := clt.GetService(ctx, c.serviceID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(svc))
}

func (c *serviceCommand) onList(ctx context.Context, clt *adminapi.Client) error {
	page, err := clt.ListServices(ctx, c.limit, c.offset)
	if err != nil {
		return trace.Wrap(err)
	}
	rows := make([][]string, 0, len(page.Items))
	for _, svc := range page.Items {
		rows = append(rows, []string{
			svc.ServiceID,
			svc.RoutePrefix,
			svc.BaseURL,
			string(svc.DefaultVisibility),
			strconv.FormatInt(svc.Version, 10),
		})
	}
	printTable([]string{"ID", "Prefix", "Upstream", "Visibility", "Version"}, rows)
	return nil
}

func (c *serviceCommand) onDelete(ctx context.Context, clt *adminapi.Client) error {
	if err := clt.DeleteService(ctx, c.serviceID); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("service %q has been deleted\n", c.serviceID)
	return nil
}
