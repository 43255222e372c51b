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
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/adminapi"
)

// translationCommand manages translation config versions.
type translationCommand struct {
	upload   *kingpin.CmdClause
	activate *kingpin.CmdClause
	rollback *kingpin.CmdClause
	test     *kingpin.CmdClause

	file     string
	comment  string
	id       string
	version  int64
	issuer   string
	subject  string
	claims   string
	testFile string
}

func (c *translationCommand) Initialize(app *kingpin.Application) {
	translation := app.Command("translation", "Manage identity translation configs.")

	c.upload = translation.Command("upload", "Validate and store a new config version from a YAML or JSON file.")
	c.upload.Flag("file", "Config schema file.").Short('f').Required().StringVar(&c.file)
	c.upload.Flag("comment", "Version comment.").StringVar(&c.comment)

	c.activate = translation.Command("activate", "Make a stored config version the active one.")
	c.activate.Arg("id", "Config version id.").Required().StringVar(&c.id)

	c.rollback = translation.Command("rollback", "Re-activate an older config version by number.")
	c.rollback.Arg("version", "Version number.").Required().Int64Var(&c.version)

	c.test = translation.Command("test", "Evaluate claims against the active config, or a candidate file, without caching.")
	c.test.Flag("issuer", "Token issuer.").Required().StringVar(&c.issuer)
	c.test.Flag("subject", "Token subject.").Required().StringVar(&c.subject)
	c.test.Flag("claims", "Claims as inline JSON.").Required().StringVar(&c.claims)
	c.test.Flag("file", "Candidate config schema file; the active config is used when omitted.").Short('f').StringVar(&c.testFile)
}

func (c *translationCommand) TryRun(ctx context.Context, command string, clt *adminapi.Client) (bool, error) {
	switch command {
	case c.upload.FullCommand():
		return true, trace.Wrap(c.onUpload(ctx, clt))
	case c.activate.FullCommand():
		return true, trace.Wrap(c.onActivate(ctx, clt))
	case c.rollback.FullCommand():
		return true, trace.Wrap(c.onRollback(ctx, clt))
	case c.test.FullCommand():
		return true, trace.Wrap(c.onTest(ctx, clt))
	}
	return false, nil
}

// readSchema loads a schema file, converting YAML to JSON when needed.
func readSchema(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	converted, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, trace.BadParameter("failed to parse %v: %v", path, err)
	}
	return json.RawMessage(converted), nil
}

func (c *translationCommand) onUpload(ctx context.Context, clt *adminapi.Client) error {
	schema, err := readSchema(c.file)
	if err != nil {
		return trace.Wrap(err)
	}
	user := os.Getenv("USER")
	cfg, err := clt.CreateTranslationConfig(ctx, schema, user, c.comment)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("translation config version %v has been stored, id %v\n", cfg.Version, cfg.ID)
	return nil
}

func (c *translationCommand) onActivate(ctx context.Context, clt *adminapi.Client) error {
	cfg, err := clt.ActivateTranslationConfig(ctx, c.id)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("translation config version %v is now active\n", cfg.Version)
	return nil
}

func (c *translationCommand) onRollback(ctx context.Context, clt *adminapi.Client) error {
	cfg, err := clt.RollbackTranslationConfig(ctx, c.version)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("rolled back, translation config version %v is now active\n", cfg.Version)
	return nil
}

func (c *translationCommand) onTest(ctx context.Context, clt *adminapi.Client) error {
	var claims map[string]any
	if err := json.Unmarshal([]byte(c.claims), &claims); err != nil {
		return trace.BadParameter("failed to parse claims: %v", err)
	}
	var schema json.RawMessage
	if c.testFile != "" {
		var err error
		if schema, err = readSchema(c.testFile); err != nil {
			return trace.Wrap(err)
		}
	}
	result, err := clt.TestTranslation(ctx, c.issuer, c.subject, claims, schema)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(result))
}
