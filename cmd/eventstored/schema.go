// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c-moss-talk/eventstore/internal/subscription"
)

const subscribeOptionsSchemaID = "https://c-moss-talk.dev/schemas/subscribe-options.schema.json"

// newSchemaCmd creates the schema subcommand.
func newSchemaCmd() *cobra.Command {
	var optionsFile string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Emit or validate the subscribe options JSON Schema",
		Long: `With no flags, schema prints the JSON Schema for subscribe_to_stream's
options document. With --options-file, it instead validates that file
against the schema and reports the result.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if optionsFile == "" {
				return runGenerateSchema(cmd)
			}
			return runValidateOptions(cmd, optionsFile)
		},
	}

	cmd.Flags().StringVar(&optionsFile, "options-file", "", "validate this JSON options document instead of printing the schema")
	return cmd
}

// generateOptionsSchema reflects subscription.OptionsDocument into a JSON Schema.
func generateOptionsSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(&subscription.OptionsDocument{})
	schema.ID = jsonschema.ID(subscribeOptionsSchemaID)
	schema.Title = "Subscribe Options"
	schema.Description = "JSON-serializable subset of subscribe_to_stream options"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code("schema_marshal_failed").Wrap(err)
	}
	return append(data, '\n'), nil
}

func runGenerateSchema(cmd *cobra.Command) error {
	data, err := generateOptionsSchema()
	if err != nil {
		return err
	}
	cmd.Print(string(data))
	return nil
}

func runValidateOptions(cmd *cobra.Command, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return oops.Code("options_file_read_failed").With("path", path).Wrap(err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return oops.Code("options_file_invalid").With("path", path).Wrap(err)
	}

	schemaBytes, err := generateOptionsSchema()
	if err != nil {
		return err
	}
	var schemaData any
	if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
		return oops.Code("schema_parse_failed").Wrap(err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("subscribe-options.schema.json", schemaData); err != nil {
		return oops.Code("schema_compile_failed").Wrap(err)
	}
	compiled, err := c.Compile("subscribe-options.schema.json")
	if err != nil {
		return oops.Code("schema_compile_failed").Wrap(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return oops.Code("options_validation_failed").With("path", path).Wrap(err)
	}

	cmd.Printf("%s is a valid subscribe options document\n", path)
	return nil
}
