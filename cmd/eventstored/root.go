// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the eventstored CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eventstored",
		Short: "eventstored - persistent subscription engine for an event store",
		Long: `eventstored runs the notification pipeline and subscription
orchestrator that turn appended events into durable, ordered,
at-least-once deliveries to subscriber endpoints.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newInitSchemaCmd())

	return cmd
}
