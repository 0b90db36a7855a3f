// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/c-moss-talk/eventstore/internal/config"
	"github.com/c-moss-talk/eventstore/internal/store"
)

// newInitSchemaCmd creates the init-schema subcommand: the one-shot,
// idempotent bootstrap that creates the schema if it is absent. Unlike
// migrate, this exists as its own command so database-bootstrap
// tooling can invoke exactly one well-known idempotent step without
// depending on migrate's richer semantics.
func newInitSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-schema",
		Short: "Create the event-store schema if it does not already exist",
		Long: `init-schema applies every migration up to the latest version.
It exits 0 whether the schema was just created or was already present,
and non-zero only on failure.`,
		RunE: runInitSchema,
	}
	cmd.Flags().String("database.dsn", "", "database connection string (overrides config/env)")
	return cmd
}

func runInitSchema(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return oops.Code("config_load_failed").Wrap(err)
	}

	migrator, err := store.NewMigrator(cfg.Database.DSN)
	if err != nil {
		return oops.Code("migration_init_failed").With("operation", "create migrator").Wrap(err)
	}
	defer func() { _ = migrator.Close() }()

	before, _, err := migrator.Version()
	if err != nil {
		return oops.Code("migration_version_failed").Wrap(err)
	}

	if err := migrator.Up(); err != nil {
		return oops.Code("migration_failed").With("operation", "initialize schema").Wrap(err)
	}

	after, _, err := migrator.Version()
	if err != nil {
		return oops.Code("migration_version_failed").Wrap(err)
	}

	if after == before {
		cmd.Println("schema already initialized")
	} else {
		cmd.Printf("schema initialized at version %d\n", after)
	}
	return nil
}
