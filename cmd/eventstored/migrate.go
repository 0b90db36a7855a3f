// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/c-moss-talk/eventstore/internal/config"
	"github.com/c-moss-talk/eventstore/internal/store"
)

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Run all pending database migrations against the PostgreSQL database.`,
		RunE:  runMigrate,
	}
	cmd.Flags().String("database.dsn", "", "database connection string (overrides config/env)")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return oops.Code("config_load_failed").Wrap(err)
	}

	cmd.Println("Connecting to database...")
	migrator, err := store.NewMigrator(cfg.Database.DSN)
	if err != nil {
		return oops.Code("migration_init_failed").With("operation", "create migrator").Wrap(err)
	}
	defer func() { _ = migrator.Close() }()

	cmd.Println("Running migrations...")
	if err := migrator.Up(); err != nil {
		return oops.Code("migration_failed").With("operation", "run migrations").Wrap(err)
	}

	cmd.Println("Migrations completed successfully")
	return nil
}
