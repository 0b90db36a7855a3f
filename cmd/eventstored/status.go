// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/c-moss-talk/eventstore/internal/config"
	"github.com/c-moss-talk/eventstore/internal/store"
)

// migrationStatus is the JSON/table row for one migration version.
type migrationStatus struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending schema migrations",
		Long:  `Show which schema migrations have been applied to the configured database and which are still pending.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().String("database.dsn", "", "database connection string (overrides config/env)")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	loaded, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return oops.Code("config_load_failed").Wrap(err)
	}

	migrator, err := store.NewMigrator(loaded.Database.DSN)
	if err != nil {
		return oops.Code("migration_init_failed").With("operation", "create migrator").Wrap(err)
	}
	defer func() { _ = migrator.Close() }()

	applied, err := migrator.AppliedMigrations()
	if err != nil {
		return oops.Code("migration_status_failed").With("operation", "list applied migrations").Wrap(err)
	}
	pending, err := migrator.PendingMigrations()
	if err != nil {
		return oops.Code("migration_status_failed").With("operation", "list pending migrations").Wrap(err)
	}

	rows := make([]migrationStatus, 0, len(applied)+len(pending))
	for _, v := range applied {
		name, _ := store.MigrationName(v)
		rows = append(rows, migrationStatus{Version: v, Name: name, Applied: true})
	}
	for _, v := range pending {
		name, _ := store.MigrationName(v)
		rows = append(rows, migrationStatus{Version: v, Name: name, Applied: false})
	}

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return oops.Code("status_marshal_failed").Wrap(err)
		}
		cmd.Println(string(out))
		return nil
	}

	cmd.Println(formatMigrationTable(rows))
	return nil
}

func formatMigrationTable(rows []migrationStatus) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	_, _ = fmt.Fprintln(w, "-------\t----\t------")
	for _, r := range rows {
		status := "pending"
		if r.Applied {
			status = "applied"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", r.Version, r.Name, status)
	}
	_ = w.Flush()
	return string(buf)
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
