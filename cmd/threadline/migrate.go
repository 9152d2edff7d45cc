// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/store/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the relational schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "memory" {
		fmt.Fprintln(cmd.OutOrStdout(), "memory store has no schema to migrate")
		return nil
	}

	ctx := cmd.Context()
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	s, err := sqlstore.Open(ctx, &dbCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	before, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	after, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	logging.Info().Int("from", before).Int("to", after).Str("driver", dbCfg.Driver).Msg("Schema up to date")
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", after)
	return nil
}
