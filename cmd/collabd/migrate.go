package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/boardroom/collab/internal/config"
	"github.com/boardroom/collab/internal/storage/postgres"
)

func newMigrateCmd(configName *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the document store schema",
	}
	cmd.AddCommand(
		migrateAction(configName, "up", "Apply every pending migration", func(s *postgres.Store, cmd *cobra.Command) error {
			if err := s.Migrate(); err != nil {
				return err
			}
			return printVersion(s, cmd)
		}),
		migrateAction(configName, "down", "Revert every migration", func(s *postgres.Store, cmd *cobra.Command) error {
			if err := s.MigrateDown(); err != nil {
				return err
			}
			return printVersion(s, cmd)
		}),
		migrateAction(configName, "version", "Print the applied schema version", printVersion),
	)
	return cmd
}

func migrateAction(configName *string, use, short string, run func(*postgres.Store, *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configName)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			store, err := postgres.Open(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			return run(store, cmd)
		},
	}
}

func printVersion(s *postgres.Store, cmd *cobra.Command) error {
	v, dirty, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %v)\n", v, dirty)
	return err
}
