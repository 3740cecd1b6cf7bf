package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/houbamydar/clientdesk/internal/config"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if root := cmd.Root(); root.PersistentPreRunE != nil {
				if err := root.PersistentPreRunE(cmd, args); err != nil {
					return err
				}
			}
			return cfg.ValidateDatabase()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.MigrateUp(cfg.PostgresURL); err != nil {
				return err
			}
			return printMigrationStatus(cmd, cfg.PostgresURL)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (one step by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseDownSteps(args)
			if err != nil {
				return err
			}
			if err := store.MigrateDown(cfg.PostgresURL, steps); err != nil {
				return err
			}
			return printMigrationStatus(cmd, cfg.PostgresURL)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version and embedded migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := printMigrationStatus(cmd, cfg.PostgresURL); err != nil {
				return err
			}
			names, err := store.MigrationNames()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
			}
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, dbURL string) error {
	status, err := store.MigrationVersion(dbURL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatMigrationStatus(status))
	return nil
}

func formatMigrationStatus(status store.MigrationStatus) string {
	if !status.Applied {
		return "schema version: none"
	}
	if status.Dirty {
		return fmt.Sprintf("schema version: %d (dirty)", status.Version)
	}
	return fmt.Sprintf("schema version: %d", status.Version)
}

func parseDownSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	steps, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("steps must be a positive integer, got %q", args[0])
	}
	return steps, nil
}
