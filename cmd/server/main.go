package main

import (
	"fmt"
	"os"

	"github.com/houbamydar/clientdesk/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd loads configuration from the environment once and hands it to
// the subcommands. Without a subcommand it serves.
func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "clientdesk",
		Short:         "Self-service admin for Keycloak OAuth clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			*cfg = loaded
			return nil
		},
	}

	serve := newServeCmd(cfg)
	root.RunE = serve.RunE
	root.AddCommand(serve)
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newCleanupRetentionCmd(cfg))
	return root
}
