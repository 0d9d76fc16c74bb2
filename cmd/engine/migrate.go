package main

import (
	"fmt"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/spf13/cobra"
)

// buildMigrateCmd creates the "migrate" command. The embedded sqlite store
// applies its schema on open (internal/storage/sqlite.go), so migration is
// just opening and closing the store at the configured path — this command
// exists mainly to let an operator provision the database file ahead of the
// first `serve` without also starting the scheduler.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema at the configured path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Storage.Driver != "sqlite" {
				fmt.Fprintf(cmd.OutOrStdout(), "storage driver %q has no schema to apply\n", cfg.Storage.Driver)
				return nil
			}
			store, err := openStore(cfg.Storage)
			if err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			if closer, ok := store.(interface{ Close() error }); ok {
				defer closer.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied at %s\n", cfg.Storage.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "engine.yaml", "Path to YAML configuration file")
	return cmd
}
