package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sessionrelay/core/internal/config"
	"github.com/sessionrelay/core/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			path := databasePath(cc.Cfg.Config())

			s, err := store.Open(cmd.Context(), path, cc.Logger)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "database at %s is up to date\n", path)

			return nil
		},
	}
}

// databasePath returns the default data-directory database path when
// Persistence.DatabasePath is empty or left at the default "relayd.db";
// any other value, relative or absolute, is returned as given.
func databasePath(cfg *config.ServerConfig) string {
	if cfg.Persistence.DatabasePath != "" && cfg.Persistence.DatabasePath != "relayd.db" {
		return cfg.Persistence.DatabasePath
	}

	return config.DefaultServerDatabasePath()
}
