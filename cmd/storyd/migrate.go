package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Oudwins/storyd/internals/conf"
	storesqlite "github.com/Oudwins/storyd/internals/taskstore/backends/sqlite"
	"github.com/Oudwins/storyd/storyd/core"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply task store migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := root.config()
			if err != nil {
				return err
			}
			if config.Store.Backend != conf.BackendSQLite {
				fmt.Fprintf(cmd.OutOrStdout(), "store backend %s has no migrations\n", config.Store.Backend)
				return nil
			}
			logger, logCloser := core.InitLogger(config)
			defer logCloser.Close()

			backend, err := storesqlite.New(cmd.Context(), storesqlite.Config{
				Path:   config.DBPath(),
				Logger: logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", config.DBPath())
			return backend.Close()
		},
	}
}
