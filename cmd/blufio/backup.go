package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/store"
)

func newBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a consistent snapshot of the database to <path>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Storage.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("backup written to %s\n", args[0])
			return nil
		},
	}
}

func newRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <path>",
		Short: "Replace the database with the backup at <path> (daemon must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := store.Restore(cfg.Storage.DatabasePath, args[0]); err != nil {
				return err
			}
			fmt.Printf("database restored from %s\n", args[0])
			return nil
		},
	}
}
