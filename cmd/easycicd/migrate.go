package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		cfg.ApplyDefaults()

		// Opening the store runs pending migrations.
		store, err := storage.NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Database at %s is up to date\n", cfg.DBPath())
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("config", "", "Path to YAML config file")
	migrateCmd.Flags().String("data-dir", "", "Data directory (default /data)")
}
