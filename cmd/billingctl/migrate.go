package main

import (
	"github.com/spf13/cobra"

	"trading-fee-billing/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the billing schema",
	Long: `Create or update the billing schema.

Every statement is idempotent, so running it against an up-to-date database
changes nothing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenDB(cmd.Context(), cfg.DatabaseConfig, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.RunMigrations(cmd.Context())
	},
}
