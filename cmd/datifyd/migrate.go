package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datify-sh/datify/internal/config"
	"github.com/datify-sh/datify/internal/log"
	"github.com/datify-sh/datify/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending state-store migrations and exit",
	Long: `migrate opens the configured state store, applies any pending
schema migrations, and exits. datifyd serve also applies migrations on
startup; this command exists for operators who want to run migrations as
a separate, auditable step before rolling out a new version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(exitBootstrapFailure)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("datifyd-migrate")

		logger.Info().Str("database_url", cfg.DatabaseURL).Msg("applying migrations")
		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Error().Err(err).Msg("migration failed")
			os.Exit(exitMigrationFailure)
		}
		defer st.Close()

		logger.Info().Msg("migrations applied successfully")
		return nil
	},
}
