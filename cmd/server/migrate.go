package main

import (
	"errors"

	"github.com/olyamironova/spot-exchange/internal/adapter/pg"
	"github.com/olyamironova/spot-exchange/internal/config"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the postgres schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is not set")
		}
		log := logging.NewLoggerFromEnv(cfg.Log.Environment)
		defer log.AtExit()

		repo, err := pg.NewPgRepo(cmd.Context(), cfg.Postgres.DSN, cfg.Engine.LockTimeout)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("schema is up to date")
		return nil
	},
}
