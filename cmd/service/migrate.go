package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/weather-history-service/internal/history"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the weather_data table and indexes",
		Long:  "Apply the history schema to the database at DATABASE_URL. Safe to run repeatedly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL required for migrate")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := history.ConnectPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			sink := history.NewPostgresSink(pool)
			defer sink.Close()
			if err := sink.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
