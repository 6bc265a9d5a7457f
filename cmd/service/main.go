package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/weather-history-service/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var envName string

func main() {
	rootCmd := &cobra.Command{
		Use:          "weather-history-service",
		Short:        "Cache-aside historical weather service",
		Long:         "Serves hourly historical temperatures from the Open-Meteo archive behind a shared cache",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&envName, "env", "e", "", "config environment (config/<env>.yaml); overrides ENV_NAME")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if envName != "" {
		if err := os.Setenv("ENV_NAME", envName); err != nil {
			return nil, fmt.Errorf("set ENV_NAME: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
