package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/service"
	"github.com/kjstillabower/weather-history-service/internal/validation"
)

func fetchCmd() *cobra.Command {
	var lat, lon, start, end string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch historical weather once and print it as JSON",
		Long:  "Run a single query through the configured cache and upstream, then print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := validation.ParseCoordinate(lat, lon)
			if err != nil {
				return err
			}
			from, to, err := validation.ParseRange(start, end, time.Now(), cfg.DefaultWindow)
			if err != nil {
				return err
			}
			opts, err := models.NewQueryOptions(coord, from, to)
			if err != nil {
				return err
			}

			logger := zap.NewNop()
			weatherClient, err := newWeatherClient(cfg, logger)
			if err != nil {
				return err
			}
			backend, err := newCacheBackend(cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			svc := service.NewWeatherService(weatherClient, cache.NewStore(backend, logger), cfg.CacheTTL)
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
			defer cancel()
			data, err := svc.GetWeather(ctx, opts)
			if err != nil {
				return err
			}

			output, err := json.MarshalIndent(data, "", "  ")
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return nil
		},
	}
	cmd.Flags().StringVar(&lat, "lat", "", "latitude in decimal degrees")
	cmd.Flags().StringVar(&lon, "lon", "", "longitude in decimal degrees")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD or RFC3339); defaults to end minus the default window")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD or RFC3339); defaults to today")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}
