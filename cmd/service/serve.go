package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/health"
	"github.com/kjstillabower/weather-history-service/internal/history"
	httphandler "github.com/kjstillabower/weather-history-service/internal/http"
	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/service"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Long:  "Serve GET/DELETE /weather/{lat}/{lon}, /health and /metrics until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	weatherClient, err := newWeatherClient(cfg, logger)
	if err != nil {
		return err
	}

	backend, err := newCacheBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}()
	store := cache.NewStore(backend, logger)

	monitor := health.NewMonitor(health.Config{
		DegradedWindow:      cfg.DegradedWindow,
		DegradedErrorPct:    cfg.DegradedErrorPct,
		DegradedMinRequests: cfg.DegradedMinRequests,
	}, logger)
	if backend.ping != nil {
		monitor.AddCheck("cache", backend.ping)
	}

	svcOpts := []service.Option{service.WithLogger(logger), service.WithOutcomeRecorder(monitor)}
	var historyWriter *history.Writer
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	hb, err := newHistoryBackend(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		return fmt.Errorf("history backend: %w", err)
	}
	if hb != nil {
		historyWriter = history.NewWriter(hb.sink, cfg.HistoryQueueSize, cfg.HistoryWriteTimeout, logger)
		svcOpts = append(svcOpts, service.WithHistory(historyWriter))
		monitor.AddCheck("history", hb.ping)
	}

	weatherService := service.NewWeatherService(weatherClient, store, cfg.CacheTTL, svcOpts...)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(weatherService, monitor, logger, httphandler.Options{
		DefaultWindow: cfg.DefaultWindow,
		Version:       version,
	})
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
	}, logger)

	warmer := cache.NewCacheWarmer(weatherService, warmingWindow(cfg.DefaultWindow), cfg.RequestTimeout, logger)
	if err := warmer.Start(cfg.WarmingCoordinates, cfg.WarmingInterval); err != nil {
		logger.Warn("cache warming disabled", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		warmer.Stop()
		return fmt.Errorf("server: %w", err)
	}
	stop()

	logger.Info("graceful shutdown triggered")
	monitor.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	warmer.Stop()

	if historyWriter != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.HistoryDrainTimeout)
		err := historyWriter.Close(drainCtx)
		drainCancel()
		if err != nil {
			logger.Error("history writer close", zap.Error(err))
		}
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
