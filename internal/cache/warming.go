package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// WeatherFetcher is implemented by the service layer. Used by CacheWarmer to avoid a
// circular dependency on the service package.
type WeatherFetcher interface {
	GetWeather(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error)
}

// WindowFunc returns the date range to warm, evaluated at each run.
type WindowFunc func() (start, end time.Time)

// CacheWarmer prefetches weather for a fixed set of coordinates so the first user
// request for them is a hit.
type CacheWarmer struct {
	fetcher   WeatherFetcher
	window    WindowFunc
	logger    *zap.Logger
	timeout   time.Duration
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer. timeout bounds a single warming run.
func NewCacheWarmer(fetcher WeatherFetcher, window WindowFunc, timeout time.Duration, logger *zap.Logger) *CacheWarmer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CacheWarmer{fetcher: fetcher, window: window, timeout: timeout, logger: logger}
}

// Warm fetches weather for each coordinate concurrently through the fetcher, which
// populates the cache. Returns an aggregated error if any coordinate failed.
func (w *CacheWarmer) Warm(ctx context.Context, coords []models.Coordinate) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("coordinates", len(coords)))
	}
	from, to := w.window()
	var wg sync.WaitGroup
	errCh := make(chan error, len(coords))
	for _, c := range coords {
		wg.Add(1)
		go func(c models.Coordinate) {
			defer wg.Done()
			opts, err := models.NewQueryOptions(c, from, to)
			if err == nil {
				_, err = w.fetcher.GetWeather(ctx, opts)
			}
			if err != nil {
				errCh <- fmt.Errorf("warm %v,%v: %w", c.Latitude, c.Longitude, err)
			}
		}(c)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("coordinates", len(coords)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// Start schedules Warm every interval, starting immediately. Call Stop on shutdown.
func (w *CacheWarmer) Start(coords []models.Coordinate, interval time.Duration) error {
	if len(coords) == 0 {
		return nil
	}
	if interval <= 0 {
		return fmt.Errorf("warming interval must be positive, got %s", interval)
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.Warm(ctx, coords); err != nil && w.logger != nil {
			w.logger.Warn("cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	w.scheduler = s
	s.StartAsync()
	return nil
}

// Stop stops the warming schedule. Safe to call when Start was never called.
func (w *CacheWarmer) Stop() {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
}
