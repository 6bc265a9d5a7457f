package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// CacheStore is the best-effort cache used by WeatherService. Operations never fail;
// cache.Store adapts an error-returning backend to this contract.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// HistoryRecorder receives freshly fetched observations. Record must not block.
type HistoryRecorder interface {
	Record(data models.WeatherData)
}

// OutcomeRecorder observes upstream health. health.Monitor implements it.
type OutcomeRecorder interface {
	RecordSuccess()
	RecordError()
}

// Option configures a WeatherService.
type Option func(*WeatherService)

// WithHistory forwards every upstream result to rec after the cache is populated.
func WithHistory(rec HistoryRecorder) Option {
	return func(s *WeatherService) { s.history = rec }
}

// WithOutcomeRecorder reports the result of every upstream fetch to rec. Cache hits are not
// reported. Only ErrUpstreamUnavailable counts as an error; a rejection means upstream answered.
func WithOutcomeRecorder(rec OutcomeRecorder) Option {
	return func(s *WeatherService) { s.outcomes = rec }
}

// WithLogger sets the fallback logger used when the request context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(s *WeatherService) { s.logger = logger }
}

// WeatherService serves historical weather with the cache-aside pattern: check the cache,
// fetch upstream on a miss, populate the cache and return.
type WeatherService struct {
	fetcher         client.HistoryFetcher
	cache           CacheStore
	ttl             time.Duration
	history         HistoryRecorder
	outcomes        OutcomeRecorder
	logger          *zap.Logger
	stampedeTracker *stampedeTracker
}

// NewWeatherService creates a WeatherService. ttl is the expiry for populated entries.
func NewWeatherService(fetcher client.HistoryFetcher, store CacheStore, ttl time.Duration, opts ...Option) *WeatherService {
	s := &WeatherService{
		fetcher:         fetcher,
		cache:           store,
		ttl:             ttl,
		stampedeTracker: newStampedeTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetWeather returns observations for opts. A decodable cached entry is returned without
// contacting upstream. Otherwise the fetcher is called once; on success the result (even an
// empty one) is cached for the service ttl. Upstream errors are returned wrapped and nothing
// is cached. The returned coordinate is always the one in opts.
func (s *WeatherService) GetWeather(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error) {
	key := DeriveKey(opts)
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	observability.WeatherQueriesTotal.Inc()

	if cached, ok := s.cache.Get(ctx, key); ok && cached != "" {
		points, err := DecodePayload(cached)
		if err == nil {
			observability.CacheHitsTotal.Inc()
			if logger != nil {
				logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
			}
			return models.WeatherData{Coordinate: opts.Coordinate, Data: points}, nil
		}
		observability.CacheMalformedPayloadsTotal.Inc()
		if logger != nil {
			logger.Warn("discarding malformed cache entry", zap.String("key", key), zap.Error(err))
		}
		s.cache.Delete(ctx, key)
	}
	observability.CacheMissesTotal.Inc()

	if concurrent := s.stampedeTracker.RecordMiss(key); concurrent > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
	}
	defer s.stampedeTracker.Done(key)

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("key", key))
	}

	data, err := s.fetcher.FetchHistory(ctx, opts)
	s.recordOutcome(ctx, err)
	if err != nil {
		return models.WeatherData{}, fmt.Errorf("fetch weather for %s: %w", key, err)
	}
	points := data.Data
	if points == nil {
		points = []models.DataPoint{}
	}

	payload, err := EncodePayload(points)
	if err != nil {
		if logger != nil {
			logger.Warn("skipping cache populate", zap.String("key", key), zap.Error(err))
		}
	} else {
		s.cache.Set(ctx, key, payload, s.ttl)
	}

	result := models.WeatherData{Coordinate: opts.Coordinate, Data: points}
	if s.history != nil && len(points) > 0 {
		s.history.Record(result)
	}
	if logger != nil {
		logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", false),
			zap.Int("points", len(points)), zap.Duration("duration", time.Since(start)))
	}
	return result, nil
}

// Invalidate removes the cached entry for opts so the next GetWeather refetches.
func (s *WeatherService) Invalidate(ctx context.Context, opts models.QueryOptions) {
	key := DeriveKey(opts)
	s.cache.Delete(ctx, key)
	if logger := observability.LoggerFromContext(ctx, s.logger); logger != nil {
		logger.Info("cache entry invalidated", zap.String("key", key))
	}
}


// recordOutcome skips fetches abandoned because the caller went away.
func (s *WeatherService) recordOutcome(ctx context.Context, err error) {
	if s.outcomes == nil {
		return
	}
	switch {
	case err == nil:
		s.outcomes.RecordSuccess()
	case errors.Is(ctx.Err(), context.Canceled):
	case errors.Is(err, client.ErrUpstreamUnavailable):
		s.outcomes.RecordError()
	default:
		s.outcomes.RecordSuccess()
	}
}
