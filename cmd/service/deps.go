package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/cache"
	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/config"
	"github.com/kjstillabower/weather-history-service/internal/health"
	"github.com/kjstillabower/weather-history-service/internal/history"
)

// cacheBackend is a configured cache with its optional health check and closer.
type cacheBackend struct {
	cache.Cache
	ping  health.CheckFunc
	close func() error
}

// historyBackend is a configured history sink with its optional health check.
type historyBackend struct {
	sink history.Sink
	ping health.CheckFunc
}

func newWeatherClient(cfg *config.Config, logger *zap.Logger) (*client.OpenMeteoClient, error) {
	opts := client.Options{
		APIURL:         cfg.WeatherAPIURL,
		APIKey:         cfg.WeatherAPIKey,
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}
	if cfg.CircuitBreakerEnabled {
		opts.CircuitBreaker = client.NewCircuitBreaker(
			uint32(cfg.CircuitBreakerFailureThreshold),
			cfg.CircuitBreakerOpenTimeout,
			uint32(cfg.CircuitBreakerHalfOpenRequests),
		)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("open_timeout", cfg.CircuitBreakerOpenTimeout))
	}
	weatherClient, err := client.NewOpenMeteoClient(opts)
	if err != nil {
		return nil, fmt.Errorf("weather client: %w", err)
	}
	return weatherClient, nil
}

func newCacheBackend(cfg *config.Config, logger *zap.Logger) (*cacheBackend, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return &cacheBackend{
			Cache: mc,
			ping:  func(context.Context) error { return mc.Ping() },
			close: mc.Close,
		}, nil
	case "redis":
		rc := cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.RedisTimeout,
		})
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return &cacheBackend{
			Cache: rc,
			ping:  func(context.Context) error { return rc.Ping() },
			close: rc.Close,
		}, nil
	default:
		logger.Info("cache backend: in_memory")
		return &cacheBackend{Cache: cache.NewInMemoryCache()}, nil
	}
}

func (b *cacheBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// newHistoryBackend returns nil when history recording is disabled.
func newHistoryBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*historyBackend, error) {
	switch cfg.HistoryBackend {
	case "postgres":
		pool, err := history.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sink := history.NewPostgresSink(pool)
		if err := sink.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("history backend: postgres")
		return &historyBackend{sink: sink, ping: sink.Ping}, nil
	case "mqtt":
		sink, err := history.NewMQTTSink(history.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         byte(cfg.MQTTQoS),
			Timeout:     cfg.HistoryWriteTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("history backend: mqtt", zap.String("broker", cfg.MQTTBroker))
		return &historyBackend{sink: sink, ping: sink.Ping}, nil
	default:
		return nil, nil
	}
}

// warmingWindow returns the default query window ending at the most recent UTC midnight.
func warmingWindow(window time.Duration) cache.WindowFunc {
	return func() (time.Time, time.Time) {
		now := time.Now().UTC()
		end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return end.Add(-window), end
	}
}
