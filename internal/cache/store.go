package cache

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// Store wraps a Cache backend and makes every operation total: backend errors are logged,
// counted and then treated as a miss (Get) or ignored (Set, Delete). The cache is best-effort
// and never fails a request.
type Store struct {
	backend Cache
	logger  *zap.Logger
}

// NewStore returns a Store over backend. logger may be nil; the request-scoped logger
// from context is preferred when present.
func NewStore(backend Cache, logger *zap.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// Get returns the cached payload for key. Transport errors are reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	start := time.Now()
	value, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.recordError(ctx, "get", key, start, err)
		return "", false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(time.Since(start).Seconds())
	return value, ok
}

// Set stores value under key for ttl. Transport errors are swallowed.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) {
	start := time.Now()
	if err := s.backend.Set(ctx, key, value, ttl); err != nil {
		s.recordError(ctx, "set", key, start, err)
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(start).Seconds())
}

// Delete removes key. Transport errors are swallowed.
func (s *Store) Delete(ctx context.Context, key string) {
	start := time.Now()
	if err := s.backend.Delete(ctx, key); err != nil {
		s.recordError(ctx, "delete", key, start, err)
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("delete", "success").Observe(time.Since(start).Seconds())
}

func (s *Store) recordError(ctx context.Context, op, key string, start time.Time, err error) {
	observability.CacheOperationDurationSeconds.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
	observability.CacheErrorsTotal.WithLabelValues(op, categorizeCacheError(err)).Inc()
	if logger := observability.LoggerFromContext(ctx, s.logger); logger != nil {
		logger.Warn("cache unavailable", zap.String("operation", op), zap.String("key", key), zap.Error(err))
	}
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "dial") {
		return "connection"
	}
	return "unknown"
}
