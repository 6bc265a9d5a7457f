package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	RequestTimeout time.Duration
	// Limiter guards /weather routes; nil disables rate limiting.
	Limiter *rate.Limiter
}

// NewRouter wires routes and middleware: correlation id and metrics on every route, rate
// limit and request timeout on /weather.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	// mux skips middleware when no route matches, so wrap the fallbacks directly.
	router.NotFoundHandler = unmatchedHandler(logger, http.NotFoundHandler())
	router.MethodNotAllowedHandler = unmatchedHandler(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}))
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		weatherRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	weatherRouter.HandleFunc("/{lat}/{lon}", h.GetWeather).Methods(http.MethodGet)
	weatherRouter.HandleFunc("/{lat}/{lon}", h.DeleteWeather).Methods(http.MethodDelete)
	return router
}

func unmatchedHandler(logger *zap.Logger, h http.Handler) http.Handler {
	return CorrelationIDMiddleware(logger)(MetricsMiddleware(h))
}
