package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/health"
	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/kjstillabower/weather-history-service/internal/validation"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidCoordinate   = "INVALID_COORDINATE"
	CodeInvalidRange        = "INVALID_RANGE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamRejected    = "UPSTREAM_REJECTED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL"
)

// WeatherService is the orchestrator used by Handler.
type WeatherService interface {
	GetWeather(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error)
	Invalidate(ctx context.Context, opts models.QueryOptions)
}

// Options configures a Handler.
type Options struct {
	// DefaultWindow is the range length used when start is omitted.
	DefaultWindow time.Duration
	ServiceName   string
	Version       string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService WeatherService
	monitor        *health.Monitor
	logger         *zap.Logger
	opts           Options
	now            func() time.Time
}

// NewHandler returns a new Handler. monitor may be nil, in which case /health only reports
// liveness.
func NewHandler(weatherService WeatherService, monitor *health.Monitor, logger *zap.Logger, opts Options) *Handler {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 7 * 24 * time.Hour
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "weather-history-service"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if monitor == nil {
		monitor = health.NewMonitor(health.Config{}, logger)
	}
	return &Handler{
		weatherService: weatherService,
		monitor:        monitor,
		logger:         logger,
		opts:           opts,
		now:            time.Now,
	}
}

// parseQuery validates path and query parameters into QueryOptions. Failures are written as
// 400 responses and reported with ok=false.
func (h *Handler) parseQuery(w http.ResponseWriter, r *http.Request) (models.QueryOptions, bool) {
	vars := mux.Vars(r)
	coord, err := validation.ParseCoordinate(vars["lat"], vars["lon"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidCoordinate, err.Error())
		return models.QueryOptions{}, false
	}
	q := r.URL.Query()
	start, end, err := validation.ParseRange(q.Get("start"), q.Get("end"), h.now(), h.opts.DefaultWindow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRange, err.Error())
		return models.QueryOptions{}, false
	}
	opts, err := models.NewQueryOptions(coord, start, end)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRange, err.Error())
		return models.QueryOptions{}, false
	}
	return opts, true
}

// GetWeather handles GET /weather/{lat}/{lon}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	result, err := h.weatherService.GetWeather(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if result.Data == nil {
		result.Data = []models.DataPoint{}
	}
	writeJSON(w, http.StatusOK, toWeatherResponse(result))
}

// DeleteWeather handles DELETE /weather/{lat}/{lon}: drops the cached entry for the range.
func (h *Handler) DeleteWeather(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	h.weatherService.Invalidate(r.Context(), opts)
	w.WriteHeader(http.StatusNoContent)
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Check(r.Context())
	writeJSON(w, report.StatusCode, map[string]interface{}{
		"status":    report.Status,
		"service":   h.opts.ServiceName,
		"version":   h.opts.Version,
		"checks":    report.Checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

type weatherResponse struct {
	Coordinate models.Coordinate   `json:"coordinate"`
	Data       []dataPointResponse `json:"data"`
}

type dataPointResponse struct {
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
}

func toWeatherResponse(d models.WeatherData) weatherResponse {
	resp := weatherResponse{Coordinate: d.Coordinate, Data: make([]dataPointResponse, 0, len(d.Data))}
	for _, p := range d.Data {
		resp.Data = append(resp.Data, dataPointResponse{
			Timestamp:   p.Timestamp.UTC().Format(time.RFC3339),
			Temperature: p.Temperature,
		})
	}
	return resp
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the correlation id as requestId.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps orchestrator errors to 503 or 502. The underlying error is logged,
// not returned to the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if logger := observability.LoggerFromContext(r.Context(), nil); logger != nil {
		logger.Warn("weather request failed", zap.Error(err), zap.String("category", string(client.CategorizeError(err))))
	}
	switch {
	case errors.Is(err, client.ErrUpstreamRejected):
		writeError(w, r, http.StatusBadGateway, CodeUpstreamRejected, "Upstream rejected the request")
	case errors.Is(err, client.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Unable to fetch weather data")
	default:
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "Internal error")
	}
}
