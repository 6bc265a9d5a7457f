package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/client"
	"github.com/kjstillabower/weather-history-service/internal/health"
	"github.com/kjstillabower/weather-history-service/internal/models"
)

type mockWeatherService struct {
	mu          sync.Mutex
	data        models.WeatherData
	err         error
	calls       []models.QueryOptions
	invalidated []models.QueryOptions
}

func (m *mockWeatherService) GetWeather(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, opts)
	if m.err != nil {
		return models.WeatherData{}, m.err
	}
	d := m.data
	d.Coordinate = opts.Coordinate
	return d, nil
}

func (m *mockWeatherService) Invalidate(ctx context.Context, opts models.QueryOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, opts)
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

var fixedNow = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)

func newTestRouter(svc WeatherService, monitor *health.Monitor) http.Handler {
	h := NewHandler(svc, monitor, zap.NewNop(), Options{DefaultWindow: 7 * 24 * time.Hour})
	h.now = func() time.Time { return fixedNow }
	return NewRouter(h, RouterConfig{RequestTimeout: time.Second}, zap.NewNop())
}

func serve(t *testing.T, router http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestHandler_GetWeather_Success verifies status, schema and the parsed range passed to the service.
func TestHandler_GetWeather_Success(t *testing.T) {
	svc := &mockWeatherService{data: models.WeatherData{Data: []models.DataPoint{
		{Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Temperature: 1.5},
	}}}
	w := serve(t, newTestRouter(svc, nil), http.MethodGet, "/weather/52.52/13.41?start=2020-01-01&end=2020-01-02")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Coordinate models.Coordinate `json:"coordinate"`
		Data       []struct {
			Timestamp   string  `json:"timestamp"`
			Temperature float64 `json:"temperature"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Coordinate != (models.Coordinate{Latitude: 52.52, Longitude: 13.41}) {
		t.Errorf("coordinate = %+v", body.Coordinate)
	}
	if len(body.Data) != 1 || body.Data[0].Timestamp != "2020-01-01T00:00:00Z" || body.Data[0].Temperature != 1.5 {
		t.Errorf("data = %+v", body.Data)
	}

	if len(svc.calls) != 1 {
		t.Fatalf("service calls = %d, want 1", len(svc.calls))
	}
	got := svc.calls[0]
	if !got.Start.Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) || !got.End.Equal(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("range = %s..%s", got.Start, got.End)
	}
}

func TestHandler_GetWeather_DefaultWindow(t *testing.T) {
	svc := &mockWeatherService{}
	w := serve(t, newTestRouter(svc, nil), http.MethodGet, "/weather/1/1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	wantEnd := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	if got := svc.calls[0]; !got.End.Equal(wantEnd) || !got.Start.Equal(wantEnd.AddDate(0, 0, -7)) {
		t.Errorf("range = %s..%s, want 7 days ending %s", got.Start, got.End, wantEnd)
	}
}

// TestHandler_GetWeather_EmptyDataIsArray verifies an empty result serializes as [] not null.
func TestHandler_GetWeather_EmptyDataIsArray(t *testing.T) {
	w := serve(t, newTestRouter(&mockWeatherService{}, nil), http.MethodGet, "/weather/1/1")

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["data"]) != "[]" {
		t.Errorf("data = %s, want []", raw["data"])
	}
}

// TestHandler_GetWeather_BadRequests verifies that invalid input is rejected with 400 and the
// orchestrator is never invoked.
func TestHandler_GetWeather_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantCode string
	}{
		{"latitude above range", "/weather/90.0001/0", CodeInvalidCoordinate},
		{"latitude below range", "/weather/-91/0", CodeInvalidCoordinate},
		{"longitude below range", "/weather/0/-180.5", CodeInvalidCoordinate},
		{"not a number", "/weather/north/0", CodeInvalidCoordinate},
		{"start after end", "/weather/0/0?start=2020-01-02&end=2020-01-01", CodeInvalidRange},
		{"bad date", "/weather/0/0?start=yesterday", CodeInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockWeatherService{}
			w := serve(t, newTestRouter(svc, nil), http.MethodGet, tt.target)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var env errorEnvelope
			if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", env.Error.Code, tt.wantCode)
			}
			if env.Error.RequestID == "" || env.Error.RequestID != w.Header().Get(CorrelationIDHeader) {
				t.Errorf("requestId = %q, want correlation id %q", env.Error.RequestID, w.Header().Get(CorrelationIDHeader))
			}
			if len(svc.calls) != 0 {
				t.Errorf("service calls = %d, want 0", len(svc.calls))
			}
		})
	}
}

func TestHandler_GetWeather_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unavailable", fmt.Errorf("fetch weather for k: %w", client.ErrUpstreamUnavailable), http.StatusServiceUnavailable, CodeUpstreamUnavailable},
		{"rejected", fmt.Errorf("fetch weather for k: %w", client.ErrUpstreamRejected), http.StatusBadGateway, CodeUpstreamRejected},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, CodeUpstreamUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := health.NewMonitor(health.Config{DegradedWindow: time.Minute, DegradedErrorPct: 50}, nil)
			w := serve(t, newTestRouter(&mockWeatherService{err: tt.err}, monitor), http.MethodGet, "/weather/1/1")

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var env errorEnvelope
			_ = json.NewDecoder(w.Body).Decode(&env)
			if env.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", env.Error.Code, tt.wantCode)
			}
			if monitor.Degraded() {
				t.Error("handler must leave upstream outcomes to the service")
			}
		})
	}
}

func TestHandler_DeleteWeather(t *testing.T) {
	svc := &mockWeatherService{}
	router := newTestRouter(svc, nil)

	w := serve(t, router, http.MethodDelete, "/weather/1.0/1.0?start=2020-01-01&end=2020-01-02")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(svc.invalidated) != 1 || svc.invalidated[0].Coordinate.Latitude != 1.0 {
		t.Errorf("invalidated = %+v", svc.invalidated)
	}

	w = serve(t, router, http.MethodDelete, "/weather/100/1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid coordinate", w.Code)
	}
}

func TestHandler_GetHealth(t *testing.T) {
	monitor := health.NewMonitor(health.Config{}, nil)
	monitor.AddCheck("cache", func(ctx context.Context) error { return nil })
	router := newTestRouter(&mockWeatherService{}, monitor)

	w := serve(t, router, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status    string            `json:"status"`
		Service   string            `json:"service"`
		Version   string            `json:"version"`
		Checks    map[string]string `json:"checks"`
		Timestamp string            `json:"timestamp"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != health.StatusHealthy || body.Service != "weather-history-service" || body.Version != "dev" {
		t.Errorf("body = %+v", body)
	}
	if body.Checks["cache"] != "healthy" || body.Timestamp != "2024-03-08T12:00:00Z" {
		t.Errorf("checks = %v timestamp = %s", body.Checks, body.Timestamp)
	}

	monitor.SetShuttingDown(true)
	w = serve(t, router, http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status while shutting down = %d, want 503", w.Code)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	w := serve(t, newTestRouter(&mockWeatherService{}, nil), http.MethodPost, "/weather/1/1")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
