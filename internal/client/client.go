package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// DefaultAPIURL is the Open-Meteo historical archive endpoint.
const DefaultAPIURL = "https://archive-api.open-meteo.com/v1/archive"

// HistoryFetcher retrieves hourly temperature observations for a coordinate and date range.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error)
}

var (
	// ErrUpstreamUnavailable covers timeouts, transport errors, 5xx responses, an open
	// circuit and exhausted retries.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamRejected is returned for non-retryable 4xx responses.
	ErrUpstreamRejected = errors.New("upstream rejected request")
	ErrRateLimited      = errors.New("rate limited")
)

// Options configures an OpenMeteoClient. Zero values take the defaults noted per field.
type Options struct {
	APIURL         string        // DefaultAPIURL
	APIKey         string        // optional; sent as apikey
	Timeout        time.Duration // per attempt, 10s
	RetryAttempts  int           // 3
	RetryBaseDelay time.Duration // 100ms
	RetryMaxDelay  time.Duration // 2s

	// CircuitBreaker wraps each attempt when non-nil.
	CircuitBreaker *gobreaker.CircuitBreaker
}

// OpenMeteoClient implements HistoryFetcher against the Open-Meteo archive API.
// It never caches.
type OpenMeteoClient struct {
	apiURL         string
	apiKey         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// NewOpenMeteoClient validates opts and returns a client.
func NewOpenMeteoClient(opts Options) (*OpenMeteoClient, error) {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if _, err := url.ParseRequestURI(opts.APIURL); err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", opts.APIURL, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}

	return &OpenMeteoClient{
		apiURL:         opts.APIURL,
		apiKey:         opts.APIKey,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breaker:        opts.CircuitBreaker,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

// NewCircuitBreaker builds the upstream breaker. It opens after failureThreshold consecutive
// failures, stays open for openTimeout and admits halfOpenRequests trial calls.
func NewCircuitBreaker(failureThreshold uint32, openTimeout time.Duration, halfOpenRequests uint32) *gobreaker.CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather_api",
		MaxRequests: halfOpenRequests,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUpstreamRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String())
		},
	})
}

type archiveResponse struct {
	Hourly struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
	} `json:"hourly"`
}

// FetchHistory returns the hourly observations for opts. Transient failures are retried
// with exponential backoff; the final error wraps ErrUpstreamUnavailable or ErrUpstreamRejected.
func (c *OpenMeteoClient) FetchHistory(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.WeatherData{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := c.attempt(ctx, opts)
		if err == nil {
			return result, nil
		}

		lastErr = err
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		if !c.isRetryable(err) {
			break
		}
	}

	if errors.Is(lastErr, ErrUpstreamRejected) {
		return models.WeatherData{}, lastErr
	}
	if errors.Is(lastErr, ErrUpstreamUnavailable) {
		return models.WeatherData{}, fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return models.WeatherData{}, fmt.Errorf("%w: exhausted retries: %v", ErrUpstreamUnavailable, lastErr)
}

func (c *OpenMeteoClient) attempt(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, opts)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, opts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.WeatherData{}, fmt.Errorf("%w: circuit %v", ErrUpstreamUnavailable, err)
		}
		return models.WeatherData{}, err
	}
	return out.(models.WeatherData), nil
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, opts)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherData{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherData{}, fmt.Errorf("%w: request timeout: %v", ErrUpstreamUnavailable, err)
		}
		return models.WeatherData{}, fmt.Errorf("%w: http request failed: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return models.WeatherData{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.WeatherData{}, fmt.Errorf("%w: read response body: %v", ErrUpstreamUnavailable, err)
	}

	var apiResp archiveResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherData{}, fmt.Errorf("%w: parse response: %v", ErrUpstreamUnavailable, err)
	}

	return models.WeatherData{Coordinate: opts.Coordinate, Data: mapSamples(apiResp)}, nil
}

// mapSamples pairs hourly times with temperatures. Entries with a null or implausible
// temperature, an unparsable time, or no counterpart in the other array are dropped.
func mapSamples(resp archiveResponse) []models.DataPoint {
	n := len(resp.Hourly.Time)
	if len(resp.Hourly.Temperature2m) < n {
		n = len(resp.Hourly.Temperature2m)
	}
	points := make([]models.DataPoint, 0, n)
	for i := 0; i < n; i++ {
		temp := resp.Hourly.Temperature2m[i]
		if temp == nil || !models.PlausibleTemperature(*temp) {
			continue
		}
		ts, err := parseHourlyTime(resp.Hourly.Time[i])
		if err != nil {
			continue
		}
		points = append(points, models.DataPoint{Timestamp: ts, Temperature: *temp})
	}
	return points
}

// parseHourlyTime accepts the archive's "2006-01-02T15:04" form as UTC, plus full RFC3339.
func parseHourlyTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02T15:04", s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (c *OpenMeteoClient) isRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrUpstreamRejected) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, opts models.QueryOptions) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("latitude", formatCoordinate(opts.Coordinate.Latitude))
	params.Set("longitude", formatCoordinate(opts.Coordinate.Longitude))
	params.Set("start_date", opts.Start.UTC().Format("2006-01-02"))
	params.Set("end_date", opts.End.UTC().Format("2006-01-02"))
	params.Set("hourly", "temperature_2m")
	params.Set("timezone", "UTC")
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func formatCoordinate(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: HTTP 429", ErrUpstreamUnavailable, ErrRateLimited)
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: HTTP 408 timeout", ErrUpstreamUnavailable)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUpstreamRejected, resp.StatusCode, upstreamReason(resp))
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
}

// upstreamReason extracts Open-Meteo's {"error":true,"reason":"..."} message when present.
func upstreamReason(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return http.StatusText(resp.StatusCode)
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Reason != "" {
		return payload.Reason
	}
	return http.StatusText(resp.StatusCode)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
