package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testQuery(t *testing.T) models.QueryOptions {
	t.Helper()
	coord, err := models.NewCoordinate(52.52, 13.41)
	if err != nil {
		t.Fatalf("NewCoordinate() error = %v", err)
	}
	opts, err := models.NewQueryOptions(coord,
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewQueryOptions() error = %v", err)
	}
	return opts
}

func newTestClient(t *testing.T, url string, opts ...func(*Options)) *OpenMeteoClient {
	t.Helper()
	o := Options{
		APIURL:         url,
		Timeout:        time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := NewOpenMeteoClient(o)
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

func TestNewOpenMeteoClient_InvalidURL(t *testing.T) {
	if _, err := NewOpenMeteoClient(Options{APIURL: "::not a url"}); err == nil {
		t.Fatal("NewOpenMeteoClient() expected error for invalid URL")
	}
	c, err := NewOpenMeteoClient(Options{})
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() with defaults error = %v", err)
	}
	if c.apiURL != DefaultAPIURL {
		t.Errorf("apiURL = %q, want %q", c.apiURL, DefaultAPIURL)
	}
}

func TestOpenMeteoClient_FetchHistory_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		q := r.URL.Query()
		want := map[string]string{
			"latitude":   "52.5200",
			"longitude":  "13.4100",
			"start_date": "2020-01-01",
			"end_date":   "2020-01-02",
			"hourly":     "temperature_2m",
			"timezone":   "UTC",
		}
		for k, v := range want {
			if got := q.Get(k); got != v {
				t.Errorf("query %s = %q, want %q", k, got, v)
			}
		}
		if q.Has("apikey") {
			t.Error("apikey sent without being configured")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hourly":{"time":["2020-01-01T00:00","2020-01-01T01:00"],"temperature_2m":[1.5,-0.25]}}`))
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL).FetchHistory(context.Background(), testQuery(t))
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}

	if got.Coordinate.Latitude != 52.52 || got.Coordinate.Longitude != 13.41 {
		t.Errorf("Coordinate = %+v, want request coordinate", got.Coordinate)
	}
	if len(got.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2", len(got.Data))
	}
	if !got.Data[0].Timestamp.Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) || got.Data[0].Temperature != 1.5 {
		t.Errorf("Data[0] = %+v", got.Data[0])
	}
	if got.Data[1].Timestamp.Location() != time.UTC || got.Data[1].Temperature != -0.25 {
		t.Errorf("Data[1] = %+v", got.Data[1])
	}
}

func TestOpenMeteoClient_FetchHistory_SendsAPIKeyAndCorrelationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("apikey"); got != "secret" {
			t.Errorf("apikey = %q, want secret", got)
		}
		if got := r.Header.Get("X-Correlation-ID"); got != "req-1" {
			t.Errorf("X-Correlation-ID = %q, want req-1", got)
		}
		_, _ = w.Write([]byte(`{"hourly":{"time":[],"temperature_2m":[]}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(o *Options) { o.APIKey = "secret" })
	ctx := observabilityContext("req-1")
	got, err := c.FetchHistory(ctx, testQuery(t))
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if got.Data == nil || len(got.Data) != 0 {
		t.Errorf("Data = %#v, want empty non-nil slice", got.Data)
	}
}

// TestOpenMeteoClient_FetchHistory_FiltersSamples verifies that null temperatures, unparsable
// times, implausible values and unmatched trailing entries are excluded.
func TestOpenMeteoClient_FetchHistory_FiltersSamples(t *testing.T) {
	body := `{"hourly":{
		"time":["2020-01-01T00:00","2020-01-01T01:00","garbage","2020-01-01T03:00","2020-01-01T04:00","2020-01-01T05:00"],
		"temperature_2m":[10.0,null,12.0,150.0,-4.5]}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL).FetchHistory(context.Background(), testQuery(t))
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(got.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2: %+v", len(got.Data), got.Data)
	}
	if got.Data[0].Temperature != 10.0 || got.Data[1].Temperature != -4.5 {
		t.Errorf("Data = %+v, want temperatures 10.0 and -4.5", got.Data)
	}
	if !got.Data[1].Timestamp.Equal(time.Date(2020, 1, 1, 4, 0, 0, 0, time.UTC)) {
		t.Errorf("Data[1].Timestamp = %s", got.Data[1].Timestamp)
	}
}

func TestOpenMeteoClient_FetchHistory_ErrorHandling(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		wantCalls int32
	}{
		{"400 rejected", http.StatusBadRequest, ErrUpstreamRejected, 1},
		{"404 rejected", http.StatusNotFound, ErrUpstreamRejected, 1},
		{"429 retried", http.StatusTooManyRequests, ErrUpstreamUnavailable, 3},
		{"500 retried", http.StatusInternalServerError, ErrUpstreamUnavailable, 3},
		{"503 retried", http.StatusServiceUnavailable, ErrUpstreamUnavailable, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":true,"reason":"Parameter 'start_date' is out of allowed range"}`))
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).FetchHistory(context.Background(), testQuery(t))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("FetchHistory() error = %v, want %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestOpenMeteoClient_FetchHistory_ErrorsCountedPerAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	counter := observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryUpstream5xx))
	before := testutil.ToFloat64(counter)
	retriesBefore := testutil.ToFloat64(observability.WeatherAPIRetriesTotal)

	_, err := newTestClient(t, server.URL).FetchHistory(context.Background(), testQuery(t))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("FetchHistory() error = %v, want %v", err, ErrUpstreamUnavailable)
	}
	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("upstream_5xx errors = %v, want 3 (one per attempt)", got)
	}
	if got := testutil.ToFloat64(observability.WeatherAPIRetriesTotal) - retriesBefore; got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestOpenMeteoClient_FetchHistory_RetryThenSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"hourly":{"time":["2020-01-01T00:00"],"temperature_2m":[3.0]}}`))
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL).FetchHistory(context.Background(), testQuery(t))
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(got.Data) != 1 || atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Data = %+v after %d calls, want 1 point after 2 calls", got.Data, calls)
	}
}

func TestOpenMeteoClient_FetchHistory_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.RetryAttempts = 2
	})
	_, err := c.FetchHistory(context.Background(), testQuery(t))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("FetchHistory() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestOpenMeteoClient_FetchHistory_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).FetchHistory(context.Background(), testQuery(t))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("FetchHistory() error = %v, want ErrUpstreamUnavailable", err)
	}
}

// TestOpenMeteoClient_CircuitBreakerOpens verifies that after the failure threshold the
// breaker fails fast without reaching the upstream.
func TestOpenMeteoClient_CircuitBreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(o *Options) {
		o.RetryAttempts = 1
		o.CircuitBreaker = NewCircuitBreaker(2, time.Minute, 1)
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = c.FetchHistory(ctx, testQuery(t))
	}
	_, err := c.FetchHistory(ctx, testQuery(t))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("FetchHistory() error = %v, want ErrUpstreamUnavailable", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (third call short-circuited)", got)
	}
}

// TestOpenMeteoClient_CircuitBreakerIgnoresRejections verifies 4xx responses do not trip the breaker.
func TestOpenMeteoClient_CircuitBreakerIgnoresRejections(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(o *Options) {
		o.RetryAttempts = 1
		o.CircuitBreaker = NewCircuitBreaker(2, time.Minute, 1)
	})
	for i := 0; i < 4; i++ {
		_, err := c.FetchHistory(context.Background(), testQuery(t))
		if !errors.Is(err, ErrUpstreamRejected) {
			t.Fatalf("call %d error = %v, want ErrUpstreamRejected", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("upstream calls = %d, want 4", got)
	}
}

func TestCalculateBackoff(t *testing.T) {
	c := &OpenMeteoClient{retryBaseDelay: 100 * time.Millisecond, retryMaxDelay: 300 * time.Millisecond}
	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 110 * time.Millisecond},
		{2, 200 * time.Millisecond, 220 * time.Millisecond},
		{5, 300 * time.Millisecond, 330 * time.Millisecond},
	}
	for _, tt := range tests {
		got := c.calculateBackoff(tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("calculateBackoff(%d) = %s, want within [%s, %s]", tt.attempt, got, tt.min, tt.max)
		}
	}
}
