package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

type mockWeatherFetcher struct {
	mu    sync.Mutex
	calls []models.QueryOptions
	err   error
}

func (m *mockWeatherFetcher) GetWeather(ctx context.Context, opts models.QueryOptions) (models.WeatherData, error) {
	m.mu.Lock()
	m.calls = append(m.calls, opts)
	m.mu.Unlock()
	if m.err != nil {
		return models.WeatherData{}, m.err
	}
	return models.WeatherData{Coordinate: opts.Coordinate, Data: []models.DataPoint{}}, nil
}

func fixedWindow() (time.Time, time.Time) {
	end := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, 0, -7), end
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockWeatherFetcher{}
	warmer := NewCacheWarmer(fetcher, fixedWindow, time.Second, nil)
	coords := []models.Coordinate{{Latitude: 47.61, Longitude: -122.33}, {Latitude: 42.36, Longitude: -71.06}}

	if err := warmer.Warm(context.Background(), coords); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.calls) != 2 {
		t.Fatalf("fetcher calls = %d, want 2", len(fetcher.calls))
	}
	start, end := fixedWindow()
	for _, call := range fetcher.calls {
		if !call.Start.Equal(start) || !call.End.Equal(end) {
			t.Errorf("warm window = %s..%s, want %s..%s", call.Start, call.End, start, end)
		}
	}
}

func TestCacheWarmer_Warm_EmptyCoordinates(t *testing.T) {
	warmer := NewCacheWarmer(&mockWeatherFetcher{}, fixedWindow, time.Second, nil)

	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm() with nil coordinates error = %v, want nil", err)
	}
}

func TestCacheWarmer_Warm_FetcherError(t *testing.T) {
	fetcher := &mockWeatherFetcher{err: errors.New("api down")}
	warmer := NewCacheWarmer(fetcher, fixedWindow, time.Second, nil)

	err := warmer.Warm(context.Background(), []models.Coordinate{{Latitude: 1, Longitude: 1}})
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "api down") {
		t.Errorf("Warm() error = %q, want message containing failure", err)
	}
}

func TestCacheWarmer_Start_RejectsBadInterval(t *testing.T) {
	warmer := NewCacheWarmer(&mockWeatherFetcher{}, fixedWindow, time.Second, nil)
	if err := warmer.Start([]models.Coordinate{{Latitude: 1, Longitude: 1}}, 0); err == nil {
		t.Error("Start() with zero interval error = nil, want error")
	}
	warmer.Stop()
}

func TestCacheWarmer_Start_RunsImmediately(t *testing.T) {
	fetcher := &mockWeatherFetcher{}
	warmer := NewCacheWarmer(fetcher, fixedWindow, time.Second, nil)
	if err := warmer.Start([]models.Coordinate{{Latitude: 1, Longitude: 1}}, time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer warmer.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fetcher.mu.Lock()
		n := len(fetcher.calls)
		fetcher.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled warm did not run within 2s")
}
