package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// ErrMalformedCachePayload is returned when a cached value cannot be decoded.
var ErrMalformedCachePayload = errors.New("malformed cache payload")

// cachedPoint is the stored form of a DataPoint. Timestamp is epoch seconds.
type cachedPoint struct {
	Temperature *float64 `json:"temperature"`
	Timestamp   *float64 `json:"timestamp"`
}

// EncodePayload serializes points as a JSON array of {temperature, timestamp}. An empty
// input encodes as "[]".
func EncodePayload(points []models.DataPoint) (string, error) {
	out := make([]cachedPoint, 0, len(points))
	for _, p := range points {
		temp := p.Temperature
		ts := epochSeconds(p.Timestamp)
		if math.IsNaN(temp) || math.IsInf(temp, 0) {
			return "", fmt.Errorf("encode payload: non-finite temperature at %s", p.Timestamp.UTC().Format(time.RFC3339))
		}
		out = append(out, cachedPoint{Temperature: &temp, Timestamp: &ts})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// DecodePayload parses a payload written by EncodePayload. Timestamps come back in UTC and
// are exact for whole-second values. Any structural problem yields ErrMalformedCachePayload.
func DecodePayload(payload string) ([]models.DataPoint, error) {
	var raw []cachedPoint
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCachePayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an array", ErrMalformedCachePayload)
	}
	points := make([]models.DataPoint, 0, len(raw))
	for i, p := range raw {
		if p.Temperature == nil || p.Timestamp == nil {
			return nil, fmt.Errorf("%w: entry %d missing field", ErrMalformedCachePayload, i)
		}
		if !models.PlausibleTemperature(*p.Temperature) {
			return nil, fmt.Errorf("%w: entry %d temperature %v out of bounds", ErrMalformedCachePayload, i, *p.Temperature)
		}
		points = append(points, models.DataPoint{
			Timestamp:   fromEpochSeconds(*p.Timestamp),
			Temperature: *p.Temperature,
		})
	}
	return points, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func fromEpochSeconds(f float64) time.Time {
	sec := math.Floor(f)
	nanos := math.Round((f - sec) * 1e9)
	return time.Unix(int64(sec), int64(nanos)).UTC()
}
