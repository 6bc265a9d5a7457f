package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Plausible temperature bounds in degrees Celsius. Samples outside are treated as malformed.
const (
	MinTemperature = -100.0
	MaxTemperature = 100.0
)

var (
	// ErrInvalidCoordinate is returned when latitude or longitude is out of range.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrInvalidRange is returned when a query's start is after its end.
	ErrInvalidRange = errors.New("invalid range")
)

// Coordinate is a geographic point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewCoordinate returns a Coordinate or ErrInvalidCoordinate when latitude is outside
// [-90, 90] or longitude is outside [-180, 180].
func NewCoordinate(lat, lon float64) (Coordinate, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return Coordinate{}, fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return Coordinate{}, fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidCoordinate, lon)
	}
	return Coordinate{Latitude: lat, Longitude: lon}, nil
}

// DataPoint is a single hourly temperature sample.
type DataPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
}

// PlausibleTemperature reports whether t is a finite value inside the accepted bounds.
func PlausibleTemperature(t float64) bool {
	return !math.IsNaN(t) && t >= MinTemperature && t <= MaxTemperature
}

// QueryOptions identifies a historical weather request.
type QueryOptions struct {
	Coordinate Coordinate
	Start      time.Time
	End        time.Time
}

// NewQueryOptions returns QueryOptions or ErrInvalidRange when start is after end.
func NewQueryOptions(coord Coordinate, start, end time.Time) (QueryOptions, error) {
	if start.After(end) {
		return QueryOptions{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return QueryOptions{Coordinate: coord, Start: start, End: end}, nil
}

// WeatherData is the response for a query: the requested coordinate and its samples in fetch order.
type WeatherData struct {
	Coordinate Coordinate  `json:"coordinate"`
	Data       []DataPoint `json:"data"`
}
