package service

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// DeriveKey returns the cache key for opts: "lat:lon:start:end". Coordinates are rounded
// half away from zero to two decimals, so requests within ~1km share an entry. Instants at
// UTC midnight render as dates (2020-01-01); anything else renders as 20200101T063000Z.
func DeriveKey(opts models.QueryOptions) string {
	var b strings.Builder
	b.WriteString(formatCoordinate(opts.Coordinate.Latitude))
	b.WriteByte(':')
	b.WriteString(formatCoordinate(opts.Coordinate.Longitude))
	b.WriteByte(':')
	b.WriteString(formatInstant(opts.Start))
	b.WriteByte(':')
	b.WriteString(formatInstant(opts.End))
	return b.String()
}

// formatCoordinate rounds v to two decimals and renders it in shortest form with at least
// one fractional digit. Negative zero renders as "0.0".
func formatCoordinate(v float64) string {
	r := math.Round(v*100) / 100
	if r == 0 {
		r = 0
	}
	s := strconv.FormatFloat(r, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func formatInstant(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("20060102T150405Z")
}
