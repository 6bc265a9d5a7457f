package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// DateLayout is the accepted calendar-date form for start and end.
const DateLayout = "2006-01-02"

var validate = validator.New()

type coordinateInput struct {
	Latitude  float64 `validate:"gte=-90,lte=90"`
	Longitude float64 `validate:"gte=-180,lte=180"`
}

type rangeInput struct {
	Start time.Time
	End   time.Time `validate:"gtefield=Start"`
}

// ParseCoordinate parses latitude and longitude path values in decimal degrees.
// Errors wrap models.ErrInvalidCoordinate and are suitable for 400 INVALID_COORDINATE.
func ParseCoordinate(latStr, lonStr string) (models.Coordinate, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: latitude %q is not a number", models.ErrInvalidCoordinate, latStr)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: longitude %q is not a number", models.ErrInvalidCoordinate, lonStr)
	}
	if err := validate.Struct(coordinateInput{Latitude: lat, Longitude: lon}); err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: %s", models.ErrInvalidCoordinate, describe(err))
	}
	return models.NewCoordinate(lat, lon)
}

// ParseRange parses the start and end query values. Each accepts YYYY-MM-DD (UTC midnight)
// or RFC3339. A missing end defaults to today at UTC midnight relative to now; a missing
// start defaults to end minus window. Errors wrap models.ErrInvalidRange.
func ParseRange(startStr, endStr string, now time.Time, window time.Duration) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error

	if strings.TrimSpace(endStr) == "" {
		n := now.UTC()
		end = time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	} else if end, err = parseInstant(endStr); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end: %v", models.ErrInvalidRange, err)
	}

	if strings.TrimSpace(startStr) == "" {
		start = end.Add(-window)
	} else if start, err = parseInstant(startStr); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start: %v", models.ErrInvalidRange, err)
	}

	if err := validate.Struct(rangeInput{Start: start, End: end}); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s is after end %s", models.ErrInvalidRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(DateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not YYYY-MM-DD or RFC3339", s)
	}
	return t.UTC(), nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s %v fails %s=%s", strings.ToLower(fe.Field()), fe.Value(), fe.Tag(), fe.Param()))
	}
	return strings.Join(msgs, "; ")
}
