package client

import (
	"context"

	"github.com/kjstillabower/weather-history-service/internal/observability"
)

func observabilityContext(correlationID string) context.Context {
	return observability.WithCorrelationID(context.Background(), correlationID)
}
