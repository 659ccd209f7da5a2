package httpserver

import (
	"context"
)

type MetricProducer interface {
	// MetricName The name for this group of metrics
	MetricName() string
	// Gauges are instantaneous name value pairs
	Gauges(context.Context) map[string]float64
}
