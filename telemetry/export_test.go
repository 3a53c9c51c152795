package telemetry

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SetupAllMetrics and FetchSeries let telemetry_test drive real clients.
func SetupAllMetrics(t *testing.T) *sdkmetric.ManualReader {
	return setupAllMetrics(t)
}

func FetchSeries(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	return fetchSeries(collectMetrics(t, reader))
}
