package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sreeram77/gpu-stats/sampler"

var (
	resultOK     = metric.WithAttributes(attribute.String("result", "ok"))
	resultFailed = metric.WithAttributes(attribute.String("result", "failed"))
)

// samplerMetrics holds all metrics for the sampler
type samplerMetrics struct {
	ticks         metric.Int64Counter
	queryDuration metric.Float64Histogram
	publishErrors metric.Int64Counter
	multiGPU      metric.Int64Counter
}

func newSamplerMetrics(s *Sampler) samplerMetrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	ticks, _ := meter.Int64Counter(
		"gpustats.sampler.ticks",
		metric.WithDescription("Number of sampling ticks by result"),
	)
	queryDuration, _ := meter.Float64Histogram(
		"gpustats.sampler.query.duration",
		metric.WithDescription("Time taken by the diagnostic tool query"),
		metric.WithUnit("s"),
	)
	publishErrors, _ := meter.Int64Counter(
		"gpustats.sampler.publish.errors",
		metric.WithDescription("Number of scalars the sink failed to accept"),
	)
	multiGPU, _ := meter.Int64Counter(
		"gpustats.sampler.multi_gpu",
		metric.WithDescription("Ticks that saw more than one GPU and kept only the last"),
	)
	_, _ = meter.Int64ObservableGauge(
		"gpustats.sampler.step",
		metric.WithDescription("Time index of the next published record"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Step())
			return nil
		}),
	)

	return samplerMetrics{
		ticks:         ticks,
		queryDuration: queryDuration,
		publishErrors: publishErrors,
		multiGPU:      multiGPU,
	}
}
